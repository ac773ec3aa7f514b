package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// parseWait accepts a Go duration or whole seconds; empty means def.
func parseWait(s string, def time.Duration) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, true
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}
	var secs int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		secs = secs*10 + int(r-'0')
		if secs > 3600 {
			return 0, false
		}
	}
	return time.Duration(secs) * time.Second, true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func fail(c *gin.Context, code int, msg string) {
	writeJSON(c, code, errorResp{Error: msg})
}
