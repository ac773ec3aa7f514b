package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *AuthResult.
const ResultKey = "auth_result"

// Middleware authenticates requests. A nil service disables it.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware { return &Middleware{svc: svc} }

func (m *Middleware) Enabled() bool { return m != nil && m.svc != nil }

// RequireAdmin rejects requests without a valid admin token or basic
// credentials.
func (m *Middleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		res, err := m.authenticate(c.Request)
		if err != nil || !res.Success {
			c.Header("WWW-Authenticate", `Bearer realm="botrunner"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !HasRole(res.Roles, RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// Login exchanges admin credentials for a token.
func (m *Middleware) Login() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrDisabled.Error()})
			return
		}
		var req LoginRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid login request"})
			return
		}
		res, err := m.svc.Login(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "token": res.Token})
	}
}

func (m *Middleware) authenticate(r *http.Request) (*AuthResult, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return m.svc.Verify(strings.TrimSpace(tok))
		}
	}
	if u, p, ok := r.BasicAuth(); ok {
		return m.svc.Login(u, p)
	}
	return &AuthResult{}, ErrInvalidCredentials
}
