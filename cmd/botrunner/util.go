package main

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(w, "%v\n", v)
		return
	}
	_, _ = fmt.Fprintln(w, string(b))
}
