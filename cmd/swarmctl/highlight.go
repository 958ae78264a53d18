package main

import (
	"encoding/json"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
)

// highlightJSON pretty-prints v and syntax-highlights it for terminal
// display, the same chroma quick.Highlight entry point the pack's TUI
// example uses for fenced code blocks.
func highlightJSON(v any) string {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err.Error()
	}
	var out strings.Builder
	if err := quick.Highlight(&out, string(pretty), "json", "terminal256", "monokai"); err != nil {
		return string(pretty)
	}
	return out.String()
}
