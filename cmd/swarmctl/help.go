package main

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

const helpMarkdown = `# swarmctl

**Keys**

- tab      switch panel (status / hosts / schedules / types)
- /        fuzzy-filter the current list
- l        locate a service by name
- r        refresh now
- q        quit

Connects to a single swarmd instance's admin HTTP surface and polls
` + "`/cluster/status`, `/cluster/hosts`, `/cluster/schedules`, `/cluster/types`" + `
on an interval.
`

var helpRenderer = goldmark.New()

// renderHelp converts the embedded help markdown to HTML and strips
// tags down to plain text — good enough for a status-bar help pane
// without reimplementing an ANSI markdown renderer.
func renderHelp() string {
	var buf bytes.Buffer
	if err := helpRenderer.Convert([]byte(helpMarkdown), &buf); err != nil {
		return helpMarkdown
	}
	return stripTags(buf.String())
}

func stripTags(html string) string {
	var out strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return strings.TrimSpace(out.String())
}
