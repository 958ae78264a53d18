package main

import (
	"sort"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// fuzzyFilter ranks candidates against pattern using fzf's own matching
// algorithm — the same one that picks services to inspect when a
// cluster registers dozens of handler types. Non-matches are dropped;
// the rest are returned best match first.
func fuzzyFilter(candidates []string, pattern string) []string {
	if pattern == "" {
		return candidates
	}

	patternRunes := []rune(pattern)
	slab := util.MakeSlab(16*1024, 2*1024)

	type scored struct {
		text  string
		score int
	}
	var matches []scored
	for _, candidate := range candidates {
		chars := util.RunesToChars([]rune(candidate))
		result, _ := algo.FuzzyMatchV2(false, true, true, &chars, patternRunes, false, slab)
		if result.Start < 0 {
			continue
		}
		matches = append(matches, scored{text: candidate, score: result.Score})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.text
	}
	return out
}
