// Package matching resolves a human-entered name against a canonical list of
// options, first by case-insensitive substring and then by similarity ratio.
package matching

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultThreshold is the minimum similarity ratio for a fuzzy match.
const DefaultThreshold = 0.6

// maxFuzzy caps the number of fuzzy matches returned.
const maxFuzzy = 10

// Result holds the matches for one query, in option order for exact matches
// and best-first for fuzzy matches. Fuzzy never repeats an exact match.
type Result struct {
	Exact []string
	Fuzzy []string
}

// Best returns the single exact match if there is exactly one, otherwise the
// best fuzzy match. ok is false when neither exists.
func (r Result) Best() (string, bool) {
	if len(r.Exact) == 1 {
		return r.Exact[0], true
	}
	if len(r.Fuzzy) > 0 {
		return r.Fuzzy[0], true
	}
	if len(r.Exact) > 0 {
		return r.Exact[0], true
	}
	return "", false
}

// Empty reports whether the query matched nothing.
func (r Result) Empty() bool {
	return len(r.Exact) == 0 && len(r.Fuzzy) == 0
}

// Match returns the exact and fuzzy matches of query among options. A
// threshold <= 0 selects DefaultThreshold.
func Match(query string, options []string, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	var res Result
	if query == "" {
		return res
	}

	lower := strings.ToLower(query)
	exact := make(map[string]bool)
	for _, opt := range options {
		if strings.Contains(strings.ToLower(opt), lower) {
			res.Exact = append(res.Exact, opt)
			exact[opt] = true
		}
	}

	type scored struct {
		option string
		score  float64
		pos    int
	}
	var candidates []scored
	q := strings.Split(query, "")
	for i, opt := range options {
		if exact[opt] {
			continue
		}
		// Same argument order as SequenceMatcher(None, possibility, word).
		m := difflib.NewMatcher(strings.Split(opt, ""), q)
		if m.RealQuickRatio() < threshold || m.QuickRatio() < threshold {
			continue
		}
		if s := m.Ratio(); s >= threshold {
			candidates = append(candidates, scored{option: opt, score: s, pos: i})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	for i, c := range candidates {
		if i == maxFuzzy {
			break
		}
		res.Fuzzy = append(res.Fuzzy, c.option)
	}
	return res
}
