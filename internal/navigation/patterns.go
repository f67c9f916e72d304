package navigation

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/docket/internal/config"
)

// Patterns marks entries whose description looks like a transcript.
type Patterns struct {
	res []*regexp.Regexp
}

// CompilePatterns compiles the enabled patterns. Patterns match
// case-insensitively unless CaseSensitive is set.
func CompilePatterns(cfgs []config.PatternConfig) (*Patterns, error) {
	p := &Patterns{}
	for _, c := range cfgs {
		if !c.Enabled || c.Pattern == "" {
			continue
		}
		expr := c.Pattern
		if !c.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("navigation: compile pattern %q: %w", c.Pattern, err)
		}
		p.res = append(p.res, re)
	}
	return p, nil
}

// Len returns the number of enabled patterns.
func (p *Patterns) Len() int {
	if p == nil {
		return 0
	}
	return len(p.res)
}

// Match reports whether description matches any enabled pattern.
func (p *Patterns) Match(description string) bool {
	if p == nil {
		return false
	}
	for _, re := range p.res {
		if re.MatchString(description) {
			return true
		}
	}
	return false
}

// Annotate sets MatchedPattern on each entry.
func (p *Patterns) Annotate(entries []Entry) []Entry {
	for i := range entries {
		entries[i].MatchedPattern = p.Match(entries[i].Description)
	}
	return entries
}
