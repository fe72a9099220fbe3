package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Filters is the canonical string form of a filter set. Two filter sets are
// the same when their strings are equal.
type Filters string

type FilterSpec struct {
	Keyword string `json:"keyword,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// NewFilters encodes spec canonically.
func NewFilters(spec FilterSpec) Filters {
	if spec == (FilterSpec{}) {
		return ""
	}
	b, _ := json.Marshal(spec)
	return Filters(b)
}

func ParseFilters(f Filters) (FilterSpec, error) {
	var spec FilterSpec
	if strings.TrimSpace(string(f)) == "" {
		return spec, nil
	}
	if err := json.Unmarshal([]byte(f), &spec); err != nil {
		return spec, fmt.Errorf("invalid filters %q: %w", string(f), err)
	}
	return spec, nil
}

// Match reports whether e passes the keyword filter. The keyword is matched
// case-insensitively against every field value.
func (s FilterSpec) Match(e Entity) bool {
	kw := strings.ToLower(strings.TrimSpace(s.Keyword))
	if kw == "" {
		return true
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(strings.ToLower(e.Fields[k]), kw) {
			return true
		}
	}
	return false
}

// FilterTargets applies spec to the target groups of g in place. TargetsCount
// is left untouched so callers can compute how many targets were hidden.
func (g *EntityGraph) FilterTargets(spec FilterSpec) {
	groups := g.Targets[:0]
	for _, grp := range g.Targets {
		if spec.Kind != "" && grp.Kind != spec.Kind {
			continue
		}
		kept := grp.Targets[:0]
		for _, t := range grp.Targets {
			if spec.Match(t) {
				kept = append(kept, t)
			}
		}
		grp.Targets = kept
		groups = append(groups, grp)
	}
	g.Targets = groups
}
