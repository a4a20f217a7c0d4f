package canonical

import (
	"sort"
	"strings"
)

// RegionTable is the set of known county codes.
type RegionTable struct {
	codes map[string]struct{}
}

// NewRegionTable builds a table from codes; codes are matched
// case-insensitively and stored upper case.
func NewRegionTable(codes []string) RegionTable {
	t := RegionTable{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		if c = normalizeCode(c); c != "" {
			t.codes[c] = struct{}{}
		}
	}
	return t
}

// Normalize returns the canonical form of code if it is known.
func (t RegionTable) Normalize(code string) (string, bool) {
	c := normalizeCode(code)
	_, ok := t.codes[c]
	return c, ok
}

// Contains reports whether code is a known region.
func (t RegionTable) Contains(code string) bool {
	_, ok := t.Normalize(code)
	return ok
}

// Codes returns the known codes in sorted order.
func (t RegionTable) Codes() []string {
	out := make([]string, 0, len(t.codes))
	for c := range t.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, " ", "_")
}
