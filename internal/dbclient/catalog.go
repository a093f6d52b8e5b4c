package dbclient

import "strings"

// filter collects optional equality predicates for scoped catalog queries.
// Values bind through ? placeholders, which each adapter rewrites.
type filter struct {
	conds []string
	args  []any
}

func newFilter(conds ...string) *filter {
	return &filter{conds: conds}
}

// eq adds col = ? unless v is empty.
func (f *filter) eq(col, v string) {
	if v == "" {
		return
	}
	f.conds = append(f.conds, col+" = ?")
	f.args = append(f.args, v)
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}
