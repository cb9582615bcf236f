package domain

// Change reports whether a mutation altered stored state.
type Change bool

const (
	Unchanged Change = false
	Changed   Change = true
)

func (c Change) IsChanged() bool { return bool(c) }

// Or is changed if either side is.
func (c Change) Or(o Change) Change { return c || o }

func (c Change) String() string {
	if c {
		return "changed"
	}
	return "unchanged"
}
