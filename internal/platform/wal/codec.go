package wal

import (
	"github.com/beevik/etree"
)

// Codec maps records of type T to XML elements and back. Key must be stable
// and unique per record; the document is written sorted by it.
type Codec[T any] interface {
	// Root is the element name of the document root.
	Root() string
	Encode(item T) *etree.Element
	Decode(el *etree.Element) (T, error)
	Key(item T) string
}

// Action is the kind of change a WAL entry records.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

func (a Action) valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Entry is one logged change.
type Entry[T any] struct {
	Action Action
	Item   T
}

// SetPairAttrs writes a scheme/value pair as the attributes <prefix>scheme
// and <prefix>value, so neither half has to be split out of a joined string.
func SetPairAttrs(el *etree.Element, prefix, scheme, value string) {
	el.CreateAttr(prefix+"scheme", scheme)
	el.CreateAttr(prefix+"value", value)
}

// PairAttrs reads a pair written by SetPairAttrs.
func PairAttrs(el *etree.Element, prefix string) (scheme, value string) {
	return el.SelectAttrValue(prefix+"scheme", ""), el.SelectAttrValue(prefix+"value", "")
}
