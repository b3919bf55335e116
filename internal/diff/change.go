package diff

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Kind tags which payload a Change carries.
type Kind int

const (
	KindScalar Kind = iota + 1
	KindCollection
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindCollection:
		return "collection"
	default:
		return "invalid"
	}
}

type ScalarChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// FieldChange is one differing sub-field of a keyed collection item.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

type ItemChange struct {
	Identifier string        `json:"identifier"`
	Fields     []FieldChange `json:"fields"`
}

// CollectionDelta lists item identifiers (or set members) that appeared or disappeared,
// plus keyed items whose sub-fields differ.
type CollectionDelta struct {
	Added   []string     `json:"added,omitempty"`
	Removed []string     `json:"removed,omitempty"`
	Changed []ItemChange `json:"changed,omitempty"`
}

func (d CollectionDelta) empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Change is either a ScalarChange or a CollectionDelta, selected by Kind.
type Change struct {
	Kind       Kind
	Scalar     *ScalarChange
	Collection *CollectionDelta
}

func (c Change) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindScalar:
		if c.Scalar == nil {
			return nil, errors.New("scalar change without payload")
		}
		return json.Marshal(struct {
			Kind string `json:"kind"`
			ScalarChange
		}{Kind: c.Kind.String(), ScalarChange: *c.Scalar})
	case KindCollection:
		if c.Collection == nil {
			return nil, errors.New("collection change without payload")
		}
		return json.Marshal(struct {
			Kind string `json:"kind"`
			CollectionDelta
		}{Kind: c.Kind.String(), CollectionDelta: *c.Collection})
	default:
		return nil, fmt.Errorf("unknown change kind %d", c.Kind)
	}
}

// ChangeSet maps dotted field paths to their change. The zero value is NoChange;
// a ChangeSet built by Compare is either NoChange or holds at least one change.
type ChangeSet struct {
	changes map[string]Change
}

// NoChange is the result for identical snapshots and for a first run without a baseline.
var NoChange = ChangeSet{}

func (cs ChangeSet) IsNoChange() bool { return len(cs.changes) == 0 }

func (cs ChangeSet) Len() int { return len(cs.changes) }

func (cs ChangeSet) Get(path string) (Change, bool) {
	c, ok := cs.changes[path]
	return c, ok
}

// Paths returns the changed paths in lexical order.
func (cs ChangeSet) Paths() []string {
	out := make([]string, 0, len(cs.changes))
	for p := range cs.changes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	if cs.changes == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(cs.changes)
}

func (cs *ChangeSet) scalar(path string, from, to any) {
	cs.put(path, Change{Kind: KindScalar, Scalar: &ScalarChange{Old: from, New: to}})
}

func (cs *ChangeSet) collection(path string, d CollectionDelta) {
	if d.empty() {
		return
	}
	cs.put(path, Change{Kind: KindCollection, Collection: &d})
}

func (cs *ChangeSet) put(path string, c Change) {
	if cs.changes == nil {
		cs.changes = make(map[string]Change)
	}
	cs.changes[path] = c
}

// ErrNotComparable marks snapshots that could not be compared field by field.
var ErrNotComparable = errors.New("snapshots not comparable")

type NotComparableError struct {
	Reason string
}

func (e *NotComparableError) Error() string {
	return "snapshots not comparable: " + e.Reason
}

func (e *NotComparableError) Unwrap() error { return ErrNotComparable }
