// Package attrs replicates flat key/value attribute bags as changesets.
package attrs

import (
	"slices"
)

// Bag is a flat attribute map holding JSON-serializable values.
type Bag map[string]any

// Clone returns a deep copy of b.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = Clone(v)
	}
	return out
}

// Keys returns the keys of b in sorted order.
func (b Bag) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Changeset describes how one bag turns into another.
type Changeset struct {
	Changed map[string]any `json:"changed,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// IsEmpty reports whether the changeset carries no change.
func (c Changeset) IsEmpty() bool {
	return len(c.Changed) == 0 && len(c.Removed) == 0
}

// Compute returns the minimal changeset turning from into to: keys whose value
// differs under Equal (or that are new) are changed, keys missing from to are
// removed. Removed keys are sorted.
func Compute(from, to Bag) Changeset {
	var cs Changeset

	for k, v := range to {
		old, ok := from[k]
		if ok && Equal(old, v) {
			continue
		}
		if cs.Changed == nil {
			cs.Changed = make(map[string]any)
		}
		cs.Changed[k] = Clone(v)
	}

	for k := range from {
		if _, ok := to[k]; !ok {
			cs.Removed = append(cs.Removed, k)
		}
	}
	slices.Sort(cs.Removed)

	return cs
}

// Apply merges the changed entries of cs into b and deletes its removed keys.
func (b Bag) Apply(cs Changeset) {
	for k, v := range cs.Changed {
		b[k] = Clone(v)
	}
	for _, k := range cs.Removed {
		delete(b, k)
	}
}
