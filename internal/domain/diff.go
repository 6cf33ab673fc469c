package domain

import (
	"encoding/json"
	"sort"
	"strconv"
)

type DiffType string

const (
	DiffAdded   DiffType = "added"
	DiffRemoved DiffType = "removed"
	DiffChanged DiffType = "changed"
)

// Change is one path-level difference between two documents.
type Change struct {
	Type     DiffType
	Path     string
	OldValue Value
	NewValue Value
}

func (c Change) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"type": c.Type,
		"path": c.Path,
	}
	if c.Type != DiffAdded {
		out["old_value"] = c.OldValue
	}
	if c.Type != DiffRemoved {
		out["new_value"] = c.NewValue
	}
	return json.Marshal(out)
}

// Flatten maps every leaf of v to its path. Object keys are joined with ".",
// list elements are written "[i]", and a scalar root has the path "".
// Empty objects and lists are leaves.
func Flatten(v Value) map[string]Value {
	out := make(map[string]Value)
	flattenInto(out, "", v)
	return out
}

func flattenInto(out map[string]Value, prefix string, v Value) {
	switch v.Kind() {
	case KindObject:
		if v.Len() == 0 {
			out[prefix] = v
			return
		}
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			flattenInto(out, path, child)
		}
	case KindList:
		if v.Len() == 0 {
			out[prefix] = v
			return
		}
		for i, child := range v.Items() {
			flattenInto(out, prefix+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[prefix] = v
	}
}

// Diff compares the flattened forms of a and b. Changed paths come first,
// then added, then removed; each group is sorted by path.
func Diff(a, b Value) []Change {
	fa := Flatten(a)
	fb := Flatten(b)

	var changed, added, removed []Change
	for path, av := range fa {
		bv, ok := fb[path]
		if !ok {
			removed = append(removed, Change{Type: DiffRemoved, Path: path, OldValue: av})
			continue
		}
		if !av.Equal(bv) {
			changed = append(changed, Change{Type: DiffChanged, Path: path, OldValue: av, NewValue: bv})
		}
	}
	for path, bv := range fb {
		if _, ok := fa[path]; !ok {
			added = append(added, Change{Type: DiffAdded, Path: path, NewValue: bv})
		}
	}
	for _, group := range [][]Change{changed, added, removed} {
		sort.Slice(group, func(i, j int) bool { return group[i].Path < group[j].Path })
	}

	out := make([]Change, 0, len(changed)+len(added)+len(removed))
	out = append(out, changed...)
	out = append(out, added...)
	out = append(out, removed...)
	return out
}

// ChangeRecords turns a diff into the change list stored on audit entries.
func ChangeRecords(changes []Change, reason string) []ChangeRecord {
	out := make([]ChangeRecord, len(changes))
	for i, c := range changes {
		out[i] = NewChangeRecord(c.Path, c.OldValue, c.NewValue, reason)
	}
	return out
}
