package remote

import (
	"slices"
	"strings"
)

// MaxBatchWrites is the most writes one committed Batch may carry.
const MaxBatchWrites = 500

type transformKind int

const (
	transformArrayUnion transformKind = iota + 1
	transformArrayRemove
	transformDelete
)

// Transform is a server-side field transform used as a value in Set or Update data.
type Transform struct {
	kind   transformKind
	values []any
}

// ArrayUnion adds each value to the array field unless already present.
func ArrayUnion(values ...any) Transform {
	return Transform{kind: transformArrayUnion, values: values}
}

// ArrayRemove removes every occurrence of each value from the array field.
func ArrayRemove(values ...any) Transform {
	return Transform{kind: transformArrayRemove, values: values}
}

// DeleteField removes the field.
func DeleteField() Transform {
	return Transform{kind: transformDelete}
}

// WriteKind identifies a batched write.
type WriteKind int

const (
	WriteSet WriteKind = iota + 1
	WriteUpdate
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteSet:
		return "set"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	}
	return "unknown"
}

// Write is one operation of a Batch.
type Write struct {
	Kind WriteKind
	Path string
	Data Fields
}

// Batch groups writes that commit atomically: all of them or none.
type Batch struct {
	Writes []Write
}

func NewBatch() *Batch { return &Batch{} }

// Set replaces the document at path.
func (b *Batch) Set(path string, data Fields) *Batch {
	b.Writes = append(b.Writes, Write{Kind: WriteSet, Path: path, Data: data})
	return b
}

// Update merges data into an existing document. Keys may be dotted paths.
// Committing fails with ErrNotFound if the document does not exist.
func (b *Batch) Update(path string, data Fields) *Batch {
	b.Writes = append(b.Writes, Write{Kind: WriteUpdate, Path: path, Data: data})
	return b
}

func (b *Batch) Delete(path string) *Batch {
	b.Writes = append(b.Writes, Write{Kind: WriteDelete, Path: path})
	return b
}

func (b *Batch) Len() int { return len(b.Writes) }

// ApplySet resolves transforms in data against an empty document and returns
// the document body a Set produces.
func ApplySet(data Fields) Fields {
	out := Fields{}
	for k, v := range data {
		setPath(out, []string{k}, v)
	}
	return out
}

// ApplyUpdate returns a copy of current with patch merged in. Patch keys are
// dotted field paths; values may be transforms.
func ApplyUpdate(current, patch Fields) Fields {
	out := current.Clone()
	if out == nil {
		out = Fields{}
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		setPath(out, strings.Split(k, "."), patch[k])
	}
	return out
}

func setPath(m map[string]any, parts []string, value any) {
	key := parts[0]
	if len(parts) > 1 {
		child, ok := asMap(m[key])
		if !ok {
			if t, isT := value.(Transform); isT && t.kind == transformDelete {
				return
			}
			child = map[string]any{}
		}
		m[key] = child
		setPath(child, parts[1:], value)
		return
	}
	t, ok := value.(Transform)
	if !ok {
		m[key] = normalize(value)
		return
	}
	switch t.kind {
	case transformDelete:
		delete(m, key)
	case transformArrayUnion:
		arr, _ := asSlice(m[key])
		arr = slices.Clone(arr)
		for _, v := range t.values {
			if !slices.ContainsFunc(arr, func(e any) bool { return valuesEqual(e, v) }) {
				arr = append(arr, normalize(v))
			}
		}
		if arr == nil {
			arr = []any{}
		}
		m[key] = arr
	case transformArrayRemove:
		arr, _ := asSlice(m[key])
		kept := make([]any, 0, len(arr))
		for _, e := range arr {
			if !slices.ContainsFunc(t.values, func(v any) bool { return valuesEqual(e, v) }) {
				kept = append(kept, e)
			}
		}
		m[key] = kept
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case Fields, map[string]any, []any, []string:
		return cloneValue(t)
	}
	return v
}
