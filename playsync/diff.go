package playsync

import (
	"fmt"
	"strconv"
	"strings"
)

// Structural diff/patch over plain state trees. A diff is an ordered list
// of ops whose size scales with the number of changed leaves, not with the
// size of the tree. Applying `GenerateDiff(a, b)` to a mirror of `a` yields
// a tree deep-equal to `b`.
//
// `set` and `delete` ops are idempotent: re-applying one is a no-op. This
// tolerates at-least-once delivery from the transport. `insert` ops are not
// idempotent and are protected by the patch sequence numbers instead.

type DiffOpType string

const (
	DiffSet    DiffOpType = "set"
	DiffDelete DiffOpType = "delete"
	DiffInsert DiffOpType = "insert"
)

type DiffOp struct {
	Path  []string   `json:"path"`
	Op    DiffOpType `json:"op"`
	Value any        `json:"value,omitempty"`
}

func (self DiffOp) String() string {
	return fmt.Sprintf("%s %s", self.Op, pathString(self.Path))
}

type DiffSettings struct {
	// path pattern -> identity field for sequences diffed as keyed
	// collections. Patterns are dot-joined path segments where `*`
	// matches any single segment, e.g. "players" or "zones.*.items".
	//
	// a keyed sequence is diffed by the identity field of its items
	// instead of by index, so a mid-sequence insert or removal does not
	// churn every later index. Identity values should not collide with
	// decimal integers.
	KeyedCollections map[string]string
}

func DefaultDiffSettings() *DiffSettings {
	return &DiffSettings{
		KeyedCollections: map[string]string{},
	}
}

func (self *DiffSettings) keyField(path []string) (string, bool) {
	if self == nil || len(self.KeyedCollections) == 0 {
		return "", false
	}
	for _, pattern := range sortedKeys(self.KeyedCollections) {
		if matchPathPattern(pattern, path) {
			return self.KeyedCollections[pattern], true
		}
	}
	return "", false
}

func matchPathPattern(pattern string, path []string) bool {
	segments := strings.Split(pattern, ".")
	if len(segments) != len(path) {
		return false
	}
	for i, segment := range segments {
		if segment != "*" && segment != path[i] {
			return false
		}
	}
	return true
}

type PatchError struct {
	Op     DiffOp
	Reason string
}

func (self *PatchError) Error() string {
	return fmt.Sprintf("cannot apply %s: %s", self.Op, self.Reason)
}

// GenerateDiff compares two normalized trees and returns the ordered ops
// that transform a mirror of `a` into `b`. The op order is deterministic
// for equal inputs.
func GenerateDiff(a any, b any, settings *DiffSettings) []DiffOp {
	ops := []DiffOp{}
	diffValue(nil, a, b, settings, &ops)
	return ops
}

func diffValue(path []string, a any, b any, settings *DiffSettings, ops *[]DiffOp) {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		diffMap(path, am, bm, settings, ops)
		return
	}

	as, aIsSeq := a.([]any)
	bs, bIsSeq := b.([]any)
	if aIsSeq && bIsSeq {
		diffSequence(path, as, bs, settings, ops)
		return
	}

	if treeEqual(a, b) {
		return
	}
	*ops = append(*ops, DiffOp{
		Path:  clonePath(path),
		Op:    DiffSet,
		Value: copyTree(b),
	})
}

func diffMap(path []string, a map[string]any, b map[string]any, settings *DiffSettings, ops *[]DiffOp) {
	for _, key := range sortedKeys(a) {
		if _, ok := b[key]; !ok {
			*ops = append(*ops, DiffOp{
				Path: appendPath(path, key),
				Op:   DiffDelete,
			})
		}
	}
	for _, key := range sortedKeys(b) {
		aItem, ok := a[key]
		if !ok {
			*ops = append(*ops, DiffOp{
				Path:  appendPath(path, key),
				Op:    DiffSet,
				Value: copyTree(b[key]),
			})
			continue
		}
		diffValue(append(path, key), aItem, b[key], settings, ops)
	}
}

func diffSequence(path []string, a []any, b []any, settings *DiffSettings, ops *[]DiffOp) {
	if field, ok := settings.keyField(path); ok {
		if diffKeyedSequence(path, a, b, field, settings, ops) {
			return
		}
		// fall back to index diff when items are not keyable or the kept
		// items changed relative order
	}

	for i := 0; i < len(a) && i < len(b); i += 1 {
		diffValue(append(path, strconv.Itoa(i)), a[i], b[i], settings, ops)
	}
	for i := len(a); i < len(b); i += 1 {
		*ops = append(*ops, DiffOp{
			Path:  appendPath(path, strconv.Itoa(i)),
			Op:    DiffInsert,
			Value: copyTree(b[i]),
		})
	}
	// delete from the tail down so that re-applied deletes resolve nothing
	for i := len(a) - 1; len(b) <= i; i -= 1 {
		*ops = append(*ops, DiffOp{
			Path: appendPath(path, strconv.Itoa(i)),
			Op:   DiffDelete,
		})
	}
}

func diffKeyedSequence(path []string, a []any, b []any, field string, settings *DiffSettings, ops *[]DiffOp) bool {
	aKeys, aByKey, ok := sequenceKeys(a, field)
	if !ok {
		return false
	}
	bKeys, bByKey, ok := sequenceKeys(b, field)
	if !ok {
		return false
	}

	// kept items must preserve relative order for inserts to land at
	// their target index after deletes apply
	keptA := []string{}
	for _, key := range aKeys {
		if _, ok := bByKey[key]; ok {
			keptA = append(keptA, key)
		}
	}
	keptB := []string{}
	for _, key := range bKeys {
		if _, ok := aByKey[key]; ok {
			keptB = append(keptB, key)
		}
	}
	for i := range keptA {
		if keptA[i] != keptB[i] {
			return false
		}
	}

	pending := []DiffOp{}
	for _, key := range aKeys {
		if _, ok := bByKey[key]; !ok {
			pending = append(pending, DiffOp{
				Path: appendPath(path, key),
				Op:   DiffDelete,
			})
		}
	}
	*ops = append(*ops, pending...)

	for i, key := range bKeys {
		if aItem, ok := aByKey[key]; ok {
			diffValue(append(path, key), aItem, bByKey[key], settings, ops)
			continue
		}
		*ops = append(*ops, DiffOp{
			Path:  appendPath(path, strconv.Itoa(i)),
			Op:    DiffInsert,
			Value: copyTree(b[i]),
		})
	}
	return true
}

func sequenceKeys(items []any, field string) ([]string, map[string]any, bool) {
	keys := make([]string, 0, len(items))
	byKey := make(map[string]any, len(items))
	for _, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			return nil, nil, false
		}
		key, ok := keyString(record[field])
		if !ok {
			return nil, nil, false
		}
		if _, dup := byKey[key]; dup {
			return nil, nil, false
		}
		keys = append(keys, key)
		byKey[key] = item
	}
	return keys, byKey, true
}

func keyString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// ApplyPatch applies ops in order to the tree and returns the (possibly
// replaced) root. Containers are mutated in place where possible; callers
// that need the previous tree must copy it first.
func ApplyPatch(root any, ops []DiffOp, settings *DiffSettings) (any, error) {
	var err error
	for _, op := range ops {
		root, err = applyOp(root, op, settings)
		if err != nil {
			return root, err
		}
	}
	return root, nil
}

func applyOp(root any, op DiffOp, settings *DiffSettings) (any, error) {
	if len(op.Path) == 0 {
		switch op.Op {
		case DiffSet:
			return copyTree(op.Value), nil
		default:
			return root, &PatchError{Op: op, Reason: "only set applies at the root"}
		}
	}
	return applyAt(root, op, 0, settings)
}

func applyAt(node any, op DiffOp, depth int, settings *DiffSettings) (any, error) {
	segment := op.Path[depth]
	last := depth == len(op.Path)-1

	switch container := node.(type) {
	case map[string]any:
		if last {
			switch op.Op {
			case DiffSet, DiffInsert:
				container[segment] = copyTree(op.Value)
			case DiffDelete:
				delete(container, segment)
			}
			return container, nil
		}
		child, ok := container[segment]
		if !ok {
			if op.Op == DiffDelete {
				// already deleted
				return container, nil
			}
			return container, &PatchError{Op: op, Reason: fmt.Sprintf("missing %s", pathString(op.Path[:depth+1]))}
		}
		newChild, err := applyAt(child, op, depth+1, settings)
		if err != nil {
			return container, err
		}
		container[segment] = newChild
		return container, nil
	case []any:
		index, matchedKey, found := resolveIndex(container, segment, op.Path[:depth], settings)
		if last {
			switch op.Op {
			case DiffSet:
				if !found {
					return container, &PatchError{Op: op, Reason: fmt.Sprintf("missing %s", pathString(op.Path[:depth+1]))}
				}
				container[index] = copyTree(op.Value)
				return container, nil
			case DiffDelete:
				if !found {
					// already deleted
					return container, nil
				}
				return append(container[:index], container[index+1:]...), nil
			case DiffInsert:
				if matchedKey {
					// replayed insert of an existing keyed item
					container[index] = copyTree(op.Value)
					return container, nil
				}
				at, err := strconv.Atoi(segment)
				if err != nil || at < 0 {
					return container, &PatchError{Op: op, Reason: "insert needs an index"}
				}
				if len(container) < at {
					at = len(container)
				}
				out := make([]any, 0, len(container)+1)
				out = append(out, container[:at]...)
				out = append(out, copyTree(op.Value))
				out = append(out, container[at:]...)
				return out, nil
			}
		}
		if !found {
			if op.Op == DiffDelete {
				return container, nil
			}
			return container, &PatchError{Op: op, Reason: fmt.Sprintf("missing %s", pathString(op.Path[:depth+1]))}
		}
		newChild, err := applyAt(container[index], op, depth+1, settings)
		if err != nil {
			return container, err
		}
		container[index] = newChild
		return container, nil
	default:
		if op.Op == DiffDelete {
			return node, nil
		}
		return node, &PatchError{Op: op, Reason: fmt.Sprintf("%s is not a container", pathString(op.Path[:depth]))}
	}
}

// a segment resolves against a keyed sequence by identity first,
// then as a plain index
func resolveIndex(items []any, segment string, path []string, settings *DiffSettings) (index int, matchedKey bool, found bool) {
	if field, ok := settings.keyField(path); ok {
		for i, item := range items {
			record, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if key, ok := keyString(record[field]); ok && key == segment {
				return i, true, true
			}
		}
	}
	i, err := strconv.Atoi(segment)
	if err != nil || i < 0 || len(items) <= i {
		return 0, false, false
	}
	return i, false, true
}

func appendPath(path []string, segment string) []string {
	out := make([]string, 0, len(path)+1)
	out = append(out, path...)
	out = append(out, segment)
	return out
}

func clonePath(path []string) []string {
	out := make([]string, len(path))
	copy(out, path)
	return out
}
