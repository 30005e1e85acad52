package playsync

import (
	"fmt"
	"reflect"
	"strings"
)

// Game state is a plain tree: `map[string]any` records, `[]any` sequences,
// and string/bool/number/nil leaves. Plain trees can be serialized, diffed
// and copied structurally. Numbers normalize to float64 so that a tree
// compares equal to itself after a JSON round trip.

// the state stored a value that cannot be serialized (function, channel,
// pointer cycle, ...). This is a bug in the embedding game logic and is
// raised at the host mutation site.
type SerializationError struct {
	Path  []string
	Value any
}

func (self *SerializationError) Error() string {
	return fmt.Sprintf("state is not serializable at %s: %T", pathString(self.Path), self.Value)
}

func pathString(path []string) string {
	if len(path) == 0 {
		return "(root)"
	}
	return strings.Join(path, ".")
}

// returns a normalized deep copy of the tree.
// the copy shares no containers with the input.
func normalizeTree(value any) (any, error) {
	return normalize(value, nil, map[uintptr]bool{})
}

func normalize(value any, path []string, visited map[uintptr]bool) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string, float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case map[string]any:
		ptr := reflect.ValueOf(v).Pointer()
		if visited[ptr] {
			return nil, &SerializationError{Path: path, Value: v}
		}
		visited[ptr] = true
		defer delete(visited, ptr)

		out := make(map[string]any, len(v))
		for _, key := range sortedKeys(v) {
			normalized, err := normalize(v[key], append(path, key), visited)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []any:
		if 0 < len(v) {
			ptr := reflect.ValueOf(v).Pointer()
			if visited[ptr] {
				return nil, &SerializationError{Path: path, Value: v}
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}

		out := make([]any, len(v))
		for i, item := range v {
			normalized, err := normalize(item, append(path, fmt.Sprintf("%d", i)), visited)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return nil, &SerializationError{Path: path, Value: v}
	}
}

// deep copy of an already normalized tree
func copyTree(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = copyTree(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyTree(item)
		}
		return out
	default:
		return v
	}
}

// structural equality over normalized trees
func treeEqual(a any, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, aItem := range av {
			bItem, ok := bv[key]
			if !ok || !treeEqual(aItem, bItem) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i, aItem := range av {
			if !treeEqual(aItem, bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
