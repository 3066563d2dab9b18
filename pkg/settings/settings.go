// Package settings implements the hierarchical configuration value model
// shared by all configuration kinds: a normalized key-value tree with
// field-level merge rules and placeholder interpolation.
//
// Every nested mapping anywhere in a tree, including inside sequences, is
// itself a Settings value. This keeps merge and interpolation behavior
// uniform at any depth.
package settings

import (
	"fmt"
	"time"

	"github.com/machinelink/extsource/pkg/errors"
)

// Settings is a normalized recursive key-value tree. Values are nil,
// scalars (string, bool, int64, float64, time.Time, time.Duration),
// nested Settings, []any sequences, or Deferred processor values.
//
// Keys prefixed with an underscore are internal: they participate in
// merges but are excluded from the interpolation namespace and from
// interpolated output.
type Settings map[string]any

// Deferred is a value whose evaluation is postponed until runtime
// parameters exist, instead of being interpolated in place. Processor
// chains implement it.
type Deferred interface {
	Process(params map[string]any) (any, error)
}

// New builds a normalized Settings tree from a plain mapping. Values of
// unsupported types fail with a configuration error carrying the key
// path of the offending field.
func New(source map[string]any) (Settings, error) {
	s := make(Settings, len(source))
	for key, value := range source {
		normalized, err := normalizeValue(value)
		if err != nil {
			return nil, errors.Prepend(err, errors.ErrorTypeConfig, key)
		}
		s[key] = normalized
	}
	return s, nil
}

// Pair is a single key-value entry for Pairs.
type Pair struct {
	Key   string
	Value any
}

// Pairs builds a normalized Settings tree from ordered key-value pairs.
func Pairs(pairs ...Pair) (Settings, error) {
	s := make(Settings, len(pairs))
	for _, pair := range pairs {
		normalized, err := normalizeValue(pair.Value)
		if err != nil {
			return nil, errors.Prepend(err, errors.ErrorTypeConfig, pair.Key)
		}
		s[pair.Key] = normalized
	}
	return s, nil
}

// Copy returns a deep copy of the tree. Deferred values are immutable
// after construction and are shared, not cloned.
func (s Settings) Copy() Settings {
	out := make(Settings, len(s))
	for key, value := range s {
		out[key] = copyValue(value)
	}
	return out
}

// Set normalizes value and stores it under key.
func (s Settings) Set(key string, value any) error {
	normalized, err := normalizeValue(value)
	if err != nil {
		return errors.Prepend(err, errors.ErrorTypeConfig, key)
	}
	s[key] = normalized
	return nil
}

// Get returns the value at the given key path, descending through nested
// trees. The second result reports whether the full path was present.
func (s Settings) Get(path ...string) (any, bool) {
	var current any = s
	for _, key := range path {
		tree, ok := current.(Settings)
		if !ok {
			return nil, false
		}
		current, ok = tree[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetSettings returns the nested tree at the given key path, or nil when
// absent or not a tree.
func (s Settings) GetSettings(path ...string) Settings {
	value, ok := s.Get(path...)
	if !ok {
		return nil
	}
	tree, _ := value.(Settings)
	return tree
}

// GetString returns the string at the given key path, or "".
func (s Settings) GetString(path ...string) string {
	value, ok := s.Get(path...)
	if !ok || value == nil {
		return ""
	}
	str, _ := value.(string)
	return str
}

// Update merges other into s, field by field:
//
//   - a nil value in other never overwrites an existing value and never
//     deletes it; it only records the key (as nil) when absent;
//   - when both sides hold a tree for the same key, the trees merge
//     recursively instead of being replaced wholesale;
//   - any other value from other overwrites (by deep copy).
//
// Net effect: other's scalar fields win, nested objects merge per field,
// and nil means "no opinion".
func (s Settings) Update(other Settings) {
	for key, otherValue := range other {
		if otherValue == nil {
			if _, ok := s[key]; !ok {
				s[key] = nil
			}
			continue
		}

		if otherTree, ok := otherValue.(Settings); ok {
			if selfTree, ok := s[key].(Settings); ok {
				selfTree.Update(otherTree)
				continue
			}
		}

		s[key] = copyValue(otherValue)
	}
}

// PublicKeys returns the keys not prefixed with an underscore.
func (s Settings) PublicKeys() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		if !isInternalKey(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Plain converts the tree into plain nested map[string]any values,
// including internal keys. Deferred values are kept as-is.
func (s Settings) Plain() map[string]any {
	out := make(map[string]any, len(s))
	for key, value := range s {
		out[key] = plainValue(value)
	}
	return out
}

func isInternalKey(key string) bool {
	return len(key) > 0 && key[0] == '_'
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Settings:
		return v.Copy(), nil
	case map[string]any:
		return New(v)
	case map[any]any:
		converted := make(map[string]any, len(v))
		for key, item := range v {
			sk, ok := key.(string)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeConfig,
					"string key expected instead of %T: %v", key, key)
			}
			converted[sk] = item
		}
		return New(converted)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, errors.Prepend(err, errors.ErrorTypeConfig, i)
			}
			out[i] = normalized
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case string, bool, time.Time, time.Duration:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case Deferred:
		return v, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig,
		"unsupported settings value of type %T: %v", value, value)
}

func copyValue(value any) any {
	switch v := value.(type) {
	case Settings:
		return v.Copy()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	}
	return value
}

func plainValue(value any) any {
	switch v := value.(type) {
	case Settings:
		return v.Plain()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = plainValue(item)
		}
		return out
	}
	return value
}

// Stringify renders a scalar value the way interpolation does.
func Stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	}
	return fmt.Sprint(value)
}
