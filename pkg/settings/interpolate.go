package settings

import (
	"strings"

	"github.com/machinelink/extsource/pkg/errors"
)

// ProcessKey is the reserved key holding a deferred processor chain
// attached to a settings value. Reasonably unique, yet a valid YAML
// identifier.
const ProcessKey = "<process"

// InterpolateKey is the internal marker controlling whether a subtree is
// interpolated. When set to false the subtree is copied verbatim, so its
// fields can be interpolated later against runtime data (HTTP response
// processing). The marker is inherited by descendants unless a nested
// tree overrides it.
const InterpolateKey = "_interpolate"

// Interpolate produces a plain structure of identical shape in which
// every string leaf containing {...} placeholders has been substituted
// from the parameter namespace. The receiver is never mutated. Internal
// keys are excluded from the output.
//
// A missing parameter fails with a pattern error carrying the full key
// path of the offending field and the list of valid parameter names;
// malformed placeholder syntax fails with the same error kind.
func (s Settings) Interpolate(params map[string]any) (map[string]any, error) {
	return interpolateTree(s, params, true)
}

// InterpolateMap applies interpolation to an already-plain structure,
// as produced by a previous Interpolate call with a verbatim subtree.
// Used for second-phase response processing, where the parameters are
// response fields.
func InterpolateMap(source map[string]any, params map[string]any) (map[string]any, error) {
	return interpolateTree(source, params, true)
}

func interpolateTree[M ~map[string]any](source M, params map[string]any, active bool) (map[string]any, error) {
	out := make(map[string]any, len(source))
	for key, value := range source {
		if isInternalKey(key) {
			continue
		}
		result, err := interpolateValue(value, params, active)
		if err != nil {
			return nil, errors.Prepend(err, errors.ErrorTypePattern, key)
		}
		out[key] = result
	}
	return out, nil
}

func interpolateValue(value any, params map[string]any, active bool) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil

	case Settings:
		return interpolateSubtree(v, params, active)

	case map[string]any:
		return interpolateSubtree(v, params, active)

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			result, err := interpolateValue(item, params, active)
			if err != nil {
				return nil, errors.Prepend(err, errors.ErrorTypePattern, i)
			}
			out[i] = result
		}
		return out, nil

	case Deferred:
		if active {
			return v.Process(params)
		}
		return v, nil

	case string:
		if active {
			return InterpolateString(v, params)
		}
		return v, nil
	}

	return value, nil
}

func interpolateSubtree[M ~map[string]any](tree M, params map[string]any, active bool) (any, error) {
	childActive := active
	if marker, ok := tree[InterpolateKey].(bool); ok {
		childActive = marker
	}

	if childActive {
		if deferred, ok := tree[ProcessKey].(Deferred); ok {
			return deferred.Process(params)
		}
	}

	return interpolateTree(tree, params, childActive)
}

// InterpolateString substitutes every {...} placeholder in value by
// evaluating the placeholder body as a restricted expression against the
// parameter namespace. Literal braces are escaped as {{ and }}. Strings
// without placeholders pass through unchanged.
func InterpolateString(value string, params map[string]any) (string, error) {
	if !strings.ContainsAny(value, "{}") {
		return value, nil
	}

	var b strings.Builder
	for i := 0; i < len(value); {
		switch value[i] {
		case '{':
			if i+1 < len(value) && value[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := placeholderEnd(value, i+1)
			if end < 0 {
				return "", patternError(value, errors.New(
					errors.ErrorTypePattern, "unbalanced '{'"))
			}
			expression := value[i+1 : end]
			if strings.TrimSpace(expression) == "" {
				return "", patternError(value, errors.New(
					errors.ErrorTypePattern, "empty placeholder"))
			}
			result, err := Eval(expression, params)
			if err != nil {
				return "", patternError(value, err)
			}
			b.WriteString(Stringify(result))
			i = end + 1
		case '}':
			if i+1 < len(value) && value[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", patternError(value, errors.New(
				errors.ErrorTypePattern, "single '}' is not allowed"))
		default:
			b.WriteByte(value[i])
			i++
		}
	}
	return b.String(), nil
}

// placeholderEnd finds the index of the '}' closing a placeholder that
// starts at index start, honoring nested brackets and quoted strings in
// index expressions.
func placeholderEnd(value string, start int) int {
	depth := 0
	var quote byte
	for i := start; i < len(value); i++ {
		c := value[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '{', '[', '(':
			depth++
		case ']', ')':
			depth--
		case '}':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

func patternError(pattern string, cause error) error {
	var e *errors.Error
	if pe, ok := cause.(*errors.Error); ok {
		e = errors.Newf(errors.ErrorTypePattern,
			"pattern %q: %s", pattern, pe.Message)
		e.Cause = pe.Cause
	} else {
		e = errors.Wrap(cause, errors.ErrorTypePattern,
			"pattern "+pattern)
	}
	return e
}
