package settings

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/timeutil"
)

// Helper functions available to every expression, in addition to the
// caller's parameters. This is the complete allow-list: expressions are
// compiled against the parameter namespace plus these names, so nothing
// else is reachable.
func helperEnv() map[string]any {
	return map[string]any{
		"now": func() time.Time {
			return time.Now().UTC()
		},
		"seconds": func(n float64) time.Duration {
			return time.Duration(n * float64(time.Second))
		},
		"duration": func(v any) (time.Duration, error) {
			return timeutil.ParseDuration(v)
		},
		"timestamp": func(v any) (time.Time, error) {
			return timeutil.ParseTime(v)
		},
	}
}

var unknownNameRe = regexp.MustCompile(`unknown name ([A-Za-z_][A-Za-z0-9_]*)`)

// Eval evaluates a restricted expression against the given parameters.
// Attribute and index access, arithmetic and string operators, expr's
// string builtins, and the allow-listed time helpers are available;
// nothing else is. A reference to an undefined top-level name fails with
// an expression error naming it and the valid parameter names.
func Eval(source string, params map[string]any) (any, error) {
	env := helperEnv()
	for key, value := range params {
		if isInternalKey(key) {
			continue
		}
		env[key] = exprValue(value)
	}

	program, err := expr.Compile(source, expr.Env(env))
	if err != nil {
		if match := unknownNameRe.FindStringSubmatch(err.Error()); match != nil {
			return nil, errors.Newf(errors.ErrorTypeExpression,
				"key %q is not defined. Valid keys: %s",
				match[1], validKeys(params))
		}
		return nil, errors.Wrap(err, errors.ErrorTypeExpression,
			"invalid expression").WithDetail("expression", source)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExpression,
			"expression evaluation failed").WithDetail("expression", source)
	}
	return result, nil
}

// exprValue exposes a settings value to the expression environment.
// Trees become plain maps so attribute and index navigation work.
func exprValue(value any) any {
	if tree, ok := value.(Settings); ok {
		out := make(map[string]any, len(tree))
		for key, item := range tree {
			if isInternalKey(key) {
				continue
			}
			out[key] = exprValue(item)
		}
		return out
	}
	return value
}

func validKeys(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		if !isInternalKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return "[" + strings.Join(keys, ", ") + "]"
}
