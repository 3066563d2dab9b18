// Package process implements deferred value-transform chains attached to
// configuration values: ordered steps that convert types, run regular
// expression substitutions, evaluate restricted expressions, or
// interpolate strings against runtime parameters. Chains are parsed from
// the "<process" key of a settings value and execute when data exists,
// typically against HTTP response fields.
package process

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/settings"
)

// DefaultOutputKey is the namespace key holding the running value
// between steps that do not declare their own output_key.
const DefaultOutputKey = "_"

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// step is a single transform in a chain. Steps that consume the running
// value implement run; steps that consume the whole parameter namespace
// implement runParams.
type step interface {
	kind() string
	inputKey() string
	outputKey() string
	needsValue() bool
	run(input any) (any, error)
	runParams(params map[string]any) (any, error)
}

// stepSpec describes the configuration surface of a step kind.
type stepSpec struct {
	fields         []string // mandatory
	optionalFields []string
	needsValue     bool
	build          func(fields map[string]any, base stepBase) (step, error)
}

// Chain is an ordered, validated list of processor steps. A Chain is
// immutable after construction and safe for concurrent use.
type Chain struct {
	steps []step
}

var _ settings.Deferred = (*Chain)(nil)

// NewChain parses a chain from the value of a "<process" key: a single
// step mapping or a list of step mappings, each with exactly one entry
// whose key names the step kind.
func NewChain(config any) (*Chain, error) {
	var items []any
	switch v := config.(type) {
	case settings.Settings:
		items = []any{v}
	case map[string]any:
		items = []any{v}
	case []any:
		items = v
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"mapping or list of mappings expected for %q field instead of %T: %v",
			settings.ProcessKey, config, config)
	}
	if len(items) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"non-empty list of mappings expected for %q field", settings.ProcessKey)
	}

	chain := &Chain{steps: make([]step, 0, len(items))}
	for i, item := range items {
		st, err := newStep(item)
		if err != nil {
			return nil, errors.Prepend(err, errors.ErrorTypeConfig, i)
		}
		chain.steps = append(chain.steps, st)
	}

	first := chain.steps[0]
	if first.needsValue() && first.inputKey() == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"when a processor of kind %q is used as first processor,"+
				" it requires an explicit 'input_key' field", first.kind())
	}
	last := chain.steps[len(chain.steps)-1]
	if last.outputKey() != "" {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"the last processor cannot declare an 'output_key' field")
	}

	return chain, nil
}

// Len returns the number of steps in the chain.
func (c *Chain) Len() int {
	return len(c.steps)
}

// Process executes the steps in order against a copy of the parameter
// namespace. Each step's result is bound under its output_key (or the
// default running-value key) and feeds the next step unless that step
// declares its own input_key. The final step's result is returned.
func (c *Chain) Process(params map[string]any) (any, error) {
	local := make(map[string]any, len(params)+1)
	for key, value := range params {
		local[key] = value
	}

	valueKey := ""
	var output any
	for _, st := range c.steps {
		var err error
		if st.needsValue() {
			key := st.inputKey()
			if key == "" {
				key = valueKey
			}
			input, ok := local[key]
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeDataValue,
					"processor %q: input value key %q is not defined."+
						" Valid keys: %s", st.kind(), key, namespaceKeys(local))
			}
			output, err = st.run(input)
		} else {
			output, err = st.runParams(local)
		}
		if err != nil {
			return nil, err
		}

		valueKey = st.outputKey()
		if valueKey == "" {
			valueKey = DefaultOutputKey
		}
		local[valueKey] = output
	}
	return output, nil
}

// stepBase carries the fields common to every step kind.
type stepBase struct {
	input  string
	output string
}

func (b stepBase) inputKey() string  { return b.input }
func (b stepBase) outputKey() string { return b.output }

func newStep(config any) (step, error) {
	entry, ok := asMap(config)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"mapping expected for a processor instead of %T: %v", config, config)
	}
	if len(entry) != 1 {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"a mapping with a single entry expected for a processor,"+
				" where the entry's key identifies the processor kind,"+
				" instead of %d entries", len(entry))
	}

	var kind string
	var value any
	for k, v := range entry {
		kind, value = k, v
	}

	spec, ok := stepSpecs[kind]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"invalid processor kind %q. Valid kinds: %s",
			kind, strings.Join(stepKinds, ", "))
	}

	fields, ok := asMap(value)
	if !ok {
		// A bare scalar is shorthand for the single mandatory field.
		if len(spec.fields) != 1 {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"processor %q: %d mandatory fields expected (%s),"+
					" a mapping must be used instead of %v",
				kind, len(spec.fields), strings.Join(spec.fields, ", "), value)
		}
		fields = map[string]any{spec.fields[0]: value}
	}

	valid := make(map[string]bool, len(spec.fields)+len(spec.optionalFields)+2)
	for _, f := range spec.fields {
		valid[f] = true
	}
	for _, f := range spec.optionalFields {
		valid[f] = true
	}
	valid["output_key"] = true
	if spec.needsValue {
		valid["input_key"] = true
	}

	var wrong []string
	for f := range fields {
		if !valid[f] {
			wrong = append(wrong, f)
		}
	}
	if len(wrong) > 0 {
		sort.Strings(wrong)
		validList := make([]string, 0, len(valid))
		for f := range valid {
			validList = append(validList, f)
		}
		sort.Strings(validList)
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"processor %q: invalid field(s) %s. Valid field(s): %s",
			kind, strings.Join(wrong, ", "), strings.Join(validList, ", "))
	}
	var missing []string
	for _, f := range spec.fields {
		if _, ok := fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"processor %q: missing mandatory field(s): %s",
			kind, strings.Join(missing, ", "))
	}

	base := stepBase{}
	for name, target := range map[string]*string{
		"input_key":  &base.input,
		"output_key": &base.output,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"processor %q: string expected for %q field instead of %T: %v",
				kind, name, raw, raw)
		}
		if !identifierRe.MatchString(str) {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"processor %q: invalid %q value %q,"+
					" an identifier-compliant name is required", kind, name, str)
		}
		*target = str
	}

	return spec.build(fields, base)
}

func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case settings.Settings:
		return v, true
	case map[string]any:
		return v, true
	}
	return nil, false
}

func namespaceKeys(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return "[" + strings.Join(keys, ", ") + "]"
}

func stringField(kind string, fields map[string]any, name string) (string, error) {
	raw := fields[name]
	str, ok := raw.(string)
	if !ok {
		return "", errors.Newf(errors.ErrorTypeConfig,
			"processor %q: string expected for %q field instead of %T: %v",
			kind, name, raw, raw)
	}
	return str, nil
}

func init() {
	// Sorted registry snapshot for error messages.
	for kind := range stepSpecs {
		stepKinds = append(stepKinds, kind)
	}
	sort.Strings(stepKinds)
}

var stepKinds []string

var stepSpecs = map[string]stepSpec{
	"type": {
		fields:         []string{"target"},
		optionalFields: []string{"radix"},
		needsValue:     true,
		build:          newTypeStep,
	},
	"regex": {
		fields:         []string{"pattern", "replacement"},
		optionalFields: []string{"flags"},
		needsValue:     true,
		build:          newRegexStep,
	},
	"eval": {
		fields: []string{"expression"},
		build:  newEvalStep,
	},
	"interpolate": {
		fields: []string{"string"},
		build:  newInterpolateStep,
	},
}

// evalStep evaluates a restricted expression against the parameter
// namespace, including previously produced named outputs.
type evalStep struct {
	stepBase
	expression string
}

func newEvalStep(fields map[string]any, base stepBase) (step, error) {
	expression, err := stringField("eval", fields, "expression")
	if err != nil {
		return nil, err
	}
	return &evalStep{stepBase: base, expression: expression}, nil
}

func (s *evalStep) kind() string     { return "eval" }
func (s *evalStep) needsValue() bool { return false }

func (s *evalStep) run(any) (any, error) {
	panic("eval step consumes the parameter namespace")
}

func (s *evalStep) runParams(params map[string]any) (any, error) {
	result, err := settings.Eval(s.expression, params)
	if err != nil {
		return nil, errors.Prepend(err, errors.ErrorTypeExpression,
			fmt.Sprintf("expression %q", s.expression))
	}
	return result, nil
}

// interpolateStep performs a deferred single-string interpolation. It is
// the processor counterpart of request-time interpolation, run against
// response data instead.
type interpolateStep struct {
	stepBase
	pattern string
}

func newInterpolateStep(fields map[string]any, base stepBase) (step, error) {
	pattern, err := stringField("interpolate", fields, "string")
	if err != nil {
		return nil, err
	}
	return &interpolateStep{stepBase: base, pattern: pattern}, nil
}

func (s *interpolateStep) kind() string     { return "interpolate" }
func (s *interpolateStep) needsValue() bool { return false }

func (s *interpolateStep) run(any) (any, error) {
	panic("interpolate step consumes the parameter namespace")
}

func (s *interpolateStep) runParams(params map[string]any) (any, error) {
	return settings.InterpolateString(s.pattern, params)
}
