package process

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/settings"
	"github.com/machinelink/extsource/pkg/timeutil"
)

// typeStep converts the running value into a target type. The target may
// carry an integer radix after a colon ("int:16"); radix 0 autodetects
// the base from a 0x/0o/0b prefix.
type typeStep struct {
	stepBase
	target  string
	radix   int
	convert func(s *typeStep, value any) (any, error)
}

var converters = map[string]struct {
	withRadix bool
	convert   func(s *typeStep, value any) (any, error)
}{
	"str":       {convert: convertString},
	"int":       {withRadix: true, convert: convertInt},
	"float":     {convert: convertFloat},
	"bool":      {convert: convertBool},
	"date":      {convert: convertDate},
	"datetime":  {convert: convertDateTime},
	"timedelta": {convert: convertDuration},
}

func newTypeStep(fields map[string]any, base stepBase) (step, error) {
	target, err := stringField("type", fields, "target")
	if err != nil {
		return nil, err
	}

	radix := -1
	if raw, ok := fields["radix"]; ok {
		switch v := raw.(type) {
		case int:
			radix = v
		case int64:
			radix = int(v)
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"processor \"type\": integer expected for \"radix\" field"+
					" instead of %T: %v", raw, raw)
		}
	}

	if name, suffix, found := strings.Cut(target, ":"); found {
		if radix >= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"processor \"type\": radix cannot be specified both in"+
					" field \"radix\" (%d) and within target after a colon (%q)",
				radix, target)
		}
		parsed, err := strconv.Atoi(suffix)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"processor \"type\": invalid radix %q in target %q", suffix, target)
		}
		target, radix = name, parsed
	}

	converter, ok := converters[target]
	if !ok {
		names := make([]string, 0, len(converters))
		for name := range converters {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"processor \"type\": invalid target type %q. Valid types: %s",
			target, strings.Join(names, ", "))
	}
	if radix >= 0 && !converter.withRadix {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"processor \"type\": target type %q does not support the"+
				" \"radix\" field", target)
	}
	if radix < 0 {
		radix = 10
	}

	return &typeStep{
		stepBase: base,
		target:   target,
		radix:    radix,
		convert:  converter.convert,
	}, nil
}

func (s *typeStep) kind() string     { return "type" }
func (s *typeStep) needsValue() bool { return true }

func (s *typeStep) runParams(map[string]any) (any, error) {
	panic("type step consumes the running value")
}

func (s *typeStep) run(value any) (any, error) {
	result, err := s.convert(s, value)
	if err != nil {
		return nil, errors.Newf(errors.ErrorTypeDataType,
			"processor \"type\": unable to convert %v of type %T into a %q: %v",
			value, value, s.target, err)
	}
	return result, nil
}

func convertString(_ *typeStep, value any) (any, error) {
	return settings.Stringify(value), nil
}

func convertInt(s *typeStep, value any) (any, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), s.radix, 64)
	}
	return nil, errors.Newf(errors.ErrorTypeDataType, "unsupported source type")
}

func convertFloat(_ *typeStep, value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return nil, errors.Newf(errors.ErrorTypeDataType, "unsupported source type")
}

// Literal sets recognized by bool conversion, matched case-insensitively
// after trimming surrounding whitespace.
var (
	trueLiterals  = map[string]bool{"y": true, "yes": true, "on": true, "true": true, "t": true, "1": true, "+": true}
	falseLiterals = map[string]bool{"n": true, "no": true, "off": true, "false": true, "f": true, "0": true, "-": true}
)

func convertBool(_ *typeStep, value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		literal := strings.ToLower(strings.TrimSpace(v))
		if trueLiterals[literal] {
			return true, nil
		}
		if falseLiterals[literal] {
			return false, nil
		}
		return nil, errors.Newf(errors.ErrorTypeDataType,
			"unrecognized boolean literal %q", v)
	}
	return nil, errors.Newf(errors.ErrorTypeDataType, "unsupported source type")
}

func convertDate(_ *typeStep, value any) (any, error) {
	t, err := timeutil.ParseTime(value)
	if err != nil {
		return nil, err
	}
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location()), nil
}

func convertDateTime(_ *typeStep, value any) (any, error) {
	return timeutil.ParseTime(value)
}

func convertDuration(_ *typeStep, value any) (any, error) {
	return timeutil.ParseDuration(value)
}
