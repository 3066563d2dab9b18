package process

import (
	"regexp"
	"strings"

	"github.com/machinelink/extsource/pkg/errors"
	"github.com/machinelink/extsource/pkg/settings"
)

// regexStep runs a single compiled find/replace over the stringified
// running value. The pattern compiles at construction, so an invalid
// pattern is a configuration error; only case-insensitivity is a
// supported flag.
type regexStep struct {
	stepBase
	pattern     *regexp.Regexp
	source      string
	replacement string
}

func newRegexStep(fields map[string]any, base stepBase) (step, error) {
	pattern, err := stringField("regex", fields, "pattern")
	if err != nil {
		return nil, err
	}
	replacement, err := stringField("regex", fields, "replacement")
	if err != nil {
		return nil, err
	}

	ignoreCase := false
	if raw, ok := fields["flags"]; ok {
		var flags []string
		switch v := raw.(type) {
		case string:
			flags = []string{v}
		case []any:
			for _, item := range v {
				str, ok := item.(string)
				if !ok {
					return nil, errors.Newf(errors.ErrorTypeConfig,
						"processor \"regex\": string expected for flag"+
							" instead of %T: %v", item, item)
				}
				flags = append(flags, str)
			}
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"processor \"regex\": string or list of strings expected"+
					" for \"flags\" field instead of %T: %v", raw, raw)
		}
		for _, flag := range flags {
			switch strings.ToUpper(flag) {
			case "I", "IGNORECASE":
				ignoreCase = true
			default:
				return nil, errors.Newf(errors.ErrorTypeConfig,
					"processor \"regex\": unsupported flag %q."+
						" Supported flags: IGNORECASE", flag)
			}
		}
	}

	source := pattern
	if ignoreCase {
		source = "(?i)" + source
	}
	compiled, err := regexp.Compile(source)
	if err != nil {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"processor \"regex\": invalid pattern %q: %v", pattern, err)
	}

	return &regexStep{
		stepBase:    base,
		pattern:     compiled,
		source:      pattern,
		replacement: translateReplacement(replacement),
	}, nil
}

func (s *regexStep) kind() string     { return "regex" }
func (s *regexStep) needsValue() bool { return true }

func (s *regexStep) runParams(map[string]any) (any, error) {
	panic("regex step consumes the running value")
}

func (s *regexStep) run(value any) (any, error) {
	return s.pattern.ReplaceAllString(settings.Stringify(value), s.replacement), nil
}

// translateReplacement converts backslash back-references (\1, \g<name>)
// into the $-based syntax the regexp package expands, and escapes
// literal dollar signs.
func translateReplacement(replacement string) string {
	var b strings.Builder
	for i := 0; i < len(replacement); {
		c := replacement[i]
		switch {
		case c == '$':
			b.WriteString("$$")
			i++
		case c == '\\' && i+1 < len(replacement):
			next := replacement[i+1]
			switch {
			case next >= '0' && next <= '9':
				j := i + 1
				for j < len(replacement) && replacement[j] >= '0' && replacement[j] <= '9' {
					j++
				}
				b.WriteString("${" + replacement[i+1:j] + "}")
				i = j
			case next == 'g' && i+2 < len(replacement) && replacement[i+2] == '<':
				end := strings.IndexByte(replacement[i+3:], '>')
				if end < 0 {
					b.WriteByte(c)
					i++
					continue
				}
				b.WriteString("${" + replacement[i+3:i+3+end] + "}")
				i += 3 + end + 1
			case next == '\\':
				b.WriteByte('\\')
				i += 2
			default:
				b.WriteByte(next)
				i += 2
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}
