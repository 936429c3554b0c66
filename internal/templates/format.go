package templates

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFormat reports a template whose placeholders do not match the values
// supplied at generation time.
var ErrFormat = errors.New("template format error")

// Format substitutes {name} placeholders in tmpl with values. Doubled braces
// ({{ and }}) produce literal braces. Unknown names, empty or positional
// fields, conversions, format specs and unbalanced braces are errors, so a
// template that only works with brace-style placeholders fails loudly when
// it is applied rather than when it is edited.
func Format(tmpl string, values map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: single '{' encountered at offset %d", ErrFormat, i)
			}
			field := tmpl[i+1 : i+1+end]
			value, err := lookupField(field, values)
			if err != nil {
				return "", err
			}
			b.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}' encountered at offset %d", ErrFormat, i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func lookupField(field string, values map[string]string) (string, error) {
	switch {
	case field == "":
		return "", fmt.Errorf("%w: positional field {} is not supported", ErrFormat)
	case strings.ContainsAny(field, "{!:[]."):
		return "", fmt.Errorf("%w: unsupported field {%s}", ErrFormat, field)
	case field[0] >= '0' && field[0] <= '9':
		return "", fmt.Errorf("%w: positional field {%s} is not supported", ErrFormat, field)
	}
	value, ok := values[field]
	if !ok {
		return "", fmt.Errorf("%w: unknown placeholder {%s}", ErrFormat, field)
	}
	return value, nil
}
