package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var ErrTemplateConfig = errors.New("prompt template misconfigured")

// MissingPlaceholderError reports a placeholder the template references but
// no value was supplied for.
type MissingPlaceholderError struct {
	Name string
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("template placeholder {%s} has no value", e.Name)
}

func (e *MissingPlaceholderError) Unwrap() error {
	return ErrTemplateConfig
}

type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template syntax error at offset %d: %s", e.Offset, e.Reason)
}

func (e *SyntaxError) Unwrap() error {
	return ErrTemplateConfig
}

// render substitutes {name} placeholders from values. "{{" and "}}" produce
// literal braces.
func render(template string, values map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(template))

	for i := 0; i < len(template); i++ {
		ch := template[i]
		switch ch {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				out.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", &SyntaxError{Offset: i, Reason: "unterminated placeholder"}
			}
			name := template[i+1 : i+1+end]
			if !validName(name) {
				return "", &SyntaxError{Offset: i, Reason: fmt.Sprintf("invalid placeholder name %q", name)}
			}
			value, ok := values[name]
			if !ok {
				return "", &MissingPlaceholderError{Name: name}
			}
			out.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				out.WriteByte('}')
				i++
				continue
			}
			return "", &SyntaxError{Offset: i, Reason: "single '}' encountered"}
		default:
			out.WriteByte(ch)
		}
	}
	return out.String(), nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// referencesPlaceholder reports whether template contains {name} as a real
// placeholder rather than an escaped literal.
func referencesPlaceholder(template, name string) bool {
	for _, placeholder := range Placeholders(template) {
		if placeholder == name {
			return true
		}
	}
	return false
}

// Placeholders lists the placeholder names template references, in order.
func Placeholders(template string) []string {
	var names []string
	for i := 0; i < len(template); i++ {
		switch template[i] {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return names
			}
			names = append(names, template[i+1:i+1+end])
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				i++
			}
		}
	}
	return names
}

// stringify converts an extra into prompt text. Sequences longer than rowCap
// are cut before encoding.
func stringify(value any, rowCap int) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}

	rv := reflect.ValueOf(value)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rowCap > 0 && rv.Len() > rowCap {
		capped := reflect.MakeSlice(reflect.SliceOf(rv.Type().Elem()), rowCap, rowCap)
		reflect.Copy(capped, rv)
		value = capped.Interface()
	}
	return encodeJSON(value)
}

func encodeJSON(value any) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return "", fmt.Errorf("encode prompt value: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
