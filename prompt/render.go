// Package prompt renders prompt templates from the prompt library.
//
// Templates use single-brace named slots, e.g. "Strategy: {user_input}". A doubled brace
// ("{{" or "}}") produces a literal brace, and any other brace that does not open a
// well-formed slot is copied through unchanged, so Python snippets embedded in templates
// survive rendering.
package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// MissingVariableError is returned when a template references a name with no bound value.
type MissingVariableError struct {
	Names []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template variables without value: %s", strings.Join(e.Names, ", "))
}

// Render substitutes values into body. All missing names are reported together.
func Render(body string, values map[string]string) (string, error) {
	var (
		sb      strings.Builder
		missing []string
	)
	sb.Grow(len(body))

	scan(body, func(literal string) {
		sb.WriteString(literal)
	}, func(name string) {
		v, ok := values[name]
		if !ok {
			missing = appendUnique(missing, name)
			return
		}
		sb.WriteString(v)
	})

	if len(missing) > 0 {
		return "", &MissingVariableError{Names: missing}
	}
	return sb.String(), nil
}

// Placeholders lists the distinct slot names in body, sorted.
func Placeholders(body string) []string {
	var names []string
	scan(body, func(string) {}, func(name string) {
		names = appendUnique(names, name)
	})
	sort.Strings(names)
	return names
}

func scan(body string, literal func(string), slot func(string)) {
	start := 0
	i := 0
	for i < len(body) {
		c := body[i]
		switch {
		case c == '{' && i+1 < len(body) && body[i+1] == '{':
			literal(body[start:i])
			literal("{")
			i += 2
			start = i
		case c == '}' && i+1 < len(body) && body[i+1] == '}':
			literal(body[start:i])
			literal("}")
			i += 2
			start = i
		case c == '{':
			end := slotEnd(body, i+1)
			if end < 0 {
				i++
				continue
			}
			literal(body[start:i])
			slot(body[i+1 : end])
			i = end + 1
			start = i
		default:
			i++
		}
	}
	literal(body[start:])
}

// slotEnd returns the index of the closing brace of an identifier starting at from, or -1.
func slotEnd(body string, from int) int {
	for j := from; j < len(body); j++ {
		c := body[j]
		switch {
		case c == '}':
			if j == from {
				return -1
			}
			return j
		case c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z'):
		case '0' <= c && c <= '9':
			if j == from {
				return -1
			}
		default:
			return -1
		}
	}
	return -1
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
