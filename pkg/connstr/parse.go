package connstr

import (
	"fmt"
	"strings"
)

// Values holds the pairs of a key-value connection string. Keys are stored
// lower-cased; use Get for case-insensitive lookup.
type Values map[string]string

// Get returns the value for key, ignoring case.
func (v Values) Get(key string) (string, bool) {
	val, ok := v[strings.ToLower(strings.TrimSpace(key))]
	return val, ok
}

// Parse reads "key=value;key2=value2" strings. Values may be wrapped in
// single or double quotes to carry ';' or '='. Empty segments are skipped; a
// segment without '=' is an error.
func Parse(s string) (Values, error) {
	values := Values{}

	for _, segment := range split(s) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		idx := strings.IndexByte(segment, '=')
		if idx <= 0 {
			return nil, fmt.Errorf("invalid connection string segment %q: expected key=value", segment)
		}

		key := strings.ToLower(strings.TrimSpace(segment[:idx]))
		values[key] = unquote(strings.TrimSpace(segment[idx+1:]))
	}

	return values, nil
}

// split cuts s on ';' outside of quotes.
func split(s string) []string {
	var (
		parts []string
		quote rune
		start int
	)

	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == ';':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}

	return append(parts, s[start:])
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
