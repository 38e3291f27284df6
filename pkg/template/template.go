// Package template binds ${expression} placeholders in a message template
// to values selected from a JSON document with JMESPath.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/jmespath/go-jmespath"
)

var placeholder = regexp.MustCompile(`\$\{(.+?)\}`)

// Render replaces every ${expr} in tmpl with the result of evaluating expr
// against data. Missing, falsy or invalid expressions render as "".
func Render(tmpl string, data any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		expr := placeholder.FindStringSubmatch(match)[1]

		value, err := jmespath.Search(expr, data)
		if err != nil {
			return ""
		}
		return stringify(value)
	})
}

// Compile checks that every placeholder in tmpl is a valid expression.
func Compile(tmpl string) error {
	for _, match := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if _, err := jmespath.Compile(match[1]); err != nil {
			return fmt.Errorf("template expression %q: %w", match[1], err)
		}
	}
	return nil
}

// Decode parses a JSON body into the generic shape JMESPath evaluates.
func Decode(body []byte) (any, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if !v {
			return ""
		}
		return "true"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		if len(v) == 0 {
			return ""
		}
	case map[string]any:
		if len(v) == 0 {
			return ""
		}
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}
