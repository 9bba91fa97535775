package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// RenderTemplate renders a prompt template with the given data using Go's
// text/template package. This lives in internal to avoid committing to public
// API stability prematurely.
func RenderTemplate(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("prompt").Funcs(template.FuncMap{
		"join": func(sep string, items []any) string {
			out := make([]string, len(items))
			for i, item := range items {
				out[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(out, sep)
		},
		"joinStrings": strings.Join,
	}).Parse(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
