package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body string) any {
	t.Helper()

	data, err := Decode([]byte(body))
	require.NoError(t, err)
	return data
}

func TestRender(t *testing.T) {
	grafana := `{
  "title": "[Alerting] CPU",
  "state": "alerting",
  "ruleUrl": "https://grafana.example.org/d/1",
  "evalMatches": [
    {"metric": "cpu", "value": 97.5},
    {"metric": "mem", "value": 40}
  ],
  "tags": {},
  "resolved": false
}`

	tests := []struct {
		name string
		tmpl string
		body string
		want string
	}{
		{name: "field", tmpl: "Hello ${name}", body: `{"name":"Bob"}`, want: "Hello Bob"},
		{name: "missing field", tmpl: "Hello ${name}", body: `{}`, want: "Hello "},
		{name: "no placeholders", tmpl: "static text", body: `{"a":1}`, want: "static text"},
		{name: "several placeholders", tmpl: "${title} is ${state}: ${ruleUrl}", body: grafana, want: "[Alerting] CPU is alerting: https://grafana.example.org/d/1"},
		{name: "array index", tmpl: "${evalMatches[0].metric}=${evalMatches[0].value}", body: grafana, want: "cpu=97.5"},
		{name: "filter projection", tmpl: "${evalMatches[?value > `50`].metric | [0]}", body: grafana, want: "cpu"},
		{name: "list projection", tmpl: "${evalMatches[*].metric}", body: grafana, want: `["cpu","mem"]`},
		{name: "integer number", tmpl: "${evalMatches[1].value}%", body: grafana, want: "40%"},
		{name: "falsy values", tmpl: "[${resolved}][${tags}]", body: grafana, want: "[][]"},
		{name: "invalid expression", tmpl: "x${[}y", body: `{}`, want: "xy"},
		{name: "null context", tmpl: "Hello ${name}", body: `null`, want: "Hello "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Render(tt.tmpl, decode(t, tt.body)))
		})
	}
}

func TestRenderDoesNotReevaluateSubstitutedText(t *testing.T) {
	got := Render("${a}${b}", decode(t, `{"a":"${b}","b":"x"}`))
	require.Equal(t, "${b}x", got)
}

func TestCompile(t *testing.T) {
	require.NoError(t, Compile("Hello ${name} from ${items[0].id}"))
	require.NoError(t, Compile("plain"))
	require.Error(t, Compile("broken ${foo[}"))
}
