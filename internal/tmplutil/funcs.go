package tmplutil

import (
	"encoding/json"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// FuncMap returns the shared template function map used by the conf-text
// provider templates (nginx, haproxy). It includes all Sprig functions plus
// a few emission helpers.
func FuncMap() template.FuncMap {
	fm := sprig.TxtFuncMap()

	fm["json"] = func(v interface{}) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	fm["joinComma"] = func(vals []string) string {
		return strings.Join(vals, ", ")
	}
	// luaString quotes a value for safe embedding in a Lua string literal.
	fm["luaString"] = func(s string) string {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		s = strings.ReplaceAll(s, "\n", `\n`)
		return `"` + s + `"`
	}

	return fm
}

// Must compiles a named template with the shared FuncMap and panics on
// error. Provider templates are compile-time constants, so a parse failure
// is a programming error.
func Must(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(FuncMap()).Parse(text))
}
