package tmplutil

import (
	"strings"
	"testing"
)

func render(t *testing.T, text string, data interface{}) string {
	t.Helper()
	var sb strings.Builder
	if err := Must("test", text).Execute(&sb, data); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	return sb.String()
}

func TestFuncMap_JSON(t *testing.T) {
	out := render(t, `{{ json . }}`, map[string]int{"a": 1})
	if out != `{"a":1}` {
		t.Fatalf("unexpected json output: %s", out)
	}
}

func TestFuncMap_JoinComma(t *testing.T) {
	out := render(t, `{{ joinComma . }}`, []string{"GET", "POST"})
	if out != "GET, POST" {
		t.Fatalf("unexpected joinComma output: %s", out)
	}
}

func TestFuncMap_LuaString(t *testing.T) {
	out := render(t, `{{ luaString . }}`, `say "hi"`+"\n")
	if out != `"say \"hi\"\n"` {
		t.Fatalf("unexpected luaString output: %s", out)
	}
}

func TestFuncMap_SprigAvailable(t *testing.T) {
	out := render(t, `{{ upper "conf" }}`, nil)
	if out != "CONF" {
		t.Fatalf("sprig functions unavailable: %s", out)
	}
}

func TestMust_PanicsOnBadTemplate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unparsable template")
		}
	}()
	Must("bad", `{{ range }}`)
}
