package luascript

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Check parses and compiles a Lua source string, returning an error when the
// script is not syntactically valid. Adapters that emit embedded Lua run
// their generated snippets through Check so a templating bug fails
// generation instead of shipping a broken artifact.
func Check(source, name string) error {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return fmt.Errorf("generated lua %s does not parse: %w", name, err)
	}
	if _, err := lua.Compile(chunk, name); err != nil {
		return fmt.Errorf("generated lua %s does not compile: %w", name, err)
	}
	return nil
}
