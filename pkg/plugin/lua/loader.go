package lua

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"OpenCGM-Host/pkg/plugin"
)

// Loader compiles Lua packages. Each created plugin gets its own state.
type Loader struct {
	// CallTimeout bounds every call into script code. Zero means
	// DefaultCallTimeout.
	CallTimeout time.Duration
}

// Load compiles the package entry script. Syntax errors surface here so
// broken packages are skipped before any plugin is created.
func (l Loader) Load(m plugin.Manifest, dir string) (plugin.Factory, error) {
	path := filepath.Join(dir, m.Entry)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	proto, err := Compile(src, m.Entry)
	if err != nil {
		return nil, err
	}
	timeout := l.CallTimeout
	return plugin.NewFactory(m.Metadata(), func(pc plugin.Context) (plugin.Plugin, error) {
		return newScriptPlugin(m, proto, pc, timeout)
	}), nil
}

// Compile parses and compiles a script.
func Compile(src []byte, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return proto, nil
}
