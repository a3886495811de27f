// Package lua runs sideloaded script plugins in a sandboxed gopher-lua
// state. Scripts see the base, table, string and math libraries plus a
// preloaded "host" module bridging their restricted plugin context.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultCallTimeout bounds a single call into script code.
const DefaultCallTimeout = 5 * time.Second

// ErrStateClosed is returned for calls after the state has been closed.
var ErrStateClosed = errors.New("lua state is closed")

// state wraps an LState. LState is not goroutine-safe, so every access
// goes through mu.
type state struct {
	mu      sync.Mutex
	L       *lua.LState
	timeout time.Duration
	closed  bool
}

func newState(timeout time.Duration) *state {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &state{L: L, timeout: timeout}
}

// openSafeLibraries opens base, table, string and math only.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// installModules replaces require with a lookup over the given modules.
// Nothing can be loaded from disk.
func (s *state) installModules(modules map[string]*lua.LTable) {
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		mod, ok := modules[name]
		if !ok {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(mod)
		return 1
	}))
}

// load runs the compiled chunk and calls the global factory function,
// which must return the plugin table.
func (s *state) load(ctx context.Context, proto *lua.FunctionProto, factory string) (*lua.LTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	defer s.L.SetTop(top)
	err := s.recover(func() error {
		s.L.Push(s.L.NewFunctionFromProto(proto))
		return s.L.PCall(0, lua.MultRet, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("run chunk: %w", err)
	}
	fn, ok := s.L.GetGlobal(factory).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("factory %q is not a global function", factory)
	}
	s.L.SetTop(top)
	err = s.recover(func() error {
		return s.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true})
	})
	if err != nil {
		return nil, fmt.Errorf("call factory %s: %w", factory, err)
	}
	tbl, ok := s.L.Get(-1).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("factory %s returned %s, want table", factory, s.L.Get(-1).Type())
	}
	return tbl, nil
}

// errMissing is returned by invoke when the table has no such function.
var errMissing = errors.New("function not defined")

// invoke calls tbl[name] with the arguments built by args and hands the
// results to decode. Everything runs under the state lock, bounded by ctx
// and the state timeout.
func (s *state) invoke(ctx context.Context, tbl *lua.LTable, name string, nret int,
	args func(L *lua.LState) []lua.LValue, decode func(ret []lua.LValue) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	fn, ok := tbl.RawGetString(name).(*lua.LFunction)
	if !ok {
		return errMissing
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	var in []lua.LValue
	if args != nil {
		in = args(s.L)
	}
	top := s.L.GetTop()
	defer s.L.SetTop(top)
	err := s.recover(func() error {
		return s.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, in...)
	})
	if err != nil {
		return err
	}
	ret := make([]lua.LValue, nret)
	for i := range ret {
		ret[i] = s.L.Get(top + 1 + i)
	}
	if decode == nil {
		return nil
	}
	return decode(ret)
}

// hasFunction reports whether tbl[name] is a function.
func (s *state) hasFunction(tbl *lua.LTable, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := tbl.RawGetString(name).(*lua.LFunction)
	return ok
}

func (s *state) recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

func (s *state) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}
