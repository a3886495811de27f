package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	goplugin "plugin"
)

// Loader turns a validated package into a factory.
type Loader interface {
	Load(m Manifest, dir string) (Factory, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(m Manifest, dir string) (Factory, error)

func (f LoaderFunc) Load(m Manifest, dir string) (Factory, error) { return f(m, dir) }

// GoPluginLoader opens Go shared objects built with -buildmode=plugin. The
// factoryClass symbol must be a func() Factory.
type GoPluginLoader struct{}

// Load opens the package entry and calls its factory symbol.
func (GoPluginLoader) Load(m Manifest, dir string) (Factory, error) {
	if dir == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(filepath.Join(dir, m.Entry))
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup(m.FactoryClass)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	switch fn := symbol.(type) {
	case func() Factory:
		return callFactory(fn)
	case *func() Factory:
		if fn == nil || *fn == nil {
			return nil, errors.New("factory symbol is nil")
		}
		return callFactory(*fn)
	default:
		return nil, fmt.Errorf("%w: symbol %s must be func() plugin.Factory, got %T", ErrInvalidManifest, m.FactoryClass, symbol)
	}
}

func callFactory(fn func() Factory) (Factory, error) {
	var f Factory
	if err := protect(func() error { f = fn(); return nil }); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.New("factory symbol returned nil")
	}
	return f, nil
}
