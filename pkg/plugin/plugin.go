// Package plugin implements the plugin registry and capability-routing
// runtime: the lifecycle contract, capability interfaces, plugin contexts and
// the sandboxed loading pipeline for sideloaded packages.
package plugin

import (
	"context"
	"log/slog"

	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/safety"
)

// Plugin defines the lifecycle hooks that each plugin implementation must satisfy.
type Plugin interface {
	// Metadata returns the static identity of the plugin.
	Metadata() Metadata
	// Capabilities lists the capabilities the plugin declares.
	Capabilities() []Capability
	// Capability returns the object implementing c, or nil.
	Capability(c Capability) any
	// Initialize prepares the plugin and may perform I/O. It is called once,
	// right after construction.
	Initialize(ctx context.Context) error
	// OnActivated is called when the plugin is assigned its first capability slot.
	OnActivated(ctx context.Context) error
	// OnDeactivated is called when the plugin loses its last capability slot.
	OnDeactivated(ctx context.Context) error
	// Shutdown releases resources. It is not called again afterwards.
	Shutdown(ctx context.Context) error
}

// Factory constructs plugin instances. Compile-time plugins and sideloaded
// packages both reach the registry as a Factory.
type Factory interface {
	Metadata() Metadata
	Create(pc Context) (Plugin, error)
}

type factoryFunc struct {
	meta   Metadata
	create func(Context) (Plugin, error)
}

func (f factoryFunc) Metadata() Metadata                { return f.meta }
func (f factoryFunc) Create(pc Context) (Plugin, error) { return f.create(pc) }

// NewFactory adapts a constructor function to the Factory interface.
func NewFactory(meta Metadata, create func(Context) (Plugin, error)) Factory {
	return factoryFunc{meta: meta, create: create}
}

// Context is the capability token handed to a plugin. Every host service a
// plugin can reach goes through it; the restricted variant refuses the
// privileged operations with an *AccessError.
type Context interface {
	PluginID() string
	// Trusted reports whether this is the full context of a compile-time plugin.
	Trusted() bool

	Logger() *slog.Logger
	Events() *event.Channel
	SafetyLimits() safety.Reader
	Settings() Settings
	FilesDir() (string, error)
	CacheDir() (string, error)

	Credentials() (Credentials, error)
	LaunchScreen(ctx context.Context, screen string, args map[string]string) error
	StartService(ctx context.Context, name string) error
	BindService(ctx context.Context, name string) (any, error)
	SystemService(name string) (any, error)
	QueryContent(ctx context.Context, uri string) ([]map[string]string, error)
	Broadcast(ctx context.Context, action string, extras map[string]string) error
	RegisterReceiver(action string, fn func(extras map[string]string)) (func(), error)
}

// Settings is the key-value store scoped to one plugin's namespace.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) (map[string]string, error)
}

// SettingsBackend stores settings for every namespace.
type SettingsBackend interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
	All(ctx context.Context, namespace string) (map[string]string, error)
}

// Credentials is the encrypted secret store scoped to one plugin.
type Credentials interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, secret []byte) error
	Delete(ctx context.Context, name string) error
}

// CredentialBackend stores secrets for every namespace.
type CredentialBackend interface {
	Get(ctx context.Context, namespace, name string) ([]byte, error)
	Put(ctx context.Context, namespace, name string, secret []byte) error
	Delete(ctx context.Context, namespace, name string) error
}

// HostServices exposes the host application's privileged services to
// trusted plugins.
type HostServices interface {
	LaunchScreen(ctx context.Context, pluginID, screen string, args map[string]string) error
	StartService(ctx context.Context, pluginID, name string) error
	BindService(ctx context.Context, pluginID, name string) (any, error)
	SystemService(pluginID, name string) (any, error)
	QueryContent(ctx context.Context, pluginID, uri string) ([]map[string]string, error)
	Broadcast(ctx context.Context, pluginID, action string, extras map[string]string) error
	RegisterReceiver(pluginID, action string, fn func(extras map[string]string)) (func(), error)
}

// NopHost is a HostServices that supports nothing.
type NopHost struct{}

func (NopHost) LaunchScreen(context.Context, string, string, map[string]string) error {
	return ErrUnsupported
}
func (NopHost) StartService(context.Context, string, string) error { return ErrUnsupported }
func (NopHost) BindService(context.Context, string, string) (any, error) {
	return nil, ErrUnsupported
}
func (NopHost) SystemService(string, string) (any, error) { return nil, ErrUnsupported }
func (NopHost) QueryContent(context.Context, string, string) ([]map[string]string, error) {
	return nil, ErrUnsupported
}
func (NopHost) Broadcast(context.Context, string, string, map[string]string) error {
	return ErrUnsupported
}
func (NopHost) RegisterReceiver(string, string, func(map[string]string)) (func(), error) {
	return nil, ErrUnsupported
}

// Base provides metadata, capability lookup and no-op lifecycle hooks.
// Plugins embed it and override the hooks they need.
type Base struct {
	meta  Metadata
	order []Capability
	impls map[Capability]any
}

// NewBase creates a Base for meta.
func NewBase(meta Metadata) *Base {
	return &Base{meta: meta, impls: make(map[Capability]any)}
}

// Provide declares c and registers impl as its implementation.
func (b *Base) Provide(c Capability, impl any) {
	if _, exists := b.impls[c]; !exists {
		b.order = append(b.order, c)
	}
	b.impls[c] = impl
}

func (b *Base) Metadata() Metadata { return b.meta }

func (b *Base) Capabilities() []Capability {
	return append([]Capability(nil), b.order...)
}

func (b *Base) Capability(c Capability) any { return b.impls[c] }

func (b *Base) Initialize(context.Context) error    { return nil }
func (b *Base) OnActivated(context.Context) error   { return nil }
func (b *Base) OnDeactivated(context.Context) error { return nil }
func (b *Base) Shutdown(context.Context) error      { return nil }
