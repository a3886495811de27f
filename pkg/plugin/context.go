package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/logger"
	"OpenCGM-Host/pkg/safety"
)

// ContextConfig carries the host services a context may expose.
type ContextConfig struct {
	PluginID    string
	Logger      *slog.Logger
	Bus         *event.Bus
	Limits      safety.Reader
	Settings    SettingsBackend
	Credentials CredentialBackend
	Host        HostServices
	DataRoot    string
	Policy      Policy
	// OnDenied is invoked for every refused operation.
	OnDenied func(pluginID string, perm Permission)
}

type pluginContext struct {
	id       string
	trusted  bool
	policy   Policy
	log      *slog.Logger
	events   *event.Channel
	limits   safety.Reader
	settings SettingsBackend
	creds    CredentialBackend
	host     HostServices
	dataRoot string
	onDenied func(string, Permission)
}

// NewFullContext builds the unrestricted context handed to compile-time
// plugins.
func NewFullContext(cfg ContextConfig) Context {
	if len(cfg.Policy.Allowed) == 0 {
		cfg.Policy.Allowed = AllPermissions()
	}
	return newContext(cfg, true)
}

// NewRestrictedContext builds the sandboxed context handed to sideloaded
// plugins. Credentials and host services are never wired into it, and its
// policy is the sandbox allow-list narrowed by cfg.Policy.
func NewRestrictedContext(cfg ContextConfig) Context {
	policy := RestrictedPolicy()
	if len(cfg.Policy.Allowed) > 0 || len(cfg.Policy.Denied) > 0 {
		override := cfg.Policy
		policy = policy.Narrow(&override)
	}
	cfg.Policy = policy
	cfg.Credentials = nil
	cfg.Host = nil
	return newContext(cfg, false)
}

func newContext(cfg ContextConfig, trusted bool) *pluginContext {
	log := cfg.Logger
	if log == nil {
		log = logger.ForPlugin(cfg.PluginID)
	}
	limits := cfg.Limits
	if limits == nil {
		cell, _ := safety.NewCell(safety.Default())
		limits = cell
	}
	host := cfg.Host
	if host == nil {
		host = NopHost{}
	}
	pc := &pluginContext{
		id:       cfg.PluginID,
		trusted:  trusted,
		policy:   cfg.Policy,
		log:      log,
		limits:   limits,
		settings: cfg.Settings,
		creds:    cfg.Credentials,
		host:     host,
		dataRoot: cfg.DataRoot,
		onDenied: cfg.OnDenied,
	}
	if cfg.Bus != nil {
		pc.events = cfg.Bus.Channel(cfg.PluginID)
	}
	return pc
}

func (c *pluginContext) check(perm Permission) error {
	if c.policy.Allows(perm) {
		return nil
	}
	err := &AccessError{PluginID: c.id, Permission: perm}
	logger.Audit().Warn("plugin operation denied", "plugin_id", c.id, "permission", perm)
	if c.onDenied != nil {
		c.onDenied(c.id, perm)
	}
	return err
}

func (c *pluginContext) PluginID() string { return c.id }
func (c *pluginContext) Trusted() bool    { return c.trusted }

func (c *pluginContext) Logger() *slog.Logger {
	if c.check(PermissionLogging) != nil {
		return logger.Discard()
	}
	return c.log
}

// Events never returns nil. A denied or detached channel refuses every
// publish with an error.
func (c *pluginContext) Events() *event.Channel {
	if err := c.check(PermissionEvents); err != nil {
		return event.DeniedChannel(c.id, err)
	}
	if c.events == nil {
		return event.DeniedChannel(c.id, event.ErrNoBus)
	}
	return c.events
}

func (c *pluginContext) SafetyLimits() safety.Reader {
	// Limits are read-only; even a narrowed policy keeps them readable so a
	// plugin can always filter against the current bounds.
	return c.limits
}

func (c *pluginContext) Settings() Settings {
	if err := c.check(PermissionSettings); err != nil {
		return deniedSettings{err: err}
	}
	if c.settings == nil {
		return deniedSettings{err: ErrUnsupported}
	}
	return scopedSettings{backend: c.settings, namespace: c.id}
}

func (c *pluginContext) FilesDir() (string, error) {
	return c.privateDir("files")
}

func (c *pluginContext) CacheDir() (string, error) {
	return c.privateDir("cache")
}

func (c *pluginContext) privateDir(kind string) (string, error) {
	if err := c.check(PermissionFiles); err != nil {
		return "", err
	}
	if c.dataRoot == "" {
		return "", fmt.Errorf("%s directory: %w", kind, ErrUnsupported)
	}
	dir := filepath.Join(c.dataRoot, c.id, kind)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s directory: %w", kind, err)
	}
	return dir, nil
}

func (c *pluginContext) Credentials() (Credentials, error) {
	if err := c.check(PermissionCredentials); err != nil {
		return nil, err
	}
	if c.creds == nil {
		return nil, fmt.Errorf("credential store: %w", ErrUnsupported)
	}
	return scopedCredentials{backend: c.creds, namespace: c.id}, nil
}

func (c *pluginContext) LaunchScreen(ctx context.Context, screen string, args map[string]string) error {
	if err := c.check(PermissionLaunchScreen); err != nil {
		return err
	}
	return c.host.LaunchScreen(ctx, c.id, screen, args)
}

func (c *pluginContext) StartService(ctx context.Context, name string) error {
	if err := c.check(PermissionStartService); err != nil {
		return err
	}
	return c.host.StartService(ctx, c.id, name)
}

func (c *pluginContext) BindService(ctx context.Context, name string) (any, error) {
	if err := c.check(PermissionBindService); err != nil {
		return nil, err
	}
	return c.host.BindService(ctx, c.id, name)
}

func (c *pluginContext) SystemService(name string) (any, error) {
	if err := c.check(PermissionSystemService); err != nil {
		return nil, err
	}
	return c.host.SystemService(c.id, name)
}

func (c *pluginContext) QueryContent(ctx context.Context, uri string) ([]map[string]string, error) {
	if err := c.check(PermissionContent); err != nil {
		return nil, err
	}
	return c.host.QueryContent(ctx, c.id, uri)
}

func (c *pluginContext) Broadcast(ctx context.Context, action string, extras map[string]string) error {
	if err := c.check(PermissionBroadcast); err != nil {
		return err
	}
	return c.host.Broadcast(ctx, c.id, action, extras)
}

func (c *pluginContext) RegisterReceiver(action string, fn func(extras map[string]string)) (func(), error) {
	if err := c.check(PermissionReceiver); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("receiver callback cannot be nil")
	}
	return c.host.RegisterReceiver(c.id, action, fn)
}

type scopedSettings struct {
	backend   SettingsBackend
	namespace string
}

func (s scopedSettings) Get(ctx context.Context, key string) (string, bool, error) {
	return s.backend.Get(ctx, s.namespace, key)
}

func (s scopedSettings) Set(ctx context.Context, key, value string) error {
	return s.backend.Set(ctx, s.namespace, key, value)
}

func (s scopedSettings) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, s.namespace, key)
}

func (s scopedSettings) All(ctx context.Context) (map[string]string, error) {
	return s.backend.All(ctx, s.namespace)
}

type deniedSettings struct{ err error }

func (d deniedSettings) Get(context.Context, string) (string, bool, error) { return "", false, d.err }
func (d deniedSettings) Set(context.Context, string, string) error         { return d.err }
func (d deniedSettings) Delete(context.Context, string) error              { return d.err }
func (d deniedSettings) All(context.Context) (map[string]string, error)    { return nil, d.err }

type scopedCredentials struct {
	backend   CredentialBackend
	namespace string
}

func (s scopedCredentials) Get(ctx context.Context, name string) ([]byte, error) {
	return s.backend.Get(ctx, s.namespace, name)
}

func (s scopedCredentials) Put(ctx context.Context, name string, secret []byte) error {
	return s.backend.Put(ctx, s.namespace, name, secret)
}

func (s scopedCredentials) Delete(ctx context.Context, name string) error {
	return s.backend.Delete(ctx, s.namespace, name)
}
