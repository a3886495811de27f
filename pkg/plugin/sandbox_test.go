package plugin

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"testing"

	"OpenCGM-Host/pkg/event"
)

type mapSettings struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newMapSettings() *mapSettings {
	return &mapSettings{data: map[string]map[string]string{}}
}

func (m *mapSettings) Get(_ context.Context, ns, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	return v, ok, nil
}

func (m *mapSettings) Set(_ context.Context, ns, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = map[string]string{}
	}
	m.data[ns][key] = value
	return nil
}

func (m *mapSettings) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return nil
}

func (m *mapSettings) All(_ context.Context, ns string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.data[ns] {
		out[k] = v
	}
	return out, nil
}

type mapCredentials struct{ secrets map[string][]byte }

func (m *mapCredentials) Get(_ context.Context, ns, name string) ([]byte, error) {
	return m.secrets[ns+"/"+name], nil
}

func (m *mapCredentials) Put(_ context.Context, ns, name string, secret []byte) error {
	m.secrets[ns+"/"+name] = secret
	return nil
}

func (m *mapCredentials) Delete(_ context.Context, ns, name string) error {
	delete(m.secrets, ns+"/"+name)
	return nil
}

func TestRestrictedContextDeniesPrivilegedOperations(t *testing.T) {
	ctx := context.Background()
	var denied []Permission
	pc := NewRestrictedContext(ContextConfig{
		PluginID:    "org.test.side",
		Bus:         event.NewBus(),
		Settings:    newMapSettings(),
		Credentials: &mapCredentials{secrets: map[string][]byte{}},
		DataRoot:    t.TempDir(),
		OnDenied:    func(_ string, p Permission) { denied = append(denied, p) },
	})
	if pc.Trusted() {
		t.Fatal("restricted context must not be trusted")
	}

	checks := map[Permission]error{}
	_, checks[PermissionCredentials] = pc.Credentials()
	checks[PermissionLaunchScreen] = pc.LaunchScreen(ctx, "home", nil)
	checks[PermissionStartService] = pc.StartService(ctx, "svc")
	_, checks[PermissionBindService] = pc.BindService(ctx, "svc")
	_, checks[PermissionSystemService] = pc.SystemService("bluetooth")
	_, checks[PermissionContent] = pc.QueryContent(ctx, "content://x")
	checks[PermissionBroadcast] = pc.Broadcast(ctx, "action", nil)
	_, checks[PermissionReceiver] = pc.RegisterReceiver("action", func(map[string]string) {})

	for perm, err := range checks {
		var ae *AccessError
		if !errors.As(err, &ae) || ae.Permission != perm || !errors.Is(err, ErrAccessDenied) {
			t.Fatalf("%s: expected access error, got %v", perm, err)
		}
	}
	if len(denied) != len(checks) {
		t.Fatalf("expected %d denial callbacks, got %d", len(checks), len(denied))
	}

	if err := pc.Settings().Set(ctx, "serial", "abc"); err != nil {
		t.Fatalf("settings should be allowed: %v", err)
	}
	if v, ok, _ := pc.Settings().Get(ctx, "serial"); !ok || v != "abc" {
		t.Fatalf("unexpected setting %q %v", v, ok)
	}
	dir, err := pc.FilesDir()
	if err != nil {
		t.Fatalf("files dir: %v", err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("files dir not created: %v", err)
	}
	if pc.Events() == nil || pc.Events().PluginID() != "org.test.side" {
		t.Fatal("events channel should be bound to the plugin")
	}
	if pc.SafetyLimits() == nil {
		t.Fatal("safety limits must stay readable")
	}
}

func TestSettingsAreNamespaced(t *testing.T) {
	ctx := context.Background()
	backend := newMapSettings()
	a := NewFullContext(ContextConfig{PluginID: "org.test.a", Settings: backend})
	b := NewFullContext(ContextConfig{PluginID: "org.test.b", Settings: backend})
	_ = a.Settings().Set(ctx, "k", "a")
	if _, ok, _ := b.Settings().Get(ctx, "k"); ok {
		t.Fatal("settings leaked across namespaces")
	}
}

func TestFullContextReachesHostServices(t *testing.T) {
	ctx := context.Background()
	creds := &mapCredentials{secrets: map[string][]byte{}}
	pc := NewFullContext(ContextConfig{PluginID: "org.test.full", Credentials: creds})
	if !pc.Trusted() {
		t.Fatal("full context must be trusted")
	}
	store, err := pc.Credentials()
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if err := store.Put(ctx, "token", []byte("s3cret")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if string(creds.secrets["org.test.full/token"]) != "s3cret" {
		t.Fatal("credential not scoped to plugin namespace")
	}
	if err := pc.LaunchScreen(ctx, "home", nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected host to report unsupported, got %v", err)
	}
	if _, err := pc.FilesDir(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported without data root, got %v", err)
	}
}

func TestPolicyOverrideCanOnlyNarrow(t *testing.T) {
	narrowed := RestrictedPolicy().Narrow(&Policy{
		Allowed: []Permission{PermissionCredentials, PermissionSettings, PermissionEvents},
		Denied:  []Permission{PermissionEvents},
	})
	if got := narrowed.Granted(); !slices.Equal(got, []Permission{PermissionSettings}) {
		t.Fatalf("unexpected grants %v", got)
	}

	pc := NewRestrictedContext(ContextConfig{
		PluginID: "org.test.narrow",
		Settings: newMapSettings(),
		Bus:      event.NewBus(),
		Policy:   Policy{Denied: []Permission{PermissionSettings, PermissionEvents}},
	})
	if _, _, err := pc.Settings().Get(context.Background(), "k"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected denied settings, got %v", err)
	}
	err := pc.Events().Publish(event.DeviceConnected{DeviceID: "d1"})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected denied publish, got %v", err)
	}
	if _, err := event.Subscribe[event.NewGlucoseReading](pc.Events()); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected denied subscribe, got %v", err)
	}
	if pc.Logger() == nil {
		t.Fatal("logger must never be nil")
	}
}

func TestSideloadedPluginsGetRestrictedContext(t *testing.T) {
	reg := newTestRegistry(t, WithCredentialBackend(&mapCredentials{secrets: map[string][]byte{}}))
	var captured Context
	meta := testMeta("org.test.side")
	f := NewFactory(meta, func(pc Context) (Plugin, error) {
		captured = pc
		return NewBase(meta), nil
	})
	if err := reg.RegisterSandboxed(context.Background(), f, "/plugins/side"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if captured == nil || captured.Trusted() {
		t.Fatal("sideloaded plugin received a trusted context")
	}
	if _, err := captured.Credentials(); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected credentials denied, got %v", err)
	}
	info, _ := reg.Plugin("org.test.side")
	if info.Source != SourceSideloaded || info.Origin != "/plugins/side" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestEventsWithoutBusRefusePublish(t *testing.T) {
	pc := NewFullContext(ContextConfig{PluginID: "org.test.nobus"})
	ch := pc.Events()
	if ch == nil || ch.PluginID() != "org.test.nobus" {
		t.Fatal("events channel must never be nil")
	}
	if err := ch.Publish(event.DeviceConnected{DeviceID: "d1"}); !errors.Is(err, event.ErrNoBus) {
		t.Fatalf("expected ErrNoBus, got %v", err)
	}
}
