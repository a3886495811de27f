package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`
factoryClass: NewMeter
apiVersion: 1
id: org.test.meter
name: Meter
version: 0.2.0
runtime: Lua
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Runtime != RuntimeLua || m.Entry != "main.lua" {
		t.Fatalf("unexpected defaults %+v", m)
	}

	m, err = ParseManifest([]byte("factoryClass: New\napiVersion: 1\nid: org.test.go\nname: Go\nversion: 1.0.0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Runtime != RuntimeGo || m.Entry != "plugin.so" {
		t.Fatalf("unexpected defaults %+v", m)
	}
}

func TestParseManifestRejects(t *testing.T) {
	cases := map[string]string{
		"missing factory": "apiVersion: 1\nid: org.test.x\nname: X\nversion: 1.0.0\n",
		"missing api":     "factoryClass: New\nid: org.test.x\nname: X\nversion: 1.0.0\n",
		"bad id":          "factoryClass: New\napiVersion: 1\nid: 9x\nname: X\nversion: 1.0.0\n",
		"bad version":     "factoryClass: New\napiVersion: 1\nid: org.test.x\nname: X\nversion: one\n",
		"unknown runtime": "factoryClass: New\napiVersion: 1\nid: org.test.x\nname: X\nversion: 1.0.0\nruntime: wasm\n",
		"escaping entry":  "factoryClass: New\napiVersion: 1\nid: org.test.x\nname: X\nversion: 1.0.0\nentry: ../evil.so\n",
		"malformed yaml":  "factoryClass: [\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(raw)); !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected ErrInvalidManifest, got %v", err)
			}
		})
	}
}

func TestParseManagerConfig(t *testing.T) {
	cfg, err := ParseManagerConfig([]byte(`
dataDir: /var/lib/cgmhost
defaults:
  deniedPermissions: [broadcast.send]
activate:
  GlucoseSource: [org.test.cgm]
  BgmSource: [org.test.m1, org.test.m2]
plugins:
  org.test.cgm:
    policy:
      deniedPermissions: [credentials]
  org.test.off:
    enabled: false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.enabled("org.test.off") || !cfg.enabled("org.test.other") {
		t.Fatal("unexpected enabled flags")
	}
	policy := cfg.policyFor("org.test.cgm")
	if policy.Allows(PermissionCredentials) || policy.Allows(PermissionBroadcast) || !policy.Allows(PermissionSettings) {
		t.Fatalf("unexpected policy %v", policy.Granted())
	}

	if _, err := ParseManagerConfig([]byte("activate:\n  GlucoseSource: [org.a, org.b]\n")); err == nil {
		t.Fatal("expected exclusive capability with two providers to fail")
	}
	if _, err := ParseManagerConfig([]byte("activate:\n  Teleport: [org.a]\n")); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected unknown capability, got %v", err)
	}
}

func writePackage(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	return dir
}

func TestInstallerLoadAll(t *testing.T) {
	root := t.TempDir()
	good := writePackage(t, root, "good", "factoryClass: New\napiVersion: 1\nid: org.test.good\nname: Good\nversion: 1.0.0\nruntime: lua\n")
	writePackage(t, root, "future", "factoryClass: New\napiVersion: 99\nid: org.test.future\nname: Future\nversion: 1.0.0\nruntime: lua\n")
	writePackage(t, root, "broken", "factoryClass: New\napiVersion: 1\nid: org.test.broken\nname: Broken\nversion: nope\nruntime: lua\n")
	writePackage(t, root, "liar", "factoryClass: New\napiVersion: 1\nid: org.test.liar\nname: Liar\nversion: 1.0.0\nruntime: lua\n")
	writePackage(t, root, "empty", "")

	loader := LoaderFunc(func(m Manifest, dir string) (Factory, error) {
		meta := m.Metadata()
		if m.ID == "org.test.liar" {
			meta.ID = "org.test.someoneelse"
		}
		return NewFactory(meta, func(Context) (Plugin, error) { return NewBase(meta), nil }), nil
	})
	reg := newTestRegistry(t)
	in := NewInstaller(reg, root, WithLoader(RuntimeLua, loader), WithConcurrency(2))

	dirs, err := in.Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(dirs) != 4 {
		t.Fatalf("expected 4 packages with manifests, got %v", dirs)
	}

	n, err := in.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 registered package, got %d", n)
	}
	info, ok := reg.Plugin("org.test.good")
	if !ok || info.Source != SourceSideloaded || info.Origin != good {
		t.Fatalf("unexpected info %+v", info)
	}

	reasons := map[string]bool{}
	for _, s := range reg.Skipped() {
		reasons[s.Reason] = true
	}
	for _, want := range []string{"api_version", "invalid_manifest", "manifest_mismatch"} {
		if !reasons[want] {
			t.Fatalf("missing skip reason %q in %v", want, reg.Skipped())
		}
	}

	again, _ := in.LoadAll(context.Background())
	if again != 0 {
		t.Fatalf("rescan should not reinstall, got %d", again)
	}
	if err := in.Install(context.Background(), good); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected already registered, got %v", err)
	}
}

func TestInstallerMissingDirectory(t *testing.T) {
	reg := newTestRegistry(t)
	in := NewInstaller(reg, filepath.Join(t.TempDir(), "absent"))
	n, err := in.LoadAll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected empty load, got %d %v", n, err)
	}
}

func TestInstallerWithoutLoaderSkips(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "lua", "factoryClass: New\napiVersion: 1\nid: org.test.lua\nname: Lua\nversion: 1.0.0\nruntime: lua\n")
	reg := newTestRegistry(t)
	in := NewInstaller(reg, root)
	if n, _ := in.LoadAll(context.Background()); n != 0 {
		t.Fatalf("expected nothing registered, got %d", n)
	}
	skipped := reg.Skipped()
	if len(skipped) != 1 || skipped[0].Reason != "no_loader" || !errors.Is(skipped[0].Err, ErrUnsupported) {
		t.Fatalf("unexpected skip log %+v", skipped)
	}
}

func TestShippedRegistryConfig(t *testing.T) {
	cfg, err := LoadManagerConfig(filepath.Join("..", "..", "configs", "registry.yaml"))
	if err != nil {
		t.Fatalf("load shipped registry config: %v", err)
	}
	if got := cfg.Activate[CapabilityBgmSource]; len(got) != 1 || got[0] != "org.opencgm.example.luameter" {
		t.Fatalf("unexpected BgmSource activation %v", got)
	}
	if cfg.policyFor("org.opencgm.example.luameter").Allows(PermissionCredentials) {
		t.Fatal("lua meter policy should not grant credentials")
	}
	if cfg.policyFor("org.opencgm.sim.cgm").Allows(PermissionBroadcast) {
		t.Fatal("defaults should deny broadcasts")
	}
}
