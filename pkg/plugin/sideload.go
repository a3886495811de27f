package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"OpenCGM-Host/pkg/logger"
)

// Installer discovers sideloaded packages under a directory and registers
// them with restricted contexts.
type Installer struct {
	registry    *Registry
	dir         string
	loaders     map[Runtime]Loader
	concurrency int
	log         *slog.Logger

	mu        sync.Mutex
	installed map[string]string
}

// InstallerOption configures an Installer.
type InstallerOption func(*Installer)

// WithLoader registers the loader used for runtime rt.
func WithLoader(rt Runtime, l Loader) InstallerOption {
	return func(in *Installer) { in.loaders[rt] = l }
}

// WithConcurrency bounds how many packages load in parallel.
func WithConcurrency(n int) InstallerOption {
	return func(in *Installer) {
		if n > 0 {
			in.concurrency = n
		}
	}
}

// NewInstaller creates an installer for dir. The Go loader is always
// available; other runtimes must be added with WithLoader.
func NewInstaller(reg *Registry, dir string, opts ...InstallerOption) *Installer {
	in := &Installer{
		registry:    reg,
		dir:         dir,
		loaders:     map[Runtime]Loader{RuntimeGo: GoPluginLoader{}},
		concurrency: 4,
		log:         logger.Named("plugin.installer"),
		installed:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Discover lists package directories containing a manifest, sorted by name.
func (in *Installer) Discover() ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(in.dir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

type loaded struct {
	dir     string
	factory Factory
}

// LoadAll loads every discovered package concurrently and registers the
// results in directory order. Broken packages are skipped; the returned
// error only reports failures to read the plugins directory.
func (in *Installer) LoadAll(ctx context.Context) (int, error) {
	dirs, err := in.Discover()
	if err != nil {
		return 0, err
	}
	results := make([]loaded, len(dirs))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i, dir := range dirs {
		g.Go(func() error {
			if in.isInstalled(dir) {
				return nil
			}
			f, err := in.load(dir)
			if err != nil {
				return nil
			}
			results[i] = loaded{dir: dir, factory: f}
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, res := range results {
		if res.factory == nil {
			continue
		}
		if in.register(ctx, res.dir, res.factory) == nil {
			count++
		}
	}
	in.log.Info("sideloaded packages loaded", "dir", in.dir, "found", len(dirs), "registered", count)
	return count, nil
}

// Install loads and registers the package in dir.
func (in *Installer) Install(ctx context.Context, dir string) error {
	if in.isInstalled(dir) {
		return fmt.Errorf("%w: package %s", ErrAlreadyRegistered, dir)
	}
	f, err := in.load(dir)
	if err != nil {
		return err
	}
	return in.register(ctx, dir, f)
}

// load parses the manifest and resolves the factory. Every failure is
// recorded in the registry skip log.
func (in *Installer) load(dir string) (Factory, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, in.registry.skip("", dir, "invalid_manifest", err)
	}
	if m.APIVersion != APIVersion {
		return nil, in.registry.skip(m.ID, dir, "api_version",
			fmt.Errorf("%w: package %s targets %d, host implements %d", ErrAPIVersionMismatch, m.ID, m.APIVersion, APIVersion))
	}
	if !in.registry.cfg.enabled(m.ID) {
		return nil, in.registry.skip(m.ID, dir, "disabled", fmt.Errorf("%w: %s", ErrDisabled, m.ID))
	}
	l, ok := in.loaders[m.Runtime]
	if !ok {
		return nil, in.registry.skip(m.ID, dir, "no_loader", fmt.Errorf("%w: no loader for runtime %q", ErrUnsupported, m.Runtime))
	}
	f, err := l.Load(m, dir)
	if err != nil {
		return nil, in.registry.skip(m.ID, dir, "load_failed", err)
	}
	if got := f.Metadata().ID; got != m.ID {
		return nil, in.registry.skip(m.ID, dir, "manifest_mismatch",
			fmt.Errorf("%w: factory reports id %q, manifest declares %q", ErrInvalidManifest, got, m.ID))
	}
	return f, nil
}

func (in *Installer) register(ctx context.Context, dir string, f Factory) error {
	if err := in.registry.RegisterSandboxed(ctx, f, dir); err != nil {
		return err
	}
	in.mu.Lock()
	in.installed[dir] = f.Metadata().ID
	in.mu.Unlock()
	return nil
}

func (in *Installer) isInstalled(dir string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.installed[dir]
	return ok
}

// Watch installs packages that appear under the plugins directory until
// ctx is cancelled.
func (in *Installer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}
	watched := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.Warn("plugin watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			dir := ev.Name
			if filepath.Base(ev.Name) == ManifestFile {
				dir = filepath.Dir(ev.Name)
			} else if fi, err := os.Stat(ev.Name); err != nil || !fi.IsDir() {
				continue
			}
			if filepath.Dir(dir) != filepath.Clean(in.dir) {
				continue
			}
			if !watched[dir] {
				// Packages are usually copied in after the directory appears.
				if err := w.Add(dir); err == nil {
					watched[dir] = true
				}
			}
			if in.isInstalled(dir) {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
				continue
			}
			if err := in.Install(ctx, dir); err != nil {
				in.log.Warn("runtime install failed", "dir", dir, "error", err)
				continue
			}
			in.log.Info("runtime install", "dir", dir)
		}
	}
}
