package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/logger"
	"OpenCGM-Host/pkg/safety"
)

// ErrDisabled is returned when configuration disables a plugin.
var ErrDisabled = errors.New("plugin is disabled by configuration")

// Registry keeps track of registered plugins, routes capabilities to their
// active providers and orchestrates lifecycle transitions.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance
	order     []string
	slots     map[Capability][]string
	skipped   []SkipRecord
	closed    bool

	// slotLocks serialise handovers of one capability slot.
	slotLocks map[Capability]*sync.Mutex

	cfg      ManagerConfig
	bus      *event.Bus
	ownsBus  bool
	limits   safety.Reader
	settings SettingsBackend
	creds    CredentialBackend
	host     HostServices
	log      *slog.Logger
	metrics  *Metrics

	stopForward context.CancelFunc
	forwardDone chan struct{}
}

type instance struct {
	// mu serialises lifecycle calls on the plugin.
	mu        sync.Mutex
	activated bool

	plugin Plugin
	meta   Metadata
	caps   []Capability
	impls  map[Capability]any
	source Source
	origin string

	// Guarded by Registry.mu.
	state State
	held  map[Capability]struct{}
}

// Info is the listing view of a registered plugin.
type Info struct {
	Metadata     Metadata     `json:"metadata"`
	Capabilities []Capability `json:"capabilities"`
	Active       []Capability `json:"active"`
	State        State        `json:"state"`
	Source       Source       `json:"source"`
	Origin       string       `json:"origin,omitempty"`
}

// Option modifies the behaviour of a registry.
type Option func(*Registry)

// WithConfig applies registry configuration.
func WithConfig(cfg ManagerConfig) Option {
	return func(r *Registry) { r.cfg = cfg }
}

// WithBus shares an existing event bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) {
		if bus != nil {
			r.bus = bus
		}
	}
}

// WithSafetyLimits sets the read-only limits cell handed to plugins.
func WithSafetyLimits(limits safety.Reader) Option {
	return func(r *Registry) {
		if limits != nil {
			r.limits = limits
		}
	}
}

// WithSettingsBackend sets the per-plugin settings store.
func WithSettingsBackend(backend SettingsBackend) Option {
	return func(r *Registry) { r.settings = backend }
}

// WithCredentialBackend sets the credential store exposed to compile-time plugins.
func WithCredentialBackend(backend CredentialBackend) Option {
	return func(r *Registry) { r.creds = backend }
}

// WithHostServices sets the privileged host services.
func WithHostServices(host HostServices) Option {
	return func(r *Registry) {
		if host != nil {
			r.host = host
		}
	}
}

// WithLogger overrides the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics records registry activity on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		instances: make(map[string]*instance),
		slots:     make(map[Capability][]string),
		slotLocks: make(map[Capability]*sync.Mutex),
		host:      NopHost{},
		log:       logger.Named("plugin.registry"),
	}
	for _, c := range Capabilities() {
		r.slotLocks[c] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = event.NewBus()
		r.ownsBus = true
	}
	if r.limits == nil {
		cell, _ := safety.NewCell(safety.Default())
		r.limits = cell
	}
	r.startForwarding()
	return r
}

// Bus returns the event bus the registry publishes platform events on.
func (r *Registry) Bus() *event.Bus { return r.bus }

// SafetyLimits returns the read-only limits cell.
func (r *Registry) SafetyLimits() safety.Reader { return r.limits }

// startForwarding republishes every safety limit change as a platform event.
// The watch stream opens with the current value; values equal to the last
// forwarded one are skipped.
func (r *Registry) startForwarding() {
	ctx, cancel := context.WithCancel(context.Background())
	r.stopForward = cancel
	r.forwardDone = make(chan struct{})
	last := r.limits.Current()
	updates := r.limits.Watch(ctx)
	go func() {
		defer close(r.forwardDone)
		for l := range updates {
			if l == last {
				continue
			}
			last = l
			if err := r.bus.PublishPlatform(event.SafetyLimitsChanged{Limits: l}); err != nil &&
				!errors.Is(err, event.ErrBusClosed) {
				r.log.Error("forward safety limits", "error", err)
			}
		}
	}()
}

// Register installs a compile-time plugin. It receives the full context.
func (r *Registry) Register(ctx context.Context, f Factory) error {
	return r.install(ctx, f, SourceCompiled, string(SourceCompiled))
}

// RegisterSandboxed installs a sideloaded plugin with a restricted context.
// origin names the package the factory was loaded from.
func (r *Registry) RegisterSandboxed(ctx context.Context, f Factory, origin string) error {
	return r.install(ctx, f, SourceSideloaded, origin)
}

func (r *Registry) install(ctx context.Context, f Factory, src Source, origin string) error {
	if f == nil {
		return fmt.Errorf("%w: factory is nil", ErrInvalidMetadata)
	}
	var meta Metadata
	if err := protect(func() error { meta = f.Metadata(); return nil }); err != nil {
		return r.skip(meta.ID, origin, "invalid_metadata", fmt.Errorf("%w: %v", ErrInvalidMetadata, err))
	}
	if err := meta.Validate(); err != nil {
		return r.skip(meta.ID, origin, "invalid_metadata", err)
	}
	if meta.APIVersion != APIVersion {
		return r.skip(meta.ID, origin, "api_version",
			fmt.Errorf("%w: plugin %s targets %d, host implements %d", ErrAPIVersionMismatch, meta.ID, meta.APIVersion, APIVersion))
	}
	if !r.cfg.enabled(meta.ID) {
		return r.skip(meta.ID, origin, "disabled", fmt.Errorf("%w: %s", ErrDisabled, meta.ID))
	}
	r.mu.RLock()
	_, exists := r.instances[meta.ID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrShutDown
	}
	if exists {
		return r.skip(meta.ID, origin, "duplicate", fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.ID))
	}

	pc := r.newContext(meta.ID, src)
	var p Plugin
	if err := protect(func() (err error) { p, err = f.Create(pc); return err }); err != nil {
		return r.skip(meta.ID, origin, "create_failed", &LifecycleError{PluginID: meta.ID, Phase: "create", Err: err})
	}
	if p == nil {
		return r.skip(meta.ID, origin, "create_failed", &LifecycleError{PluginID: meta.ID, Phase: "create", Err: errors.New("factory returned nil")})
	}
	if err := protect(func() error { return p.Initialize(ctx) }); err != nil {
		return r.skip(meta.ID, origin, "initialize_failed", &LifecycleError{PluginID: meta.ID, Phase: "initialize", Err: err})
	}

	inst := &instance{
		plugin: p,
		meta:   meta,
		impls:  make(map[Capability]any),
		source: src,
		origin: origin,
		state:  StateInitialized,
		held:   make(map[Capability]struct{}),
	}
	if err := inst.bindCapabilities(); err != nil {
		r.discard(ctx, inst)
		return r.skip(meta.ID, origin, "capability_unimplemented", err)
	}

	r.mu.Lock()
	if _, exists := r.instances[meta.ID]; exists || r.closed {
		r.mu.Unlock()
		r.discard(ctx, inst)
		if exists {
			return r.skip(meta.ID, origin, "duplicate", fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.ID))
		}
		return ErrShutDown
	}
	r.instances[meta.ID] = inst
	r.order = append(r.order, meta.ID)
	r.mu.Unlock()

	r.metrics.incRegistered(src)
	r.log.Info("plugin registered",
		"plugin_id", meta.ID,
		"version", meta.Version,
		"source", src,
		"capabilities", inst.caps,
	)
	return nil
}

// bindCapabilities resolves and validates every declared capability.
func (inst *instance) bindCapabilities() error {
	var declared []Capability
	if err := protect(func() error { declared = inst.plugin.Capabilities(); return nil }); err != nil {
		return fmt.Errorf("plugin %s: list capabilities: %w", inst.meta.ID, err)
	}
	for _, c := range declared {
		if !c.Valid() {
			return fmt.Errorf("plugin %s: %w: %q", inst.meta.ID, ErrUnknownCapability, c)
		}
		if slices.Contains(inst.caps, c) {
			continue
		}
		var impl any
		if err := protect(func() error { impl = inst.plugin.Capability(c); return nil }); err != nil {
			return fmt.Errorf("plugin %s: resolve %s: %w", inst.meta.ID, c, err)
		}
		if !implements(c, impl) {
			return fmt.Errorf("plugin %s: %w: %s", inst.meta.ID, ErrCapabilityNotProvided, c)
		}
		inst.caps = append(inst.caps, c)
		inst.impls[c] = impl
	}
	return nil
}

func (r *Registry) newContext(id string, src Source) Context {
	cfg := ContextConfig{
		PluginID:    id,
		Logger:      logger.ForPlugin(id),
		Bus:         r.bus,
		Limits:      r.limits,
		Settings:    r.settings,
		Credentials: r.creds,
		Host:        r.host,
		DataRoot:    r.cfg.DataDir,
		Policy:      r.cfg.policyFor(id),
		OnDenied: func(pluginID string, perm Permission) {
			r.metrics.incDenied(perm)
			r.log.Warn("sandbox denied operation", "plugin_id", pluginID, "permission", perm)
		},
	}
	if src == SourceSideloaded {
		return NewRestrictedContext(cfg)
	}
	return NewFullContext(cfg)
}

// discard shuts down an instance that never entered the registry.
func (r *Registry) discard(ctx context.Context, inst *instance) {
	if err := protect(func() error { return inst.plugin.Shutdown(ctx) }); err != nil {
		r.log.Warn("shutdown of discarded plugin failed", "plugin_id", inst.meta.ID, "error", err)
	}
}

func (r *Registry) skip(id, origin, reason string, err error) error {
	r.mu.Lock()
	r.skipped = append(r.skipped, SkipRecord{PluginID: id, Origin: origin, Reason: reason, Err: err})
	r.mu.Unlock()
	r.metrics.incSkipped(reason)
	r.log.Warn("plugin skipped", "plugin_id", id, "origin", origin, "reason", reason, "error", err)
	return err
}

// Skipped returns every plugin excluded so far and why.
func (r *Registry) Skipped() []SkipRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.skipped)
}

func (r *Registry) get(id string) (*instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return inst, nil
}

// Activate assigns capability c to plugin id. For exclusive capabilities
// the new provider is activated before the previous holder is released, so
// the slot is never observed empty. If activation fails the previous holder
// stays in place and a *LifecycleError is returned.
func (r *Registry) Activate(ctx context.Context, id string, c Capability) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	inst, err := r.get(id)
	if err != nil {
		return err
	}
	if _, ok := inst.impls[c]; !ok {
		return fmt.Errorf("%w: %s does not provide %s", ErrCapabilityNotProvided, id, c)
	}

	slot := r.slotLocks[c]
	slot.Lock()
	defer slot.Unlock()

	displaced, err := r.assign(ctx, inst, c)
	if err != nil {
		r.metrics.incHandover(c, "failed")
		return err
	}
	for _, prev := range displaced {
		r.releaseIfIdle(ctx, prev)
	}
	r.metrics.incHandover(c, "ok")
	r.refreshProviders(c)
	return nil
}

// assign activates inst if needed and swaps it into the slot of c. It
// returns the instances displaced from an exclusive slot.
func (r *Registry) assign(ctx context.Context, inst *instance, c Capability) ([]*instance, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	r.mu.RLock()
	state := inst.state
	_, holding := inst.held[c]
	current := r.instances[inst.meta.ID] == inst
	r.mu.RUnlock()
	if state == StateShutDown {
		return nil, fmt.Errorf("%w: %s", ErrShutDown, inst.meta.ID)
	}
	if !current {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, inst.meta.ID)
	}
	if holding {
		return nil, nil
	}

	if !inst.activated {
		if err := protect(func() error { return inst.plugin.OnActivated(ctx) }); err != nil {
			r.log.Error("plugin activation failed", "plugin_id", inst.meta.ID, "capability", c, "error", err)
			return nil, &LifecycleError{PluginID: inst.meta.ID, Phase: "activate", Err: err}
		}
		inst.activated = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent Retire may have removed inst while OnActivated ran. The
	// retiring goroutine deactivates it once it gets the instance lock.
	if r.instances[inst.meta.ID] != inst {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, inst.meta.ID)
	}
	var displaced []*instance
	if c.Exclusive() {
		for _, prevID := range r.slots[c] {
			if prev, ok := r.instances[prevID]; ok && prev != inst {
				delete(prev.held, c)
				displaced = append(displaced, prev)
			}
		}
		r.slots[c] = []string{inst.meta.ID}
	} else {
		r.slots[c] = append(r.slots[c], inst.meta.ID)
	}
	inst.held[c] = struct{}{}
	inst.state = StateActive
	r.log.Info("capability assigned", "plugin_id", inst.meta.ID, "capability", c)
	return displaced, nil
}

// releaseIfIdle deactivates inst once it holds no slot. A failing
// OnDeactivated is logged; the plugin is considered inactive regardless.
func (r *Registry) releaseIfIdle(ctx context.Context, inst *instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	r.mu.RLock()
	idle := len(inst.held) == 0
	r.mu.RUnlock()
	if !idle || !inst.activated {
		return
	}
	if err := protect(func() error { return inst.plugin.OnDeactivated(ctx) }); err != nil {
		r.log.Error("plugin deactivation failed", "plugin_id", inst.meta.ID, "error", err)
	}
	inst.activated = false
	r.mu.Lock()
	if inst.state != StateShutDown {
		inst.state = StateInactive
	}
	r.mu.Unlock()
}

// Deactivate revokes capability c from plugin id.
func (r *Registry) Deactivate(ctx context.Context, id string, c Capability) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	inst, err := r.get(id)
	if err != nil {
		return err
	}
	slot := r.slotLocks[c]
	slot.Lock()
	defer slot.Unlock()

	r.mu.Lock()
	r.slots[c] = slices.DeleteFunc(r.slots[c], func(s string) bool { return s == id })
	delete(inst.held, c)
	r.mu.Unlock()

	r.releaseIfIdle(ctx, inst)
	r.refreshProviders(c)
	return nil
}

// Retire removes plugin id from every slot and shuts it down.
func (r *Registry) Retire(ctx context.Context, id string) error {
	inst, err := r.get(id)
	if err != nil {
		return err
	}
	caps := Capabilities()
	for _, c := range caps {
		r.slotLocks[c].Lock()
	}
	r.mu.Lock()
	for _, c := range caps {
		r.slots[c] = slices.DeleteFunc(r.slots[c], func(s string) bool { return s == id })
	}
	clear(inst.held)
	delete(r.instances, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	r.mu.Unlock()
	for i := len(caps) - 1; i >= 0; i-- {
		r.slotLocks[caps[i]].Unlock()
	}
	for _, c := range inst.caps {
		r.refreshProviders(c)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.activated {
		if err := protect(func() error { return inst.plugin.OnDeactivated(ctx) }); err != nil {
			r.log.Error("plugin deactivation failed", "plugin_id", id, "error", err)
		}
		inst.activated = false
	}
	shutdownErr := protect(func() error { return inst.plugin.Shutdown(ctx) })
	r.mu.Lock()
	inst.state = StateShutDown
	r.mu.Unlock()
	r.log.Info("plugin retired", "plugin_id", id)
	if shutdownErr != nil {
		return &LifecycleError{PluginID: id, Phase: "shutdown", Err: shutdownErr}
	}
	return nil
}

// Replace registers f and hands every slot held by oldID over to the new
// plugin before retiring oldID. The new plugin must declare the same
// capabilities for the slots to move.
func (r *Registry) Replace(ctx context.Context, oldID string, f Factory) error {
	old, err := r.get(oldID)
	if err != nil {
		return err
	}
	if err := r.Register(ctx, f); err != nil {
		return err
	}
	newID := f.Metadata().ID
	r.mu.RLock()
	held := make([]Capability, 0, len(old.held))
	for c := range old.held {
		held = append(held, c)
	}
	r.mu.RUnlock()
	slices.Sort(held)
	for _, c := range held {
		if err := r.Activate(ctx, newID, c); err != nil {
			if rerr := r.Retire(ctx, newID); rerr != nil {
				r.log.Warn("retire failed replacement", "plugin_id", newID, "error", rerr)
			}
			return err
		}
	}
	return r.Retire(ctx, oldID)
}

// ActivateConfigured activates the providers listed in the configuration.
// Failures are logged and joined; remaining entries are still processed.
func (r *Registry) ActivateConfigured(ctx context.Context) error {
	var errs []error
	for _, c := range Capabilities() {
		for _, id := range r.cfg.Activate[c] {
			if err := r.Activate(ctx, id, c); err != nil {
				r.log.Warn("configured activation failed", "plugin_id", id, "capability", c, "error", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) refreshProviders(c Capability) {
	r.mu.RLock()
	n := len(r.slots[c])
	r.mu.RUnlock()
	r.metrics.setProviders(c, n)
}

// Shutdown retires every plugin in reverse registration order. The
// registry refuses new registrations afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := slices.Clone(r.order)
	r.mu.Unlock()

	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := r.Retire(ctx, ids[i]); err != nil {
			errs = append(errs, err)
		}
	}
	r.stopForward()
	<-r.forwardDone
	if r.ownsBus {
		r.bus.Close()
	}
	return errors.Join(errs...)
}
