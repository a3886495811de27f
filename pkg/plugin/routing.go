package plugin

import (
	"context"
	"fmt"
	"slices"

	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/safety"
)

func (r *Registry) guardFor(id string) guard {
	return guard{
		pluginID: id,
		onDrop: func(c Capability, n int) {
			r.metrics.addDropped(c, n)
			r.log.Warn("dropped out-of-range records", "plugin_id", id, "capability", c, "count", n)
		},
	}
}

// Provider is an active capability provider. Impl is guarded: panics
// become typed errors and extraction output is re-filtered.
type Provider struct {
	PluginID string
	Impl     any
}

// Providers returns the active providers of c in activation order.
func (r *Registry) Providers(c Capability) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.slots[c]))
	for _, id := range r.slots[c] {
		inst, ok := r.instances[id]
		if !ok {
			continue
		}
		out = append(out, Provider{PluginID: id, Impl: r.guardFor(id).wrap(c, inst.impls[c])})
	}
	return out
}

// Provider returns the active provider of c. For multiple-cardinality
// capabilities the earliest activated provider is returned.
func (r *Registry) Provider(c Capability) (Provider, bool) {
	ps := r.Providers(c)
	if len(ps) == 0 {
		return Provider{}, false
	}
	return ps[0], true
}

// Resolve returns the active provider of c as T.
func Resolve[T any](r *Registry, c Capability) (T, bool) {
	var zero T
	p, ok := r.Provider(c)
	if !ok {
		return zero, false
	}
	t, ok := p.Impl.(T)
	return t, ok
}

// ResolveAll returns every active provider of c that is a T.
func ResolveAll[T any](r *Registry, c Capability) []T {
	var out []T
	for _, p := range r.Providers(c) {
		if t, ok := p.Impl.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// GlucoseSource returns the active CGM provider.
func (r *Registry) GlucoseSource() (GlucoseSource, bool) {
	return Resolve[GlucoseSource](r, CapabilityGlucoseSource)
}

// InsulinSource returns the active insulin provider.
func (r *Registry) InsulinSource() (InsulinSource, bool) {
	return Resolve[InsulinSource](r, CapabilityInsulinSource)
}

// PumpStatus returns the active pump status provider.
func (r *Registry) PumpStatus() (PumpStatus, bool) {
	return Resolve[PumpStatus](r, CapabilityPumpStatus)
}

// BgmSources returns every active meter provider.
func (r *Registry) BgmSources() []BgmSource {
	return ResolveAll[BgmSource](r, CapabilityBgmSource)
}

// CalibrationTarget returns the active calibration target.
func (r *Registry) CalibrationTarget() (CalibrationTarget, bool) {
	return Resolve[CalibrationTarget](r, CapabilityCalibrationTarget)
}

// ActiveProviders returns the active provider ids of every capability that
// has at least one.
func (r *Registry) ActiveProviders() map[Capability][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Capability][]string, len(r.slots))
	for c, ids := range r.slots {
		if len(ids) > 0 {
			out[c] = slices.Clone(ids)
		}
	}
	return out
}

func (r *Registry) info(inst *instance) Info {
	active := make([]Capability, 0, len(inst.held))
	for _, c := range inst.caps {
		if _, ok := inst.held[c]; ok {
			active = append(active, c)
		}
	}
	return Info{
		Metadata:     inst.meta,
		Capabilities: slices.Clone(inst.caps),
		Active:       active,
		State:        inst.state,
		Source:       inst.source,
		Origin:       inst.origin,
	}
}

// Plugins lists registered plugins in registration order.
func (r *Registry) Plugins() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		if inst, ok := r.instances[id]; ok {
			out = append(out, r.info(inst))
		}
	}
	return out
}

// Plugin returns the listing view of plugin id.
func (r *Registry) Plugin(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return Info{}, false
	}
	return r.info(inst), true
}

// ProvidersOf returns the ids of plugins declaring c, whether active or not.
func (r *Registry) ProvidersOf(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.order {
		if inst, ok := r.instances[id]; ok && slices.Contains(inst.caps, c) {
			ids = append(ids, id)
		}
	}
	return ids
}

// SettingsForm returns the settings descriptor of plugin id, if it has one.
func (r *Registry) SettingsForm(id string) (SettingsForm, bool, error) {
	inst, err := r.get(id)
	if err != nil {
		return SettingsForm{}, false, err
	}
	d, ok := inst.plugin.(SettingsDescriber)
	if !ok {
		return SettingsForm{}, false, nil
	}
	var form SettingsForm
	if err := protect(func() error { form = d.SettingsForm(); return nil }); err != nil {
		return SettingsForm{}, false, &CapabilityError{Kind: FailurePanic, PluginID: id, Err: err}
	}
	return form, true, nil
}

// DashboardCards subscribes to the dashboard stream of plugin id.
func (r *Registry) DashboardCards(ctx context.Context, id string) (<-chan []DashboardCard, error) {
	inst, err := r.get(id)
	if err != nil {
		return nil, err
	}
	d, ok := inst.plugin.(DashboardProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no dashboard", ErrUnsupported, id)
	}
	var ch <-chan []DashboardCard
	if err := protect(func() error { ch = d.DashboardCards(ctx); return nil }); err != nil {
		return nil, &CapabilityError{Kind: FailurePanic, PluginID: id, Err: err}
	}
	return ch, nil
}

// Calibrate routes a calibration value to the active CalibrationTarget.
// Values outside the absolute glucose range are rejected before any plugin
// sees them. Request and completion are published on the bus.
func (r *Registry) Calibrate(ctx context.Context, valueMgDl int) error {
	if !safety.AbsoluteGlucoseInRange(valueMgDl) {
		return &CapabilityError{
			Kind:       FailureOutOfRange,
			Capability: CapabilityCalibrationTarget,
			Err: fmt.Errorf("%d mg/dL outside %d-%d", valueMgDl,
				safety.AbsoluteMinGlucoseMgDl, safety.AbsoluteMaxGlucoseMgDl),
		}
	}
	p, ok := r.Provider(CapabilityCalibrationTarget)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProvider, CapabilityCalibrationTarget)
	}
	id, target := p.PluginID, p.Impl.(CalibrationTarget)
	r.publish(event.CalibrationRequested{PluginID: id, ValueMgDl: valueMgDl})
	err := target.Calibrate(ctx, valueMgDl)
	done := event.CalibrationCompleted{PluginID: id, ValueMgDl: valueMgDl, Success: err == nil}
	if err != nil {
		done.Error = err.Error()
	}
	r.publish(done)
	return err
}

func (r *Registry) publish(e event.Event) {
	if err := r.bus.PublishPlatform(e); err != nil {
		r.log.Warn("publish platform event", "kind", e.Kind(), "error", err)
	}
}
