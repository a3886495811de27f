package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"OpenCGM-Host/pkg/plugin"
	"OpenCGM-Host/pkg/safety"
)

// required lists the table functions each capability needs.
var required = map[plugin.Capability][]string{
	plugin.CapabilityGlucoseSource:     {"fetch_history", "extract_cgm"},
	plugin.CapabilityInsulinSource:     {"get_iob", "fetch_history", "extract_boluses", "extract_basal"},
	plugin.CapabilityPumpStatus:        {"battery", "reservoir"},
	plugin.CapabilityBgmSource:         {"fetch_history", "extract_bgm"},
	plugin.CapabilityCalibrationTarget: {"calibrate"},
	plugin.CapabilityDataSync:          {},
}

type scriptPlugin struct {
	meta  plugin.Metadata
	log   *slog.Logger
	st    *state
	tbl   *lua.LTable
	caps  []plugin.Capability
	impls map[plugin.Capability]any

	dropped atomic.Uint64
}

// formPlugin is a scriptPlugin whose table defines settings_form.
type formPlugin struct {
	*scriptPlugin
}

func newScriptPlugin(m plugin.Manifest, proto *lua.FunctionProto, pc plugin.Context, timeout time.Duration) (plugin.Plugin, error) {
	st := newState(timeout)
	st.installModules(map[string]*lua.LTable{"host": hostModule(st.L, pc)})
	log := pc.Logger()
	st.L.SetGlobal("print", st.L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.Get(i).String())
		}
		log.Info(strings.Join(parts, " "))
		return 0
	}))

	tbl, err := st.load(context.Background(), proto, m.FactoryClass)
	if err != nil {
		st.close()
		return nil, err
	}
	p := &scriptPlugin{meta: m.Metadata(), log: log, st: st, tbl: tbl, impls: make(map[plugin.Capability]any)}
	st.mu.Lock()
	declared := stringList(tbl.RawGetString("capabilities"))
	st.mu.Unlock()
	for _, name := range declared {
		c, err := plugin.ParseCapability(name)
		if err != nil {
			st.close()
			return nil, err
		}
		p.caps = append(p.caps, c)
		if impl := p.bind(c); impl != nil {
			p.impls[c] = impl
		}
	}
	if st.hasFunction(tbl, "settings_form") {
		return formPlugin{p}, nil
	}
	return p, nil
}

// bind returns the adapter for c when the table defines every function it
// needs. A nil result leaves the capability unimplemented and the registry
// rejects the plugin.
func (p *scriptPlugin) bind(c plugin.Capability) any {
	fns, ok := required[c]
	if !ok {
		return nil
	}
	for _, fn := range fns {
		if !p.st.hasFunction(p.tbl, fn) {
			return nil
		}
	}
	switch c {
	case plugin.CapabilityGlucoseSource:
		return glucoseSource{p}
	case plugin.CapabilityInsulinSource:
		return insulinSource{p}
	case plugin.CapabilityPumpStatus:
		return pumpStatus{p}
	case plugin.CapabilityBgmSource:
		return bgmSource{p}
	case plugin.CapabilityCalibrationTarget:
		return calibrationTarget{p}
	case plugin.CapabilityDataSync:
		return struct{}{}
	}
	return nil
}

func (p *scriptPlugin) Metadata() plugin.Metadata { return p.meta }

func (p *scriptPlugin) Capabilities() []plugin.Capability {
	return append([]plugin.Capability(nil), p.caps...)
}

func (p *scriptPlugin) Capability(c plugin.Capability) any { return p.impls[c] }

func (p *scriptPlugin) hook(ctx context.Context, name string) error {
	err := p.st.invoke(ctx, p.tbl, name, 2, nil, scriptError)
	if errors.Is(err, errMissing) {
		return nil
	}
	return err
}

func (p *scriptPlugin) Initialize(ctx context.Context) error    { return p.hook(ctx, "initialize") }
func (p *scriptPlugin) OnActivated(ctx context.Context) error   { return p.hook(ctx, "on_activated") }
func (p *scriptPlugin) OnDeactivated(ctx context.Context) error { return p.hook(ctx, "on_deactivated") }

func (p *scriptPlugin) Shutdown(ctx context.Context) error {
	err := p.hook(ctx, "shutdown")
	p.st.close()
	return err
}

func (f formPlugin) SettingsForm() plugin.SettingsForm {
	var form plugin.SettingsForm
	err := f.st.invoke(context.Background(), f.tbl, "settings_form", 1, nil, func(ret []lua.LValue) error {
		var ok bool
		if form, ok = tableToForm(ret[0]); !ok {
			return fmt.Errorf("settings_form returned %s, want a table", ret[0].Type())
		}
		return nil
	})
	if err != nil {
		f.log.Error("settings form unavailable", "plugin_id", f.meta.ID, "error", err)
	}
	return form
}

// noteDropped records extracted values the script produced outside the
// safety limits or as non-integral numbers.
func (p *scriptPlugin) noteDropped(fn string, n int) {
	if n > 0 {
		p.log.Warn("dropped records outside safety limits", "function", fn, "count", n)
		p.dropped.Add(uint64(n))
	}
}

// Dropped reports how many extracted records the script adapter discarded.
func (p *scriptPlugin) Dropped() uint64 { return p.dropped.Load() }

// scriptError turns the (nil, message) convention into an error.
func scriptError(ret []lua.LValue) error {
	if len(ret) >= 2 && ret[0] == lua.LNil && ret[1] != lua.LNil {
		return errors.New(ret[1].String())
	}
	return nil
}

// query calls a device query function. Failures are transient I/O errors.
func (p *scriptPlugin) query(ctx context.Context, name string, args func(L *lua.LState) []lua.LValue, decode func(v lua.LValue) error) error {
	err := p.st.invoke(ctx, p.tbl, name, 2, args, func(ret []lua.LValue) error {
		if err := scriptError(ret); err != nil {
			return err
		}
		return decode(ret[0])
	})
	if err != nil {
		return plugin.IOFailure(fmt.Errorf("%s: %w", name, err))
	}
	return nil
}

// extract calls a pure extraction function with logs and limits.
func (p *scriptPlugin) extract(name string, logs []plugin.HistoryLog, limits safety.Limits, decode func(v lua.LValue) error) error {
	return p.st.invoke(context.Background(), p.tbl, name, 2, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{logsToTable(L, logs), limitsValue(L, limits)}
	}, func(ret []lua.LValue) error {
		if err := scriptError(ret); err != nil {
			return err
		}
		return decode(ret[0])
	})
}

func (p *scriptPlugin) fetchHistory(ctx context.Context, c plugin.Capability, since time.Time) ([]plugin.HistoryLog, error) {
	var logs []plugin.HistoryLog
	err := p.query(ctx, "fetch_history", func(*lua.LState) []lua.LValue {
		return []lua.LValue{toMillis(since), lua.LString(c)}
	}, func(v lua.LValue) (err error) {
		logs, err = tableToLogs(v)
		return err
	})
	return logs, err
}

type glucoseSource struct{ p *scriptPlugin }

func (s glucoseSource) FetchHistory(ctx context.Context, since time.Time) ([]plugin.HistoryLog, error) {
	return s.p.fetchHistory(ctx, plugin.CapabilityGlucoseSource, since)
}

func (s glucoseSource) ExtractCgmFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.GlucoseReading, error) {
	var (
		out      []plugin.GlucoseReading
		rejected int
	)
	err := s.p.extract("extract_cgm", logs, limits, func(v lua.LValue) (err error) {
		out, rejected, err = tableToGlucose(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := plugin.KeepGlucose(out, limits)
	s.p.noteDropped("extract_cgm", rejected+len(out)-len(kept))
	return kept, nil
}

type bgmSource struct{ p *scriptPlugin }

func (s bgmSource) FetchHistory(ctx context.Context, since time.Time) ([]plugin.HistoryLog, error) {
	return s.p.fetchHistory(ctx, plugin.CapabilityBgmSource, since)
}

func (s bgmSource) ExtractBgmFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.BgmReading, error) {
	var (
		out      []plugin.BgmReading
		rejected int
	)
	err := s.p.extract("extract_bgm", logs, limits, func(v lua.LValue) (err error) {
		out, rejected, err = tableToBgm(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := plugin.KeepBgm(out, limits)
	s.p.noteDropped("extract_bgm", rejected+len(out)-len(kept))
	return kept, nil
}

type insulinSource struct{ p *scriptPlugin }

func (s insulinSource) GetIoB(ctx context.Context) (plugin.InsulinOnBoard, error) {
	var iob plugin.InsulinOnBoard
	err := s.p.query(ctx, "get_iob", nil, func(v lua.LValue) error {
		t, ok := v.(*lua.LTable)
		if !ok {
			return fmt.Errorf("expected a table, got %s", v.Type())
		}
		iob.Milliunits, _ = intField(t, "milliunits")
		iob.At = fromMillis(t.RawGetString("at"))
		return nil
	})
	return iob, err
}

func (s insulinSource) FetchHistory(ctx context.Context, since time.Time) ([]plugin.HistoryLog, error) {
	return s.p.fetchHistory(ctx, plugin.CapabilityInsulinSource, since)
}

func (s insulinSource) ExtractBolusesFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.BolusRecord, error) {
	var (
		out      []plugin.BolusRecord
		rejected int
	)
	err := s.p.extract("extract_boluses", logs, limits, func(v lua.LValue) (err error) {
		out, rejected, err = tableToBoluses(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := plugin.KeepBoluses(out, limits)
	s.p.noteDropped("extract_boluses", rejected+len(out)-len(kept))
	return kept, nil
}

func (s insulinSource) ExtractBasalFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.BasalRecord, error) {
	var (
		out      []plugin.BasalRecord
		rejected int
	)
	err := s.p.extract("extract_basal", logs, limits, func(v lua.LValue) (err error) {
		out, rejected, err = tableToBasal(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := plugin.KeepBasal(out, limits)
	s.p.noteDropped("extract_basal", rejected+len(out)-len(kept))
	return kept, nil
}

type pumpStatus struct{ p *scriptPlugin }

func (s pumpStatus) GetBatteryStatus(ctx context.Context) (plugin.BatteryStatus, error) {
	var st plugin.BatteryStatus
	err := s.p.query(ctx, "battery", nil, func(v lua.LValue) error {
		t, ok := v.(*lua.LTable)
		if !ok {
			return fmt.Errorf("expected a table, got %s", v.Type())
		}
		st.Percent, _ = intField(t, "percent")
		st.Charging = lua.LVAsBool(t.RawGetString("charging"))
		return nil
	})
	return st, err
}

func (s pumpStatus) GetReservoirMilliunits(ctx context.Context) (int, error) {
	var mu int
	err := s.p.query(ctx, "reservoir", nil, func(v lua.LValue) error {
		n, ok := v.(lua.LNumber)
		if !ok {
			return fmt.Errorf("expected a number, got %s", v.Type())
		}
		mu = int(n)
		return nil
	})
	return mu, err
}

type calibrationTarget struct{ p *scriptPlugin }

func (s calibrationTarget) Calibrate(ctx context.Context, valueMgDl int) error {
	err := s.p.st.invoke(ctx, s.p.tbl, "calibrate", 2, func(*lua.LState) []lua.LValue {
		return []lua.LValue{lua.LNumber(valueMgDl)}
	}, scriptError)
	if err != nil {
		return plugin.IOFailure(fmt.Errorf("calibrate: %w", err))
	}
	return nil
}
