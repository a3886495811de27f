package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"OpenCGM-Host/pkg/safety"
)

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// protect runs fn and converts a panic into an error so plugin code can never
// unwind through the host.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn()
}

// guard wraps the capability implementations returned to consumers. It
// converts panics into typed failures, annotates errors with provenance and
// re-applies the drop rule to every extraction result.
type guard struct {
	pluginID string
	onDrop   func(c Capability, n int)
}

func (g guard) call(c Capability, fn func() error) error {
	err := protect(fn)
	if err == nil {
		return nil
	}
	var ce *CapabilityError
	if errors.As(err, &ce) {
		if ce.PluginID == "" || ce.Capability == "" {
			annotated := *ce
			if annotated.PluginID == "" {
				annotated.PluginID = g.pluginID
			}
			if annotated.Capability == "" {
				annotated.Capability = c
			}
			return &annotated
		}
		return err
	}
	kind := FailureIO
	var pe *panicError
	if errors.As(err, &pe) {
		kind = FailurePanic
	}
	return &CapabilityError{Kind: kind, Capability: c, PluginID: g.pluginID, Err: err}
}

func (g guard) dropped(c Capability, before, after int) {
	if n := before - after; n > 0 && g.onDrop != nil {
		g.onDrop(c, n)
	}
}

func (g guard) wrap(c Capability, impl any) any {
	switch c {
	case CapabilityGlucoseSource:
		return guardedGlucose{g: g, impl: impl.(GlucoseSource)}
	case CapabilityInsulinSource:
		return guardedInsulin{g: g, impl: impl.(InsulinSource)}
	case CapabilityPumpStatus:
		return guardedPump{g: g, impl: impl.(PumpStatus)}
	case CapabilityBgmSource:
		return guardedBgm{g: g, impl: impl.(BgmSource)}
	case CapabilityCalibrationTarget:
		return guardedCalibration{g: g, impl: impl.(CalibrationTarget)}
	default:
		return impl
	}
}

type guardedGlucose struct {
	g    guard
	impl GlucoseSource
}

func (s guardedGlucose) FetchHistory(ctx context.Context, since time.Time) (logs []HistoryLog, err error) {
	err = s.g.call(CapabilityGlucoseSource, func() error {
		logs, err = s.impl.FetchHistory(ctx, since)
		return err
	})
	return logs, err
}

func (s guardedGlucose) ExtractCgmFromHistoryLogs(logs []HistoryLog, limits safety.Limits) (out []GlucoseReading, err error) {
	err = s.g.call(CapabilityGlucoseSource, func() error {
		out, err = s.impl.ExtractCgmFromHistoryLogs(logs, limits)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := KeepGlucose(out, limits)
	s.g.dropped(CapabilityGlucoseSource, len(out), len(kept))
	return kept, nil
}

type guardedInsulin struct {
	g    guard
	impl InsulinSource
}

func (s guardedInsulin) GetIoB(ctx context.Context) (iob InsulinOnBoard, err error) {
	err = s.g.call(CapabilityInsulinSource, func() error {
		iob, err = s.impl.GetIoB(ctx)
		return err
	})
	return iob, err
}

func (s guardedInsulin) FetchHistory(ctx context.Context, since time.Time) (logs []HistoryLog, err error) {
	err = s.g.call(CapabilityInsulinSource, func() error {
		logs, err = s.impl.FetchHistory(ctx, since)
		return err
	})
	return logs, err
}

func (s guardedInsulin) ExtractBolusesFromHistoryLogs(logs []HistoryLog, limits safety.Limits) (out []BolusRecord, err error) {
	err = s.g.call(CapabilityInsulinSource, func() error {
		out, err = s.impl.ExtractBolusesFromHistoryLogs(logs, limits)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := KeepBoluses(out, limits)
	s.g.dropped(CapabilityInsulinSource, len(out), len(kept))
	return kept, nil
}

func (s guardedInsulin) ExtractBasalFromHistoryLogs(logs []HistoryLog, limits safety.Limits) (out []BasalRecord, err error) {
	err = s.g.call(CapabilityInsulinSource, func() error {
		out, err = s.impl.ExtractBasalFromHistoryLogs(logs, limits)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := KeepBasal(out, limits)
	s.g.dropped(CapabilityInsulinSource, len(out), len(kept))
	return kept, nil
}

type guardedPump struct {
	g    guard
	impl PumpStatus
}

func (s guardedPump) GetBatteryStatus(ctx context.Context) (st BatteryStatus, err error) {
	err = s.g.call(CapabilityPumpStatus, func() error {
		st, err = s.impl.GetBatteryStatus(ctx)
		return err
	})
	return st, err
}

func (s guardedPump) GetReservoirMilliunits(ctx context.Context) (mu int, err error) {
	err = s.g.call(CapabilityPumpStatus, func() error {
		mu, err = s.impl.GetReservoirMilliunits(ctx)
		return err
	})
	return mu, err
}

type guardedBgm struct {
	g    guard
	impl BgmSource
}

func (s guardedBgm) FetchHistory(ctx context.Context, since time.Time) (logs []HistoryLog, err error) {
	err = s.g.call(CapabilityBgmSource, func() error {
		logs, err = s.impl.FetchHistory(ctx, since)
		return err
	})
	return logs, err
}

func (s guardedBgm) ExtractBgmFromHistoryLogs(logs []HistoryLog, limits safety.Limits) (out []BgmReading, err error) {
	err = s.g.call(CapabilityBgmSource, func() error {
		out, err = s.impl.ExtractBgmFromHistoryLogs(logs, limits)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := KeepBgm(out, limits)
	s.g.dropped(CapabilityBgmSource, len(out), len(kept))
	return kept, nil
}

type guardedCalibration struct {
	g    guard
	impl CalibrationTarget
}

func (s guardedCalibration) Calibrate(ctx context.Context, valueMgDl int) error {
	return s.g.call(CapabilityCalibrationTarget, func() error {
		return s.impl.Calibrate(ctx, valueMgDl)
	})
}
