package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/plugin"
	"OpenCGM-Host/pkg/safety"
)

// SimulatedCGMID identifies the simulated sensor.
const SimulatedCGMID = "org.opencgm.sim.cgm"

// simulated CGM record kinds and values.
const (
	kindSensorGlucose = "sgv"
	valueGlucose      = "mgdl"
	valueTrend        = "trend"
)

// Settings keys of the simulated sensor.
const (
	settingBaseline  = "baseline_mgdl"
	settingAmplitude = "amplitude_mgdl"
)

// maxBackfill bounds how much history one fetch generates.
const maxBackfill = 24 * time.Hour

var trends = []string{"DoubleDown", "SingleDown", "FortyFiveDown", "Flat", "FortyFiveUp", "SingleUp", "DoubleUp"}

// SimulatedCGM generates a sine-shaped glucose trace at a fixed interval.
type SimulatedCGM struct {
	*plugin.Base
	pc plugin.Context

	mu        sync.Mutex
	interval  time.Duration
	baseline  float64
	amplitude float64
	offset    int
	now       func() time.Time
	active    bool
}

// NewSimulatedCGMFactory returns the factory of the simulated sensor.
func NewSimulatedCGMFactory() plugin.Factory {
	meta := plugin.Metadata{
		ID:          SimulatedCGMID,
		Name:        "Simulated CGM",
		Version:     "1.0.0",
		APIVersion:  plugin.APIVersion,
		Description: "Synthetic five minute glucose trace for development.",
		Author:      "OpenCGM",
	}
	return plugin.NewFactory(meta, func(pc plugin.Context) (plugin.Plugin, error) {
		return newSimulatedCGM(meta, pc, time.Now), nil
	})
}

func newSimulatedCGM(meta plugin.Metadata, pc plugin.Context, now func() time.Time) *SimulatedCGM {
	p := &SimulatedCGM{
		Base:      plugin.NewBase(meta),
		pc:        pc,
		interval:  5 * time.Minute,
		baseline:  120,
		amplitude: 40,
		now:       now,
	}
	p.Provide(plugin.CapabilityGlucoseSource, p)
	p.Provide(plugin.CapabilityCalibrationTarget, p)
	return p
}

// Initialize reads the stored baseline and amplitude.
func (p *SimulatedCGM) Initialize(ctx context.Context) error {
	values, err := p.pc.Settings().All(ctx)
	if errors.Is(err, plugin.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, err := strconv.ParseFloat(values[settingBaseline], 64); err == nil && v > 0 {
		p.baseline = v
	}
	if v, err := strconv.ParseFloat(values[settingAmplitude], 64); err == nil && v >= 0 {
		p.amplitude = v
	}
	return nil
}

func (p *SimulatedCGM) OnActivated(context.Context) error {
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
	return p.pc.Events().Publish(event.DeviceConnected{DeviceID: "sim-0", DeviceName: "Simulated sensor"})
}

func (p *SimulatedCGM) OnDeactivated(context.Context) error {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	return p.pc.Events().Publish(event.DeviceDisconnected{DeviceID: "sim-0", Reason: "deactivated"})
}

func (p *SimulatedCGM) valueAt(t time.Time) int {
	phase := float64(t.Unix()%(6*3600)) / (6 * 3600) * 2 * math.Pi
	return int(math.Round(p.baseline+p.amplitude*math.Sin(phase))) + p.offset
}

func (p *SimulatedCGM) trendAt(t time.Time) string {
	delta := p.valueAt(t) - p.valueAt(t.Add(-p.interval))
	idx := 3 + delta/5
	if idx < 0 {
		idx = 0
	}
	if idx >= len(trends) {
		idx = len(trends) - 1
	}
	return trends[idx]
}

// FetchHistory returns one record per interval after since, up to now.
// History older than maxBackfill is never generated.
func (p *SimulatedCGM) FetchHistory(ctx context.Context, since time.Time) ([]plugin.HistoryLog, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil, plugin.DeviceNotReady(fmt.Errorf("sensor %s is not active", SimulatedCGMID))
	}
	end := p.now().Truncate(p.interval)
	if floor := end.Add(-maxBackfill); since.Before(floor) {
		since = floor
	}
	start := since.Truncate(p.interval).Add(p.interval)
	var logs []plugin.HistoryLog
	for t := start; !t.After(end); t = t.Add(p.interval) {
		if err := ctx.Err(); err != nil {
			return nil, plugin.IOFailure(err)
		}
		logs = append(logs, plugin.HistoryLog{
			Sequence:  uint64(t.Unix() / int64(p.interval/time.Second)),
			Timestamp: t,
			Kind:      kindSensorGlucose,
			Values: map[string]int64{
				valueGlucose: int64(p.valueAt(t)),
				valueTrend:   int64(indexOf(p.trendAt(t))),
			},
		})
	}
	return logs, nil
}

func (p *SimulatedCGM) ExtractCgmFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.GlucoseReading, error) {
	out := make([]plugin.GlucoseReading, 0, len(logs))
	for _, l := range logs {
		if l.Kind != kindSensorGlucose {
			continue
		}
		v, ok := l.Value(valueGlucose)
		if !ok || !limits.GlucoseInRange(int(v)) {
			continue
		}
		r := plugin.GlucoseReading{Timestamp: l.Timestamp, ValueMgDl: int(v)}
		if t, ok := l.Value(valueTrend); ok && t >= 0 && int(t) < len(trends) {
			r.Trend = trends[t]
		}
		out = append(out, r)
	}
	return out, nil
}

// Calibrate shifts the trace so the current value matches valueMgDl.
func (p *SimulatedCGM) Calibrate(_ context.Context, valueMgDl int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return plugin.DeviceNotReady(fmt.Errorf("sensor %s is not active", SimulatedCGMID))
	}
	p.offset += valueMgDl - p.valueAt(p.now())
	p.pc.Logger().Info("simulated sensor calibrated", "value_mgdl", valueMgDl, "offset", p.offset)
	return nil
}

func (p *SimulatedCGM) SettingsForm() plugin.SettingsForm {
	return plugin.SettingsForm{
		Title: "Simulated CGM",
		Fields: []plugin.SettingsField{
			{Key: settingBaseline, Label: "Baseline (mg/dL)", Type: "number", Default: "120"},
			{Key: settingAmplitude, Label: "Amplitude (mg/dL)", Type: "number", Default: "40"},
		},
	}
}

// DashboardCards emits the latest value every interval until ctx is done.
func (p *SimulatedCGM) DashboardCards(ctx context.Context) <-chan []plugin.DashboardCard {
	ch := make(chan []plugin.DashboardCard, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case ch <- p.cards():
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (p *SimulatedCGM) cards() []plugin.DashboardCard {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	v := p.valueAt(now)
	limits := p.pc.SafetyLimits().Current()
	severity := "normal"
	if !limits.GlucoseInRange(v) {
		severity = "critical"
	}
	return []plugin.DashboardCard{{
		ID:       "glucose",
		Title:    "Glucose",
		Value:    strconv.Itoa(v) + " mg/dL",
		Subtitle: p.trendAt(now),
		Severity: severity,
	}}
}

func indexOf(trend string) int {
	for i, t := range trends {
		if t == trend {
			return i
		}
	}
	return -1
}

// Factories returns every compiled-in plugin factory.
func Factories() []plugin.Factory {
	return []plugin.Factory{NewSimulatedCGMFactory()}
}
