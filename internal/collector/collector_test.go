package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "OpenCGM-Host/internal/errors"
	"OpenCGM-Host/internal/observability/alerting"
	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/plugin"
	"OpenCGM-Host/pkg/safety"
)

type fakeSource struct {
	*plugin.Base

	mu     sync.Mutex
	logs   []plugin.HistoryLog
	since  []time.Time
	failIO int
	panics bool
}

func (f *fakeSource) FetchHistory(_ context.Context, since time.Time) ([]plugin.HistoryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.panics {
		panic("driver bug")
	}
	if f.failIO > 0 {
		f.failIO--
		return nil, plugin.IOFailure(errors.New("link lost"))
	}
	return append([]plugin.HistoryLog(nil), f.logs...), nil
}

func (f *fakeSource) ExtractCgmFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.GlucoseReading, error) {
	var out []plugin.GlucoseReading
	for _, l := range logs {
		v, _ := l.Value("mgdl")
		out = append(out, plugin.GlucoseReading{Timestamp: l.Timestamp, ValueMgDl: int(v)})
	}
	return plugin.KeepGlucose(out, limits), nil
}

func (f *fakeSource) ExtractBgmFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.BgmReading, error) {
	var out []plugin.BgmReading
	for _, l := range logs {
		v, _ := l.Value("mgdl")
		out = append(out, plugin.BgmReading{Timestamp: l.Timestamp, ValueMgDl: int(v)})
	}
	return plugin.KeepBgm(out, limits), nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.since)
}

func register(t *testing.T, reg *plugin.Registry, id string, src *fakeSource, caps ...plugin.Capability) {
	t.Helper()
	meta := plugin.Metadata{ID: id, Name: id, Version: "1.0.0", APIVersion: plugin.APIVersion}
	src.Base = plugin.NewBase(meta)
	for _, c := range caps {
		src.Provide(c, src)
	}
	f := plugin.NewFactory(meta, func(plugin.Context) (plugin.Plugin, error) { return src, nil })
	ctx := context.Background()
	if err := reg.Register(ctx, f); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	for _, c := range caps {
		if err := reg.Activate(ctx, id, c); err != nil {
			t.Fatalf("activate %s for %s: %v", id, c, err)
		}
	}
}

func glucoseLog(at time.Time, v int64) plugin.HistoryLog {
	return plugin.HistoryLog{Timestamp: at, Kind: "sgv", Values: map[string]int64{"mgdl": v}}
}

func newRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg
}

func TestPollPublishesNewReadingsOnce(t *testing.T) {
	reg := newRegistry(t)
	now := time.Now().Truncate(time.Minute)
	src := &fakeSource{logs: []plugin.HistoryLog{
		glucoseLog(now.Add(-10*time.Minute), 110),
		glucoseLog(now.Add(-5*time.Minute), 30000),
		glucoseLog(now.Add(-5*time.Minute), 115),
	}}
	register(t, reg, "org.test.cgm", src, plugin.CapabilityGlucoseSource)

	sub, err := event.Subscribe[event.NewGlucoseReading](reg.Bus())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	c := New(reg, WithRateLimit(1000, 10))
	ctx := context.Background()
	if err := c.Poll(ctx, plugin.CapabilityGlucoseSource); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := c.Poll(ctx, plugin.CapabilityGlucoseSource); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	var got []event.NewGlucoseReading
	for len(got) < 2 {
		select {
		case ev := <-sub.C():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 readings, got %d", len(got))
		}
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected duplicate reading %+v", ev)
	default:
	}
	if got[0].ValueMgDl != 110 || got[1].ValueMgDl != 115 {
		t.Fatalf("unexpected values %+v", got)
	}
	if got[0].PluginID != "org.test.cgm" {
		t.Fatalf("unexpected provenance %q", got[0].PluginID)
	}
	if stats := c.Stats(); stats.Published != 2 || stats.Jobs != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	src.mu.Lock()
	second := src.since[1]
	src.mu.Unlock()
	if !second.Equal(now.Add(-5 * time.Minute)) {
		t.Fatalf("second poll should resume from last reading, got %s", second)
	}
}

func TestPollWithoutProviderIsNoop(t *testing.T) {
	reg := newRegistry(t)
	c := New(reg)
	if err := c.Poll(context.Background(), plugin.CapabilityInsulinSource); err != nil {
		t.Fatalf("poll without provider: %v", err)
	}
}

func TestPollCoversEveryBgmProvider(t *testing.T) {
	reg := newRegistry(t)
	now := time.Now()
	a := &fakeSource{logs: []plugin.HistoryLog{glucoseLog(now.Add(-time.Minute), 140)}}
	b := &fakeSource{logs: []plugin.HistoryLog{glucoseLog(now.Add(-2*time.Minute), 150)}}
	register(t, reg, "org.test.meter-a", a, plugin.CapabilityBgmSource)
	register(t, reg, "org.test.meter-b", b, plugin.CapabilityBgmSource)

	c := New(reg, WithRateLimit(1000, 10))
	if err := c.Poll(context.Background(), plugin.CapabilityBgmSource); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if a.calls() != 1 || b.calls() != 1 {
		t.Fatalf("expected one fetch per provider, got %d and %d", a.calls(), b.calls())
	}
	if c.Stats().Published != 2 {
		t.Fatalf("expected two published readings, got %+v", c.Stats())
	}
}

func TestRetryableFailureIsRetried(t *testing.T) {
	reg := newRegistry(t)
	src := &fakeSource{failIO: 1, logs: []plugin.HistoryLog{glucoseLog(time.Now().Add(-time.Minute), 120)}}
	register(t, reg, "org.test.flaky", src, plugin.CapabilityGlucoseSource)

	c := New(reg,
		WithRateLimit(1000, 10),
		WithBackoff(time.Millisecond),
		WithMaxAttempts(3),
		WithInterval(time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for c.Stats().Published == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("reading was never published, stats %+v", c.Stats())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	stats := c.Stats()
	if stats.Failed != 1 || stats.Retried != 1 {
		t.Fatalf("expected one retried failure, got %+v", stats)
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := NewQueue(1)
	if !q.TryPublish(Job{ID: "a"}) {
		t.Fatalf("expected first publish to succeed")
	}
	if q.TryPublish(Job{ID: "b"}) {
		t.Fatalf("expected full queue to refuse")
	}
	_ = q.Close()
	if err := q.Publish(context.Background(), Job{ID: "c"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, e alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func TestPluginPanicRaisesAlert(t *testing.T) {
	reg := newRegistry(t)
	src := &fakeSource{panics: true}
	register(t, reg, "org.test.buggy", src, plugin.CapabilityGlucoseSource)

	alerts := &recordingDispatcher{}
	c := New(reg, WithRateLimit(1000, 10), WithAlertDispatcher(alerts))
	err := c.handle(context.Background(), Job{ID: "job-1", Capability: plugin.CapabilityGlucoseSource})
	if err == nil {
		t.Fatal("expected poll failure")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeCapabilityFailure {
		t.Fatalf("unexpected code %s", code)
	}
	if len(alerts.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts.events))
	}
	got := alerts.events[0]
	if got.PluginID != "org.test.buggy" || got.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected alert %+v", got)
	}
	if c.Stats().Retried != 0 {
		t.Fatalf("panics must not be retried, stats %+v", c.Stats())
	}
}

type fakePump struct {
	*plugin.Base
	logs []plugin.HistoryLog
}

func (f *fakePump) GetIoB(context.Context) (plugin.InsulinOnBoard, error) {
	return plugin.InsulinOnBoard{}, nil
}

func (f *fakePump) FetchHistory(context.Context, time.Time) ([]plugin.HistoryLog, error) {
	return f.logs, nil
}

func (f *fakePump) ExtractBolusesFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.BolusRecord, error) {
	var out []plugin.BolusRecord
	for _, l := range logs {
		if v, ok := l.Value("dose"); ok && l.Kind == "bolus" {
			out = append(out, plugin.BolusRecord{Timestamp: l.Timestamp, DoseMilliunits: int(v)})
		}
	}
	return plugin.KeepBoluses(out, limits), nil
}

func (f *fakePump) ExtractBasalFromHistoryLogs(logs []plugin.HistoryLog, limits safety.Limits) ([]plugin.BasalRecord, error) {
	var out []plugin.BasalRecord
	for _, l := range logs {
		if v, ok := l.Value("rate"); ok && l.Kind == "basal" {
			out = append(out, plugin.BasalRecord{Timestamp: l.Timestamp, RateMilliunits: int(v)})
		}
	}
	return plugin.KeepBasal(out, limits), nil
}

func TestPollPublishesBolusAndBasal(t *testing.T) {
	reg := newRegistry(t)
	now := time.Now().Truncate(time.Minute)
	meta := plugin.Metadata{ID: "org.test.pump", Name: "pump", Version: "1.0.0", APIVersion: plugin.APIVersion}
	pump := &fakePump{Base: plugin.NewBase(meta), logs: []plugin.HistoryLog{
		{Timestamp: now.Add(-20 * time.Minute), Kind: "basal", Values: map[string]int64{"rate": 800}},
		{Timestamp: now.Add(-15 * time.Minute), Kind: "bolus", Values: map[string]int64{"dose": 3000}},
		{Timestamp: now.Add(-10 * time.Minute), Kind: "basal", Values: map[string]int64{"rate": 90000}},
		{Timestamp: now.Add(-5 * time.Minute), Kind: "basal", Values: map[string]int64{"rate": 1200}},
	}}
	pump.Provide(plugin.CapabilityInsulinSource, pump)
	ctx := context.Background()
	if err := reg.Register(ctx, plugin.NewFactory(meta, func(plugin.Context) (plugin.Plugin, error) { return pump, nil })); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate(ctx, "org.test.pump", plugin.CapabilityInsulinSource); err != nil {
		t.Fatalf("activate: %v", err)
	}

	sub, err := event.Subscribe[event.InsulinDelivered](reg.Bus())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	c := New(reg, WithRateLimit(1000, 10))
	if err := c.Poll(ctx, plugin.CapabilityInsulinSource); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got := map[string][]int{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.C():
			got[ev.Delivery] = append(got[ev.Delivery], ev.Milliunits)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 insulin events, got %v", got)
		}
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("out of range basal should be dropped, got %+v", ev)
	default:
	}
	if len(got["bolus"]) != 1 || got["bolus"][0] != 3000 {
		t.Fatalf("unexpected boluses %v", got["bolus"])
	}
	if len(got["basal"]) != 2 || got["basal"][0] != 800 || got["basal"][1] != 1200 {
		t.Fatalf("unexpected basal %v", got["basal"])
	}
}
