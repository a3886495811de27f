package collector

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	xerrors "OpenCGM-Host/internal/errors"
	"OpenCGM-Host/internal/observability/alerting"
	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/logger"
	"OpenCGM-Host/pkg/plugin"
	"OpenCGM-Host/pkg/safety"
)

// DefaultLookback is how far back the first poll of a provider reaches.
const DefaultLookback = 24 * time.Hour

// Polled lists the capabilities the collector polls.
var Polled = []plugin.Capability{
	plugin.CapabilityGlucoseSource,
	plugin.CapabilityBgmSource,
	plugin.CapabilityInsulinSource,
}

// Stats counts collector activity.
type Stats struct {
	Jobs      uint64 `json:"jobs"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Published uint64 `json:"published"`
}

// Collector schedules polls and runs them on a worker pool.
type Collector struct {
	registry *plugin.Registry
	bus      *event.Bus
	limits   safety.Reader
	queue    *Queue
	limiter  *rate.Limiter
	alerter  alerting.Dispatcher

	interval    time.Duration
	workers     int
	maxAttempts int
	backoff     time.Duration
	lookback    time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu      sync.Mutex
	cursors map[string]time.Time

	jobs, failed, retried, published atomic.Uint64
}

// Option configures a Collector.
type Option func(*Collector)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithWorkerCount sets the number of workers.
func WithWorkerCount(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRateLimit bounds device queries across all workers.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Collector) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxAttempts bounds retries of retryable failures.
func WithMaxAttempts(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay before a retry is enqueued.
func WithBackoff(d time.Duration) Option {
	return func(c *Collector) { c.backoff = d }
}

// WithQueue replaces the job queue.
func WithQueue(q *Queue) Option {
	return func(c *Collector) {
		if q != nil {
			c.queue = q
		}
	}
}

// WithAlertDispatcher sends alerts for polls that fail for good.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(c *Collector) { c.alerter = d }
}

// WithLogger overrides the collector logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a collector reading from reg and publishing on reg's bus.
func New(reg *plugin.Registry, opts ...Option) *Collector {
	c := &Collector{
		registry:    reg,
		bus:         reg.Bus(),
		limits:      reg.SafetyLimits(),
		queue:       NewQueue(32),
		limiter:     rate.NewLimiter(rate.Limit(1), 2),
		interval:    5 * time.Minute,
		workers:     2,
		maxAttempts: 3,
		backoff:     2 * time.Second,
		lookback:    DefaultLookback,
		now:         time.Now,
		log:         logger.Named("collector"),
		cursors:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start runs the scheduler and the workers until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	go c.schedule(ctx)
	err := c.queue.Consume(ctx, c.workers, c.handle)
	if stdErrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Collector) schedule(ctx context.Context) {
	c.enqueueAll()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.enqueueAll()
		}
	}
}

func (c *Collector) enqueueAll() {
	for _, capability := range Polled {
		job := Job{ID: uuid.NewString(), Capability: capability, EnqueuedAt: c.now()}
		if !c.queue.TryPublish(job) {
			c.log.Warn("collector queue full, poll skipped", "capability", capability)
		}
	}
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() Stats {
	return Stats{
		Jobs:      c.jobs.Load(),
		Failed:    c.failed.Load(),
		Retried:   c.retried.Load(),
		Published: c.published.Load(),
	}
}

// Poll runs one job synchronously.
func (c *Collector) Poll(ctx context.Context, capability plugin.Capability) error {
	return c.run(ctx, Job{ID: uuid.NewString(), Capability: capability, EnqueuedAt: c.now()})
}

func (c *Collector) handle(ctx context.Context, job Job) error {
	err := c.run(ctx, job)
	if err == nil {
		return nil
	}
	c.failed.Add(1)
	if plugin.IsRetryable(err) && job.Attempt+1 < c.maxAttempts {
		c.retried.Add(1)
		job.Attempt++
		c.log.Debug("poll failed, retrying", "job_id", job.ID, "capability", job.Capability, "attempt", job.Attempt, "error", err)
		time.AfterFunc(c.backoff, func() {
			if ctx.Err() == nil && !c.queue.TryPublish(job) {
				c.log.Warn("retry dropped, queue full", "job_id", job.ID)
			}
		})
		return err
	}
	var opts []xerrors.Option
	code := xerrors.CodeCapabilityFailure
	if plugin.IsRetryable(err) {
		code = xerrors.CodeRetriesExhausted
	}
	var capErr *plugin.CapabilityError
	pluginID := ""
	if stdErrors.As(err, &capErr) {
		pluginID = capErr.PluginID
		if capErr.Kind == plugin.FailurePanic {
			opts = append(opts, xerrors.WithAlert(true), xerrors.WithSeverity(xerrors.SeverityCritical))
		}
	}
	wrapped := xerrors.Wrap(code, err, fmt.Sprintf("poll %s", job.Capability), opts...)
	c.log.Error("poll failed",
		"job_id", job.ID,
		"capability", job.Capability,
		"plugin_id", pluginID,
		"attempts", job.Attempt+1,
		"code", code,
		"error", err,
	)
	if wrapped.ShouldAlert() {
		c.emitAlert(ctx, job, pluginID, wrapped)
	}
	return wrapped
}

func (c *Collector) emitAlert(ctx context.Context, job Job, pluginID string, err *xerrors.Error) {
	if c.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:        err.Code(),
		Message:     err.Error(),
		Severity:    err.Severity(),
		PluginID:    pluginID,
		Capability:  string(job.Capability),
		Attempts:    job.Attempt + 1,
		MaxAttempts: c.maxAttempts,
		Metadata:    map[string]string{"job_id": job.ID},
		OccurredAt:  c.now(),
	}
	if err := c.alerter.Notify(ctx, event); err != nil {
		c.log.Error("alert delivery failed", "job_id", job.ID, "error", err)
	}
}

func (c *Collector) run(ctx context.Context, job Job) error {
	c.jobs.Add(1)
	var errs []error
	for _, p := range c.registry.Providers(job.Capability) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.poll(ctx, job.Capability, p); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func (c *Collector) cursorKey(capability plugin.Capability, pluginID string) string {
	return string(capability) + "/" + pluginID
}

func (c *Collector) since(key string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.cursors[key]; ok {
		return t
	}
	return c.now().Add(-c.lookback)
}

func (c *Collector) advance(key string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.cursors[key]) {
		c.cursors[key] = t
	}
}

func (c *Collector) poll(ctx context.Context, capability plugin.Capability, p plugin.Provider) error {
	key := c.cursorKey(capability, p.PluginID)
	since := c.since(key)
	limits := c.limits.Current()

	switch capability {
	case plugin.CapabilityGlucoseSource:
		src, ok := p.Impl.(plugin.GlucoseSource)
		if !ok {
			return mismatch(p, capability)
		}
		logs, err := src.FetchHistory(ctx, since)
		if err != nil {
			return err
		}
		readings, err := src.ExtractCgmFromHistoryLogs(logs, limits)
		if err != nil {
			return err
		}
		for _, r := range readings {
			if !r.Timestamp.After(since) {
				continue
			}
			c.publish(event.NewGlucoseReading{PluginID: p.PluginID, Timestamp: r.Timestamp, ValueMgDl: r.ValueMgDl, Trend: r.Trend})
			c.advance(key, r.Timestamp)
		}
	case plugin.CapabilityBgmSource:
		src, ok := p.Impl.(plugin.BgmSource)
		if !ok {
			return mismatch(p, capability)
		}
		logs, err := src.FetchHistory(ctx, since)
		if err != nil {
			return err
		}
		readings, err := src.ExtractBgmFromHistoryLogs(logs, limits)
		if err != nil {
			return err
		}
		for _, r := range readings {
			if !r.Timestamp.After(since) {
				continue
			}
			c.publish(event.NewBgmReading{PluginID: p.PluginID, Timestamp: r.Timestamp, ValueMgDl: r.ValueMgDl})
			c.advance(key, r.Timestamp)
		}
	case plugin.CapabilityInsulinSource:
		src, ok := p.Impl.(plugin.InsulinSource)
		if !ok {
			return mismatch(p, capability)
		}
		logs, err := src.FetchHistory(ctx, since)
		if err != nil {
			return err
		}
		boluses, err := src.ExtractBolusesFromHistoryLogs(logs, limits)
		if err != nil {
			return err
		}
		for _, b := range boluses {
			if !b.Timestamp.After(since) {
				continue
			}
			c.publish(event.InsulinDelivered{PluginID: p.PluginID, Timestamp: b.Timestamp, Milliunits: b.DoseMilliunits, Delivery: "bolus"})
			c.advance(key, b.Timestamp)
		}
		basal, err := src.ExtractBasalFromHistoryLogs(logs, limits)
		if err != nil {
			return err
		}
		for _, b := range basal {
			if !b.Timestamp.After(since) {
				continue
			}
			c.publish(event.InsulinDelivered{PluginID: p.PluginID, Timestamp: b.Timestamp, Milliunits: b.RateMilliunits, Delivery: "basal"})
			c.advance(key, b.Timestamp)
		}
	default:
		return fmt.Errorf("capability %s is not polled", capability)
	}
	return nil
}

func mismatch(p plugin.Provider, capability plugin.Capability) error {
	return fmt.Errorf("provider %s does not serve %s", p.PluginID, capability)
}

func (c *Collector) publish(e event.Event) {
	if err := c.bus.PublishPlatform(e); err != nil {
		c.log.Warn("publish reading", "kind", e.Kind(), "error", err)
		return
	}
	c.published.Add(1)
}
