package safety

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"OpenCGM-Host/pkg/logger"
)

// Reader is the read-only view of the current limits handed to plugins.
type Reader interface {
	// Current returns the latest fully constructed snapshot.
	Current() Limits
	// Watch streams the current value followed by every later update until
	// ctx is done. Slow readers only observe the newest value.
	Watch(ctx context.Context) <-chan Limits
}

// Cell is a single-writer, multi-reader observable holder of Limits.
type Cell struct {
	current atomic.Pointer[Limits]

	mu       sync.Mutex
	watchers map[uint64]chan Limits
	nextID   uint64
	version  atomic.Uint64
}

// Updater is the write capability for a Cell. Only the settings sync
// collaborator should hold it.
type Updater struct {
	cell *Cell
}

// NewCell creates a cell seeded with initial and returns its write token.
func NewCell(initial Limits) (*Cell, *Updater) {
	if !initial.Valid() {
		initial = Default()
	}
	c := &Cell{watchers: make(map[uint64]chan Limits)}
	c.current.Store(&initial)
	return c, &Updater{cell: c}
}

// Current implements Reader.
func (c *Cell) Current() Limits {
	return *c.current.Load()
}

// Version counts the updates applied so far.
func (c *Cell) Version() uint64 {
	return c.version.Load()
}

// Watch implements Reader.
func (c *Cell) Watch(ctx context.Context) <-chan Limits {
	ch := make(chan Limits, 1)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	ch <- c.Current()
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.watchers, id)
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

// ErrNilUpdater is returned when an update is attempted without a token.
var ErrNilUpdater = errors.New("safety: updater is nil")

// Update replaces the published limits. source names the origin of the
// change and is written to the audit log.
func (u *Updater) Update(source string, l Limits) error {
	if u == nil || u.cell == nil {
		return ErrNilUpdater
	}
	if !l.Valid() {
		l = Default()
	}
	c := u.cell
	prev := c.Current()
	c.mu.Lock()
	c.current.Store(&l)
	c.version.Add(1)
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- l
	}
	c.mu.Unlock()

	logger.Audit().Info("safety limits updated",
		"source", source,
		"previous", prev.String(),
		"current", l.String(),
	)
	return nil
}

// Reader returns the read-only view of the cell behind u.
func (u *Updater) Reader() Reader {
	return u.cell
}
