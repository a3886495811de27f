package settingsync

import (
	"context"
	"log/slog"

	xerrors "OpenCGM-Host/internal/errors"
	"OpenCGM-Host/pkg/logger"
	"OpenCGM-Host/pkg/safety"
)

// Handler receives one raw settings document.
type Handler func(ctx context.Context, payload []byte) error

// Source delivers settings documents until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, handle Handler) error
	Close() error
}

// Syncer applies documents from a Source to the safety cell.
type Syncer struct {
	updater *safety.Updater
	source  Source
	log     *slog.Logger
}

// New creates a syncer holding the cell's write token.
func New(updater *safety.Updater, source Source) *Syncer {
	return &Syncer{updater: updater, source: source, log: logger.Named("settingsync")}
}

// Apply parses payload and publishes the limits it contains.
func (s *Syncer) Apply(ctx context.Context, payload []byte) error {
	limits, err := Parse(payload)
	if err != nil {
		s.log.Warn("rejected settings payload", "source", s.source.Name(), "error", err)
		return err
	}
	provenance := s.source.Name()
	if by := UpdatedBy(payload); by != "" {
		provenance += ":" + by
	}
	if err := s.updater.Update(provenance, limits); err != nil {
		return xerrors.Wrap(xerrors.CodeSyncFailure, err, "update safety limits")
	}
	return nil
}

// Run consumes the source until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	s.log.Info("settings sync started", "source", s.source.Name())
	err := s.source.Run(ctx, s.Apply)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the source.
func (s *Syncer) Close() error {
	return s.source.Close()
}
