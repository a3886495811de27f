package settingsync

import (
	"context"
	"os"

	xerrors "OpenCGM-Host/internal/errors"
)

// StaticSource delivers a fixed document once.
type StaticSource struct {
	payload []byte
	path    string
}

// NewStaticSource serves payload.
func NewStaticSource(payload []byte) *StaticSource {
	return &StaticSource{payload: payload}
}

// NewFileSource serves the document stored at path. An empty path serves
// nothing and the limits stay at their defaults.
func NewFileSource(path string) *StaticSource {
	return &StaticSource{path: path}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Run(ctx context.Context, handle Handler) error {
	payload := s.payload
	if s.path != "" {
		raw, err := os.ReadFile(s.path)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeSyncFailure, err, "read settings file")
		}
		payload = raw
	}
	if len(payload) > 0 {
		if err := handle(ctx, payload); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func (s *StaticSource) Close() error { return nil }
