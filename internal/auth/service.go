package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"OpenCGM-Host/pkg/logger"
)

type tokenEntry struct {
	digest  []byte
	subject *Subject
}

// Service authenticates API requests.
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

// NewService builds the service from cfg. An empty mode disables
// authentication.
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
		if len(cfg.Tokens) == 0 {
			return nil, fmt.Errorf("token mode requires at least one token")
		}
		for _, tc := range cfg.Tokens {
			digest, err := hex.DecodeString(strings.TrimSpace(tc.SHA256))
			if err != nil || len(digest) != sha256.Size {
				return nil, fmt.Errorf("token %q: sha256 must be %d hex bytes", tc.Name, sha256.Size)
			}
			subject := &Subject{
				Name:        tc.Name,
				Permissions: append([]string(nil), tc.Permissions...),
				Disabled:    tc.Disabled,
			}
			subject.normalise()
			svc.tokens = append(svc.tokens, tokenEntry{digest: digest, subject: subject})
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// Mode returns the active mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// HashToken returns the hex SHA-256 digest to configure for token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AuthenticateRequest validates an Authorization header value and returns
// the matching subject.
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	sum := sha256.Sum256([]byte(token))
	var match *Subject
	for _, entry := range s.tokens {
		if subtle.ConstantTimeCompare(entry.digest, sum[:]) == 1 {
			match = entry.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
