package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	xerrors "OpenCGM-Host/internal/errors"
)

// SettingsStore keeps settings in a map per namespace.
type SettingsStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewSettingsStore creates an empty store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{data: make(map[string]map[string]string)}
}

func (s *SettingsStore) Get(_ context.Context, namespace, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[namespace][key]
	return v, ok, nil
}

func (s *SettingsStore) Set(_ context.Context, namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]string)
		s.data[namespace] = ns
	}
	ns[key] = value
	return nil
}

func (s *SettingsStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[namespace], key)
	return nil
}

func (s *SettingsStore) All(_ context.Context, namespace string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data[namespace]), nil
}

// CredentialStore keeps secrets in memory. Values are copied on the way in
// and out.
type CredentialStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewCredentialStore creates an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{data: make(map[string][]byte)}
}

func credentialKey(namespace, name string) string { return namespace + "\x00" + name }

func (s *CredentialStore) Get(_ context.Context, namespace, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[credentialKey(namespace, name)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("credential %s/%s not found", namespace, name))
	}
	return append([]byte(nil), v...), nil
}

func (s *CredentialStore) Put(_ context.Context, namespace, name string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[credentialKey(namespace, name)] = append([]byte(nil), secret...)
	return nil
}

func (s *CredentialStore) Delete(_ context.Context, namespace, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, credentialKey(namespace, name))
	return nil
}
