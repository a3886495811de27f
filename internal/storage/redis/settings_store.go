package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "OpenCGM-Host/internal/errors"
)

// Config describes the Redis connection of the settings store.
type Config struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// SettingsStore keeps each namespace in the hash <prefix><namespace>.
type SettingsStore struct {
	client redis.UniversalClient
	prefix string
}

// NewSettingsStore connects to Redis and verifies the connection.
func NewSettingsStore(ctx context.Context, cfg Config) (*SettingsStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect redis")
	}
	return NewSettingsStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewSettingsStoreWithClient wraps an existing client.
func NewSettingsStoreWithClient(client redis.UniversalClient, prefix string) *SettingsStore {
	if prefix == "" {
		prefix = "cgmhost:settings:"
	}
	return &SettingsStore{client: client, prefix: prefix}
}

func (s *SettingsStore) key(namespace string) string {
	return s.prefix + namespace
}

// Get returns the value stored under key in namespace.
func (s *SettingsStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("read setting %s/%s", namespace, key))
	}
	return v, true, nil
}

// Set stores value under key in namespace.
func (s *SettingsStore) Set(ctx context.Context, namespace, key, value string) error {
	if err := s.client.HSet(ctx, s.key(namespace), key, value).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("write setting %s/%s", namespace, key))
	}
	return nil
}

// Delete removes key from namespace.
func (s *SettingsStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.HDel(ctx, s.key(namespace), key).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("delete setting %s/%s", namespace, key))
	}
	return nil
}

// All returns every setting of namespace.
func (s *SettingsStore) All(ctx context.Context, namespace string) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key(namespace)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("list settings %s", namespace))
	}
	return values, nil
}

// Close releases the Redis connection.
func (s *SettingsStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
