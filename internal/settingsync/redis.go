package settingsync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	xerrors "OpenCGM-Host/internal/errors"
	"OpenCGM-Host/pkg/logger"
)

// RedisConfig describes a Redis pub/sub settings channel.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Channel  string
}

// RedisSource receives settings documents published on a Redis channel.
type RedisSource struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisSource connects to Redis.
func NewRedisSource(ctx context.Context, cfg RedisConfig) (*RedisSource, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "cgmhost:settings"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeSyncFailure, err, "connect redis")
	}
	return &RedisSource{client: client, channel: channel, log: logger.Named("settingsync.redis")}, nil
}

func (s *RedisSource) Name() string { return "redis:" + s.channel }

func (s *RedisSource) Run(ctx context.Context, handle Handler) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeSyncFailure, err, "subscribe settings channel")
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return xerrors.New(xerrors.CodeSyncFailure, "settings channel closed")
			}
			if err := handle(ctx, []byte(msg.Payload)); err != nil {
				s.log.Warn("settings payload not applied", "error", err)
			}
		}
	}
}

func (s *RedisSource) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
