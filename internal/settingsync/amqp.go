package settingsync

import (
	"context"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenCGM-Host/internal/errors"
	"OpenCGM-Host/pkg/logger"
)

// AMQPConfig describes the RabbitMQ queue settings documents arrive on.
type AMQPConfig struct {
	URL string
	// Queue is declared durable. If Exchange is set the queue is bound to
	// it as a fanout subscriber.
	Queue    string
	Exchange string
	Prefetch int
}

// AMQPSource consumes settings documents from RabbitMQ with manual acks.
type AMQPSource struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *slog.Logger
}

// NewAMQPSource connects and declares the queue.
func NewAMQPSource(cfg AMQPConfig) (*AMQPSource, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "cgmhost.settings"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSyncFailure, err, "connect rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeSyncFailure, err, "open rabbitmq channel")
	}
	fail := func(err error, msg string) (*AMQPSource, error) {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeSyncFailure, err, msg)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail(err, "set rabbitmq qos")
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fail(err, "declare rabbitmq queue")
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fail(err, "declare rabbitmq exchange")
		}
		if err := ch.QueueBind(queue, "", cfg.Exchange, false, nil); err != nil {
			return fail(err, "bind rabbitmq queue")
		}
	}
	return &AMQPSource{conn: conn, ch: ch, queue: queue, log: logger.Named("settingsync.amqp")}, nil
}

func (s *AMQPSource) Name() string { return "amqp:" + s.queue }

// Run acks applied documents and rejects malformed ones without requeue.
func (s *AMQPSource) Run(ctx context.Context, handle Handler) error {
	msgs, err := s.ch.ConsumeWithContext(ctx, s.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSyncFailure, err, "consume rabbitmq queue")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return xerrors.New(xerrors.CodeSyncFailure, "rabbitmq delivery channel closed")
			}
			if err := handle(ctx, msg.Body); err != nil {
				s.log.Warn("settings payload rejected", "error", err)
				_ = msg.Nack(false, xerrors.RetryableError(err))
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

func (s *AMQPSource) Close() error {
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
