package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const consumeBackoff = time.Second

// RunSource yields published runs. A message is committed only after the run
// it carries was handed to the dispatcher, so a crash in between redelivers it.
type RunSource interface {
	ConsumeMessage(ctx context.Context) (*kafka.Message, error)
	CommitMessage(ctx context.Context, msg *kafka.Message) error
}

// RunConsumer feeds runs read from the broker into a local dispatcher.
type RunConsumer struct {
	source     RunSource
	dispatcher Dispatcher
	logger     *zap.Logger
	backoff    time.Duration
}

type ConsumerOption func(*RunConsumer)

// WithConsumeBackoff sets the pause after a failed read or dispatch.
func WithConsumeBackoff(d time.Duration) ConsumerOption {
	return func(c *RunConsumer) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func NewRunConsumer(source RunSource, dispatcher Dispatcher, logger *zap.Logger, opts ...ConsumerOption) *RunConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RunConsumer{source: source, dispatcher: dispatcher, logger: logger, backoff: consumeBackoff}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RunConsumer) Run(ctx context.Context) func() error {
	return func() error {
		c.logger.Info("Run consumer started")
		defer c.logger.Info("Run consumer stopped")

		for {
			msg, err := c.source.ConsumeMessage(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				c.logger.Warn("Failed to consume run", zap.Error(err))
				if !c.wait(ctx) {
					return nil
				}
				continue
			}

			if !c.handle(ctx, msg) {
				return nil
			}
			if err := c.source.CommitMessage(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("Failed to commit run message",
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
		}
	}
}

// handle dispatches the run in msg, retrying transient failures. It returns
// false when the consumer must stop with msg left uncommitted.
func (c *RunConsumer) handle(ctx context.Context, msg *kafka.Message) bool {
	run, err := DecodeRun(msg.Value)
	if err != nil {
		c.logger.Warn("Discarding invalid run message",
			zap.ByteString("payload", msg.Value),
			zap.Error(err))
		return true
	}

	for {
		err := c.dispatcher.Dispatch(ctx, run)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrDispatcherClosed) || ctx.Err() != nil:
			return false
		case errors.Is(err, ErrInvalidRun):
			c.logger.Warn("Discarding rejected run", zap.String("run_id", run.ID), zap.Error(err))
			return true
		}
		c.logger.Error("Failed to dispatch run message",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		if !c.wait(ctx) {
			return false
		}
	}
}

func (c *RunConsumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}
