package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailer-service/internal/metrics"
)

// LaneSelector maps a user onto one of a fixed number of lanes.
type LaneSelector interface {
	Lane(uid int64) int
	Lanes() int
	PartitionKey(uid int64) []byte
}

// NewRun builds a run with a fresh id.
func NewRun(kind Kind, uid int64, jobIDs []string, eids []int64) Run {
	return Run{
		ID:          uuid.NewString(),
		Kind:        kind,
		UserID:      uid,
		JobIDs:      jobIDs,
		EIDs:        eids,
		RequestedAt: time.Now().UTC(),
	}
}

// LaneDispatcher executes runs in-process. All runs for one user go to the same
// lane and a lane runs one at a time, so a user's runs never overlap.
type LaneDispatcher struct {
	processor  Processor
	selector   LaneSelector
	lanes      []chan Run
	runTimeout time.Duration
	logger     *zap.Logger

	done     chan struct{}
	doneOnce sync.Once
}

func NewLaneDispatcher(p Processor, selector LaneSelector, buffer int, runTimeout time.Duration, logger *zap.Logger) *LaneDispatcher {
	if buffer < 0 {
		buffer = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &LaneDispatcher{
		processor:  p,
		selector:   selector,
		lanes:      make([]chan Run, selector.Lanes()),
		runTimeout: runTimeout,
		logger:     logger,
		done:       make(chan struct{}),
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan Run, buffer)
	}
	return d
}

// Dispatch queues run on its user's lane. It blocks while the lane buffer is full.
func (d *LaneDispatcher) Dispatch(ctx context.Context, run Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}

	lane := d.lanes[d.selector.Lane(run.UserID)]
	select {
	case lane <- run:
		return nil
	case <-d.done:
		metrics.DispatchErrors.WithLabelValues("inprocess").Inc()
		return ErrDispatcherClosed
	case <-ctx.Done():
		metrics.DispatchErrors.WithLabelValues("inprocess").Inc()
		return ctx.Err()
	}
}

// Run consumes all lanes until ctx ends. Runs still buffered at shutdown are
// dropped; their jobs remain in the pending or failed lists.
func (d *LaneDispatcher) Run(ctx context.Context) func() error {
	return func() error {
		d.logger.Info("Delivery lanes started", zap.Int("lanes", len(d.lanes)))

		g, gctx := errgroup.WithContext(ctx)
		for i, lane := range d.lanes {
			g.Go(func() error {
				d.consume(gctx, i, lane)
				return nil
			})
		}
		err := g.Wait()
		d.doneOnce.Do(func() { close(d.done) })

		dropped := 0
		for _, lane := range d.lanes {
			dropped += len(lane)
		}
		d.logger.Info("Delivery lanes stopped", zap.Int("dropped_runs", dropped))
		return err
	}
}

func (d *LaneDispatcher) consume(ctx context.Context, idx int, lane <-chan Run) {
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-lane:
			d.execute(ctx, idx, run)
		}
	}
}

func (d *LaneDispatcher) execute(ctx context.Context, idx int, run Run) {
	if d.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.runTimeout)
		defer cancel()
	}

	report, err := d.processor.Process(ctx, run)
	if err != nil {
		d.logger.Error("Delivery run failed",
			zap.Int("lane", idx),
			zap.String("run_id", run.ID),
			zap.String("kind", string(run.Kind)),
			zap.Int64("uid", run.UserID),
			zap.Error(err))
		return
	}
	d.logger.Debug("Delivery run finished",
		zap.Int("lane", idx),
		zap.String("run_id", run.ID),
		zap.Duration("duration", report.Duration))
}

// RunProducer publishes a message to a topic.
type RunProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaDispatcher publishes runs for worker processes. The uid is the message
// key, so one user's runs share a partition and are consumed in order.
type KafkaDispatcher struct {
	producer RunProducer
	selector LaneSelector
	topic    string
	logger   *zap.Logger
}

func NewKafkaDispatcher(producer RunProducer, selector LaneSelector, topic string, logger *zap.Logger) *KafkaDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaDispatcher{producer: producer, selector: selector, topic: topic, logger: logger}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, run Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	headers := map[string]string{"run_kind": string(run.Kind)}
	if err := d.producer.ProduceMessage(ctx, d.topic, d.selector.PartitionKey(run.UserID), payload, headers); err != nil {
		metrics.DispatchErrors.WithLabelValues("kafka").Inc()
		return fmt.Errorf("failed to publish run %s: %w", run.ID, err)
	}
	d.logger.Debug("Published delivery run",
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Kind)),
		zap.Int64("uid", run.UserID))
	return nil
}

// DecodeRun parses and validates a run published by KafkaDispatcher.
func DecodeRun(payload []byte) (Run, error) {
	var run Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	if err := run.Validate(); err != nil {
		return Run{}, err
	}
	return run, nil
}
