package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/config"
	"takeoff-converter/internal/telemetry"
)

// ErrPermanent marks handler errors that redelivery cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Bus is the subset of the Redis bus the processor drives.
type Bus interface {
	Receive(ctx context.Context, topics ...string) (*bus.Delivery, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, d *bus.Delivery, runAt time.Time, lastErr string) error
	DeadLetter(ctx context.Context, d *bus.Delivery, reason string) error
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context, topics ...string) (map[string]int64, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	bus      Bus
	handlers map[string]Handler
	topics   []string
	logger   *slog.Logger
	workerID string
}

// Handler processes one delivery of a topic.
type Handler func(ctx context.Context, d *bus.Delivery) error

func NewProcessor(cfg config.Config, b Bus, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, b, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, b Bus, logger *slog.Logger, workerID string) *Processor {
	if workerID != "" {
		logger = logger.With("workerId", workerID)
	}
	return &Processor{
		cfg:      cfg,
		bus:      b,
		handlers: make(map[string]Handler),
		logger:   logger,
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a topic. Topics are polled in
// registration order.
func (p *Processor) RegisterHandler(topic string, handler Handler) {
	if topic == "" || handler == nil {
		return
	}
	if _, ok := p.handlers[topic]; !ok {
		p.topics = append(p.topics, topic)
	}
	p.handlers[topic] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		handled, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Warn("Receive failed.", "error", err)
		}
		if handled {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) housekeeping(ctx context.Context) {
	now := time.Now()
	if _, err := p.bus.PromoteScheduled(ctx, now, int64(p.batchSize())); err != nil {
		p.logger.Warn("Promoting scheduled messages failed.", "error", err)
	}
	if reclaimed, err := p.bus.RequeueExpired(ctx, now, 100); err != nil {
		p.logger.Warn("Requeueing expired leases failed.", "error", err)
	} else if len(reclaimed) > 0 {
		p.logger.Info("Reclaimed expired leases.", "count", len(reclaimed))
	}
	if depth, err := p.bus.ReadyDepth(ctx, p.topics...); err == nil {
		for topic, n := range depth {
			telemetry.QueueDepthGauge.WithLabelValues(topic).Set(float64(n))
		}
	}
}

func (p *Processor) batchSize() int {
	if p.cfg.ScheduledBatchSize > 0 {
		return p.cfg.ScheduledBatchSize
	}
	return 100
}

// ProcessOne leases and handles a single delivery. It reports whether a
// delivery was handled.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	d, err := p.bus.Receive(ctx, p.topics...)
	if err != nil || d == nil {
		return false, err
	}

	logger := p.logger.With("messageId", d.ID, "topic", d.Topic, "attempt", d.Attempts)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if d.DecodeErr != nil {
		p.deadLetter(ctx, logger, d, fmt.Sprintf("undecodable message: %v", d.DecodeErr))
		return true, nil
	}

	err = p.runHandler(ctx, d)
	if err == nil {
		if err := p.bus.Ack(ctx, d.ID); err != nil {
			logger.Warn("Ack failed.", "error", err)
		}
		return true, nil
	}

	if errors.Is(err, ErrPermanent) || d.Attempts >= p.maxAttempts() {
		p.deadLetter(ctx, logger, d, err.Error())
		return true, nil
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, d.Attempts))
	if rerr := p.bus.Retry(ctx, d, nextRun, err.Error()); rerr != nil {
		logger.Error("Scheduling redelivery failed.", "error", rerr)
	}
	telemetry.BusRedeliveries.WithLabelValues(d.Topic).Inc()
	logger.Warn("Handler failed, redelivery scheduled.", "error", err, "nextRun", nextRun.UTC().Format(time.RFC3339))
	return true, nil
}

func (p *Processor) maxAttempts() int {
	if p.cfg.MaxAttempts > 0 {
		return p.cfg.MaxAttempts
	}
	return 5
}

func (p *Processor) deadLetter(ctx context.Context, logger *slog.Logger, d *bus.Delivery, reason string) {
	if err := p.bus.DeadLetter(ctx, d, reason); err != nil {
		logger.Error("Dead-lettering failed.", "error", err)
		return
	}
	telemetry.BusDeadLetter.WithLabelValues(d.Topic).Inc()
	logger.Error("Message dead-lettered.", "reason", reason)
}

// runHandler executes the topic handler, extending the lease while it runs.
func (p *Processor) runHandler(ctx context.Context, d *bus.Delivery) (err error) {
	handler, ok := p.handlers[d.Topic]
	if !ok {
		return fmt.Errorf("%w: no handler registered for topic %q", ErrPermanent, d.Topic)
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.keepLeased(hctx, d.ID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(hctx, d)
}

func (p *Processor) keepLeased(ctx context.Context, id string) {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		return
	}
	ticker := time.NewTicker(visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.bus.ExtendLease(ctx, id, visibility); err != nil && ctx.Err() == nil {
				p.logger.Warn("Extending lease failed.", "messageId", id, "error", err)
			}
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
