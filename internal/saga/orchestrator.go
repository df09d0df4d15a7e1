package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"takeoff-converter/internal/conversion"
	"takeoff-converter/internal/notify"
	"takeoff-converter/internal/telemetry"
)

// ErrNotFound is returned by Store.Get for an unknown correlation id.
var ErrNotFound = errors.New("saga instance not found")

// ErrConflict is returned by Store.Update when a concurrent writer won.
var ErrConflict = errors.New("saga instance changed concurrently")

// Store persists saga instances. Update runs fn against the current instance
// (nil when absent) and atomically persists the returned instance; a nil
// return leaves the store untouched.
type Store interface {
	Get(ctx context.Context, correlationID string) (*Job, error)
	Update(ctx context.Context, correlationID string, fn func(cur *Job) (*Job, error)) (*Job, error)
}

// Auditor records every handled event.
type Auditor interface {
	AppendAudit(ctx context.Context, correlationID, event string, outcome Outcome, detail string) error
}

// Converter runs the conversion pipeline.
type Converter interface {
	Run(ctx context.Context, req conversion.Request) conversion.Result
}

// ResultPublisher emits a completion or failure event back onto the bus.
type ResultPublisher interface {
	PublishResult(ctx context.Context, ev Event) error
}

// Orchestrator applies events to persisted instances and executes the effects
// of each applied transition.
type Orchestrator struct {
	store     Store
	audit     Auditor
	notifier  notify.Notifier
	converter Converter
	results   ResultPublisher
	logger    *slog.Logger
	now       func() time.Time

	resultTimeout time.Duration
}

// DefaultResultTimeout bounds publishing or applying a pipeline result once the
// job's own context is gone.
const DefaultResultTimeout = 30 * time.Second

type Option func(*Orchestrator)

// WithAuditor records every handled event.
func WithAuditor(a Auditor) Option { return func(o *Orchestrator) { o.audit = a } }

// WithResultTimeout overrides DefaultResultTimeout.
func WithResultTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.resultTimeout = d } }

// WithClock overrides the completion timestamp source.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func NewOrchestrator(store Store, notifier notify.Notifier, converter Converter, results ResultPublisher, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		notifier:  notifier,
		converter: converter,
		results:   results,
		logger:    logger,
		now:       time.Now,

		resultTimeout: DefaultResultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle applies ev atomically and then runs its effects. Only persistence
// failures are returned; effect failures are logged.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) (Decision, error) {
	logger := o.logger.With("correlationId", ev.Correlation(), "event", ev.Name())
	if ev.Correlation() == "" {
		telemetry.SagaTransitions.WithLabelValues(ev.Name(), string(Rejected)).Inc()
		return Decision{Outcome: Rejected, Reason: "missing correlation id"}, nil
	}

	var dec Decision
	_, err := o.store.Update(ctx, ev.Correlation(), func(cur *Job) (*Job, error) {
		dec = Transition(cur, ev)
		if dec.Outcome != Applied {
			return nil, nil
		}
		return dec.Next, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("apply %s: %w", ev.Name(), err)
	}

	telemetry.SagaTransitions.WithLabelValues(ev.Name(), string(dec.Outcome)).Inc()
	o.record(ctx, logger, ev, dec)

	switch dec.Outcome {
	case Applied:
		logger.Info("Saga transition applied.", "state", dec.Next.State)
	case Ignored:
		logger.Debug("Saga event ignored.", "reason", dec.Reason)
	case Rejected:
		logger.Warn("Saga event rejected.", "reason", dec.Reason)
	}

	for _, eff := range dec.Effects {
		o.execute(ctx, logger, eff)
	}
	return dec, nil
}

// Get returns the current instance for a correlation id.
func (o *Orchestrator) Get(ctx context.Context, correlationID string) (*Job, error) {
	return o.store.Get(ctx, correlationID)
}

func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, ev Event, dec Decision) {
	if o.audit == nil {
		return
	}
	detail := dec.Reason
	if dec.Next != nil {
		detail = string(dec.Next.State)
	}
	if err := o.audit.AppendAudit(ctx, ev.Correlation(), ev.Name(), dec.Outcome, detail); err != nil {
		logger.Warn("Audit append failed.", "error", err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, eff Effect) {
	switch e := eff.(type) {
	case RunConversion:
		o.runConversion(ctx, logger, e)
	case NotifyCompleted:
		if err := o.notifier.Completed(ctx, e.ChannelID, e.Payload); err != nil {
			telemetry.NotificationFailures.WithLabelValues(notify.KindCompleted).Inc()
			logger.Warn("Completion notification failed.", "error", err)
		}
	case NotifyFailed:
		if err := o.notifier.Failed(ctx, e.ChannelID, e.Payload); err != nil {
			telemetry.NotificationFailures.WithLabelValues(notify.KindFailed).Inc()
			logger.Warn("Failure notification failed.", "error", err)
		}
	}
}

// runConversion runs the pipeline and publishes its result. If the result
// cannot be published it is applied in-process so the job still terminates.
// Both happen outside the cancellation of ctx: a redelivered start is ignored
// for a converting job, so a result lost on shutdown would strand it.
func (o *Orchestrator) runConversion(ctx context.Context, logger *slog.Logger, e RunConversion) {
	res := o.converter.Run(ctx, e.Request)
	ev := ResultEvent(e.CorrelationID, e.Request.CustomerID, res, o.now())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.resultTimeout)
	defer cancel()

	if res.Success {
		telemetry.ConversionsCompleted.Inc()
	} else {
		telemetry.ConversionsFailed.WithLabelValues(string(res.ErrorKind)).Inc()
	}

	if err := o.results.PublishResult(ctx, ev); err != nil {
		logger.Error("Publishing conversion result failed, applying locally.", "error", err)
		if _, err := o.Handle(ctx, ev); err != nil {
			logger.Error("Local result apply failed.", "error", err)
		}
	}
}

// ResultEvent maps a pipeline result to its outbound saga event.
func ResultEvent(correlationID, customerID string, res conversion.Result, at time.Time) Event {
	if res.Success {
		return ConversionCompleted{
			CorrelationID:       correlationID,
			JobID:               res.JobID,
			JobModelID:          res.JobModelID,
			ModelID:             res.ModelID,
			CustomerID:          customerID,
			DownloadURL:         res.DownloadURL,
			FileID:              res.FileID,
			PropertyDefinitions: res.PropertyDefinitions,
			CompletedAt:         at.UTC(),
		}
	}
	return ConversionFailed{
		CorrelationID: correlationID,
		JobID:         res.JobID,
		JobModelID:    res.JobModelID,
		ModelID:       res.ModelID,
		CustomerID:    customerID,
		ErrorMessage:  res.ErrorMessage,
		ErrorKind:     string(res.ErrorKind),
		CompletedAt:   at.UTC(),
	}
}
