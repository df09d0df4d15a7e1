package worker

import (
	"context"
	"fmt"
	"log/slog"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/events"
	"takeoff-converter/internal/retry"
	"takeoff-converter/internal/saga"
)

// Orchestrator applies saga events.
type Orchestrator interface {
	Handle(ctx context.Context, ev saga.Event) (saga.Decision, error)
}

// StartHandler feeds start events to the orchestrator, which runs the pipeline
// and publishes the result. Pipeline failures arrive as failure events, never
// as handler errors.
func StartHandler(o Orchestrator) Handler {
	return func(ctx context.Context, d *bus.Delivery) error {
		ev, err := events.Decode(d.Event)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		start, ok := ev.(saga.StartConversion)
		if !ok {
			return fmt.Errorf("%w: %s on start topic", ErrPermanent, ev.Name())
		}
		_, err = o.Handle(ctx, start)
		return err
	}
}

// ResultHandler feeds completion and failure events to the orchestrator.
func ResultHandler(o Orchestrator) Handler {
	return func(ctx context.Context, d *bus.Delivery) error {
		ev, err := events.Decode(d.Event)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		switch ev.(type) {
		case saga.ConversionCompleted, saga.ConversionFailed:
		default:
			return fmt.Errorf("%w: %s on result topic", ErrPermanent, ev.Name())
		}
		_, err = o.Handle(ctx, ev)
		return err
	}
}

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, ce cloudevents.Event) (string, error)
}

// ResultPublisher publishes pipeline results to the result topic, retrying
// transient broker failures.
type ResultPublisher struct {
	bus    Publisher
	policy retry.Policy
	logger *slog.Logger
}

func NewResultPublisher(b Publisher, policy retry.Policy, logger *slog.Logger) *ResultPublisher {
	return &ResultPublisher{bus: b, policy: policy, logger: logger}
}

var _ saga.ResultPublisher = (*ResultPublisher)(nil)

func (p *ResultPublisher) PublishResult(ctx context.Context, ev saga.Event) error {
	ce, err := events.Encode(ev)
	if err != nil {
		return err
	}
	_, err = retry.Do(ctx, p.logger.With("correlationId", ev.Correlation()), "publish-result", p.policy,
		func(ctx context.Context) (string, error) {
			return p.bus.Publish(ctx, bus.TopicResult, ce)
		})
	return err
}
