// Package events maps saga events to and from CloudEvents envelopes.
//
// The encrypted access credential of a start event travels as the tokenkey and
// tokenpayload extensions, never in the event data.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/google/uuid"

	"takeoff-converter/internal/saga"
	"takeoff-converter/internal/tokenrelay"
)

const (
	TypeStart     = "takeoff.conversion.start"
	TypeCompleted = "takeoff.conversion.completed"
	TypeFailed    = "takeoff.conversion.failed"

	Source = "/takeoff-converter"

	ExtTokenKey     = "tokenkey"
	ExtTokenPayload = "tokenpayload"
)

// ErrUnknownType is returned when decoding an event type this service does not handle.
var ErrUnknownType = errors.New("unknown event type")

// NewStart wraps a start event. The credential envelope goes into extensions.
func NewStart(ev saga.StartConversion) (cloudevents.Event, error) {
	ce, err := newEvent(TypeStart, ev.CorrelationID, ev)
	if err != nil {
		return ce, err
	}
	ce.SetTime(ev.ReceivedAt)
	if !ev.Credential.Empty() {
		ce.SetExtension(ExtTokenKey, ev.Credential.WrappedKey)
		ce.SetExtension(ExtTokenPayload, ev.Credential.Payload)
	}
	return ce, nil
}

func NewCompleted(ev saga.ConversionCompleted) (cloudevents.Event, error) {
	ce, err := newEvent(TypeCompleted, ev.CorrelationID, ev)
	if err == nil {
		ce.SetTime(ev.CompletedAt)
	}
	return ce, err
}

func NewFailed(ev saga.ConversionFailed) (cloudevents.Event, error) {
	ce, err := newEvent(TypeFailed, ev.CorrelationID, ev)
	if err == nil {
		ce.SetTime(ev.CompletedAt)
	}
	return ce, err
}

// Encode wraps any saga event.
func Encode(ev saga.Event) (cloudevents.Event, error) {
	switch e := ev.(type) {
	case saga.StartConversion:
		return NewStart(e)
	case saga.ConversionCompleted:
		return NewCompleted(e)
	case saga.ConversionFailed:
		return NewFailed(e)
	default:
		return cloudevents.Event{}, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
}

func newEvent(typ, correlationID string, data any) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(Source)
	ce.SetType(typ)
	ce.SetSubject(correlationID)
	if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return ce, fmt.Errorf("encode %s data: %w", typ, err)
	}
	return ce, nil
}

// Decode turns a CloudEvent back into a saga event. Start events get their
// credential envelope from the extensions.
func Decode(ce cloudevents.Event) (saga.Event, error) {
	if err := ce.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	switch ce.Type() {
	case TypeStart:
		var ev saga.StartConversion
		if err := ce.DataAs(&ev); err != nil {
			return nil, fmt.Errorf("decode start data: %w", err)
		}
		ev.Credential = tokenrelay.Envelope{
			WrappedKey: extension(ce, ExtTokenKey),
			Payload:    extension(ce, ExtTokenPayload),
		}
		return withSubject(ev, ce.Subject()), nil
	case TypeCompleted:
		var ev saga.ConversionCompleted
		if err := ce.DataAs(&ev); err != nil {
			return nil, fmt.Errorf("decode completed data: %w", err)
		}
		return withSubject(ev, ce.Subject()), nil
	case TypeFailed:
		var ev saga.ConversionFailed
		if err := ce.DataAs(&ev); err != nil {
			return nil, fmt.Errorf("decode failed data: %w", err)
		}
		return withSubject(ev, ce.Subject()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ce.Type())
	}
}

// withSubject falls back to the event subject when the data omits the correlation id.
func withSubject(ev saga.Event, subject string) saga.Event {
	if ev.Correlation() != "" {
		return ev
	}
	switch e := ev.(type) {
	case saga.StartConversion:
		e.CorrelationID = subject
		return e
	case saga.ConversionCompleted:
		e.CorrelationID = subject
		return e
	case saga.ConversionFailed:
		e.CorrelationID = subject
		return e
	}
	return ev
}

func extension(ce cloudevents.Event, name string) string {
	v, ok := ce.Extensions()[name]
	if !ok {
		return ""
	}
	s, err := types.ToString(v)
	if err != nil {
		return ""
	}
	return s
}

// Marshal renders the structured-mode JSON form used on the bus.
func Marshal(ce cloudevents.Event) ([]byte, error) {
	return json.Marshal(ce)
}

// Unmarshal parses the structured-mode JSON form.
func Unmarshal(data []byte) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	if err := json.Unmarshal(data, &ce); err != nil {
		return ce, fmt.Errorf("unmarshal event: %w", err)
	}
	return ce, nil
}
