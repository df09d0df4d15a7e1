package takeoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"takeoff-converter/internal/modelgraph"
)

// ErrSchemaMismatch signals a value type the dispatch table has no case for.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Kind is the representable shape of a rendered property value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindDate
)

// Value is a rendered property value. Text always holds the canonical,
// culture-invariant string form; Kind decides how it is encoded.
type Value struct {
	Kind Kind
	Text string
}

func StringValue(s string) Value { return Value{Kind: KindString, Text: s} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Text: strconv.FormatBool(b)} }

func DateValue(t time.Time) Value {
	return Value{Kind: KindDate, Text: t.UTC().Format(time.RFC3339)}
}

func NullValue() Value { return Value{Kind: KindNull} }

func numberValue(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return StringValue(strconv.FormatFloat(f, 'f', -1, 64))
	}
	return Value{Kind: KindNumber, Text: strconv.FormatFloat(f, 'f', -1, 64)}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) String() string { return v.Text }

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindNumber, KindBool:
		return []byte(v.Text), nil
	default:
		return json.Marshal(v.Text)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = NullValue()
	case bool:
		*v = BoolValue(t)
	case float64:
		*v = Value{Kind: KindNumber, Text: string(data)}
	case string:
		*v = StringValue(t)
	default:
		return fmt.Errorf("unsupported value %s", data)
	}
	return nil
}

// RenderValue converts a raw parser value to its stored representation.
func RenderValue(t modelgraph.ValueType, raw modelgraph.RawValue) (Value, error) {
	switch t {
	case modelgraph.ValueTypeLength, modelgraph.ValueTypeArea,
		modelgraph.ValueTypeVolume, modelgraph.ValueTypeMass:
		return numberValue(raw.Number), nil
	case modelgraph.ValueTypeAngle:
		// Degrees, as reported by the parser.
		return numberValue(raw.Number), nil
	case modelgraph.ValueTypeString:
		return StringValue(raw.Text), nil
	case modelgraph.ValueTypeInteger:
		return Value{Kind: KindNumber, Text: strconv.FormatInt(raw.Integer, 10)}, nil
	case modelgraph.ValueTypeDouble:
		return numberValue(raw.Number), nil
	case modelgraph.ValueTypeDateTime:
		return DateValue(raw.Time), nil
	case modelgraph.ValueTypeLogical:
		switch raw.Integer {
		case 0:
			return BoolValue(false), nil
		case 1:
			return BoolValue(true), nil
		default:
			return NullValue(), nil
		}
	case modelgraph.ValueTypeBoolean:
		return BoolValue(raw.Integer != 0), nil
	case modelgraph.ValueTypeUnknown:
		return StringValue("?"), nil
	default:
		return Value{}, fmt.Errorf("%w: no rendering for %s", ErrSchemaMismatch, t)
	}
}
