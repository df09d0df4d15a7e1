package modelgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrEmptyModel is returned when the parser produced no usable graph.
var ErrEmptyModel = errors.New("parser returned an empty model")

// Parser turns raw model bytes into a Model. The binary BIM parser lives outside
// this repo; implementations adapt it to this interface.
type Parser interface {
	Parse(ctx context.Context, r io.Reader) (*Model, error)
}

// JSONParser reads the JSON graph export emitted by the upstream parser service.
type JSONParser struct{}

func (JSONParser) Parse(ctx context.Context, r io.Reader) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var m *Model
	dec := json.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model graph: %w", err)
	}
	if m == nil || (len(m.Entities) == 0 && len(m.Instances) == 0) {
		return nil, ErrEmptyModel
	}
	return m, nil
}
