package takeoff

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Document is the flattened, serializable form of an element: its fixed fields
// and one entry per merged property key.
type Document map[string]Value

// Reserved document fields.
const (
	FieldID               = "id"
	FieldElementType      = "elementType"
	FieldOrigin           = "origin"
	FieldQuantity         = "quantity"
	FieldModelEntityIndex = "modelEntityIndex"
)

// FlattenElement converts a single element into a Document.
func FlattenElement(e Element) Document {
	doc := make(Document, 5+len(e.Properties))
	for _, p := range e.Properties {
		doc[p.Key()] = p.Value
	}
	doc[FieldID] = StringValue(e.ID)
	doc[FieldElementType] = StringValue(string(e.ElementType))
	doc[FieldOrigin] = StringValue(string(e.Origin))
	if e.Quantity != nil {
		doc[FieldQuantity] = numberValue(*e.Quantity)
	}
	if e.ModelEntityIndex != nil {
		doc[FieldModelEntityIndex] = StringValue(*e.ModelEntityIndex)
	}
	return doc
}

// Flatten converts elements to documents in parallel, preserving order.
func Flatten(ctx context.Context, elements []Element, workers int) ([]Document, error) {
	if workers <= 0 {
		workers = 1
	}
	docs := make([]Document, len(elements))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range elements {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			docs[i] = FlattenElement(elements[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Serialize flattens and encodes the element set as a JSON array.
func Serialize(ctx context.Context, elements []Element, workers int) ([]byte, error) {
	docs, err := Flatten(ctx, elements, workers)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("encode takeoff documents: %w", err)
	}
	return data, nil
}
