package takeoff

import "takeoff-converter/internal/modelgraph"

// Origin records where an element's data came from.
type Origin string

const (
	OriginManual      Origin = "manual"
	OriginFrom3DModel Origin = "from-3d-model"
	OriginMixed       Origin = "mixed"
)

// Element is one takeoff record.
type Element struct {
	ID               string
	ElementType      ElementType
	Origin           Origin
	Quantity         *float64
	ModelEntityIndex *string
	Properties       []Property
}

// BuildElements creates one element per distinct entity index referenced by the
// model's geometry instances and attaches its aggregated properties, keeping the
// first occurrence of any duplicate key.
func BuildElements(m *modelgraph.Model, acc *Accumulator) []Element {
	entities := m.EntityByIndex()
	indices := m.InstanceIndices()

	out := make([]Element, 0, len(indices))
	for _, idx := range indices {
		qty := 1.0
		ref := idx
		out = append(out, Element{
			ID:               idx,
			ElementType:      Classify(entities[idx].ClassName),
			Origin:           OriginFrom3DModel,
			Quantity:         &qty,
			ModelEntityIndex: &ref,
			Properties:       dedupeProperties(acc.Get(idx)),
		})
	}
	return out
}
