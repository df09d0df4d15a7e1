package takeoff

import "takeoff-converter/internal/modelgraph"

// Property is one key/value/type triple attached to an element.
type Property struct {
	Set   string
	Name  string
	Type  modelgraph.ValueType
	Value Value
}

// Key identifies the property within an element and across the dataset schema.
func (p Property) Key() string { return propertyKey(p.Set, p.Name) }

// PropertyDefinition describes one property column of the dataset.
type PropertyDefinition struct {
	Set  string               `json:"propertySet"`
	Name string               `json:"name"`
	Type modelgraph.ValueType `json:"valueType"`
}

func (d PropertyDefinition) Key() string { return propertyKey(d.Set, d.Name) }

func propertyKey(set, name string) string { return set + "." + name }

// Catalog maps entity index to the properties one extractor produced for it.
type Catalog map[string][]Property

const (
	ReferenceObjectSet = "Reference Object"
	LayerSet           = "Presentation Layer"
	ProductSet         = "Product"
)

var (
	referenceObjectSchema = []PropertyDefinition{
		{Set: ReferenceObjectSet, Name: "File Format", Type: modelgraph.ValueTypeString},
		{Set: ReferenceObjectSet, Name: "Common Type", Type: modelgraph.ValueTypeString},
		{Set: ReferenceObjectSet, Name: "External Id", Type: modelgraph.ValueTypeString},
	}
	layerSchema = []PropertyDefinition{
		{Set: LayerSet, Name: "Layers", Type: modelgraph.ValueTypeString},
	}
	productSchema = []PropertyDefinition{
		{Set: ProductSet, Name: "Name", Type: modelgraph.ValueTypeString},
		{Set: ProductSet, Name: "Description", Type: modelgraph.ValueTypeString},
		{Set: ProductSet, Name: "Object Type", Type: modelgraph.ValueTypeString},
		{Set: ProductSet, Name: "Owning User", Type: modelgraph.ValueTypeString},
		{Set: ProductSet, Name: "Creation Date", Type: modelgraph.ValueTypeDateTime},
		{Set: ProductSet, Name: "Last Modified Date", Type: modelgraph.ValueTypeDateTime},
		{Set: ProductSet, Name: "Change Action", Type: modelgraph.ValueTypeString},
		{Set: ProductSet, Name: "State", Type: modelgraph.ValueTypeString},
		{Set: ProductSet, Name: "Application", Type: modelgraph.ValueTypeString},
	}
)

// Definitions returns the discovered generic schema plus the fixed reference-object,
// layer and product schemas, de-duplicated by key with the first occurrence kept.
func Definitions(discovered []PropertyDefinition) []PropertyDefinition {
	all := make([]PropertyDefinition, 0, len(discovered)+len(referenceObjectSchema)+len(layerSchema)+len(productSchema))
	all = append(all, discovered...)
	all = append(all, referenceObjectSchema...)
	all = append(all, layerSchema...)
	all = append(all, productSchema...)

	seen := make(map[string]struct{}, len(all))
	out := all[:0]
	for _, d := range all {
		if _, ok := seen[d.Key()]; ok {
			continue
		}
		seen[d.Key()] = struct{}{}
		out = append(out, d)
	}
	return out
}

func dedupeProperties(props []Property) []Property {
	if len(props) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(props))
	out := make([]Property, 0, len(props))
	for _, p := range props {
		if _, ok := seen[p.Key()]; ok {
			continue
		}
		seen[p.Key()] = struct{}{}
		out = append(out, p)
	}
	return out
}
