// Package modelgraph holds the in-memory entity/geometry/property graph produced by
// the external BIM parser, and the boundary through which the pipeline obtains it.
package modelgraph

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueType is the closed set of property value types the parser reports.
type ValueType int

const (
	ValueTypeUnknown ValueType = iota
	ValueTypeLength
	ValueTypeArea
	ValueTypeVolume
	ValueTypeMass
	ValueTypeAngle
	ValueTypeString
	ValueTypeInteger
	ValueTypeDouble
	ValueTypeDateTime
	ValueTypeLogical
	ValueTypeBoolean
)

var valueTypeNames = map[ValueType]string{
	ValueTypeUnknown:  "unknown",
	ValueTypeLength:   "length",
	ValueTypeArea:     "area",
	ValueTypeVolume:   "volume",
	ValueTypeMass:     "mass",
	ValueTypeAngle:    "angle",
	ValueTypeString:   "string",
	ValueTypeInteger:  "integer",
	ValueTypeDouble:   "double",
	ValueTypeDateTime: "datetime",
	ValueTypeLogical:  "logical",
	ValueTypeBoolean:  "boolean",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// ParseValueType maps a parser type name to a ValueType. Unrecognized names map to
// ValueTypeUnknown, which renders as "?".
func ParseValueType(name string) ValueType {
	for t, n := range valueTypeNames {
		if n == name {
			return t
		}
	}
	return ValueTypeUnknown
}

func (t ValueType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ValueType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("value type: %w", err)
	}
	*t = ParseValueType(name)
	return nil
}

// RawValue is the untyped payload of a property as the parser hands it over.
// Which field is meaningful depends on the property's ValueType.
type RawValue struct {
	Number  float64   `json:"number,omitempty"`
	Integer int64     `json:"integer,omitempty"`
	Text    string    `json:"text,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

// Property is a single typed value inside a property set.
type Property struct {
	Name string    `json:"name"`
	Type ValueType `json:"type"`
	Raw  RawValue  `json:"raw"`
}

// PropertySet binds a named group of properties to one or more entities.
type PropertySet struct {
	Name          string     `json:"name"`
	Properties    []Property `json:"properties"`
	EntityIndices []string   `json:"entityIndices"`
}

// Entity is one element of the parsed model.
type Entity struct {
	Index      string `json:"index"`
	ClassName  string `json:"className"`
	ExternalID string `json:"externalId"`
}

// GeometryInstance is a piece of renderable geometry owned by an entity.
type GeometryInstance struct {
	EntityIndex string `json:"entityIndex"`
	Layer       string `json:"layer"`
}

// Application describes the authoring tool recorded in provenance data.
type Application struct {
	FullName   string `json:"fullName"`
	Identifier string `json:"identifier"`
	Version    string `json:"version"`
}

// Product carries the ownership/history metadata bound to an entity.
type Product struct {
	EntityIndex      string       `json:"entityIndex"`
	Name             string       `json:"name"`
	Description      string       `json:"description"`
	ObjectType       string       `json:"objectType"`
	OwningUser       string       `json:"owningUser"`
	CreationDate     *time.Time   `json:"creationDate,omitempty"`
	LastModifiedDate *time.Time   `json:"lastModifiedDate,omitempty"`
	ChangeAction     string       `json:"changeAction"`
	State            string       `json:"state"`
	Application      *Application `json:"application,omitempty"`
}

// Model is the full parsed graph.
type Model struct {
	Entities     []Entity           `json:"entities"`
	Instances    []GeometryInstance `json:"instances"`
	PropertySets []PropertySet      `json:"propertySets"`
	Products     []Product          `json:"products"`
}

// EntityByIndex builds a lookup from entity index to entity.
func (m *Model) EntityByIndex() map[string]Entity {
	out := make(map[string]Entity, len(m.Entities))
	for _, e := range m.Entities {
		out[e.Index] = e
	}
	return out
}

// InstanceIndices returns the distinct entity indices referenced by geometry
// instances, in first-seen order.
func (m *Model) InstanceIndices() []string {
	seen := make(map[string]struct{}, len(m.Instances))
	out := make([]string, 0, len(m.Instances))
	for _, inst := range m.Instances {
		if _, ok := seen[inst.EntityIndex]; ok {
			continue
		}
		seen[inst.EntityIndex] = struct{}{}
		out = append(out, inst.EntityIndex)
	}
	return out
}
