package takeoff

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"takeoff-converter/internal/modelgraph"
)

// ExtractGeneric renders every property-set binding and attaches the rendered
// properties to each bound entity. It also reports the schema it discovered.
func ExtractGeneric(m *modelgraph.Model) (Catalog, []PropertyDefinition, error) {
	cat := make(Catalog)
	seen := make(map[string]struct{})
	var defs []PropertyDefinition

	for _, set := range m.PropertySets {
		rendered := make([]Property, 0, len(set.Properties))
		for _, prop := range set.Properties {
			v, err := RenderValue(prop.Type, prop.Raw)
			if err != nil {
				return nil, nil, fmt.Errorf("property set %q property %q: %w", set.Name, prop.Name, err)
			}
			p := Property{Set: set.Name, Name: prop.Name, Type: prop.Type, Value: v}
			rendered = append(rendered, p)

			if _, ok := seen[p.Key()]; !ok {
				seen[p.Key()] = struct{}{}
				defs = append(defs, PropertyDefinition{Set: set.Name, Name: prop.Name, Type: prop.Type})
			}
		}
		for _, idx := range set.EntityIndices {
			cat[idx] = append(cat[idx], rendered...)
		}
	}
	return cat, defs, nil
}

// ExtractReferenceObjects derives file format, common type and external id for
// every entity from its class name.
func ExtractReferenceObjects(m *modelgraph.Model) Catalog {
	cat := make(Catalog, len(m.Entities))
	for _, e := range m.Entities {
		format, common := SplitClassName(e.ClassName)
		cat[e.Index] = append(cat[e.Index],
			Property{Set: ReferenceObjectSet, Name: "File Format", Type: modelgraph.ValueTypeString, Value: StringValue(format)},
			Property{Set: ReferenceObjectSet, Name: "Common Type", Type: modelgraph.ValueTypeString, Value: StringValue(common)},
			Property{Set: ReferenceObjectSet, Name: "External Id", Type: modelgraph.ValueTypeString, Value: StringValue(e.ExternalID)},
		)
	}
	return cat
}

// SplitClassName splits a source class name into a file format prefix and the
// remaining common type.
//
//	IfcWall -> (Ifc, Wall)    DGNLine -> (DGN, Line)
//	ACBlock -> (DWG, Block)   AECRoom -> (DWG, Room)
func SplitClassName(name string) (format, commonType string) {
	if strings.TrimSpace(name) == "" {
		return "", ""
	}
	switch {
	case hasPrefixFold(name, "IFC"), hasPrefixFold(name, "DGN"):
		return name[:3], name[3:]
	case hasPrefixFold(name, "AEC"):
		return "DWG", name[3:]
	case hasPrefixFold(name, "AC"):
		return "DWG", name[2:]
	default:
		return "Invalid", "Invalid"
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// ExtractLayers emits the sorted, distinct layer names of each entity's geometry
// instances as a single comma-joined property.
func ExtractLayers(m *modelgraph.Model) Catalog {
	layers := make(map[string]map[string]struct{})
	for _, inst := range m.Instances {
		if inst.Layer == "" {
			continue
		}
		set, ok := layers[inst.EntityIndex]
		if !ok {
			set = make(map[string]struct{})
			layers[inst.EntityIndex] = set
		}
		set[inst.Layer] = struct{}{}
	}

	cat := make(Catalog, len(layers))
	for idx, set := range layers {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		cat[idx] = []Property{{
			Set:   LayerSet,
			Name:  "Layers",
			Type:  modelgraph.ValueTypeString,
			Value: StringValue(strings.Join(names, ",")),
		}}
	}
	return cat
}

// ExtractProducts emits ownership and history metadata for entities bound to
// product information.
func ExtractProducts(m *modelgraph.Model) Catalog {
	cat := make(Catalog, len(m.Products))
	for _, p := range m.Products {
		cat[p.EntityIndex] = append(cat[p.EntityIndex],
			productString("Name", p.Name),
			productString("Description", p.Description),
			productString("Object Type", p.ObjectType),
			productString("Owning User", p.OwningUser),
			productDate("Creation Date", p.CreationDate),
			productDate("Last Modified Date", p.LastModifiedDate),
			productString("Change Action", p.ChangeAction),
			productString("State", p.State),
			productString("Application", applicationDescriptor(p.Application)),
		)
	}
	return cat
}

func productString(name, value string) Property {
	return Property{Set: ProductSet, Name: name, Type: modelgraph.ValueTypeString, Value: StringValue(value)}
}

func productDate(name string, ts *time.Time) Property {
	v := NullValue()
	if ts != nil {
		v = DateValue(*ts)
	}
	return Property{Set: ProductSet, Name: name, Type: modelgraph.ValueTypeDateTime, Value: v}
}

// applicationDescriptor renders "{fullName} ({identifier} v{version})".
func applicationDescriptor(app *modelgraph.Application) string {
	if app == nil {
		app = &modelgraph.Application{}
	}
	return fmt.Sprintf("%s (%s v%s)", app.FullName, app.Identifier, app.Version)
}
