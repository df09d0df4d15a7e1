package takeoff

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takeoff-converter/internal/modelgraph"
)

func sampleModel() *modelgraph.Model {
	created := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	return &modelgraph.Model{
		Entities: []modelgraph.Entity{
			{Index: "10", ClassName: "IfcWallStandardCase", ExternalID: "0hB$1"},
			{Index: "20", ClassName: "IFCDOOR", ExternalID: "0hB$2"},
			{Index: "30", ClassName: "IfcFlowSegment", ExternalID: "0hB$3"},
			{Index: "40", ClassName: "IfcSite", ExternalID: "0hB$4"},
		},
		Instances: []modelgraph.GeometryInstance{
			{EntityIndex: "10", Layer: "A-WALL"},
			{EntityIndex: "10", Layer: "A-CORE"},
			{EntityIndex: "10", Layer: "A-WALL"},
			{EntityIndex: "20", Layer: "A-DOOR"},
			{EntityIndex: "30"},
			{EntityIndex: "99"},
		},
		PropertySets: []modelgraph.PropertySet{
			{
				Name: "Pset_WallCommon",
				Properties: []modelgraph.Property{
					{Name: "IsExternal", Type: modelgraph.ValueTypeBoolean, Raw: modelgraph.RawValue{Integer: 1}},
					{Name: "Width", Type: modelgraph.ValueTypeLength, Raw: modelgraph.RawValue{Number: 0.25}},
				},
				EntityIndices: []string{"10"},
			},
			{
				Name: "Reference Object",
				Properties: []modelgraph.Property{
					{Name: "File Format", Type: modelgraph.ValueTypeString, Raw: modelgraph.RawValue{Text: "from-pset"}},
				},
				EntityIndices: []string{"20"},
			},
		},
		Products: []modelgraph.Product{
			{
				EntityIndex:  "10",
				Name:         "Basic Wall",
				OwningUser:   "jdoe",
				CreationDate: &created,
				Application:  &modelgraph.Application{FullName: "Revit", Identifier: "RVT", Version: "2024"},
			},
			{EntityIndex: "20", Name: "Single Flush"},
		},
	}
}

func propertyMap(props []Property) map[string]string {
	out := make(map[string]string, len(props))
	for _, p := range props {
		out[p.Key()] = p.Value.Text
	}
	return out
}

func TestExtractBuildsOneElementPerInstanceEntity(t *testing.T) {
	m := sampleModel()
	res, err := Extract(context.Background(), m, 4)
	require.NoError(t, err)

	require.Len(t, res.Elements, len(m.InstanceIndices()))
	ids := make([]string, 0, len(res.Elements))
	for _, e := range res.Elements {
		ids = append(ids, e.ID)
		assert.Equal(t, OriginFrom3DModel, e.Origin)
		require.NotNil(t, e.Quantity)
		assert.Equal(t, 1.0, *e.Quantity)
		require.NotNil(t, e.ModelEntityIndex)
		assert.Equal(t, e.ID, *e.ModelEntityIndex)
	}
	assert.Equal(t, []string{"10", "20", "30", "99"}, ids)

	wall := res.Elements[0]
	assert.Equal(t, ElementWall, wall.ElementType)
	props := propertyMap(wall.Properties)
	assert.Equal(t, "true", props["Pset_WallCommon.IsExternal"])
	assert.Equal(t, "0.25", props["Pset_WallCommon.Width"])
	assert.Equal(t, "Ifc", props["Reference Object.File Format"])
	assert.Equal(t, "WallStandardCase", props["Reference Object.Common Type"])
	assert.Equal(t, "A-CORE,A-WALL", props["Presentation Layer.Layers"])
	assert.Equal(t, "Revit (RVT v2024)", props["Product.Application"])
	assert.Equal(t, "2024-03-01T08:30:00Z", props["Product.Creation Date"])

	assert.Equal(t, ElementDoor, res.Elements[1].ElementType)
	assert.Equal(t, ElementOther, res.Elements[2].ElementType)
	assert.Equal(t, ElementOther, res.Elements[3].ElementType)
}

func TestEntityWithoutPropertiesHasNoPropertyList(t *testing.T) {
	res, err := Extract(context.Background(), sampleModel(), 2)
	require.NoError(t, err)

	orphan := res.Elements[3]
	assert.Equal(t, "99", orphan.ID)
	assert.Nil(t, orphan.Properties)

	doc := FlattenElement(orphan)
	assert.NotContains(t, doc, "properties")
	assert.Len(t, doc, 5)
}

func TestDuplicateKeysKeepGenericFirst(t *testing.T) {
	res, err := Extract(context.Background(), sampleModel(), 1)
	require.NoError(t, err)

	door := res.Elements[1]
	var formats []string
	for _, p := range door.Properties {
		if p.Key() == "Reference Object.File Format" {
			formats = append(formats, p.Value.Text)
		}
	}
	assert.Equal(t, []string{"from-pset"}, formats)
}

func TestAggregateMergeOrder(t *testing.T) {
	key := func(v string) Property {
		return Property{Set: "S", Name: "K", Type: modelgraph.ValueTypeString, Value: StringValue(v)}
	}
	tests := []struct {
		name string
		src  Sources
		want string
	}{
		{"generic beats all", Sources{
			Generic: Catalog{"1": {key("generic")}}, Reference: Catalog{"1": {key("reference")}},
			Product: Catalog{"1": {key("product")}}, Layer: Catalog{"1": {key("layer")}},
		}, "generic"},
		{"reference beats product", Sources{
			Reference: Catalog{"1": {key("reference")}}, Product: Catalog{"1": {key("product")}},
			Layer: Catalog{"1": {key("layer")}},
		}, "reference"},
		{"product beats layer", Sources{
			Product: Catalog{"1": {key("product")}}, Layer: Catalog{"1": {key("layer")}},
		}, "product"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := Aggregate(context.Background(), tt.src, []string{"1"}, 3)
			require.NoError(t, err)
			props := dedupeProperties(acc.Get("1"))
			require.Len(t, props, 1)
			assert.Equal(t, tt.want, props[0].Value.Text)
		})
	}
}

func TestAccumulatorConcurrentAppends(t *testing.T) {
	acc := NewAccumulator(8)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				acc.Append(fmt.Sprintf("e%d", i%10), Property{Set: "S", Name: fmt.Sprintf("%d-%d", w, i)})
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 10, acc.Len())
	total := 0
	for i := 0; i < 10; i++ {
		total += len(acc.Get(fmt.Sprintf("e%d", i)))
	}
	assert.Equal(t, 1600, total)
}

func TestSplitClassName(t *testing.T) {
	tests := []struct {
		in, format, common string
	}{
		{"IfcWall", "Ifc", "Wall"},
		{"DGNLine", "DGN", "Line"},
		{"ACBlock", "DWG", "Block"},
		{"AECRoom", "DWG", "Room"},
		{"", "", ""},
		{"   ", "", ""},
		{"XYZfoo", "Invalid", "Invalid"},
		{"Ac", "DWG", ""},
	}
	for _, tt := range tests {
		format, common := SplitClassName(tt.in)
		assert.Equal(t, tt.format, format, tt.in)
		assert.Equal(t, tt.common, common, tt.in)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ElementBeam, Classify("IfcBeam"))
	assert.Equal(t, ElementBeam, Classify("IFCBEAM"))
	assert.Equal(t, ElementRoom, Classify("ifcspace"))
	assert.Equal(t, ElementGenericObject, Classify("IfcBuildingElementProxy"))
	assert.Equal(t, ElementOther, Classify("IfcBeamish"))
	assert.Equal(t, ElementOther, Classify(""))
	assert.GreaterOrEqual(t, len(classTable), 30)
}

func TestRenderValue(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 59, 0, 0, time.FixedZone("CET", 3600))
	tests := []struct {
		name string
		typ  modelgraph.ValueType
		raw  modelgraph.RawValue
		want Value
	}{
		{"length", modelgraph.ValueTypeLength, modelgraph.RawValue{Number: 1234.5}, Value{KindNumber, "1234.5"}},
		{"area", modelgraph.ValueTypeArea, modelgraph.RawValue{Number: 1e21}, Value{KindNumber, "1000000000000000000000"}},
		{"volume", modelgraph.ValueTypeVolume, modelgraph.RawValue{Number: 0.001}, Value{KindNumber, "0.001"}},
		{"mass", modelgraph.ValueTypeMass, modelgraph.RawValue{Number: -2}, Value{KindNumber, "-2"}},
		{"angle", modelgraph.ValueTypeAngle, modelgraph.RawValue{Number: 90}, Value{KindNumber, "90"}},
		{"string", modelgraph.ValueTypeString, modelgraph.RawValue{Text: "C30/37"}, Value{KindString, "C30/37"}},
		{"integer", modelgraph.ValueTypeInteger, modelgraph.RawValue{Integer: 42}, Value{KindNumber, "42"}},
		{"double", modelgraph.ValueTypeDouble, modelgraph.RawValue{Number: 3.14}, Value{KindNumber, "3.14"}},
		{"datetime", modelgraph.ValueTypeDateTime, modelgraph.RawValue{Time: ts}, Value{KindDate, "2023-12-31T22:59:00Z"}},
		{"logical false", modelgraph.ValueTypeLogical, modelgraph.RawValue{Integer: 0}, Value{KindBool, "false"}},
		{"logical true", modelgraph.ValueTypeLogical, modelgraph.RawValue{Integer: 1}, Value{KindBool, "true"}},
		{"logical unknown", modelgraph.ValueTypeLogical, modelgraph.RawValue{Integer: 2}, Value{Kind: KindNull}},
		{"boolean false", modelgraph.ValueTypeBoolean, modelgraph.RawValue{Integer: 0}, Value{KindBool, "false"}},
		{"boolean true", modelgraph.ValueTypeBoolean, modelgraph.RawValue{Integer: 7}, Value{KindBool, "true"}},
		{"unknown", modelgraph.ValueTypeUnknown, modelgraph.RawValue{Text: "x"}, Value{KindString, "?"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderValue(tt.typ, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderValueFailsOnUnmappedType(t *testing.T) {
	_, err := RenderValue(modelgraph.ValueType(99), modelgraph.RawValue{})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	m := sampleModel()
	m.PropertySets[0].Properties[0].Type = modelgraph.ValueType(99)
	_, err = Extract(context.Background(), m, 2)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestSerializeFlattensProperties(t *testing.T) {
	res, err := Extract(context.Background(), sampleModel(), 4)
	require.NoError(t, err)

	data, err := Serialize(context.Background(), res.Elements, 4)
	require.NoError(t, err)

	var docs []map[string]any
	require.NoError(t, json.Unmarshal(data, &docs))
	require.Len(t, docs, len(res.Elements))
	for i, doc := range docs {
		e := res.Elements[i]
		assert.Equal(t, e.ID, doc[FieldID])
		assert.NotContains(t, doc, "properties")
		assert.Len(t, doc, 5+len(e.Properties))
	}
	assert.Equal(t, true, docs[0]["Pset_WallCommon.IsExternal"])
	assert.Equal(t, 0.25, docs[0]["Pset_WallCommon.Width"])
	assert.Equal(t, 1.0, docs[0][FieldQuantity])
	assert.Nil(t, docs[0]["Product.Last Modified Date"])
}

func TestDefinitionsUnionAndDedupe(t *testing.T) {
	discovered := []PropertyDefinition{
		{Set: "Pset_WallCommon", Name: "Width", Type: modelgraph.ValueTypeLength},
		{Set: ReferenceObjectSet, Name: "File Format", Type: modelgraph.ValueTypeInteger},
	}
	defs := Definitions(discovered)

	assert.Len(t, defs, 1+len(referenceObjectSchema)+len(layerSchema)+len(productSchema))
	byKey := make(map[string]PropertyDefinition)
	for _, d := range defs {
		_, dup := byKey[d.Key()]
		assert.False(t, dup, d.Key())
		byKey[d.Key()] = d
	}
	assert.Equal(t, modelgraph.ValueTypeInteger, byKey["Reference Object.File Format"].Type)
}
