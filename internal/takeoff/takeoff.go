// Package takeoff turns a parsed model graph into quantity takeoff elements: it runs
// the four property catalog extractors, merges their output per entity, classifies
// elements and flattens them for serialization.
package takeoff

import (
	"context"

	"golang.org/x/sync/errgroup"

	"takeoff-converter/internal/modelgraph"
)

// Result is the output of the extraction stage.
type Result struct {
	Elements    []Element
	Definitions []PropertyDefinition
}

// Extract runs the extractors concurrently, aggregates their catalogs and builds
// the element set together with the full property schema.
func Extract(ctx context.Context, m *modelgraph.Model, workers int) (Result, error) {
	var (
		src        Sources
		discovered []PropertyDefinition
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cat, defs, err := ExtractGeneric(m)
		if err != nil {
			return err
		}
		src.Generic, discovered = cat, defs
		return nil
	})
	g.Go(func() error {
		src.Reference = ExtractReferenceObjects(m)
		return gctx.Err()
	})
	g.Go(func() error {
		src.Layer = ExtractLayers(m)
		return gctx.Err()
	})
	g.Go(func() error {
		src.Product = ExtractProducts(m)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	acc, err := Aggregate(ctx, src, m.InstanceIndices(), workers)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Elements:    BuildElements(m, acc),
		Definitions: Definitions(discovered),
	}, nil
}
