package takeoff

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

const defaultShards = 64

// Accumulator collects properties per entity index. Writes to one index are
// serialized by that index's shard lock; different shards proceed in parallel.
type Accumulator struct {
	shards []accumulatorShard
}

type accumulatorShard struct {
	mu    sync.Mutex
	props map[string][]Property
}

// NewAccumulator builds an accumulator with the given number of lock shards.
func NewAccumulator(shards int) *Accumulator {
	if shards <= 0 {
		shards = defaultShards
	}
	a := &Accumulator{shards: make([]accumulatorShard, shards)}
	for i := range a.shards {
		a.shards[i].props = make(map[string][]Property)
	}
	return a
}

func (a *Accumulator) shard(index string) *accumulatorShard {
	return &a.shards[xxhash.Sum64String(index)%uint64(len(a.shards))]
}

// Append adds properties to the end of an entity's list.
func (a *Accumulator) Append(index string, props ...Property) {
	if len(props) == 0 {
		return
	}
	s := a.shard(index)
	s.mu.Lock()
	s.props[index] = append(s.props[index], props...)
	s.mu.Unlock()
}

// Get returns a copy of the accumulated properties for an entity.
func (a *Accumulator) Get(index string) []Property {
	s := a.shard(index)
	s.mu.Lock()
	defer s.mu.Unlock()
	props := s.props[index]
	if len(props) == 0 {
		return nil
	}
	out := make([]Property, len(props))
	copy(out, props)
	return out
}

// Len reports how many entity indices hold at least one property.
func (a *Accumulator) Len() int {
	n := 0
	for i := range a.shards {
		a.shards[i].mu.Lock()
		n += len(a.shards[i].props)
		a.shards[i].mu.Unlock()
	}
	return n
}

// Sources are the four extractor outputs in merge precedence order.
type Sources struct {
	Generic   Catalog
	Reference Catalog
	Product   Catalog
	Layer     Catalog
}

func (s Sources) ordered() []Catalog {
	return []Catalog{s.Generic, s.Reference, s.Product, s.Layer}
}

// Aggregate merges the sources for each index, fanning out over index groups.
// Within an entity the order is always generic, reference object, product, layer.
func Aggregate(ctx context.Context, src Sources, indices []string, workers int) (*Accumulator, error) {
	if workers <= 0 {
		workers = 1
	}
	acc := NewAccumulator(defaultShards)
	ordered := src.ordered()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, group := range chunk(indices, workers*4) {
		group := group
		g.Go(func() error {
			for _, idx := range group {
				if err := gctx.Err(); err != nil {
					return err
				}
				for _, cat := range ordered {
					acc.Append(idx, cat[idx]...)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return acc, nil
}

// chunk splits items into at most n contiguous groups.
func chunk(items []string, n int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	size := (len(items) + n - 1) / n
	out := make([][]string, 0, n)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
