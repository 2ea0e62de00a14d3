package network

import (
	"container/heap"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// intHeap is a min-heap of free ids.
type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// IDPool hands out the smallest free integer in [0, max).
// It is owned by the dispatcher goroutine and is not safe for concurrent use.
type IDPool struct {
	name   string
	free   intHeap
	used   []bool
	strict bool
	logger zerolog.Logger
}

// NewIDPool creates a pool of max ids. In strict mode a release of an id
// that is not allocated panics instead of being logged.
func NewIDPool(name string, max int, strict bool) *IDPool {
	if max < 0 {
		max = 0
	}
	p := &IDPool{
		name:   name,
		free:   make(intHeap, max),
		used:   make([]bool, max),
		strict: strict,
		logger: log.With().Str("component", "idpool").Str("pool", name).Logger(),
	}
	for i := range p.free {
		p.free[i] = i
	}
	heap.Init(&p.free)
	return p
}

// Allocate returns the smallest free id, or false when the pool is exhausted.
func (p *IDPool) Allocate() (int, bool) {
	if p.free.Len() == 0 {
		return -1, false
	}
	id := heap.Pop(&p.free).(int)
	p.used[id] = true
	return id, true
}

// Release returns id to the pool.
func (p *IDPool) Release(id int) {
	if id < 0 || id >= len(p.used) || !p.used[id] {
		msg := fmt.Sprintf("%s pool: release of unallocated id %d", p.name, id)
		if p.strict {
			panic(msg)
		}
		p.logger.Error().Int("id", id).Msg("release of unallocated id ignored")
		return
	}
	p.used[id] = false
	heap.Push(&p.free, id)
}

// InUse returns the number of allocated ids.
func (p *IDPool) InUse() int {
	return len(p.used) - p.free.Len()
}

// Cap returns the pool size.
func (p *IDPool) Cap() int {
	return len(p.used)
}
