package symheap

import "sync"

// Zeroable is anything in a Heap that the cleaner can reset between
// iterations.
type Zeroable interface {
	Zero()
}

// A Heap is a per-rank registry of symmetric regions. It does not
// model allocation (buffer sizing and registration with the fabric
// are explicitly out of scope); it exists only to give the regions a
// lifetime matching the design notes' "initialized at module load,
// never freed" process-wide state, and to let diagnostics enumerate
// what is currently registered.
type Heap struct {
	mu      sync.Mutex
	regions map[string]Zeroable
}

// NewHeap creates an empty Heap.
func NewHeap() *Heap {
	return &Heap{regions: make(map[string]Zeroable)}
}

// Register records a named region so it shows up in diagnostics. It
// does not take ownership of the region's lifetime; Go's garbage
// collector does, same as any other allocation.
func (h *Heap) Register(name string, region Zeroable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regions[name] = region
}

// Names returns the names of every registered region, for
// diagnostics.
func (h *Heap) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.regions))
	for name := range h.regions {
		names = append(names, name)
	}
	return names
}

// ZeroAll zeroes every region passed in, skipping nils. This is the
// primitive the cleaner composes: a barrier, this, then a barrier.
func ZeroAll(regions ...Zeroable) {
	for _, r := range regions {
		if r == nil {
			continue
		}
		r.Zero()
	}
}
