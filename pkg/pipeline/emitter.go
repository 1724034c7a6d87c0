package pipeline

import (
	"sync"

	"github.com/rxlytics/analyst-engine/pkg/models"
)

// Emitter is the sink a run writes its ordered events into. Implementations
// must be safe for concurrent use; task workers emit retry events while the
// run is in flight.
type Emitter interface {
	Emit(event models.Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(models.Event)

func (f EmitterFunc) Emit(event models.Event) { f(event) }

// Collector is an Emitter that records every event in order. It backs the
// synchronous chat endpoint and the pipeline tests.
type Collector struct {
	mu     sync.Mutex
	events []models.Event
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Emit(event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the recorded events in emission order.
func (c *Collector) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Kinds returns the recorded event kinds in emission order.
func (c *Collector) Kinds() []models.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]models.EventKind, len(c.events))
	for i, e := range c.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// ByKind returns the recorded events of one kind, in emission order.
func (c *Collector) ByKind(kind models.EventKind) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
