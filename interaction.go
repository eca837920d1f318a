package chartmeta

import (
	"sync"
)

type InteractionValue struct {
	Direction   string `json:"direction,omitempty"`
	AggOperator string `json:"aggOperator,omitempty"`
	PageNo      int    `json:"pageNo,omitempty"`
	Content     any    `json:"content,omitempty"`
}

// InteractionEvent is a click or hover on a rendered chart.
type InteractionEvent struct {
	Name          string            `json:"name"`
	ComponentType string            `json:"componentType,omitempty"`
	SeriesType    string            `json:"seriesType,omitempty"`
	SeriesName    string            `json:"seriesName,omitempty"`
	RowData       map[string]string `json:"rowData,omitempty"`
	Value         InteractionValue  `json:"value"`
}

type InteractionHandler func(ev InteractionEvent)

type InteractionEventSource interface {
	// Register subscribes handler to events named name on one chart
	// instance and returns the matching unsubscribe.
	Register(instanceID string, name string, handler InteractionHandler) func()
}

type subscription struct {
	id      uint64
	name    string
	handler InteractionHandler
}

// EventBus is an in-process InteractionEventSource.
type EventBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscription
}

func NewEventBus() *EventBus {
	return &EventBus{subs: map[string][]subscription{}}
}

func (bus *EventBus) Register(instanceID string, name string, handler InteractionHandler) func() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.nextID++
	id := bus.nextID
	bus.subs[instanceID] = append(bus.subs[instanceID], subscription{id: id, name: name, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			bus.mu.Lock()
			defer bus.mu.Unlock()
			kept := bus.subs[instanceID][:0]
			for _, sub := range bus.subs[instanceID] {
				if sub.id != id {
					kept = append(kept, sub)
				}
			}
			if len(kept) == 0 {
				delete(bus.subs, instanceID)
				return
			}
			bus.subs[instanceID] = kept
		})
	}
}

// Emit delivers ev to the handlers registered for instanceID and returns how
// many ran. Handlers run without the bus lock held.
func (bus *EventBus) Emit(instanceID string, ev InteractionEvent) int {
	bus.mu.Lock()
	handlers := []InteractionHandler{}
	for _, sub := range bus.subs[instanceID] {
		if sub.name == ev.Name {
			handlers = append(handlers, sub.handler)
		}
	}
	bus.mu.Unlock()

	for _, handler := range handlers {
		handler(ev)
	}
	return len(handlers)
}

func (bus *EventBus) Subscribers(instanceID string) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return len(bus.subs[instanceID])
}
