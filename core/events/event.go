package events

// Event represents a structured state change emitted by the coordinator.
type Event struct {
	// Type is a dotted identifier such as "escrow.released".
	Type string
	// Attributes carries the event payload as flat string pairs so that any
	// downstream consumer (journal, relay, metrics) can encode it without
	// knowing the concrete record types.
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers (journal, webhook
// relay, metrics exporters).
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default emitter so components can expose events optionally.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}

// MultiEmitter fans a single event out to every registered emitter in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter builds a fan-out emitter. Nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	filtered := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	return &MultiEmitter{emitters: filtered}
}

// Emit implements the Emitter interface.
func (m *MultiEmitter) Emit(evt *Event) {
	if m == nil || evt == nil {
		return
	}
	for _, e := range m.emitters {
		e.Emit(evt)
	}
}
