package routing

import (
	"fmt"
	"sync"

	dErrors "usagetrail/pkg/domain-errors"
)

// Binding ties one pattern to one (queue identity, handler) pair.
type Binding[H any] struct {
	Pattern Pattern
	Queue   string
	Handler H
}

// Group is one independent delivery: the bindings sharing a queue identity
// that matched a topic. Members compete for the delivery.
type Group[H any] struct {
	Queue   string
	Members []Binding[H]
}

// Table holds bindings in registration order. It is safe for concurrent use;
// binding normally happens at startup and matching on every publish.
type Table[H any] struct {
	mu       sync.RWMutex
	bindings []Binding[H]
}

// NewTable creates an empty table.
func NewTable[H any]() *Table[H] {
	return &Table[H]{}
}

// Bind validates pattern and registers it. Invalid patterns and empty queue
// identities fail with CodeMisconfigured so startup aborts before any event
// is consumed.
func (t *Table[H]) Bind(pattern, queue string, handler H) (Binding[H], error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return Binding[H]{}, err
	}
	if queue == "" {
		return Binding[H]{}, dErrors.New(dErrors.CodeMisconfigured,
			fmt.Sprintf("binding for %q needs a queue identity", pattern))
	}

	b := Binding[H]{Pattern: p, Queue: queue, Handler: handler}
	t.mu.Lock()
	t.bindings = append(t.bindings, b)
	t.mu.Unlock()
	return b, nil
}

// Match returns every binding whose pattern matches topic, in bind order.
func (t *Table[H]) Match(topic string) []Binding[H] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matched []Binding[H]
	for _, b := range t.bindings {
		if b.Pattern.Match(topic) {
			matched = append(matched, b)
		}
	}
	return matched
}

// Route groups the matches for topic by queue identity. Groups are ordered by
// the first bind of each queue; members keep bind order.
func (t *Table[H]) Route(topic string) []Group[H] {
	matched := t.Match(topic)
	if len(matched) == 0 {
		return nil
	}

	index := make(map[string]int, len(matched))
	groups := make([]Group[H], 0, len(matched))
	for _, b := range matched {
		i, ok := index[b.Queue]
		if !ok {
			i = len(groups)
			index[b.Queue] = i
			groups = append(groups, Group[H]{Queue: b.Queue})
		}
		groups[i].Members = append(groups[i].Members, b)
	}
	return groups
}

// Bindings returns a snapshot of every registered binding.
func (t *Table[H]) Bindings() []Binding[H] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Binding[H], len(t.bindings))
	copy(out, t.bindings)
	return out
}

// Queues returns the distinct queue identities with the patterns bound to
// each, in first-bind order.
func (t *Table[H]) Queues() []QueuePatterns {
	t.mu.RLock()
	defer t.mu.RUnlock()

	index := make(map[string]int)
	var out []QueuePatterns
	for _, b := range t.bindings {
		i, ok := index[b.Queue]
		if !ok {
			i = len(out)
			index[b.Queue] = i
			out = append(out, QueuePatterns{Queue: b.Queue})
		}
		out[i].Patterns = append(out[i].Patterns, b.Pattern)
	}
	return out
}

// QueuePatterns lists the patterns a queue identity subscribes to.
type QueuePatterns struct {
	Queue    string
	Patterns []Pattern
}
