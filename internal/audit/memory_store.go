package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryEventStore implements EventStore with in-memory storage.
type MemoryEventStore struct {
	mu        sync.RWMutex
	byInvoice map[string][]*Event
	ids       map[string]struct{}
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		byInvoice: make(map[string][]*Event),
		ids:       make(map[string]struct{}),
	}
}

func (s *MemoryEventStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[event.ID]; dup {
		return nil
	}
	s.ids[event.ID] = struct{}{}

	cp := copyEvent(event)
	list := append(s.byInvoice[cp.InvoiceID], cp)
	sort.SliceStable(list, func(i, j int) bool { return less(list[i], list[j]) })
	s.byInvoice[cp.InvoiceID] = list
	return nil
}

func (s *MemoryEventStore) GetEvents(_ context.Context, invoiceID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byInvoice[invoiceID]
	out := make([]*Event, len(list))
	for i, e := range list {
		out[i] = copyEvent(e)
	}
	return out, nil
}

func less(a, b *Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

func copyEvent(e *Event) *Event {
	cp := *e
	if e.Data != nil {
		cp.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
