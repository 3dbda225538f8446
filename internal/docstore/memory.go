package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process memory. It backs development mode
// and tests.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	collections map[string]map[string]map[string]any
	subs        map[*memorySub]struct{}
}

type memorySub struct {
	q  Query
	ch chan Snapshot
}

// NewMemoryStore returns an empty store using the wall clock for server timestamps.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[*memorySub]struct{}),
	}
}

// SetClock replaces the clock used for server timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Insert implements Store.
func (m *MemoryStore) Insert(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	doc := make(map[string]any, len(data))
	now := TimestampOf(m.now())
	for k, v := range data {
		switch v {
		case DeleteField:
			continue
		case ServerTimestamp:
			doc[k] = now
		default:
			doc[k] = v
		}
	}
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]map[string]any)
		m.collections[collection] = docs
	}
	docs[id] = doc
	m.publishLocked(collection)
	return id, nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	now := TimestampOf(m.now())
	for k, v := range fields {
		switch v {
		case DeleteField:
			delete(doc, k)
		case ServerTimestamp:
			doc[k] = now
		default:
			doc[k] = v
		}
	}
	m.publishLocked(collection)
	return nil
}

// Delete implements Store. Deleting a missing document is not an error.
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[collection][id]; !ok {
		return nil
	}
	delete(m.collections[collection], id)
	m.publishLocked(collection)
	return nil
}

// Get returns a copy of one document.
func (m *MemoryStore) Get(collection, id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, false
	}
	return copyData(doc), true
}

// Subscribe implements Store. The current result set is delivered immediately.
func (m *MemoryStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &memorySub{q: q, ch: make(chan Snapshot, 1)}
	done := make(chan struct{})

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	offer(sub.ch, Snapshot{Docs: m.queryLocked(q)})
	m.mu.Unlock()

	go func() {
		defer close(done)
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, sub)
		close(sub.ch)
		m.mu.Unlock()
	}()
	return NewSubscription(sub.ch, cancel, done), nil
}

// Subscribers returns the number of open subscriptions.
func (m *MemoryStore) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MemoryStore) publishLocked(collection string) {
	for sub := range m.subs {
		if sub.q.Collection != collection {
			continue
		}
		offer(sub.ch, Snapshot{Docs: m.queryLocked(sub.q)})
	}
}

func (m *MemoryStore) queryLocked(q Query) []Document {
	docs := m.collections[q.Collection]
	out := make([]Document, 0, len(docs))
	for id, data := range docs {
		out = append(out, Document{ID: id, Data: copyData(data)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy == "" {
			return out[i].ID < out[j].ID
		}
		ti, iok := nativeTime(out[i].Data[q.OrderBy])
		tj, jok := nativeTime(out[j].Data[q.OrderBy])
		switch {
		case iok && !jok:
			return true
		case !iok && jok:
			return false
		case !iok && !jok, ti.Equal(tj):
			return out[i].ID < out[j].ID
		}
		if q.Descending {
			return ti.After(tj)
		}
		return ti.Before(tj)
	})
	return out
}

func nativeTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case Timestamp:
		return t.Time(), true
	case time.Time:
		return t, true
	}
	return time.Time{}, false
}

var _ Store = (*MemoryStore)(nil)
