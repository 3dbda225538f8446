// Package docstore is a schema-flexible document store with live, ordered
// query subscriptions. Writes may carry ServerTimestamp and DeleteField
// sentinels which the backing store resolves.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when updating a document that does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrPermissionDenied is returned when the access rules reject a caller.
	ErrPermissionDenied = errors.New("docstore: permission denied")
)

// IsPermissionDenied reports whether err is an authorization rejection.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

type sentinel string

// ServerTimestamp as a field value asks the store to write its own clock.
const ServerTimestamp = sentinel("server_timestamp")

// DeleteField as an update value removes the field from the document.
const DeleteField = sentinel("delete_field")

// Timestamp is the store's native time value.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts the timestamp to time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// Document is one stored record.
type Document struct {
	ID   string
	Data map[string]any
}

// Query selects a whole collection with optional ordering by a timestamp field.
type Query struct {
	Collection string
	OrderBy    string
	Descending bool
}

// Snapshot is one complete push of a subscription. A snapshot with Err set is
// the last one delivered.
type Snapshot struct {
	Docs []Document
	Err  error
}

// Store is implemented by MemoryStore, PGStore and Guarded.
type Store interface {
	Insert(ctx context.Context, collection string, data map[string]any) (string, error)
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}

// Subscription delivers snapshots on C until closed. Delivery is latest-wins:
// a slow reader sees the newest snapshot, never a stale one.
type Subscription struct {
	C <-chan Snapshot

	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewSubscription wraps a producer for Store implementations. cancel stops the
// producer, which must close done (and ch) once it has exited.
func NewSubscription(ch <-chan Snapshot, cancel context.CancelFunc, done <-chan struct{}) *Subscription {
	return &Subscription{C: ch, cancel: cancel, done: done}
}

// Close stops the subscription and waits for its producer to exit.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// offer replaces any undelivered snapshot with s. Each channel has a single writer.
func offer(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
