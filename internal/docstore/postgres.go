package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatherly/eventsite/internal/platform/db"
)

// NotifyChannel is the LISTEN channel fed by the documents trigger.
const NotifyChannel = "docstore_changes"

// PGStore keeps documents as JSONB rows and pushes live snapshots through
// LISTEN/NOTIFY. Timestamps are stored as {"seconds","nanoseconds"} objects.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool *pgxpool.Pool, logger *slog.Logger) *PGStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGStore{pool: pool, logger: logger}
}

// Insert implements Store.
func (s *PGStore) Insert(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		now, err := serverNow(ctx, tx)
		if err != nil {
			return err
		}
		doc, _ := encodeFields(data, now)
		_, err = tx.Exec(ctx, `INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)`, collection, id, doc)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("docstore: insert: %w", err)
	}
	return id, nil
}

// Update implements Store.
func (s *PGStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		now, err := serverNow(ctx, tx)
		if err != nil {
			return err
		}
		set, removed := encodeFields(fields, now)
		tag, err := tx.Exec(ctx, `UPDATE documents SET data = (data || $3::jsonb) - $4::text[], updated_at = NOW() WHERE collection = $1 AND id = $2`, collection, id, set, removed)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("docstore: update: %w", err)
	}
	return nil
}

// Delete implements Store. Deleting a missing document is not an error.
func (s *PGStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("docstore: delete: %w", err)
	}
	return nil
}

// Subscribe implements Store. Each subscription holds one pooled connection
// listening on NotifyChannel and re-reads the full result set per change.
func (s *PGStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("docstore: acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("docstore: listen: %w", err)
	}
	docs, err := queryDocuments(ctx, conn, q)
	if err != nil {
		s.unlisten(conn)
		return nil, fmt.Errorf("docstore: initial snapshot: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Snapshot, 1)
	done := make(chan struct{})
	offer(ch, Snapshot{Docs: docs})

	go func() {
		defer close(done)
		defer close(ch)
		defer s.unlisten(conn)
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					offer(ch, Snapshot{Err: fmt.Errorf("docstore: wait for notification: %w", err)})
				}
				return
			}
			if n.Payload != q.Collection {
				continue
			}
			docs, err := queryDocuments(ctx, conn, q)
			if err != nil {
				if ctx.Err() == nil {
					offer(ch, Snapshot{Err: fmt.Errorf("docstore: snapshot: %w", err)})
				}
				return
			}
			offer(ch, Snapshot{Docs: docs})
		}
	}()
	return NewSubscription(ch, cancel, done), nil
}

func (s *PGStore) unlisten(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		s.logger.Warn("docstore unlisten", slog.Any("error", err))
		// The session may still be subscribed; do not hand it back to the pool.
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryDocuments(ctx context.Context, conn querier, q Query) ([]Document, error) {
	rows, err := conn.Query(ctx, selectSQL(q), selectArgs(q)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Data); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func selectSQL(q Query) string {
	if q.OrderBy == "" {
		return `SELECT id::text, data FROM documents WHERE collection = $1 ORDER BY created_at, id`
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	return `SELECT id::text, data FROM documents WHERE collection = $1 ORDER BY ` +
		`(data -> $2::text ->> 'seconds')::bigint ` + dir + ` NULLS LAST, ` +
		`(data -> $2::text ->> 'nanoseconds')::bigint ` + dir + ` NULLS LAST, id`
}

func selectArgs(q Query) []any {
	if q.OrderBy == "" {
		return []any{q.Collection}
	}
	return []any{q.Collection, q.OrderBy}
}

func serverNow(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// encodeFields resolves sentinels and time values into their JSON storage
// form. It returns the fields to merge and the names to remove.
func encodeFields(fields map[string]any, now time.Time) (map[string]any, []string) {
	set := make(map[string]any, len(fields))
	removed := []string{}
	for k, v := range fields {
		switch t := v.(type) {
		case sentinel:
			switch t {
			case DeleteField:
				removed = append(removed, k)
			case ServerTimestamp:
				set[k] = encodeTime(now)
			}
		case Timestamp:
			set[k] = encodeTime(t.Time())
		case time.Time:
			set[k] = encodeTime(t)
		default:
			set[k] = v
		}
	}
	return set, removed
}

func encodeTime(t time.Time) map[string]any {
	return map[string]any{"seconds": t.Unix(), "nanoseconds": t.Nanosecond()}
}

var _ Store = (*PGStore)(nil)
