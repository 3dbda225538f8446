package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatherly/eventsite/internal/shared"
)

// PGRepository reads audit_logs.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Timeline implements Repository.
func (r *PGRepository) Timeline(ctx context.Context, q Query) ([]TimelineRow, error) {
	sql, args := timelineSQL(q)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.At, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, fmt.Errorf("audit: scan timeline: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, fmt.Errorf("audit: decode meta: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func timelineSQL(q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !q.From.IsZero() {
		add("occurred_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("occurred_at < $%d", q.To)
	}
	if q.Actor != "" {
		add("actor = $%d", q.Actor)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.EntityID != "" {
		add("entity_id = $%d", q.EntityID)
	}
	var b strings.Builder
	b.WriteString("SELECT occurred_at, actor, action, entity, entity_id, meta FROM audit_logs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY occurred_at DESC, id DESC")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// MemoryLog records and reads changes in process. It backs the in-memory
// deployment mode and tests.
type MemoryLog struct {
	mu   sync.RWMutex
	rows []TimelineRow
	now  func() time.Time
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

// Record implements the registration dashboard's audit recorder.
func (m *MemoryLog) Record(_ context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	m.rows = append(m.rows, TimelineRow{At: at, Actor: log.Actor, Action: log.Action, Entity: log.Entity, EntityID: log.EntityID, Meta: log.Meta})
	m.mu.Unlock()
	return nil
}

// Timeline implements Repository.
func (m *MemoryLog) Timeline(_ context.Context, q Query) ([]TimelineRow, error) {
	m.mu.RLock()
	matched := make([]TimelineRow, 0, len(m.rows))
	for _, r := range m.rows {
		if q.matches(r) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].At.After(matched[j].At) })
	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (q Query) matches(r TimelineRow) bool {
	switch {
	case !q.From.IsZero() && r.At.Before(q.From):
		return false
	case !q.To.IsZero() && !r.At.Before(q.To):
		return false
	case q.Actor != "" && r.Actor != q.Actor:
		return false
	case q.Action != "" && r.Action != q.Action:
		return false
	case q.EntityID != "" && r.EntityID != q.EntityID:
		return false
	}
	return true
}
