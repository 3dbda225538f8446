package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/eventsite/internal/shared"
)

type stubRepo struct {
	rows []TimelineRow
	last Query
}

func (s *stubRepo) Timeline(_ context.Context, q Query) ([]TimelineRow, error) {
	s.last = q
	return s.rows, nil
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubRepo{rows: make([]TimelineRow, 3)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2, Actor: "uid-1"})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	assert.Equal(t, PagingInfo{Page: 2, PageSize: 2, HasNext: true, PrevPage: 1, NextPage: 3}, result.Paging)
	assert.Equal(t, Query{Actor: "uid-1", Offset: 2, Limit: 3}, repo.last)
}

func TestServiceTimelineClampsPageSize(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 5000})
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, result.Paging.PageSize)
	assert.Equal(t, maxPageSize+1, repo.last.Limit)
	assert.False(t, result.Paging.HasNext)
}

func TestServiceWithoutRepository(t *testing.T) {
	_, err := NewService(nil).Timeline(context.Background(), TimelineFilters{})
	assert.Error(t, err)
	_, err = NewService(nil).Export(context.Background(), TimelineFilters{})
	assert.Error(t, err)
}

func TestMemoryLogFiltersNewestFirst(t *testing.T) {
	log := NewMemoryLog()
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, log.Record(ctx, shared.AuditLog{Actor: "a", Action: "registration.update", Entity: "registrations", EntityID: "r1", At: base}))
	require.NoError(t, log.Record(ctx, shared.AuditLog{Actor: "b", Action: "registration.delete", Entity: "registrations", EntityID: "r2", At: base.Add(time.Hour)}))
	require.NoError(t, log.Record(ctx, shared.AuditLog{Actor: "a", Action: "registration.update", Entity: "registrations", EntityID: "r2", At: base.Add(2 * time.Hour)}))
	assert.ErrorIs(t, log.Record(ctx, shared.AuditLog{Action: "registration.update"}), shared.ErrValidation)

	rows, err := log.Timeline(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, base.Add(2*time.Hour), rows[0].At)

	rows, err = log.Timeline(ctx, Query{Actor: "a"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = log.Timeline(ctx, Query{EntityID: "r2", Action: "registration.delete"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].Actor)

	rows, err = log.Timeline(ctx, Query{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r2", rows[0].EntityID)

	rows, err = log.Timeline(ctx, Query{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, base.Add(time.Hour), rows[0].At)

	rows, err = log.Timeline(ctx, Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTimelineSQL(t *testing.T) {
	from := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	sql, args := timelineSQL(Query{From: from, Action: "registration.delete", Limit: 11, Offset: 10})
	assert.Equal(t, "SELECT occurred_at, actor, action, entity, entity_id, meta FROM audit_logs WHERE occurred_at >= $1 AND action = $2 ORDER BY occurred_at DESC, id DESC LIMIT $3 OFFSET $4", sql)
	assert.Equal(t, []any{from, "registration.delete", 11, 10}, args)

	sql, args = timelineSQL(Query{})
	assert.Equal(t, "SELECT occurred_at, actor, action, entity, entity_id, meta FROM audit_logs ORDER BY occurred_at DESC, id DESC", sql)
	assert.Empty(t, args)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, WriteCSV(&buf, []TimelineRow{{
		At: at, Actor: "uid-1", Action: "registration.update", Entity: "registrations", EntityID: "r1",
		Meta: map[string]any{"phone": "555", "fullName": "Ada, L."},
	}}))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"2025-05-01T09:30:00Z", "uid-1", "registration.update", "registrations", "r1", "fullName=Ada, L., phone=555"}, records[1])
}
