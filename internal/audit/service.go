package audit

import (
	"context"
	"errors"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Query selects rows newest first. A zero Limit returns every match.
type Query struct {
	From     time.Time
	To       time.Time
	Actor    string
	Action   string
	EntityID string
	Offset   int
	Limit    int
}

// Repository reads recorded changes.
type Repository interface {
	Timeline(ctx context.Context, q Query) ([]TimelineRow, error)
}

// Result pairs a page of rows with its paging info.
type Result struct {
	Rows   []TimelineRow
	Paging PagingInfo
}

// Service pages through the change history.
type Service struct {
	repo Repository
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page. It asks for one extra row to learn whether a
// next page exists.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	q := queryFor(filters)
	q.Offset = (page - 1) * pageSize
	q.Limit = pageSize + 1
	rows, err := s.repo.Timeline(ctx, q)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every row matching filters, ignoring paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.Timeline(ctx, queryFor(filters))
}

func queryFor(f TimelineFilters) Query {
	return Query{From: f.From, To: f.To, Actor: f.Actor, Action: f.Action, EntityID: f.EntityID}
}
