package shared

import "math"

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int
	PerPage    int
	Total      int
	TotalPages int
}

// NewPagination computes pagination metadata. Pages past the end are clamped to the last page.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	if totalPages > 0 && page > totalPages {
		page = totalPages
	}
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// Bounds returns the slice window [start, end) for the current page.
func (p Pagination) Bounds() (int, int) {
	start := (p.Page - 1) * p.PerPage
	if start > p.Total {
		start = p.Total
	}
	end := start + p.PerPage
	if end > p.Total {
		end = p.Total
	}
	return start, end
}

// HasPrev reports whether a previous page exists.
func (p Pagination) HasPrev() bool { return p.Page > 1 }

// HasNext reports whether a next page exists.
func (p Pagination) HasNext() bool { return p.Page < p.TotalPages }

// PrevPage returns the previous page number.
func (p Pagination) PrevPage() int { return p.Page - 1 }

// NextPage returns the next page number.
func (p Pagination) NextPage() int { return p.Page + 1 }
