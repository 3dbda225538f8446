// Package audit reads back the change history that organisers leave on
// registrations.
package audit

import (
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"
)

// TimelineFilters narrows the change history.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Action   string
	EntityID string
	Page     int
	PageSize int
}

// TimelineRow is one recorded change.
type TimelineRow struct {
	At       time.Time
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
}

// Changes renders Meta as "key=value" pairs in key order.
func (r TimelineRow) Changes() string {
	if len(r.Meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.Meta))
	for k := range r.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r.Meta[k]))
	}
	return strings.Join(parts, ", ")
}

// PagingInfo holds forward/backward paging without a total count.
type PagingInfo struct {
	Page     int
	HasNext  bool
	PageSize int
	PrevPage int
	NextPage int
}

// ViewModel is the data behind the history page.
type ViewModel struct {
	Filters TimelineFilters
	Rows    []TimelineRow
	Paging  PagingInfo
	// Query carries the active filters for pager and export links.
	Query template.URL
}
