package audithttp

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gatherly/eventsite/internal/audit"
	"github.com/gatherly/eventsite/internal/portal"
)

const (
	defaultPageSize  = 25
	defaultDateRange = 30 * 24 * time.Hour
	maxDateRange     = 366 * 24 * time.Hour
	dateLayout       = "2006-01-02"
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler serves the organisers' change history.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	render  *portal.Renderer
	settle  time.Duration
	now     func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service TimelineService, render *portal.Renderer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		render:  render,
		settle:  portal.DefaultSettle,
		now:     time.Now,
	}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.render.RequireAdmin(w, r, h.settle); !ok {
		return
	}
	filters, ok := h.parseFilters(w, r)
	if !ok {
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.serverError(w, r, "load audit timeline", err)
		return
	}
	h.render.Page(w, r, http.StatusOK, "pages/audit.html", "Change history", audit.ViewModel{
		Filters: filters,
		Rows:    result.Rows,
		Paging:  result.Paging,
		Query:   filterQuery(filters),
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.render.RequireAdmin(w, r, h.settle); !ok {
		return
	}
	filters, ok := h.parseFilters(w, r)
	if !ok {
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.serverError(w, r, "export audit timeline", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="change-history.csv"`)
	if err := audit.WriteCSV(w, rows); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// parseFilters reads the query string. The to date is inclusive.
func (h *Handler) parseFilters(w http.ResponseWriter, r *http.Request) (audit.TimelineFilters, bool) {
	q := r.URL.Query()
	fail := func(msg string) (audit.TimelineFilters, bool) {
		h.render.Error(w, r, http.StatusBadRequest, msg)
		return audit.TimelineFilters{}, false
	}

	to := h.now().UTC().Truncate(24 * time.Hour)
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return fail("The end date must look like 2025-05-31.")
		}
		to = t
	}
	from := to.Add(-defaultDateRange)
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return fail("The start date must look like 2025-05-01.")
		}
		from = t
	}
	if from.After(to) {
		return fail("The start date must not be after the end date.")
	}
	if to.Sub(from) > maxDateRange {
		return fail("Pick a range of at most one year.")
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fail("Unknown page.")
		}
		page = n
	}
	return audit.TimelineFilters{
		From:     from,
		To:       to.Add(24 * time.Hour),
		Actor:    strings.TrimSpace(q.Get("actor")),
		Action:   strings.TrimSpace(q.Get("action")),
		EntityID: strings.TrimSpace(q.Get("entity_id")),
		Page:     page,
		PageSize: defaultPageSize,
	}, true
}

// filterQuery rebuilds the filter part of the query string for pager links.
func filterQuery(f audit.TimelineFilters) template.URL {
	v := url.Values{}
	v.Set("from", f.From.Format(dateLayout))
	v.Set("to", f.To.Add(-24*time.Hour).Format(dateLayout))
	for key, val := range map[string]string{"actor": f.Actor, "action": f.Action, "entity_id": f.EntityID} {
		if val != "" {
			v.Set(key, val)
		}
	}
	return template.URL(v.Encode())
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	h.render.Error(w, r, http.StatusInternalServerError, "The change history could not be loaded.")
}
