package registrationhttp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gatherly/eventsite/internal/session"
)

const heartbeatInterval = 25 * time.Second

// streamState is the payload of a "state" event.
type streamState struct {
	Loading bool     `json:"loading"`
	IDs     []string `json:"ids"`
	Total   int      `json:"total"`
}

// stream pushes a "state" event for every collection change, and a single
// "denied" event once the principal stops being an administrator.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	if s := h.resolved(ctx, c); s.Resolved && s.Privilege() != session.PrivilegeGranted {
		_ = writeEvent(w, "denied", struct{}{})
		flusher.Flush()
		return
	}
	snapshots := c.Auth.Watch(ctx)
	states := c.Registrations.Watch(ctx)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snapshots:
			if !ok {
				return
			}
			if s.Resolved && s.Privilege() != session.PrivilegeGranted {
				_ = writeEvent(w, "denied", struct{}{})
				flusher.Flush()
				return
			}
		case st, ok := <-states:
			if !ok {
				return
			}
			visible, _ := h.window(st.Entries, query, page)
			payload := streamState{Loading: st.Loading, IDs: make([]string, 0, len(visible)), Total: len(st.Entries)}
			for _, e := range visible {
				payload.IDs = append(payload.IDs, e.ID)
			}
			if err := writeEvent(w, "state", payload); err != nil {
				h.logger.Debug("registration stream closed", slog.Any("error", err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	return err
}
