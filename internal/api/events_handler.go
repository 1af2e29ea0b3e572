package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/ahenk/internal/events"
)

const sseKeepAlive = 15 * time.Second

// eventFilter narrows the dispatch event stream. An empty field matches
// everything.
type eventFilter struct {
	plugin     string
	typePrefix string
}

func filterFromQuery(r *http.Request) eventFilter {
	q := r.URL.Query()
	return eventFilter{
		plugin:     q.Get("plugin"),
		typePrefix: q.Get("type"),
	}
}

func (f eventFilter) match(ev events.Event) bool {
	if f.typePrefix != "" && !strings.HasPrefix(ev.Type, f.typePrefix) {
		return false
	}
	if f.plugin == "" {
		return true
	}
	var payload struct {
		Plugin string `json:"plugin"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return false
	}
	return strings.EqualFold(payload.Plugin, f.plugin)
}

func (f eventFilter) apply(evs []events.Event) []events.Event {
	out := make([]events.Event, 0, len(evs))
	for _, ev := range evs {
		if f.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// handleEvents handles GET /events. Buffered events newer than Last-Event-ID
// are replayed before live ones; ?plugin= and ?type= narrow both.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := filterFromQuery(r)

	// Subscribe before taking the snapshot so nothing published in between
	// is missed; duplicates are skipped by ID.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastSent := parseEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range filter.apply(s.events.SnapshotSince(lastSent)) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastSent = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastSent || !filter.match(ev) {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			lastSent = ev.ID
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleEventSnapshot handles GET /events/snapshot?since=.
func (s *Server) handleEventSnapshot(w http.ResponseWriter, r *http.Request) {
	since := parseEventID(r.URL.Query().Get("since"))
	respondJSON(w, http.StatusOK, EventsResponse{
		LastID: s.events.LastID(),
		Events: filterFromQuery(r).apply(s.events.SnapshotSince(since)),
	})
}

func parseEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
