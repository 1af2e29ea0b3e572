package api

import (
	"github.com/mattjoyce/ahenk/internal/events"
	"github.com/mattjoyce/ahenk/internal/plugin"
)

// SubmitResponse is returned when an item is accepted.
type SubmitResponse struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// WorkersResponse is returned by GET /workers.
type WorkersResponse struct {
	Workers []plugin.WorkerStatus `json:"workers"`
}

// EventsResponse is returned by GET /events/snapshot.
type EventsResponse struct {
	LastID int64          `json:"last_id"`
	Events []events.Event `json:"events"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	PluginsLoaded  int    `json:"plugins_loaded"`
	WorkersRunning int    `json:"workers_running"`
	Pending        int    `json:"pending"`
}
