package handler

import (
	"net/http"
	"time"

	"note-sync-server/internal/domain"
	"note-sync-server/pkg/response"
)

type StatsSource interface {
	Stats() domain.ServerStats
	Clients() []domain.ClientInfo
}

type StatsHandler struct {
	source  StatsSource
	started time.Time
}

func NewStatsHandler(source StatsSource) *StatsHandler {
	return &StatsHandler{source: source, started: time.Now()}
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.source.Stats())
}

func (h *StatsHandler) Clients(w http.ResponseWriter, r *http.Request) {
	clients := h.source.Clients()
	response.List(w, clients, len(clients))
}

type health struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version int64  `json:"version"`
	Clients int    `json:"clients"`
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.source.Stats()
	response.Success(w, health{
		Status:  "ok",
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Version: stats.Notes.Version,
		Clients: stats.Clients.Online,
	})
}
