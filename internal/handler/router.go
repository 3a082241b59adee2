package handler

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"note-sync-server/internal/config"
	"note-sync-server/internal/middleware"
)

// Backend is everything the HTTP surface needs from the sync engine.
type Backend interface {
	StatsSource
	WebSocketServer
}

// NewRouter wires the HTTP surface: the WebSocket endpoint, the read-only
// note API and the stats endpoints. /health stays unauthenticated.
func NewRouter(cfg *config.Config, backend Backend, notes NoteReader, logger *log.Logger) *mux.Router {
	wsHandler := NewWebSocketHandler(backend, cfg.WebSocket, logger)
	noteHandler := NewNoteHandler(notes)
	statsHandler := NewStatsHandler(backend)

	r := mux.NewRouter()
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders))

	r.HandleFunc("/health", statsHandler.Health).Methods(http.MethodGet, http.MethodOptions)

	protected := r.NewRoute().Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	protected.HandleFunc("/ws", wsHandler.HandleConnection).Methods(http.MethodGet)

	api := protected.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/notes", noteHandler.List).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/notes/{id}", noteHandler.Get).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stats", statsHandler.Stats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/clients", statsHandler.Clients).Methods(http.MethodGet, http.MethodOptions)

	return r
}
