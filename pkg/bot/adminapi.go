// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
)

// StatusProvider reports the session state.
type StatusProvider interface {
	Status() ManagerStatus
}

// CacheFlusher is the maintenance surface of the message cache.
type CacheFlusher interface {
	Flush() error
	Len() int
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	ManagerStatus
	CacheEntries int `json:"cache_entries"`
}

// AdminAPI is a small HTTP surface for operators.
type AdminAPI struct {
	log    zerolog.Logger
	status StatusProvider
	cache  CacheFlusher
	server *http.Server
}

// NewAdminAPI creates the admin API listening on addr. cache may be nil.
func NewAdminAPI(log zerolog.Logger, addr string, status StatusProvider, cache CacheFlusher) *AdminAPI {
	api := &AdminAPI{
		log:    log.With().Str("component", "admin_api").Logger(),
		status: status,
		cache:  cache,
	}
	api.server = &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return api
}

// Handler returns the request router.
func (api *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", api.HandleStatus)
	mux.HandleFunc("/api/flush-cache", api.HandleFlushCache)
	return mux
}

// Start serves the API in the background.
func (api *AdminAPI) Start() {
	go func() {
		api.log.Info().Str("addr", api.server.Addr).Msg("Starting admin API")
		if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			api.log.Err(err).Msg("Admin API error")
		}
	}()
}

// Stop shuts the server down gracefully.
func (api *AdminAPI) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// HandleStatus serves GET /api/status.
func (api *AdminAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{ManagerStatus: api.status.Status()}
	if api.cache != nil {
		resp.CacheEntries = api.cache.Len()
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

// HandleFlushCache serves POST /api/flush-cache.
func (api *AdminAPI) HandleFlushCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if api.cache == nil {
		http.Error(w, "message cache disabled", http.StatusNotFound)
		return
	}
	api.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Cache flush requested")
	if err := api.cache.Flush(); err != nil {
		api.log.Err(err).Msg("Requested cache flush failed")
		exhttp.WriteJSONResponse(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]any{"flushed": api.cache.Len()})
}
