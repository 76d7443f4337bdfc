package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/controller"
	"github.com/ChuLiYu/sitepresence/internal/queue"
	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/go-chi/chi/v5"
)

var log = slog.Default().With("component", "api")

const (
	syncTimeout     = 2 * time.Minute
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// Backend is what the API drives. *controller.Controller implements it.
type Backend interface {
	GetStatus(ctx context.Context) (controller.Status, error)
	SyncNow(ctx context.Context) (types.SyncResult, error)
	HandleSample(ctx context.Context, s types.PositionSample) tracking.Result
	DeliverRegion(ctx context.Context, ev tracking.RegionEvent) bool
	Sites() []types.MonitoredSite
	Rejected(ctx context.Context) ([]types.QueuedEvent, error)
}

var _ Backend = (*controller.Controller)(nil)

// Server exposes the local control API. Position and region endpoints let a
// platform bridge push samples and geofence callbacks over HTTP.
type Server struct {
	backend Backend
}

// NewServer creates an API server over backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// Router configures all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/positions", s.handlePosition)
		r.Post("/regions", s.handleRegion)
		r.Get("/sites", s.handleSites)
		r.Get("/events/rejected", s.handleRejected)
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
	defer cancel()

	res, err := s.backend.SyncNow(ctx)
	if err != nil {
		status := http.StatusServiceUnavailable
		if queue.IsStorageError(err) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, "sync: %v", err)
		return
	}
	log.Info("Sync requested over API", "synced", res.Synced, "failed", res.Failed)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var sample types.PositionSample
	if !decode(w, r, &sample) {
		return
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now().UTC()
	}

	res := s.backend.HandleSample(r.Context(), sample)
	confirmed := res.Confirmed
	if confirmed == nil {
		confirmed = []types.TransitionEvent{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"disposition": res.Disposition,
		"confirmed":   confirmed,
	})
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	var ev tracking.RegionEvent
	if !decode(w, r, &ev) {
		return
	}
	if strings.TrimSpace(string(ev.SiteID)) == "" {
		writeError(w, http.StatusBadRequest, "site_id is required")
		return
	}
	if ev.Kind != types.KindEnter && ev.Kind != types.KindExit {
		writeError(w, http.StatusBadRequest, "kind must be %q or %q", types.KindEnter, types.KindExit)
		return
	}

	applied := s.backend.DeliverRegion(r.Context(), ev)
	writeJSON(w, http.StatusAccepted, map[string]any{"applied": applied})
}

func (s *Server) handleSites(w http.ResponseWriter, _ *http.Request) {
	list := s.backend.Sites()
	if list == nil {
		list = []types.MonitoredSite{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": list})
}

func (s *Server) handleRejected(w http.ResponseWriter, r *http.Request) {
	events, err := s.backend.Rejected(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rejected events: %v", err)
		return
	}
	if events == nil {
		events = []types.QueuedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
