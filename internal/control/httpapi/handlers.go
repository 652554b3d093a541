// File: internal/control/httpapi/handlers.go
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/control"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
)

const defaultDecisionLimit = 50

// Response is the envelope of every reply.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Status is the body of GET /status.
type Status struct {
	RunID          string             `json:"run_id"`
	Paused         bool               `json:"paused"`
	SkipPending    bool               `json:"skip_pending"`
	DecisionsTotal int                `json:"decisions_total"`
	LastDecision   *decisionlog.Entry `json:"last_decision,omitempty"`
}

// Handlers exposes a control surface and the recent decision log over HTTP.
type Handlers struct {
	log     *zap.Logger
	surface *control.Surface
	recent  *decisionlog.Memory
	runID   string
}

// NewHandlers creates a new Handlers instance. recent may be nil.
func NewHandlers(logger *zap.Logger, surface *control.Surface, recent *decisionlog.Memory, runID string) *Handlers {
	return &Handlers{
		log:     logger.Named("control_http"),
		surface: surface,
		recent:  recent,
		runID:   runID,
	}
}

// RegisterRoutes sets up the control routes on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.HandleStatus)
	r.Post("/pause", h.HandlePause)
	r.Post("/resume", h.HandleResume)
	r.Post("/skip", h.HandleSkip)
	r.Get("/decisions", h.HandleDecisions)
}

// Router returns a chi router with the control routes and standard middleware.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.RegisterRoutes(r)
	return r
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.status())
}

func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.surface.Pause()
	h.log.Info("Run paused over HTTP.", zap.String("remote", r.RemoteAddr))
	h.respondWithSuccess(w, http.StatusOK, h.status())
}

func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.surface.Resume()
	h.log.Info("Run resumed over HTTP.", zap.String("remote", r.RemoteAddr))
	h.respondWithSuccess(w, http.StatusOK, h.status())
}

// HandleSkip answers 202: the skip is honored at the engine's next checkpoint.
func (h *Handlers) HandleSkip(w http.ResponseWriter, r *http.Request) {
	h.surface.RequestSkip()
	h.log.Info("Page skip requested over HTTP.", zap.String("remote", r.RemoteAddr))
	h.respondWithSuccess(w, http.StatusAccepted, h.status())
}

func (h *Handlers) HandleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q", raw))
			return
		}
		limit = n
	}
	entries := []decisionlog.Entry{}
	if h.recent != nil {
		if got := h.recent.Recent(limit); got != nil {
			entries = got
		}
	}
	h.respondWithSuccess(w, http.StatusOK, entries)
}

func (h *Handlers) status() Status {
	st := h.surface.State()
	out := Status{RunID: h.runID, Paused: st.Paused, SkipPending: st.SkipPending}
	if h.recent != nil {
		out.DecisionsTotal = h.recent.Total()
		if last := h.recent.Recent(1); len(last) == 1 {
			out.LastDecision = &last[0]
		}
	}
	return out
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithStatus(w, statusCode, Response{Status: "error", Error: message})
}

func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, Response{Status: "success", Data: data})
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}

// Serve runs handler on addr until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Control API listening.", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control API stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Control API shutdown error", zap.Error(err))
		return err
	}
	<-errCh
	return nil
}
