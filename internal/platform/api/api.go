// Package api exposes the pipeline trigger surface over HTTP. An external
// scheduler invokes it; there is no scheduling logic here.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labwatch/labwatch/internal/pipeline"
)

// PipelineRunner runs one pipeline pass. *pipeline.Runner implements it.
type PipelineRunner interface {
	Run(ctx context.Context) (*pipeline.Run, error)
}

// Handler provides the HTTP handlers for triggering and inspecting runs.
type Handler struct {
	base   context.Context
	runner PipelineRunner
	store  pipeline.RunStore
	logger zerolog.Logger

	mu     sync.Mutex
	active bool
	wg     sync.WaitGroup
}

// NewHandler creates a Handler. ctx is the server-lifetime context:
// cancelling it aborts any triggered run, so shutdown stops the poll loop
// and in-flight streams instead of orphaning them.
func NewHandler(ctx context.Context, runner PipelineRunner, store pipeline.RunStore, logger zerolog.Logger) *Handler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Handler{base: ctx, runner: runner, store: store, logger: logger}
}

// Drain blocks until any in-flight run has returned, or ctx expires. Called
// during shutdown after cancelling the server-lifetime context so the run
// record reaches a terminal status before the process exits.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterRoutes registers the pipeline routes on the given Echo instance.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/pipeline/run", h.TriggerRun)
	e.GET("/runs", h.ListRuns)
	e.GET("/runs/:id", h.GetRun)
	e.GET("/healthz", h.Healthz)
}

// TriggerRun handles POST /pipeline/run. Runs execute one at a time: a
// trigger while a run is active gets 409, honoring the "previous invocation
// has returned" contract with the scheduler.
func (h *Handler) TriggerRun(c echo.Context) error {
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "a pipeline run is already in progress",
		})
	}
	h.active = true
	h.mu.Unlock()

	// The run outlives the trigger request; it is tied to the server
	// lifetime, not to the caller's connection.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			h.active = false
			h.mu.Unlock()
		}()
		if _, err := h.runner.Run(h.base); err != nil {
			h.logger.Error().Err(err).Msg("triggered pipeline run failed")
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ListRuns handles GET /runs?limit=N, newest first.
func (h *Handler) ListRuns(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil || limit <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
	}

	runs, err := h.store.List(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []*pipeline.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun handles GET /runs/:id.
func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid run id"})
	}

	run, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, run)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
