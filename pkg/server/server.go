// Package server exposes the daemon's HTTP surface: artifact registry CRUD,
// artifact execution, broker introspection, a websocket event stream and
// the Prometheus metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/artifact"
	"github.com/fyrsmithlabs/semanticd/internal/config"
	"github.com/fyrsmithlabs/semanticd/internal/engine"
	"github.com/fyrsmithlabs/semanticd/internal/event"
	"github.com/fyrsmithlabs/semanticd/internal/execution"
	"github.com/fyrsmithlabs/semanticd/internal/orchestration"
)

// Deps are the daemon components the server fronts.
type Deps struct {
	ServiceName string
	Engine      *engine.Engine
	Registry    *engine.Registry
	Broker      *event.Broker
	Factory     *orchestration.Factory
	Logger      *zap.Logger
}

// Server is the HTTP server.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	echo   *echo.Echo
	logger *zap.Logger
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Artifacts int    `json:"artifacts"`
	Events    int64  `json:"events"`
}

// New builds the server and registers all routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		echo:   e,
		logger: deps.Logger.Named("server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/artifacts", s.handleListArtifacts)
	s.echo.POST("/artifacts", s.handleRegisterArtifact)
	s.echo.GET("/artifacts/:id", s.handleGetArtifact)
	s.echo.PUT("/artifacts/:id", s.handleUpdateArtifact)
	s.echo.DELETE("/artifacts/:id", s.handleDeleteArtifact)
	s.echo.POST("/artifacts/:id/interpret", s.handleInterpret)
	s.echo.POST("/artifacts/:id/execute", s.handleExecute)

	s.echo.GET("/registry/coherence", s.handleCoherence)

	s.echo.GET("/broker/stats", s.handleBrokerStats)
	s.echo.GET("/broker/deadletters", s.handleDeadLetters)
	s.echo.POST("/broker/replay", s.handleReplay)
	s.echo.GET("/events/history", s.handleHistory)
	s.echo.GET("/events/stream", s.handleEventStream)

	s.echo.GET("/orchestration/metrics", s.handleModeMetrics)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   s.deps.ServiceName,
		Artifacts: s.deps.Registry.Len(),
		Events:    s.deps.Broker.Stats().TotalEvents,
	})
}

func (s *Server) handleListArtifacts(c echo.Context) error {
	if area := c.QueryParam("area"); area != "" {
		return c.JSON(http.StatusOK, s.deps.Registry.ByArea(area))
	}
	if artifactType := c.QueryParam("type"); artifactType != "" {
		return c.JSON(http.StatusOK, s.deps.Registry.ByType(artifactType))
	}
	return c.JSON(http.StatusOK, s.deps.Registry.All())
}

func (s *Server) handleRegisterArtifact(c echo.Context) error {
	var a artifact.Artifact
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.deps.Registry.Register(c.Request().Context(), &a); err != nil {
		if errors.Is(err, engine.ErrAlreadyRegistered) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, &a)
}

func (s *Server) handleGetArtifact(c echo.Context) error {
	a, err := s.deps.Registry.FindByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if a == nil {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleUpdateArtifact(c echo.Context) error {
	var a artifact.Artifact
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.ID = c.Param("id")
	if err := s.deps.Registry.Update(c.Request().Context(), &a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, &a)
}

func (s *Server) handleDeleteArtifact(c echo.Context) error {
	if err := s.deps.Registry.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// executeRequest carries the run parameters for interpret and execute.
type executeRequest struct {
	Actor     execution.Actor     `json:"actor"`
	Intent    execution.Intent    `json:"intent"`
	Scope     execution.Scope     `json:"scope"`
	Authority execution.Authority `json:"authority"`
	Inputs    map[string]any      `json:"inputs,omitempty"`
}

func (s *Server) handleInterpret(c echo.Context) error {
	a, err := s.deps.Registry.FindByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if a == nil {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}

	d, err := s.deps.Engine.Interpret(c.Request().Context(), a)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleExecute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ec := execution.NewContext(execution.Params{
		Actor:     req.Actor,
		Intent:    req.Intent,
		Scope:     req.Scope,
		Authority: req.Authority,
		Inputs:    req.Inputs,
	})

	final, err := s.deps.Engine.ExecuteByID(c.Request().Context(), c.Param("id"), ec)
	if err != nil {
		if final != nil {
			if snap, serr := final.Snapshot(); serr == nil {
				return c.JSONBlob(http.StatusUnprocessableEntity, snap)
			}
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	snap, err := final.Snapshot()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSONBlob(http.StatusOK, snap)
}

func (s *Server) handleCoherence(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Registry.Coherence())
}

func (s *Server) handleBrokerStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Broker.Stats())
}

func (s *Server) handleDeadLetters(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Broker.DeadLetters())
}

func (s *Server) handleReplay(c echo.Context) error {
	replayed, err := s.deps.Broker.ReplayDeadLetterEvents(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"replayed": replayed})
}

func (s *Server) handleHistory(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = parsed
	}
	return c.JSON(http.StatusOK, s.deps.Broker.History(c.QueryParam("type"), limit))
}

func (s *Server) handleModeMetrics(c echo.Context) error {
	modes := []orchestration.Mode{
		orchestration.ModeDeterministic,
		orchestration.ModeReactive,
		orchestration.ModeChoreographed,
	}
	out := make(map[string]orchestration.StrategyMetrics, len(modes))
	for _, m := range modes {
		out[string(m)] = s.deps.Factory.Metrics(m)
	}
	return c.JSON(http.StatusOK, out)
}

// Start runs the server until ctx is cancelled, then shuts down gracefully
// within the configured timeout. Returns http.ErrServerClosed on graceful
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.cfg.ShutdownTimeout.Duration(),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo exposes the router for tests and additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
