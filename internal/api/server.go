// Package api is the operator control surface: fleet status and per-instrument
// start, stop and risk reset over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"spot-engine/internal/engine"
	"spot-engine/internal/fleet"
)

// Fleet is what the control API drives. *fleet.Orchestrator implements it.
type Fleet interface {
	Status() []engine.Status
	StartAsset(symbol string) error
	StopAsset(symbol string) error
	ResetRisk(symbol string) error
	ReloadConfig() error
}

// Server wires the control endpoints around a Fleet.
type Server struct {
	Router *gin.Engine
	fleet  Fleet
	logger zerolog.Logger
}

// NewServer builds the router. A non-empty token is required as a bearer token on
// every route that changes state.
func NewServer(f Fleet, token string, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "control_api").Logger()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(5, 20))

	s := &Server{Router: r, fleet: f, logger: logger}
	s.routes(token)
	return s
}

func (s *Server) routes(token string) {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/assets/:symbol", s.getAsset)

		control := api.Group("")
		control.Use(TokenMiddleware(token))
		{
			control.POST("/assets/:symbol/start", s.startAsset)
			control.POST("/assets/:symbol/stop", s.stopAsset)
			control.POST("/assets/:symbol/reset-risk", s.resetRisk)
			control.POST("/config/reload", s.reloadConfig)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": s.fleet.Status()})
}

func (s *Server) getAsset(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	for _, st := range s.fleet.Status() {
		if st.Symbol == symbol {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	respondError(c, http.StatusNotFound, "UNKNOWN_INSTRUMENT", "unknown instrument: "+symbol)
}

func (s *Server) startAsset(c *gin.Context) {
	s.act(c, "started", s.fleet.StartAsset)
}

func (s *Server) stopAsset(c *gin.Context) {
	s.act(c, "stopped", s.fleet.StopAsset)
}

func (s *Server) resetRisk(c *gin.Context) {
	s.act(c, "risk_reset", s.fleet.ResetRisk)
}

func (s *Server) act(c *gin.Context, done string, fn func(string) error) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if err := fn(symbol); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Str("action", done).Msg("control action failed")
		respondEngineError(c, err)
		return
	}
	s.logger.Info().Str("symbol", symbol).Str("action", done).Msg("control action applied")
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": done})
}

func (s *Server) reloadConfig(c *gin.Context) {
	if err := s.fleet.ReloadConfig(); err != nil {
		s.logger.Error().Err(err).Msg("config reload failed")
		respondError(c, http.StatusUnprocessableEntity, "RELOAD_FAILED", err.Error())
		return
	}
	s.logger.Info().Msg("config reloaded")
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fleet.ErrUnknownInstrument):
		respondError(c, http.StatusNotFound, "UNKNOWN_INSTRUMENT", err.Error())
	case errors.Is(err, engine.ErrRunning):
		respondError(c, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.Is(err, engine.ErrNotInitialized):
		respondError(c, http.StatusConflict, "NOT_INITIALIZED", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// Serve runs the control API on addr until ctx is done. An empty addr disables it.
func Serve(ctx context.Context, addr string, s *Server) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		s.logger.Info().Str("addr", addr).Msg("control listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("control listener stopped")
		}
	}()
}
