// Package server exposes the digest pipeline over HTTP.
package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tgram-labs/digestor/internal/digest/config"
	"github.com/tgram-labs/digestor/internal/digest/core"
	"github.com/tgram-labs/digestor/internal/digest/telemetry"
)

// digestRequest is the POST /digest body.
type digestRequest struct {
	Messages []core.Message `json:"messages"`
	Hours    int            `json:"hours"`
	UserID   string         `json:"user_id"`
	GroupID  string         `json:"group_id"`
}

// Run builds the app and serves until the listener fails.
func Run(cfg *config.Config) error {
	tel := telemetry.New(cfg.Telemetry.Enabled, prometheus.DefaultRegisterer)
	llm := core.NewHTTPProvider(cfg.LLM)
	orch := core.NewOrchestrator(cfg, llm, tel)
	e := New(orch, tel)
	return e.Start(cfg.Server.Addr)
}

// New assembles the echo app around an orchestrator. Split from Run so tests
// can drive it with a stub provider through httptest.
func New(orch *core.Orchestrator, tel *telemetry.Telemetry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/stats", func(c echo.Context) error {
		runs, failed, agentRuns, agentFailures := tel.Snapshot()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"runs_total":     runs,
			"runs_failed":    failed,
			"agent_runs":     agentRuns,
			"agent_failures": agentFailures,
		})
	})

	e.POST("/digest", func(c echo.Context) error {
		var req digestRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.Hours <= 0 {
			req.Hours = 24
		}

		ctx := c.Request().Context()
		start := time.Now()
		result := orch.GenerateDigest(ctx, req.Messages, req.Hours, req.UserID, req.GroupID)
		httpLogger.Printf("digest group=%s success=%t took=%.2fs", req.GroupID, result.Success, time.Since(start).Seconds())

		// Degraded runs still carry a renderable digest; 200 either way.
		return c.JSON(http.StatusOK, result)
	})

	return e
}
