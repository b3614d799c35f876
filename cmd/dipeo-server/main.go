// dipeo-server exposes diagram execution over HTTP: submit runs, query
// persisted state, and stream live execution updates via SSE.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dipeo/dipeo/common/bootstrap"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
)

func main() {
	// Missing .env is fine; env vars still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := newHub()
	go hub.run(ctx)

	components, err := bootstrap.Setup(ctx, "dipeo-server", bootstrap.WithRouter(hub))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	inputs := newInputCollector()
	registry.Register[services.UserInputCollector](components.Registry, services.UserInput, inputs)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components, hub)
	registerRoutes(e, components, hub, inputs)

	startServer(ctx, e, components)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

func setupHealthCheck(e *echo.Echo, components *bootstrap.Components, hub *hub) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":      "ok",
			"service":     "dipeo-server",
			"sse_clients": hub.connectionCount(),
		})
	})
}

func registerRoutes(e *echo.Echo, components *bootstrap.Components, hub *hub, inputs *inputCollector) {
	h := newExecutionHandler(components, hub, inputs)

	api := e.Group("/api")
	api.POST("/runs", h.SubmitRun)
	api.GET("/executions", h.ListExecutions)
	api.GET("/executions/:id", h.GetExecution)
	api.GET("/executions/:id/stream", h.StreamExecution)
	api.GET("/executions/:id/metrics", h.GetMetrics)
	api.POST("/executions/:id/input", h.SubmitInput)
}

func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Server.Port
	components.Logger.Info("starting server", "port", port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			components.Logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		components.Logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			components.Logger.Error("graceful shutdown failed", "error", err)
			_ = e.Close()
		}
	}
}
