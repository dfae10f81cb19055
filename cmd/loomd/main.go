package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loomflow/loomflow/cmd/loomd/engine"
	"github.com/loomflow/loomflow/cmd/loomd/fabric"
	"github.com/loomflow/loomflow/cmd/loomd/handlers"
	"github.com/loomflow/loomflow/cmd/loomd/nodes"
	"github.com/loomflow/loomflow/cmd/loomd/routes"
	"github.com/loomflow/loomflow/cmd/loomd/trigger"
	"github.com/loomflow/loomflow/common/bootstrap"
	custommw "github.com/loomflow/loomflow/common/middleware"
	"github.com/loomflow/loomflow/common/ratelimit"
	"github.com/loomflow/loomflow/common/repository"
	"github.com/loomflow/loomflow/common/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Bootstrap common components (config, logger, DB, Redis, queue, cache)
	components, err := bootstrap.Setup(ctx, "loomd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap loomd: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Storage: Postgres when reachable, in-memory otherwise
	var store engine.Store
	if components.DB != nil {
		store = repository.NewStore(components.DB)
	} else {
		store = repository.NewMemoryStore()
	}

	// Realtime event fabric, bridged over Redis when available
	eventFabric := fabric.New(components.Config.Fabric, components.Logger)
	eventFabric.Start(ctx)

	var publisher engine.EventPublisher = eventFabric
	if components.Redis != nil {
		bridge := fabric.NewRedisBridge(components.Redis, eventFabric, components.Logger)
		go bridge.Run(ctx)
		publisher = bridge
	}

	// Execution engine with the builtin node registry
	eng := engine.New(
		store,
		components.Queue,
		components.ResultCache,
		nodes.NewRegistry(),
		publisher,
		components.Config.Engine,
		components.Config.Queue,
		components.Logger,
	)
	if err := eng.Start(ctx); err != nil {
		components.Logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Trigger admission in front of the engine
	manager := trigger.NewManager(eng, components.ResultCache, components.Config.Trigger, components.Logger)
	manager.Start(ctx)

	// HTTP and WebSocket surface
	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, components, store, manager, eventFabric)

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": components.Config.Service.Name,
		})
	})
}

// registerRoutes registers all application routes. Trigger admission is
// rate limited when Redis is available.
func registerRoutes(e *echo.Echo, components *bootstrap.Components, store engine.Store, manager *trigger.Manager, eventFabric *fabric.Fabric) {
	var triggerMW []echo.MiddlewareFunc
	if components.Redis != nil && components.Config.RateLimit.Enabled {
		limiter := ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger)
		triggerMW = append(triggerMW,
			custommw.GlobalRateLimit(limiter, components.Config.RateLimit.GlobalLimit),
			custommw.UserRateLimit(limiter, components.Config.RateLimit.UserLimit),
			custommw.WorkflowRateLimit(limiter),
		)
	}

	routes.RegisterTriggerRoutes(e, handlers.NewTriggerHandler(manager, components.Logger), triggerMW...)
	routes.RegisterExecutionRoutes(e, handlers.NewExecutionHandler(store, manager, components.Logger))
	routes.RegisterWSRoutes(e, handlers.NewWSHandler(eventFabric, components.Logger))
}

// startServer runs the HTTP server until the shutdown signal arrives
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New(components.Config.Service.Name, components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
