package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fleetautoscaler/app/handler"
	"fleetautoscaler/pkg/autoscaler"
	"fleetautoscaler/pkg/config"
	"fleetautoscaler/pkg/interfaces"
	"fleetautoscaler/pkg/logger"
	"fleetautoscaler/pkg/notification"
	asynqqueue "fleetautoscaler/pkg/queue/asynq"
	mysqlstore "fleetautoscaler/pkg/store/mysql"
	redisstore "fleetautoscaler/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// Application manages the lifecycle of the entire application.
type Application struct {
	// Infrastructure components
	config      *config.Config
	mysqlRepo   *mysqlstore.Repository
	redisClient *redisstore.RedisClient

	// Collaborators the autoscaler decision loop is built on
	agentMgmt interfaces.AgentManagement
	scheduler interfaces.Scheduler
	jobOps    interfaces.JobOperations

	// Action execution
	queueManager *asynqqueue.Manager
	notifier     *notification.FeishuNotifier

	// Handler layer
	autoscalerHandler *handler.AutoScalerHandler

	// Auto-scaler
	autoscalerMgr *autoscaler.Manager

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Background task cleanup functions
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance.
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components.
func (app *Application) Initialize() error {
	var err error

	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"MySQL", app.initMySQL},
		{"Redis", app.initRedis},
		{"Agent Management", app.initAgentManagement},
		{"Action Queue", app.initActionQueue},
		{"Notification", app.initNotification},
		{"Auto-scaler", app.initAutoScaler},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components.
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	if app.queueManager != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.queueManager.Start(); err != nil {
				logger.ErrorCtx(app.ctx, "action queue worker stopped: %v", err)
			}
		}()
	}

	if app.autoscalerMgr != nil {
		if err := app.autoscalerMgr.Start(app.ctx); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to start autoscaler: %v", err)
		} else {
			logger.InfoCtx(app.ctx, "Autoscaler started successfully")
		}
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		addr := fmt.Sprintf(":%d", app.config.Server.Port)
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	app.cancel()

	if app.autoscalerMgr != nil {
		app.autoscalerMgr.Stop()
	}
	if app.queueManager != nil {
		app.queueManager.Stop()
	}

	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	logger.InfoCtx(app.ctx, "Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.Sync()

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}

// registerCleanup registers a cleanup function.
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
