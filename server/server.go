package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/auth"
	"github.com/Digital-Creators-Team/progressive-core/config"
	"github.com/Digital-Creators-Team/progressive-core/middleware"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/jackpot"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// App is the HTTP front of the progressive core.
type App struct {
	engine       *gin.Engine
	config       *config.Config
	logger       zerolog.Logger
	service      *jackpot.Service
	hub          *events.Hub
	httpServer   *http.Server
	onShutdown   []func()
	progressives *ProgressiveHandler
	streams      *StreamHandler
}

// Options holds server configuration options
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Service *jackpot.Service
	Hub     *events.Hub
}

// Router is an alias for gin.Engine for convenience
type Router = gin.Engine

// New creates the application and its handlers. Routes are added by
// RegisterHealthCheck and RegisterProgressiveRoutes.
func New(opts Options) *App {
	if opts.Config.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		engine:  gin.New(),
		config:  opts.Config,
		logger:  opts.Logger,
		service: opts.Service,
		hub:     opts.Hub,
	}
	app.progressives = NewProgressiveHandler(app, opts.Service)
	app.streams = NewStreamHandler(app, opts.Service, opts.Hub)

	return app
}

// UseCommonMiddlewares adds common middlewares to the application
func (a *App) UseCommonMiddlewares() {
	// Recovery middleware (must be first)
	a.engine.Use(middleware.Recovery(a.logger))
	a.engine.Use(middleware.TraceID())
	a.engine.Use(middleware.Logging(a.logger))
}

// UseMiddleware adds a custom middleware
func (a *App) UseMiddleware(m gin.HandlerFunc) {
	a.engine.Use(m)
}

// Service returns the jackpot service
func (a *App) Service() *jackpot.Service {
	return a.service
}

// RegisterHealthCheck adds health check endpoints
func (a *App) RegisterHealthCheck() {
	a.engine.GET("/health", a.healthCheck)
	a.engine.GET("/api/health", a.healthCheck)
}

func (a *App) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   a.config.Environment,
		"levels":    len(a.service.GetProgressiveLevels(progressiveFilterAll)),
	})
}

// RegisterProgressiveRoutes registers the progressive API.
//
// Public:
//   - GET  /api/progressives/levels
//   - GET  /api/progressives/values               (SSE value stream)
//   - GET  /api/progressives/transactions
//   - GET  /api/progressives/transactions/:id
//
// Authenticated (token carries the protocol claim):
//   - POST /api/progressives/transactions/:id/{acknowledge,commit,commit-ack,fail,cancel}
//   - POST /api/progressives/linked/{levels,claim,award,claim-award}
//   - GET  /api/progressives/linked/levels
//   - POST /api/progressives/links/status
//   - POST /api/progressives/wagers
//   - POST /api/progressives/levels/{contributions,values}
//   - PUT  /api/progressives/levels
//   - POST /api/progressives/rounds/end
//   - GET  /api/progressives/events/ws
func (a *App) RegisterProgressiveRoutes() {
	h := a.progressives
	deadline := middleware.Deadline(a.config.Progressive.ClaimTimeout)

	api := a.engine.Group("/api/progressives")
	{
		api.GET("/levels", h.GetLevels)
		api.GET("/values", a.streams.StreamValues)
		api.GET("/transactions", h.ListTransactions)
		api.GET("/transactions/:id", h.GetTransaction)
	}

	secured := api.Group("", auth.JWTMiddleware(a.config.JWT.Secret, a.logger))
	{
		tx := secured.Group("/transactions/:id", deadline)
		tx.POST("/acknowledge", h.Acknowledge)
		tx.POST("/commit", h.Commit)
		tx.POST("/commit-ack", h.CommitAck)
		tx.POST("/fail", h.Fail)
		tx.POST("/cancel", h.Cancel)

		linked := secured.Group("/linked", deadline)
		linked.GET("/levels", h.GetLinkedLevels)
		linked.POST("/levels", h.UpdateLinkedLevels)
		linked.POST("/claim", h.ClaimLinked)
		linked.POST("/award", h.AwardLinked)
		linked.POST("/claim-award", h.ClaimAndAwardLinked)

		secured.POST("/links/status", h.SetLinkStatus)
		secured.POST("/wagers", deadline, h.ProcessWager)
		secured.POST("/rounds/end", h.EndRound)

		levels := secured.Group("/levels")
		levels.PUT("", h.UpdateLevels)
		levels.POST("/contributions", h.AddBulkContribution)
		levels.POST("/values", h.ApplyLevelValues)
		secured.GET("/events/ws", a.streams.StreamEventsWebSocket)
	}

	a.logger.Info().Msg("Progressive routes registered: /api/progressives")
}

// Router returns the Gin engine for custom route registration
func (a *App) Router() *gin.Engine {
	return a.engine
}

// OnShutdown registers a function to be called on shutdown
func (a *App) OnShutdown(fn func()) {
	a.onShutdown = append(a.onShutdown, fn)
}

func (a *App) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.engine,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}
}

// Run starts the HTTP server and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	a.httpServer = a.newHTTPServer()

	go func() {
		a.logger.Info().
			Int("port", a.config.Server.Port).
			Str("environment", a.config.Environment).
			Msg("Starting HTTP server")

		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	return a.waitForShutdown()
}

// RunWithContext starts the HTTP server and shuts it down when ctx is done.
func (a *App) RunWithContext(ctx context.Context) error {
	a.httpServer = a.newHTTPServer()

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info().
			Int("port", a.config.Server.Port).
			Str("environment", a.config.Environment).
			Msg("Starting HTTP server")

		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errChan:
		return err
	}
}

func (a *App) waitForShutdown() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return a.shutdown()
}

func (a *App) shutdown() error {
	a.logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, fn := range a.onShutdown {
		fn()
	}
	a.streams.Close()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Error during server shutdown")
		return err
	}

	a.logger.Info().Msg("Server shutdown complete")
	return nil
}

// Config returns the application configuration
func (a *App) Config() *config.Config {
	return a.config
}

// Logger returns the application logger
func (a *App) Logger() zerolog.Logger {
	return a.logger
}
