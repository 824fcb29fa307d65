// Package status serves a small HTTP endpoint reporting bot health and
// bridge counters.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Snapshot is the point-in-time state reported by GET /status.
type Snapshot struct {
	Version         string `json:"version,omitempty"`
	GatewayReady    bool   `json:"gateway_ready"`
	HandleDelivered bool   `json:"handle_delivered"`
	ReadyEvents     int64  `json:"ready_events"`
	Forwarded       int64  `json:"forwarded"`
	ForwardDropped  int64  `json:"forward_dropped"`
	RelayDelivered  int64  `json:"relay_delivered"`
	RelayDropped    int64  `json:"relay_dropped"`
	ActiveSignups   int    `json:"active_signups"`
	CommandsHandled int64  `json:"commands_handled"`
}

// Source provides snapshots.
type Source interface {
	Snapshot() Snapshot
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Source Source
	Port   int
	Logger zerolog.Logger
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Source == nil {
		return fmt.Errorf("status: source is required")
	}
	if opts.Port <= 0 {
		return fmt.Errorf("status: port must be positive")
	}
	log := opts.Logger.With().Str("from", "status").Logger()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts.Source),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", opts.Port).Msg("status endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

// NewRouter returns the status routes.
func NewRouter(src Source) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth())
	router.GET("/status", handleStatus(src))
	return router
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStatus(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Snapshot())
	}
}
