// Package server exposes an embedded driver over a small admin HTTP surface.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/termbus/internal/auth"
	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/driver"
	"github.com/danmuck/termbus/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// DriverView is the read-only part of a driver the admin routes need.
type DriverView interface {
	ID() string
	Snapshot() driver.Snapshot
	Counters() *counters.Store
	HeartbeatTime() time.Time
}

type Admin struct {
	ID       string
	Addr     string
	Appeared time.Time
	// StaleAfter is how old the driver heartbeat may be before /ready fails.
	StaleAfter time.Duration

	driver    DriverView
	router    *gin.Engine
	validator auth.Validator
}

func New(addr string, corsOrigins []string, d DriverView) *Admin {
	observability.RegisterMetrics()
	id := d.ID()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminObserver(log.Logger, id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:         id,
		Addr:       addr,
		Appeared:   time.Now(),
		StaleAfter: time.Second,
		driver:     d,
		router:     r,
	}
	a.registerRoutes()
	return a
}

// RequireToken guards the resource and counter routes with v. Call it before Serve.
func (a *Admin) RequireToken(v auth.Validator) {
	a.validator = v
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("driver", a.ID).Str("addr", a.Addr).Msg("server.Admin.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Str("driver", a.ID).Msg("server.Admin.Serve stopped")
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
