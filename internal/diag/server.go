// Package diag serves the engine's connection-state diagnostics and the
// matchmaking activity log on a loopback HTTP port.
package diag

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/peerlink/peerlink/internal/match"
	"github.com/peerlink/peerlink/internal/rtc"
)

func SetupRouter(mode string, machine *match.Machine, engine *rtc.Engine) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.GET("/state", func(c *gin.Context) {
		var roomID string
		if room := machine.Room(); room != nil {
			roomID = string(room.ID)
		}
		c.JSON(http.StatusOK, gin.H{
			"phase":   machine.Phase(),
			"room_id": roomID,
			"engine":  engine.Snapshot(),
		})
	})

	api.GET("/activity", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"activity": machine.Activities()})
	})

	return r
}

// Serve runs the diagnostics server until ctx is cancelled.
func Serve(ctx context.Context, addr string, router *gin.Engine) {
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("module", "diag").Str("addr", addr).Msg("diagnostics server started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Str("module", "diag").Msg("diagnostics server error")
	}
}
