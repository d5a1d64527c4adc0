// Package adminapi exposes a small JSON status surface over the running
// tunnel: liveness and the TUN I/O engine's packet/byte counters. Grounded on
// the gin-gonic/gin usage in the pack's HTTP-serving examples
// (nabbar-golib/prometheus's ExposeGin pattern) rather than the teacher,
// which has no admin surface of its own.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tun2socks5/internal/orchestrator"
)

// Server serves the admin JSON API on a configured address until its context
// is canceled.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	log    *zap.Logger
}

// New builds the admin API bound to orch's Stats(). gin runs in release mode
// regardless of the process-wide debug setting, since this surface has no
// use for gin's request-by-request debug logging.
func New(addr string, orch *orchestrator.Orchestrator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.Stats())
	})

	return &Server{
		engine: engine,
		srv:    &http.Server{Addr: addr, Handler: engine},
		log:    log,
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("adminapi: shutdown error", zap.Error(err))
		}
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
