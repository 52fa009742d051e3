// Package admin serves the read-only operator surface next to the relay:
// health, stats, user list, Prometheus metrics and a live presence feed.
// It never mutates relay state.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stormtheory/packhowl/internal/access"
	"github.com/stormtheory/packhowl/internal/cid"
	// Registers the packhowl collectors served by the /metrics endpoint.
	_ "github.com/stormtheory/packhowl/internal/metrics"
	"github.com/stormtheory/packhowl/internal/otelutil"
	"github.com/stormtheory/packhowl/internal/state"
	"github.com/stormtheory/packhowl/pkg/protocol"
)

// FeedInterval is how often the live presence feed pushes a snapshot.
const FeedInterval = time.Second

type Server struct {
	log       *zap.Logger
	registry  *state.Manager
	auth      *access.Authenticator
	startedAt time.Time
}

func New(log *zap.Logger, registry *state.Manager, auth *access.Authenticator) *Server {
	return &Server{
		log:       log,
		registry:  registry,
		auth:      auth,
		startedAt: time.Now(),
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), cid.Middleware(), s.tracing())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "packhowl",
		})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		stats := s.registry.Stats()
		stats.BlockedIPs = s.auth.BlockedCount()
		stats.StartedAt = s.startedAt
		c.JSON(http.StatusOK, stats)
	})

	r.GET("/api/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": s.registry.Snapshot()})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", s.handleFeed)

	return r
}

// handleFeed streams userlist snapshots to an observer until it leaves.
func (s *Server) handleFeed(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Observers never send application data; CloseRead surfaces their
	// departure through ctx.
	ctx := conn.CloseRead(c.Request.Context())

	ticker := time.NewTicker(FeedInterval)
	defer ticker.Stop()

	push := func() error {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, protocol.Message{
			Type:  protocol.TypeUserList,
			Users: s.registry.Snapshot(),
		})
	}

	if err := push(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := push(); err != nil {
				return
			}
		}
	}
}

func (s *Server) tracing() gin.HandlerFunc {
	tracer := otelutil.Tracer("packhowl/admin")
	return func(c *gin.Context) {
		name := c.FullPath()
		if name == "" {
			name = c.Request.URL.Path
		}
		ctx, span := tracer.Start(c.Request.Context(), name)
		if id := cid.CIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cid.AttributeName, id))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		span.End()
	}
}

// Run serves the admin surface until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("admin shutdown", zap.Error(err))
		}
	}()

	s.log.Info("admin surface listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
