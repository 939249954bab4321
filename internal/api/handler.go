package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"roostoo-bot/internal/engine"
	"roostoo-bot/internal/events"
	"roostoo-bot/internal/monitor"
)

// Server is the operator API around the engine service and the event bus.
type Server struct {
	Router       *gin.Engine
	Engine       engine.Service
	Bus          *events.Bus
	Metrics      *monitor.SystemMetrics
	JWTSecret    string
	PasswordHash string
	log          *zap.Logger
}

// Options configures NewServer.
type Options struct {
	JWTSecret    string
	PasswordHash string
	RateLimit    rate.Limit // per IP, default 20/s
	Burst        int        // default 50
	Timeout      time.Duration
}

// NewServer builds the router. bus and metrics may be nil.
func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.SystemMetrics, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "api"))
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics, log))
	r.Use(RateLimitMiddleware(newIPLimiters(opts.RateLimit, opts.Burst), log))
	r.Use(TimeoutMiddleware(opts.Timeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:       r,
		Engine:       svc,
		Bus:          bus,
		Metrics:      metrics,
		JWTSecret:    opts.JWTSecret,
		PasswordHash: opts.PasswordHash,
		log:          log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/strategies", s.getStrategies)
			protected.GET("/strategies/:id", s.getStrategy)
			protected.POST("/strategies/:id/enable", s.enableStrategy)
			protected.POST("/strategies/:id/disable", s.disableStrategy)

			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.POST("/orders/:id/cancel", s.cancelOrder)
			protected.POST("/orders/:id/resolve", s.resolveOrder)
			protected.POST("/reconcile", s.reconcile)
			protected.GET("/reconcile/events", s.getReconciliationEvents)

			protected.GET("/positions", s.getPositions)
			protected.GET("/balance", s.getBalance)
			protected.GET("/risk", s.getRiskMetrics)
		}
	}

	s.Router.GET("/ws", AuthMiddleware(s.JWTSecret), s.websocket)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", zap.String("addr", addr))
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
		return srv.Shutdown(shutdownCtx)
	}
}
