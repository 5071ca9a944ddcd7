package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/payrelay/internal/config"
	"github.com/smallbiznis/payrelay/internal/observability"
	obslogger "github.com/smallbiznis/payrelay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/payrelay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/payrelay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"github.com/smallbiznis/payrelay/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

// NotificationHandler processes one inbound provider notification.
type NotificationHandler interface {
	Handle(ctx context.Context, req webhook.Request) error
}

type Params struct {
	fx.In

	Engine        *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Ledger        paymentdomain.Ledger
	Payments      paymentdomain.Lifecycle
	Notifications *webhook.Service
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	ledger        paymentdomain.Ledger
	payments      paymentdomain.Lifecycle
	notifications NotificationHandler
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(httpMetrics.Handler()))

	return r
}

func NewServer(p Params) *Server {
	return newServer(p.Engine, p.Cfg, p.Log, p.Ledger, p.Payments, p.Notifications)
}

func newServer(engine *gin.Engine, cfg config.Config, log *zap.Logger, ledger paymentdomain.Ledger, payments paymentdomain.Lifecycle, notifications NotificationHandler) *Server {
	s := &Server{
		engine:        engine,
		cfg:           cfg,
		log:           log.Named("http.server"),
		ledger:        ledger,
		payments:      payments,
		notifications: notifications,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	// The provider is configured with either path.
	s.engine.Any("/notification", s.HandleNotification)
	s.engine.Any("/picpay/notification", s.HandleNotification)

	api := s.engine.Group("/api")
	api.POST("/orders", s.CreateOrder)
	api.GET("/orders/:referenceId", s.GetOrder)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
