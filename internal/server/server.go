package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/quotaengine/internal/clock"
	"github.com/smallbiznis/quotaengine/internal/config"
	entitlementdomain "github.com/smallbiznis/quotaengine/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	"github.com/smallbiznis/quotaengine/internal/observability"
	obslogger "github.com/smallbiznis/quotaengine/internal/observability/logger"
	obstracing "github.com/smallbiznis/quotaengine/internal/observability/tracing"
	quotadomain "github.com/smallbiznis/quotaengine/internal/quota/domain"
	"github.com/smallbiznis/quotaengine/internal/reconciler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(provideSweeper),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// Sweeper runs one expiry sweep at the current time.
type Sweeper interface {
	RunOnce(ctx context.Context) (reconciler.SweepReport, error)
}

func provideSweeper(rec *reconciler.Reconciler) Sweeper {
	return rec
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	clock          clock.Clock
	quotaSvc       quotadomain.Service
	entitlementSvc entitlementdomain.Service
	grantSvc       grantdomain.Service
	sweeper        Sweeper
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Clock          clock.Clock
	QuotaSvc       quotadomain.Service
	EntitlementSvc entitlementdomain.Service
	GrantSvc       grantdomain.Service
	Sweeper        Sweeper `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http"),
		clock:          p.Clock,
		quotaSvc:       p.QuotaSvc,
		entitlementSvc: p.EntitlementSvc,
		grantSvc:       p.GrantSvc,
		sweeper:        p.Sweeper,
	}

	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerInternalRoutes() {
	v1 := s.engine.Group("/internal/v1")

	v1.GET("/principals/:principal_id/entitlement", s.GetEntitlement)
	v1.POST("/principals/:principal_id/entitlement/refresh", s.RefreshEntitlement)
	v1.GET("/principals/:principal_id/grants", s.ListPrincipalGrants)

	v1.POST("/grants", s.CreateGrant)
	v1.GET("/grants/:grant_id", s.GetGrant)
	v1.PATCH("/grants/:grant_id/payment-state", s.UpdateGrantPaymentState)
	v1.POST("/grants/:grant_id/usage/reset", s.ResetGrantUsage)

	v1.POST("/allocations", s.Allocate)
	v1.POST("/capabilities/check", s.CheckCapability)

	v1.POST("/cron/reconcile", s.Reconcile)
}

// evaluationTime honours an explicit "at" override on read-only lookups.
// Gating and allocation always use the injected clock.
func (s *Server) evaluationTime(at *time.Time) time.Time {
	if at != nil {
		return at.UTC()
	}
	return s.clock.Now()
}
