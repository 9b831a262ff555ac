// Package server wires the HTTP surface: lifecycle endpoints for eSIM
// records, the provider webhook sink and the event stream.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/simvault/internal/config"
	"github.com/smallbiznis/simvault/internal/esim"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	"github.com/smallbiznis/simvault/internal/events"
	"github.com/smallbiznis/simvault/internal/idempotency"
	"github.com/smallbiznis/simvault/internal/locks"
	"github.com/smallbiznis/simvault/internal/owner"
	ownerdomain "github.com/smallbiznis/simvault/internal/owner/domain"
	"github.com/smallbiznis/simvault/internal/plan"
	plandomain "github.com/smallbiznis/simvault/internal/plan/domain"
	"github.com/smallbiznis/simvault/internal/provider"
	"github.com/smallbiznis/simvault/internal/reconciler"
	"github.com/smallbiznis/simvault/internal/renewal"
	"github.com/smallbiznis/simvault/internal/tracing"
	"github.com/smallbiznis/simvault/internal/wallet"
	walletdomain "github.com/smallbiznis/simvault/internal/wallet/domain"
	"github.com/smallbiznis/simvault/internal/webhook"
	webhookservice "github.com/smallbiznis/simvault/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module assembles the full HTTP process: domain modules, the reconciler and
// the renewal engine in one binary.
var Module = fx.Module("http.server",
	esim.Module,
	owner.Module,
	plan.Module,
	wallet.Module,
	provider.Module,
	idempotency.Module,
	webhook.Module,
	renewal.Module,
	events.Module,
	locks.Module,
	reconciler.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(tracing.GinMiddleware())
	r.Use(RequestLoggingMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node

	esimSvc    esimdomain.Service
	webhookSvc *webhookservice.Service
	ownerRepo  ownerdomain.Repository
	planRepo   plandomain.Repository
	walletRepo walletdomain.Repository
	hub        *events.Hub
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node

	EsimSvc    esimdomain.Service
	WebhookSvc *webhookservice.Service
	OwnerRepo  ownerdomain.Repository
	PlanRepo   plandomain.Repository
	WalletRepo walletdomain.Repository
	Hub        *events.Hub
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		db:     p.DB,
		genID:  p.GenID,

		esimSvc:    p.EsimSvc,
		webhookSvc: p.WebhookSvc,
		ownerRepo:  p.OwnerRepo,
		planRepo:   p.PlanRepo,
		walletRepo: p.WalletRepo,
		hub:        p.Hub,
	}
}

func RegisterRoutes(s *Server) {
	v1 := s.engine.Group("/v1")

	v1.POST("/webhooks/esim", s.HandleEsimWebhook)

	v1.POST("/esims", s.CreateEsim)
	v1.GET("/esims", s.ListEsims)
	v1.GET("/esims/:id", s.GetEsim)
	v1.POST("/esims/:id/cancel", s.CancelEsim)

	v1.GET("/plans", s.ListPlans)
	v1.GET("/employees/:id", s.GetEmployee)
	v1.PUT("/employees/:id/autorenew", s.SetEmployeeAutoRenew)
	v1.GET("/wallets/:company_id", s.GetWallet)

	v1.GET("/events/:type", s.StreamEvents)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
