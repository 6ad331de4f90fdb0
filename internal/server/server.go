package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dojoflow/dojoflow/internal/apikey"
	apikeydomain "github.com/dojoflow/dojoflow/internal/apikey/domain"
	"github.com/dojoflow/dojoflow/internal/audit"
	auditdomain "github.com/dojoflow/dojoflow/internal/audit/domain"
	"github.com/dojoflow/dojoflow/internal/config"
	"github.com/dojoflow/dojoflow/internal/credit"
	creditdomain "github.com/dojoflow/dojoflow/internal/credit/domain"
	"github.com/dojoflow/dojoflow/internal/observability"
	obsmiddleware "github.com/dojoflow/dojoflow/internal/observability/logger"
	obsmetrics "github.com/dojoflow/dojoflow/internal/observability/metrics"
	"github.com/dojoflow/dojoflow/internal/organization"
	organizationdomain "github.com/dojoflow/dojoflow/internal/organization/domain"
	"github.com/dojoflow/dojoflow/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	apikey.Module,
	credit.Module,
	organization.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":8080",
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

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	apiKeySvc       apikeydomain.Service
	auditSvc        auditdomain.Service
	creditSvc       creditdomain.Service
	organizationSvc organizationdomain.Service
	obsMetrics      *obsmetrics.Metrics
	spendLimiter    *ratelimit.CreditSpendLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	APIKeySvc       apikeydomain.Service
	AuditSvc        auditdomain.Service
	CreditSvc       creditdomain.Service
	OrganizationSvc organizationdomain.Service
	ObsMetrics      *obsmetrics.Metrics           `optional:"true"`
	SpendLimiter    *ratelimit.CreditSpendLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		apiKeySvc:       p.APIKeySvc,
		auditSvc:        p.AuditSvc,
		creditSvc:       p.CreditSvc,
		organizationSvc: p.OrganizationSvc,
		obsMetrics:      p.ObsMetrics,
		spendLimiter:    p.SpendLimiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Credits --------
	api.GET("/credits/balance", s.APIKeyRequired(apikeydomain.ScopeCreditsRead), s.GetCreditBalance)
	api.POST("/credits/check", s.APIKeyRequired(apikeydomain.ScopeCreditsRead), s.CheckCredits)
	api.POST("/credits/deduct", s.APIKeyRequired(apikeydomain.ScopeCreditsWrite), s.CreditSpendRateLimit(), s.DeductCredits)
	api.POST("/credits/add", s.APIKeyRequired(apikeydomain.ScopeAdmin), s.AddCredits)
	api.GET("/credits/costs", s.APIKeyRequired(apikeydomain.ScopeCreditsRead), s.GetCreditCosts)
	api.GET("/credits/transactions", s.APIKeyRequired(apikeydomain.ScopeCreditsRead), s.ListCreditTransactions)

	// -------- Organizations --------
	api.POST("/organizations", s.ProvisionOrganization)
	api.GET("/organizations", s.ListOrganizations)
	api.GET("/organizations/:id", s.GetOrganizationByID)

	// -------- API Keys --------
	api.GET("/api-keys", s.APIKeyRequired(apikeydomain.ScopeAdmin), s.ListAPIKeys)
	api.POST("/api-keys", s.APIKeyRequired(apikeydomain.ScopeAdmin), s.CreateAPIKey)
	api.POST("/api-keys/:key_id/rotate", s.APIKeyRequired(apikeydomain.ScopeAdmin), s.RotateAPIKey)
	api.DELETE("/api-keys/:key_id", s.APIKeyRequired(apikeydomain.ScopeAdmin), s.RevokeAPIKey)

	// -------- Audit Logs --------
	api.GET("/audit-logs", s.APIKeyRequired(apikeydomain.ScopeAdmin), s.ListAuditLogs)
}

func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}

	var insufficientErr InsufficientCreditsError
	if errors.As(err, &insufficientErr) {
		return "payment_required", "insufficient_credits"
	}
	if vErr := asValidationErrors(err); vErr != nil {
		code := ""
		if len(vErr.Errors) > 0 {
			code = vErr.Errors[0].Code
		}
		return "validation_error", code
	}

	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, err.Error()
	}
	return payload.Type, payload.Type
}
