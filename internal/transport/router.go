package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/billing"
	"github.com/pitabwire/jornada/internal/catalog"
	"github.com/pitabwire/jornada/internal/config"
	"github.com/pitabwire/jornada/internal/idempotency"
	"github.com/pitabwire/jornada/internal/journey"
	"github.com/pitabwire/jornada/internal/observability"
	"github.com/pitabwire/jornada/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Catalog     *catalog.Catalog
	Engine      *journey.Engine
	Linker      *billing.Linker
	Metrics     *observability.Metrics
	Idempotency idempotency.Store
	Readiness   observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass actor
// attribution.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Tracing)
	r.Use(Correlation)
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth(deps.Readiness))
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(ActorAuthenticator(deps.Config.Identity))
		if d := deps.Config.Server.HandlerTimeout; d > 0 {
			r.Use(middleware.Timeout(d))
		}
		r.Use(RequestLogging(logger))
		r.Use(BodyLimit(deps.Config.Server.MaxBodyBytes))
		r.Use(Idempotency(deps.Idempotency, deps.Config.Idempotency.TTL))

		r.Route("/v1/templates", func(r chi.Router) {
			r.Post("/", handleTemplateCreate(deps.Catalog))
			r.Get("/", handleTemplateList(deps.Catalog))
			r.Get("/{templateId}", handleTemplateGet(deps.Catalog))
			r.Put("/{templateId}", handleTemplateUpdate(deps.Catalog))
			r.Post("/{templateId}/duplicate", handleTemplateDuplicate(deps.Catalog))
		})

		r.Route("/v1/journeys", func(r chi.Router) {
			r.Post("/", handleJourneyStart(deps.Engine))
			r.Get("/", handleJourneyList(deps.Engine))
			r.Get("/{instanceId}", handleJourneyGet(deps.Engine))
			r.Get("/{instanceId}/history", handleJourneyHistory(deps.Engine))
			r.Post("/{instanceId}/stages/{stageId}/advance", handleStageAdvance(deps.Engine))
			r.Post("/{instanceId}/stages/{stageId}/unblock", handleStageUnblock(deps.Engine))
			r.Post("/{instanceId}/pause", handleJourneyLifecycle(lifecycle(deps.Engine.PauseInstance)))
			r.Post("/{instanceId}/resume", handleJourneyLifecycle(lifecycle(deps.Engine.ResumeInstance)))
			r.Post("/{instanceId}/cancel", handleJourneyLifecycle(lifecycle(deps.Engine.CancelInstance)))
			r.Post("/{instanceId}/payment-plan", handlePlanAttach(deps.Linker))
			r.Get("/{instanceId}/payment-plan", handlePlanByInstance(deps.Linker))
		})

		r.Route("/v1/plans", func(r chi.Router) {
			r.Post("/", handlePlanCreate(deps.Linker))
			r.Get("/{planId}", handlePlanGet(deps.Linker))
			r.Post("/{planId}/links", handleLinkAdd(deps.Linker))
			r.Post("/{planId}/status", handlePlanStatus(deps.Linker))
		})

		r.Post("/v1/installments/{installmentId}/pay", handleInstallmentPay(deps.Linker))
		r.Post("/v1/installments/{installmentId}/cancel", handleInstallmentCancel(deps.Linker))

		r.Get("/v1/reports/sla", handleSLAReport(deps.Engine))
	})

	return r
}

func lifecycle(fn func(ctx context.Context, instanceID string) (model.JourneyInstance, error)) func(*http.Request, string) (model.JourneyInstance, error) {
	return func(r *http.Request, instanceID string) (model.JourneyInstance, error) {
		return fn(r.Context(), instanceID)
	}
}
