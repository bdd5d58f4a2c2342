package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/config"
	"github.com/pitabwire/autoflow/internal/definition"
	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/internal/workflow"
	"github.com/pitabwire/autoflow/model"
)

// WorkflowService is the engine surface the handlers drive.
type WorkflowService interface {
	ListWorkflows(ctx context.Context, filter workflow.WorkflowFilter) ([]model.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (model.WorkflowDetail, error)
	ImportDefinition(ctx context.Context, def model.WorkflowDefinition) (model.Workflow, bool, error)
	CloneTemplate(ctx context.Context, templateID, userID string) (model.WorkflowDetail, error)
	ActivateWorkflow(ctx context.Context, id string) error
	ArchiveWorkflow(ctx context.Context, id string) error

	Start(ctx context.Context, req workflow.StartRequest) (model.WorkflowInstance, error)
	Pause(ctx context.Context, instanceID string) (model.WorkflowInstance, error)
	Resume(ctx context.Context, instanceID string) (model.WorkflowInstance, error)
	Cancel(ctx context.Context, instanceID string) (model.WorkflowInstance, error)
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter workflow.InstanceFilter) ([]model.WorkflowInstance, error)
	GetInstanceLogs(ctx context.Context, instanceID string, limit int) ([]model.WorkflowLog, error)

	Emit(ctx context.Context, event string, payload map[string]any) ([]model.WorkflowInstance, error)
	StartWebhook(ctx context.Context, workflowID, userID string, payload map[string]any) (model.WorkflowInstance, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Engine    WorkflowService
	Validator *definition.Validator
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip request
// logging and the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := deps.Validator
	if validator == nil {
		validator = definition.NewValidator()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metricsHandler := observability.Handler()
		if deps.Gatherer != nil {
			metricsHandler = observability.HandlerFor(deps.Gatherer)
		}
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, metricsHandler)
	}

	h := &handlers{engine: deps.Engine, validator: validator}

	r.Route("/api", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(BuildRequestInfo(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows", h.importWorkflow)
		r.Get("/workflows/{workflowId}", h.getWorkflow)
		r.Post("/workflows/{workflowId}/start", h.startWorkflow)
		r.Post("/workflows/{workflowId}/clone", h.cloneWorkflow)
		r.Post("/workflows/{workflowId}/activate", h.activateWorkflow)
		r.Post("/workflows/{workflowId}/archive", h.archiveWorkflow)

		r.Get("/instances", h.listInstances)
		r.Get("/instances/{instanceId}", h.getInstance)
		r.Get("/instances/{instanceId}/logs", h.instanceLogs)
		r.Post("/instances/{instanceId}/pause", h.pauseInstance)
		r.Post("/instances/{instanceId}/resume", h.resumeInstance)
		r.Post("/instances/{instanceId}/cancel", h.cancelInstance)

		r.Post("/hooks/{workflowId}", h.webhook)
		r.Post("/events/{event}", h.emitEvent)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "route not found")
	})

	return r
}
