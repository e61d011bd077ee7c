package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phuslu/log"

	"repairline/internal/asana"
	"repairline/internal/config"
	"repairline/internal/domain"
	"repairline/internal/events"
	"repairline/internal/intake"
	"repairline/internal/metrics"
	"repairline/internal/repo"
	"repairline/internal/workflow"
)

// ProcessedLister exposes the guard contents.
type ProcessedLister interface {
	List(ctx context.Context, limit int) ([]domain.ProcessedEvent, error)
}

// WebhookRegistrar creates tracker webhooks.
type WebhookRegistrar interface {
	CreateWebhook(ctx context.Context, in asana.WebhookCreate) (asana.Webhook, error)
}

// ScanReporter exposes the most recent scheduled scan.
type ScanReporter interface {
	Last() (workflow.ScanSummary, bool)
}

// Config for the HTTP API handler.
type Config struct {
	Workflow  *workflow.Orchestrator
	Processed ProcessedLister
	Repo      repo.Repo
	Events    events.Writer
	Registrar WebhookRegistrar
	Scans     ScanReporter
	Metrics   *metrics.Metrics
	Logger    *log.Logger
	// IntakeProjectID keys the stored webhook secret.
	IntakeProjectID string
	// WebhookTarget is the public URL of the webhook endpoint.
	WebhookTarget string
	BasePath      string
	Now           func() time.Time
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return &log.DefaultLogger
}

func (c Config) events() events.Writer {
	if c.Events.Repo.DB == nil {
		return events.Writer{Repo: c.Repo, Now: c.Now}
	}
	return c.Events
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"submission evt-1 rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"task\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the repairline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Workflow == nil {
		return nil, errors.New("server: workflow is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema errors are malformed requests, not rejected submissions.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(accessLog(cfg.logger()))
	hcfg := huma.DefaultConfig("Repairline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg)
	registerWebhook(group, cfg)
	registerIntake(group, cfg)
	registerProcessTask(group, cfg)
	registerScan(group, cfg)
	registerTestEmail(group, cfg)
	registerSetup(group, cfg)
	registerProcessed(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	return router, nil
}

func accessLog(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(started)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		verr *intake.ValidationError
		serr *workflow.ExternalServiceError
		cerr *config.ConfigurationError
	)
	switch {
	case errors.As(err, &verr):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"event_id": verr.EventID, "problems": verr.Problems})
	case workflow.IsDuplicate(err):
		return newAPIError(http.StatusConflict, "duplicate_event", err.Error(), nil)
	case errors.Is(err, workflow.ErrNotIntakeTask):
		return newAPIError(http.StatusUnprocessableEntity, "not_intake_task", err.Error(), nil)
	case asana.IsNotFound(err), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &serr):
		details := map[string]any{"stage": serr.Stage}
		if serr.Stage == workflow.StageSubtask {
			details["index"] = serr.Index
		}
		return newAPIError(http.StatusBadGateway, "external_service_error", err.Error(), details)
	case errors.As(err, &cerr):
		return newAPIError(http.StatusServiceUnavailable, "not_configured", err.Error(), map[string]any{"missing": cerr.Missing, "invalid": cerr.Invalid})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "external_service_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	spec := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		out, _ := json.Marshal(oas)
		return out
	})
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec())
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Repairline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		status := HealthResponse{Status: "ok"}
		if cfg.Repo.DB != nil {
			if err := cfg.Repo.DB.PingContext(ctx); err != nil {
				status.Status = "degraded"
				status.DB = err.Error()
			}
		}
		if cfg.Scans != nil {
			if last, ok := cfg.Scans.Last(); ok {
				last.Runs = nil
				scan := scanResponse(last)
				status.LastScan = &scan
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: status}, nil
	})
}

// runOutcome answers a run as the endpoints report it. Duplicates are a
// successful no-op, everything else that failed maps through handleError.
func runOutcome(res workflow.Result, err error) (*struct {
	Body RunResponse `json:"body"`
}, error) {
	if err != nil && !workflow.IsDuplicate(err) {
		return nil, handleError(err)
	}
	return &struct {
		Body RunResponse `json:"body"`
	}{Body: runResponse(res, err)}, nil
}

func registerIntake(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-intake",
		Method:      http.MethodPost,
		Path:        "/intake",
		Summary:     "Submit a repair request form",
		Description: "Runs the workflow for a direct form post. Duplicates answer 200 with outcome duplicate.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body intake.FormPayload
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		return runOutcome(cfg.Workflow.Run(ctx, intake.FromForm(input.Body), workflow.RunOptions{}))
	})
}

func registerProcessTask(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "process-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_gid}/process",
		Summary:     "Process one intake task",
		Description: "Manual trigger. Bypasses the duplicate check unless respect_guard is set.",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskGID      string `path:"task_gid"`
		RespectGuard bool   `query:"respect_guard"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		return runOutcome(cfg.Workflow.ProcessTask(ctx, input.TaskGID, !input.RespectGuard))
	})
}

func registerScan(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "scan-recent",
		Method:      http.MethodPost,
		Path:        "/scan",
		Summary:     "Process recent intake tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Window string `query:"window" doc:"Go duration, default 24h" example:"24h"`
	}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		var window time.Duration
		if input.Window != "" {
			d, err := time.ParseDuration(input.Window)
			if err != nil || d <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid window", map[string]any{"window": input.Window})
			}
			window = d
		}
		summary, err := cfg.Workflow.ScanRecent(ctx, window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: scanResponse(summary)}, nil
	})
}

func registerTestEmail(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "send-test-email",
		Method:      http.MethodPost,
		Path:        "/test-email",
		Summary:     "Send a sample notification",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TestEmailResponse `json:"body"`
	}, error) {
		msg, err := cfg.Workflow.SendTestNotification(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TestEmailResponse `json:"body"`
		}{Body: TestEmailResponse{Status: "sent", Subject: msg.Subject, Recipients: msg.Recipients}}, nil
	})
}

func registerSetup(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "setup-webhook",
		Method:      http.MethodPost,
		Path:        "/setup",
		Summary:     "Register the intake project webhook",
		Errors:      []int{http.StatusServiceUnavailable, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WebhookRegistrationResponse `json:"body"`
	}, error) {
		reg, err := RegisterWebhook(ctx, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookRegistrationResponse `json:"body"`
		}{Body: WebhookRegistrationResponse(reg)}, nil
	})
}

func registerProcessed(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-processed",
		Method:      http.MethodGet,
		Path:        "/processed",
		Summary:     "List processed submissions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ProcessedEvent `json:"body"`
	}, error) {
		if cfg.Processed == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "not_configured", "no guard configured", nil)
		}
		items, err := cfg.Processed.List(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ProcessedEvent{}
		}
		return &struct {
			Body []domain.ProcessedEvent `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		EventID string `query:"event_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if input.Cursor < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := cfg.Repo.LatestEvents(ctx, limit+1, repo.EventFilter{Type: input.Type, EventID: input.EventID, Before: input.Cursor})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
