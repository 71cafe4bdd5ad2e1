package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"steward/internal/approval"
	"steward/internal/domain"
	"steward/internal/executor"
	"steward/internal/orchestrator"
	"steward/internal/queue"
	"steward/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Queue    queue.Queue
	Gate     approval.Gate
	Executor executor.Executor
	Loop     orchestrator.Loop
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"plan not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Steward API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Steward API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Loop)
	registerEvents(group, cfg.Queue, cfg.Repo)
	registerPlans(group, cfg.Executor, cfg.Repo)
	registerApprovals(group, cfg.Gate, cfg.Repo)
	registerEscalations(group, cfg.Repo)
	registerAudit(group, cfg.Repo)
	registerCycle(group, cfg.Loop)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, queue.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "duplicate_event", err.Error(), nil)
	}
	if errors.Is(err, approval.ErrAlreadyResolved) {
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Steward API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, loop orchestrator.Loop) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Store counts and backlog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body orchestrator.Health `json:"body"`
	}, error) {
		h, err := loop.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.Health `json:"body"`
		}{Body: h}, nil
	})
}

func registerEvents(api huma.API, q queue.Queue, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "push-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Push an event onto the queue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body PushEventRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		e := domain.Event{
			EventID:   input.Body.EventID,
			Source:    input.Body.Source,
			Kind:      input.Body.Kind,
			Priority:  input.Body.Priority,
			Summary:   input.Body.Summary,
			Body:      input.Body.Body,
			CreatedAt: input.Body.CreatedAt,
		}
		if len(input.Body.Metadata) > 0 {
			raw, err := json.Marshal(input.Body.Metadata)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid metadata", nil)
			}
			s := string(raw)
			e.MetadataJSON = &s
		}
		pushed, err := q.Push(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(pushed)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Partition string `query:"partition" enum:"needs-action,done"`
		Source    string `query:"source"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := r.ListEvents(ctx, repo.EventFilters{
			Partition: input.Partition,
			Source:    input.Source,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		e, err := r.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/reject",
		Summary:     "Reject an unprocessable event",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string             `path:"event_id"`
		Body    RejectEventRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		if err := q.Reject(ctx, input.EventID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		e, err := r.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(e)}, nil
	})
}

func registerPlans(api huma.API, x executor.Executor, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"pending,in_progress,completed,failed"`
		EventID string `query:"event_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		items, err := r.ListPlans(ctx, repo.PlanFilters{
			Status:  input.Status,
			EventID: input.EventID,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: mapPlans(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get plan with steps and log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := loadPlan(ctx, r, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/advance",
		Summary:     "Drive a plan until it parks or finishes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body executor.Result `json:"body"`
	}, error) {
		res, err := x.Run(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body executor.Result `json:"body"`
		}{Body: res}, nil
	})
}

func loadPlan(ctx context.Context, r repo.Repo, planID string) (domain.Plan, error) {
	p, err := r.GetPlan(ctx, planID)
	if err != nil {
		return domain.Plan{}, err
	}
	if p.Steps, err = r.ListSteps(ctx, p.ID); err != nil {
		return domain.Plan{}, err
	}
	if p.Log, err = r.ListPlanNotes(ctx, p.ID); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

func registerApprovals(api huma.API, g approval.Gate, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,approved,rejected,timed_out"`
		PlanID string `query:"plan_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		if input.Status == domain.ApprovalPending {
			items, err := g.Pending(ctx, input.Limit)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []ApprovalResponse `json:"body"`
			}{Body: mapApprovals(items)}, nil
		}
		items, err := r.ListApprovals(ctx, repo.ApprovalFilters{
			Status: input.Status,
			PlanID: input.PlanID,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{action_id}",
		Summary:     "Get approval, applying expiry first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		a, err := g.Poll(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	resolve := func(decision string) func(ctx context.Context, input *struct {
		ActionID string                 `path:"action_id"`
		Body     ResolveApprovalRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			ActionID string                 `path:"action_id"`
			Body     ResolveApprovalRequest `json:"body,omitempty" required:"false"`
		}) (*struct {
			Body ApprovalResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			a, err := g.Resolve(ctx, input.ActionID, decision, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ApprovalResponse `json:"body"`
			}{Body: approvalResponse(a)}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-action",
		Method:      http.MethodPost,
		Path:        "/approvals/{action_id}/approve",
		Summary:     "Approve a pending action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, resolve(domain.ApprovalApproved))

	huma.Register(api, huma.Operation{
		OperationID: "reject-action",
		Method:      http.MethodPost,
		Path:        "/approvals/{action_id}/reject",
		Summary:     "Reject a pending action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, resolve(domain.ApprovalRejected))
}

func registerEscalations(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		PlanID string `query:"plan_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []EscalationResponse `json:"body"`
	}, error) {
		items, err := r.ListEscalations(ctx, input.PlanID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EscalationResponse `json:"body"`
		}{Body: mapEscalations(items)}, nil
	})
}

func registerAudit(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries, newest first",
	}, func(ctx context.Context, input *struct {
		Component string `query:"component"`
		Limit     int    `query:"limit"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		items, err := r.LatestAuditEntries(ctx, input.Limit, input.Cursor, input.Component)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAuditEntries(items)}, nil
	})
}

func registerCycle(api huma.API, loop orchestrator.Loop) {
	huma.Register(api, huma.Operation{
		OperationID: "run-cycle",
		Method:      http.MethodPost,
		Path:        "/cycle",
		Summary:     "Run one orchestration cycle now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body orchestrator.CycleResult `json:"body"`
	}, error) {
		res, err := loop.RunCycle(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.CycleResult `json:"body"`
		}{Body: res}, nil
	})
}
