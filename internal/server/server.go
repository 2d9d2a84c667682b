package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"permitflow/internal/domain"
	"permitflow/internal/engine"
	"permitflow/internal/engine/auth"
	"permitflow/internal/repo"
)

// Version is reported in the OpenAPI document.
const Version = "1.0.0"

const permitsPath = "/loto-work-permit"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_finalized"`
	Message string         `json:"message" example:"permit 7 is APPROVED: already finalized"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"role\":\"user\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the permit API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Malformed input is a client error, not a semantic one.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(newRequestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(captureBody)
	router.Use(newIdentityMiddleware(cfg.Auth))
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "route not found", map[string]any{"path": r.URL.Path}))
	})

	hcfg := huma.DefaultConfig("Permitflow API", Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	hcfg.Info.Description = "LOTO work permit approval workflow"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerPermits(group, cfg.Engine)
	registerPermitActions(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": string(fe.Role), "allowed": fe.Allowed})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "LOTO Work Permit not found", nil)
	case errors.Is(err, engine.ErrAlreadyFinalized):
		return newAPIError(http.StatusBadRequest, "already_finalized", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusBadRequest, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrNoFields), errors.Is(err, engine.ErrInvalidFilter):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	l := requestLogger(ctx)
	if l == nil {
		l = slog.Default()
	}
	l.ErrorContext(ctx, "request failed", "error", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

// applyAuthSecurity documents the optional bearer token. Requests without one
// run as the anonymous user.
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
	security := []map[string][]string{
		{"bearerAuth": {}},
		{},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Permitflow API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		schema := "pending"
		if e.Guard != nil && e.Guard.Ready() {
			schema = "ready"
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "schema": schema}}, nil
	})
}

func registerPermits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-permits",
		Method:      http.MethodGet,
		Path:        permitsPath,
		Summary:     "List permits, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     []string `query:"status,explode" doc:"Repeat or comma-separate to match any of several statuses"`
		Plant      string   `query:"plant" doc:"Case-insensitive substring"`
		DateFrom   string   `query:"date_from" doc:"YYYY-MM-DD, inclusive"`
		DateTo     string   `query:"date_to" doc:"YYYY-MM-DD, inclusive"`
		AwaitingMe bool     `query:"awaiting_me" doc:"Only permits whose next approval belongs to the caller"`
		Limit      int      `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Permit `json:"body"`
	}, error) {
		opts := engine.ListOptions{
			Statuses:   splitStatuses(input.Status),
			Plant:      input.Plant,
			DateFrom:   input.DateFrom,
			DateTo:     input.DateTo,
			AwaitingMe: input.AwaitingMe,
			Limit:      input.Limit,
		}
		items, err := e.List(ctx, identityFromContext(ctx), opts)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Permit `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:      "create-permit",
		Method:           http.MethodPost,
		Path:             permitsPath,
		Summary:          "Submit a permit",
		DefaultStatus:    http.StatusCreated,
		SkipValidateBody: true,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body *PermitRequest `json:"body" required:"false"`
	}) (*struct {
		Body PermitMessage `json:"body"`
	}, error) {
		var d domain.Details
		if input.Body != nil {
			d = input.Body.Details
		}
		p, err := e.Create(ctx, identityFromContext(ctx), d)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PermitMessage `json:"body"`
		}{Body: PermitMessage{Message: "LOTO Work Permit submitted successfully", Record: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "permit-summary",
		Method:      http.MethodGet,
		Path:        permitsPath + "/summary",
		Summary:     "Count permits per status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Summary `json:"body"`
	}, error) {
		s, err := e.Summary(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Summary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-permit",
		Method:      http.MethodGet,
		Path:        permitsPath + "/{id}",
		Summary:     "Get permit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Permit `json:"body"`
	}, error) {
		p, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Permit `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "permit-events",
		Method:      http.MethodGet,
		Path:        permitsPath + "/{id}/events",
		Summary:     "Permit audit trail, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:      "update-permit",
		Method:           http.MethodPut,
		Path:             permitsPath + "/{id}",
		Summary:          "Update static fields of an open permit",
		SkipValidateBody: true,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body *PermitRequest `json:"body" required:"false"`
	}) (*struct {
		Body PermitMessage `json:"body"`
	}, error) {
		opts := engine.EditOptions{ID: input.ID, Fields: suppliedColumns(rawBodyMap(ctx))}
		if input.Body != nil {
			opts.Details = input.Body.Details
		}
		p, err := e.Edit(ctx, identityFromContext(ctx), opts)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PermitMessage `json:"body"`
		}{Body: PermitMessage{Message: "Updated", Record: p}}, nil
	})
}

func registerPermitActions(api huma.API, e engine.Engine) {
	actionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusInternalServerError,
	}
	huma.Register(api, huma.Operation{
		OperationID: "approve-permit",
		Method:      http.MethodPost,
		Path:        permitsPath + "/{id}/approve",
		Summary:     "Approve the current stage",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body PermitMessage `json:"body"`
	}, error) {
		p, err := e.Approve(ctx, identityFromContext(ctx), input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PermitMessage `json:"body"`
		}{Body: PermitMessage{Message: "Approved", Record: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-permit",
		Method:      http.MethodPost,
		Path:        permitsPath + "/{id}/reject",
		Summary:     "Reject the permit",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body *RejectRequest `json:"body" required:"false"`
	}) (*struct {
		Body PermitMessage `json:"body"`
	}, error) {
		var reason *string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		p, err := e.Reject(ctx, identityFromContext(ctx), input.ID, reason)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body PermitMessage `json:"body"`
		}{Body: PermitMessage{Message: "Rejected", Record: p}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: meResponse(identityFromContext(ctx))}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		username := strings.TrimSpace(input.Body.Username)
		if username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is required", nil)
		}
		signer := authCfg.Signer
		if signer.Secret == "" {
			signer.Secret = authCfg.JWTSecret
		}
		token, err := signer.Sign(username, domain.Role(input.Body.Role), input.Body.Forms)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

// suppliedColumns returns the form columns present in the body, including
// those explicitly set to null.
func suppliedColumns(body map[string]json.RawMessage) []string {
	var out []string
	for key := range body {
		if _, ok := domain.LookupField(key); ok {
			out = append(out, key)
		}
	}
	return out
}

func splitStatuses(in []string) []domain.Status {
	var out []domain.Status
	for _, v := range in {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, domain.Status(strings.ToUpper(s)))
			}
		}
	}
	return out
}
