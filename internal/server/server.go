// Package server exposes the owner-scoped HTTP API.
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

	"driftline/internal/domain"
	"driftline/internal/engine"
	"driftline/internal/engine/auth"
	"driftline/internal/repo"
	"driftline/internal/signals"
	syncer "driftline/internal/sync"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sync     *syncer.Syncer
	Signals  *signals.Processor
	BasePath string
	Auth     AuthConfig
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rate_limited"`
	Message string         `json:"message" example:"manual sync rate limited"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type response[T any] struct {
	Body T
}

func respond[T any](v T) *response[T] {
	return &response[T]{Body: v}
}

type handlers struct {
	engine  engine.Engine
	sync    *syncer.Syncer
	signals *signals.Processor
}

// New returns an HTTP handler exposing the Driftline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Sync == nil || cfg.Signals == nil {
		return nil, errors.New("server: sync and signals are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Driftline API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, sync: cfg.Sync, signals: cfg.Signals}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerMe(group)
	h.registerConnections(group)
	h.registerSync(group)
	h.registerContent(group)
	h.registerWorks(group)
	h.registerVersions(group)
	h.registerSignals(group)
	h.registerActivity(group)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), map[string]any{"code": ve.Code, "field": ve.Field})
	}
	var fe auth.ForbiddenError
	switch {
	case errors.As(err, &fe), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrNoNewContent), errors.Is(err, repo.ErrVersionFrozen):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, syncer.ErrRateLimited), errors.Is(err, signals.ErrRateLimited):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), nil)
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
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// ownWork loads a work and checks it belongs to the caller. Foreign rows read
// as not found.
func (h handlers) ownWork(ctx context.Context, id string) (domain.StandingWork, error) {
	owner, authErr := ownerFromContext(ctx)
	if authErr != nil {
		return domain.StandingWork{}, authErr
	}
	w, err := h.engine.Repo.GetWork(ctx, id)
	if err != nil {
		return domain.StandingWork{}, err
	}
	if w.OwnerID != owner {
		return domain.StandingWork{}, auth.ForbiddenError{Resource: "work " + id}
	}
	return w, nil
}

func (h handlers) ownVersion(ctx context.Context, id string) (domain.WorkVersion, error) {
	owner, authErr := ownerFromContext(ctx)
	if authErr != nil {
		return domain.WorkVersion{}, authErr
	}
	v, err := h.engine.Repo.GetVersion(ctx, id)
	if err != nil {
		return domain.WorkVersion{}, err
	}
	if v.OwnerID != owner {
		return domain.WorkVersion{}, auth.ForbiddenError{Resource: "version " + id}
	}
	return v, nil
}

func (h handlers) versionResponse(ctx context.Context, v domain.WorkVersion) (VersionResponse, error) {
	receipts, err := h.engine.Repo.ListReceipts(ctx, v.ID)
	if err != nil {
		return VersionResponse{}, err
	}
	if receipts == nil {
		receipts = []domain.DeliveryReceipt{}
	}
	return VersionResponse{WorkVersion: v, Receipts: receipts}, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once    sync.Once
		spec    []byte
		specErr error
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, specErr = json.Marshal(oas)
		})
		if specErr != nil {
			http.Error(w, specErr.Error(), http.StatusInternalServerError)
			return
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
	healthPath := path.Join("/", basePath, "health")
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
    <title>Driftline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. Mint one with dl token mint.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current owner",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*response[MeResponse], error) {
		p, _ := principalFromContext(ctx)
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out := MeResponse{OwnerID: owner, Email: p.Email}
		o, err := h.engine.Repo.GetOwner(ctx, owner)
		switch {
		case err == nil:
			out.Preferences = o.Preferences
			if o.Email != "" {
				out.Email = o.Email
			}
		case !errors.Is(err, repo.ErrNotFound):
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-preferences",
		Method:      http.MethodPut,
		Path:        "/me/preferences",
		Summary:     "Set generation preferences",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body PreferencesRequest
	}) (*response[MeResponse], error) {
		p, _ := principalFromContext(ctx)
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.engine.Repo.EnsureOwner(ctx, owner, p.Email, time.Now().UTC()); err != nil {
			return nil, handleError(err)
		}
		if err := h.engine.Repo.SetPreferences(ctx, owner, strings.TrimSpace(input.Body.Preferences)); err != nil {
			return nil, handleError(err)
		}
		return respond(MeResponse{OwnerID: owner, Email: p.Email, Preferences: strings.TrimSpace(input.Body.Preferences)}), nil
	})
}

func (h handlers) registerConnections(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-connection",
		Method:        http.MethodPost,
		Path:          "/connections",
		Summary:       "Register a platform connection",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ConnectionRequest
	}) (*response[domain.PlatformConnection], error) {
		p, _ := principalFromContext(ctx)
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		now := time.Now().UTC()
		if err := h.engine.Repo.EnsureOwner(ctx, owner, p.Email, now); err != nil {
			return nil, handleError(err)
		}
		c := domain.PlatformConnection{
			OwnerID:     owner,
			Platform:    input.Body.Platform,
			AccessToken: strings.TrimSpace(input.Body.AccessToken),
			Status:      input.Body.Status,
			NextSyncAt:  &now,
			CreatedAt:   now,
		}
		if err := h.engine.Repo.UpsertConnection(ctx, c); err != nil {
			return nil, handleError(err)
		}
		stored, err := h.engine.Repo.GetConnection(ctx, owner, c.Platform)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(stored), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-connections",
		Method:      http.MethodGet,
		Path:        "/connections",
		Summary:     "List platform connections",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*response[[]domain.PlatformConnection], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		conns, err := h.engine.Repo.ListConnections(ctx, owner, false)
		if err != nil {
			return nil, handleError(err)
		}
		if conns == nil {
			conns = []domain.PlatformConnection{}
		}
		return respond(conns), nil
	})
}

func (h handlers) registerSync(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-platform",
		Method:      http.MethodPost,
		Path:        "/platforms/{platform}/sync",
		Summary:     "Sync one platform now",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Platform string `path:"platform" enum:"slack,notion,gmail"`
	}) (*response[syncer.Result], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.sync.SyncManual(ctx, owner, domain.Platform(input.Platform))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Per-resource sync registry",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Platform string `query:"platform" enum:"slack,notion,gmail"`
	}) (*response[SyncStatusResponse], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		conns, err := h.engine.Repo.ListConnections(ctx, owner, false)
		if err != nil {
			return nil, handleError(err)
		}
		states, err := h.engine.Repo.ListSyncStates(ctx, owner, domain.Platform(input.Platform))
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now().UTC()
		out := SyncStatusResponse{Connections: conns, Resources: []SyncStateView{}}
		if out.Connections == nil {
			out.Connections = []domain.PlatformConnection{}
		}
		for _, st := range states {
			out.Resources = append(out.Resources, syncStateView(st, h.engine.Config.Platform(st.Platform).Interval, now))
		}
		return respond(out), nil
	})
}

func (h handlers) registerContent(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-content",
		Method:      http.MethodGet,
		Path:        "/content",
		Summary:     "Query stored content",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Platform   string `query:"platform" enum:"slack,notion,gmail"`
		ResourceID string `query:"resource_id"`
		Query      string `query:"q"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*response[ContentResponse], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			items []domain.ContentItem
			err   error
		)
		if q := strings.TrimSpace(input.Query); q != "" {
			items, err = h.engine.Repo.SearchContent(ctx, owner, q, domain.Platform(input.Platform), input.Limit)
		} else {
			cq := repo.ContentQuery{OwnerID: owner, Platform: domain.Platform(input.Platform), Limit: input.Limit}
			if input.ResourceID != "" {
				cq.ResourceIDs = []string{input.ResourceID}
			}
			items, err = h.engine.Repo.QueryContent(ctx, cq)
		}
		if err != nil {
			return nil, handleError(err)
		}
		stats, err := h.engine.Repo.ContentStats(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ContentItem{}
		}
		return respond(ContentResponse{Items: items, Stats: stats}), nil
	})
}

func (h handlers) registerWorks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work",
		Method:        http.MethodPost,
		Path:          "/works",
		Summary:       "Create a standing work",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkRequest
	}) (*response[domain.StandingWork], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := input.Body.validate(); err != nil {
			return nil, handleError(err)
		}
		w, err := h.engine.CreateWork(ctx, input.Body.options(owner))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-works",
		Method:      http.MethodGet,
		Path:        "/works",
		Summary:     "List standing works",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,paused,archived"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*response[[]domain.StandingWork], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		works, err := h.engine.Repo.ListWorks(ctx, repo.WorkFilter{OwnerID: owner, Status: domain.WorkStatus(input.Status), Type: input.Type, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if works == nil {
			works = []domain.StandingWork{}
		}
		return respond(works), nil
	})

	type workPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/works/{id}",
		Summary:     "Get a standing work",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workPath) (*response[domain.StandingWork], error) {
		w, err := h.ownWork(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work",
		Method:      http.MethodPatch,
		Path:        "/works/{id}",
		Summary:     "Pause, resume or archive a work",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateWorkRequest
	}) (*response[domain.StandingWork], error) {
		if _, err := h.ownWork(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		w, err := h.engine.UpdateWorkStatus(ctx, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-work",
		Method:      http.MethodPost,
		Path:        "/works/{id}/promote",
		Summary:     "Make a one-off work recurring",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body PromoteRequest
	}) (*response[domain.StandingWork], error) {
		if _, err := h.ownWork(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		w, err := h.engine.Promote(ctx, input.ID, input.Body.Schedule)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-work",
		Method:      http.MethodPost,
		Path:        "/works/{id}/run",
		Summary:     "Run a work now",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force"`
	}) (*response[VersionResponse], error) {
		if _, err := h.ownWork(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		v, err := h.engine.Run(ctx, input.ID, engine.RunOptions{Force: input.Force, Trigger: "manual"})
		if err != nil {
			return nil, handleError(err)
		}
		out, err := h.versionResponse(ctx, v)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/works/{id}/versions",
		Summary:     "List versions, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"20" minimum:"1" maximum:"200"`
	}) (*response[[]domain.WorkVersion], error) {
		if _, err := h.ownWork(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		versions, err := h.engine.Repo.ListVersions(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if versions == nil {
			versions = []domain.WorkVersion{}
		}
		return respond(versions), nil
	})
}

func (h handlers) registerVersions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/versions/{id}",
		Summary:     "Get a version with its delivery receipts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[VersionResponse], error) {
		v, err := h.ownVersion(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := h.versionResponse(ctx, v)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-feedback",
		Method:      http.MethodPut,
		Path:        "/versions/{id}/feedback",
		Summary:     "Set edit feedback for the next version",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body FeedbackRequest
	}) (*response[domain.WorkVersion], error) {
		if _, err := h.ownVersion(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		v, err := h.engine.SetFeedback(ctx, input.ID, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-delivery",
		Method:      http.MethodPost,
		Path:        "/versions/{id}/retry",
		Summary:     "Retry delivery of a failed version",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[VersionResponse], error) {
		if _, err := h.ownVersion(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		v, err := h.engine.RetryDelivery(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := h.versionResponse(ctx, v)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})
}

func (h handlers) registerSignals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "process-signals",
		Method:      http.MethodPost,
		Path:        "/signals/process",
		Summary:     "Run signal processing now",
		Errors:      []int{http.StatusConflict, http.StatusTooManyRequests},
	}, func(ctx context.Context, _ *struct{}) (*response[[]signals.SignalAction], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actions, err := h.signals.ProcessManual(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		if actions == nil {
			actions = []signals.SignalAction{}
		}
		return respond(actions), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signal-history",
		Method:      http.MethodGet,
		Path:        "/signals/history",
		Summary:     "Realized signals",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*response[[]domain.SignalHistoryEntry], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.engine.Repo.ListSignalHistory(ctx, owner, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.SignalHistoryEntry{}
		}
		return respond(items), nil
	})
}

func (h handlers) registerActivity(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Recent activity events",
		Description: "Newest first. Pass after_id to tail forward from a known event.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*response[ActivityPage], error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.engine.Events.List(ctx, repo.ActivityFilter{OwnerID: owner, EventType: input.Type, AfterID: input.AfterID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		page := ActivityPage{Items: items}
		if page.Items == nil {
			page.Items = []domain.ActivityEvent{}
		}
		for _, e := range page.Items {
			if e.ID > page.LastID {
				page.LastID = e.ID
			}
		}
		return respond(page), nil
	})
}
