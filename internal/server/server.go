package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"buildline/internal/agents"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// BuildContext bounds builds started in the background. Canceling it
	// cancels running steps.
	BuildContext context.Context
	Logger       log.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"build type Foo: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the HTTP API. Builds triggered through it run in the background;
// Wait blocks until they have finished.
type Server struct {
	handler http.Handler
	builds  *dispatcher
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// Wait blocks until background builds return.
func (s *Server) Wait() { s.builds.wg.Wait() }

// New returns the buildline API.
func New(cfg Config) (*Server, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	buildCtx := cfg.BuildContext
	if buildCtx == nil {
		buildCtx = context.Background()
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
	router.Use(cfg.Engine.Metrics.Instrument)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("buildline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	d := &dispatcher{engine: cfg.Engine, ctx: buildCtx, logger: logger}
	registerHealth(group)
	registerProject(group, cfg.Engine)
	registerBuilds(group, cfg.Engine, d)
	registerAgents(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.JWTSecret != "")

	return &Server{handler: router, builds: d}, nil
}

// dispatcher runs triggered builds off the request goroutine.
type dispatcher struct {
	engine engine.Engine
	ctx    context.Context
	logger log.FieldLogger
	wg     sync.WaitGroup
}

func (d *dispatcher) start(buildID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.engine.Run(d.ctx, buildID); err != nil {
			d.logger.WithError(err).WithField("build", buildID).Error("Background build failed")
		}
	}()
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
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, repo.ErrNotQueued):
		return newAPIError(http.StatusConflict, "not_queued", msg, nil)
	case errors.Is(err, agents.ErrNoCompatibleAgent):
		return newAPIError(http.StatusConflict, "no_compatible_agent", msg, nil)
	case strings.Contains(msg, "UNIQUE constraint"):
		return newAPIError(http.StatusConflict, "conflict", "already exists", map[string]any{"error": msg})
	case strings.Contains(msg, "required") || strings.Contains(msg, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, bearer bool) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			if bearer {
				applyAuthSecurity(oas, basePath)
			}
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func registerProject(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/project",
		Summary:     "Project tree",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectTreeResponse `json:"body"`
	}, error) {
		version := ""
		if e.Settings != nil {
			version = e.Settings.Version
		}
		return &struct {
			Body ProjectTreeResponse `json:"body"`
		}{Body: projectTreeResponse(version, e.Project)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build-type",
		Method:      http.MethodGet,
		Path:        "/build-types/{id}",
		Summary:     "Build configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BuildTypeResponse `json:"body"`
	}, error) {
		bt, err := e.BuildType(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildTypeResponse `json:"body"`
		}{Body: buildTypeResponse(bt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "build-type-compatibility",
		Method:      http.MethodGet,
		Path:        "/build-types/{id}/compatibility",
		Summary:     "Evaluate every agent against a build configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Items []CompatibilityResponse `json:"items"`
		} `json:"body"`
	}, error) {
		all, err := e.Compatibility(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []CompatibilityResponse `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = []CompatibilityResponse{}
		for _, c := range all {
			resp.Body.Items = append(resp.Body.Items, compatibilityResponse(input.ID, c))
		}
		return resp, nil
	})
}

func registerBuilds(api huma.API, e engine.Engine, d *dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-build",
		Method:        http.MethodPost,
		Path:          "/build-types/{id}/builds",
		Summary:       "Queue a build",
		Description:   "The build runs in the background unless wait is set.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Wait bool   `query:"wait" doc:"Run the build before responding"`
	}) (*struct {
		Body domain.Build `json:"body"`
	}, error) {
		b, err := e.Trigger(ctx, input.ID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		if input.Wait {
			b, err = e.Run(ctx, b.ID)
			if err != nil {
				return nil, handleError(err)
			}
		} else {
			d.start(b.ID)
		}
		return &struct {
			Body domain.Build `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-builds",
		Method:      http.MethodGet,
		Path:        "/builds",
		Summary:     "List builds, newest first",
	}, func(ctx context.Context, input *struct {
		BuildType string `query:"build_type"`
		Status    string `query:"status" enum:"queued,running,success,failed,canceled"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body listBuilds `json:"body"`
	}, error) {
		items, err := e.Repo.ListBuilds(ctx, repo.BuildFilters{
			BuildTypeID: input.BuildType,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listBuilds `json:"body"`
		}{Body: listBuilds{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build",
		Method:      http.MethodGet,
		Path:        "/builds/{id}",
		Summary:     "Build with its steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BuildDetailResponse `json:"body"`
	}, error) {
		b, steps, err := e.BuildDetails(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildDetailResponse `json:"body"`
		}{Body: BuildDetailResponse{Build: b, Steps: nonNilSlice(steps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-build",
		Method:      http.MethodPost,
		Path:        "/builds/{id}/cancel",
		Summary:     "Cancel a queued build",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Build `json:"body"`
	}, error) {
		b, err := e.Cancel(ctx, input.ID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Build `json:"body"`
		}{Body: b}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents in registration order",
	}, func(ctx context.Context, input *struct {
		Enabled bool `query:"enabled" doc:"Only enabled agents"`
	}) (*struct {
		Body listAgents `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx, input.Enabled)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listAgents `json:"body"`
		}{Body: listAgents{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.RegisterAgent(ctx, engine.AgentOptions{
			ID:       input.Body.ID,
			Name:     input.Body.Name,
			MemoryMB: input.Body.MemoryMB,
			OS:       input.Body.OS,
			Params:   input.Body.Params,
			Disabled: input.Body.Disabled,
			ActorID:  actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	for _, toggle := range []struct {
		verb    string
		enabled bool
	}{{"enable", true}, {"disable", false}} {
		huma.Register(api, huma.Operation{
			OperationID: toggle.verb + "-agent",
			Method:      http.MethodPost,
			Path:        "/agents/{id}/" + toggle.verb,
			Summary:     strings.ToUpper(toggle.verb[:1]) + toggle.verb[1:] + " an agent",
			Errors:      []int{http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body domain.Agent `json:"body"`
		}, error) {
			a, err := e.SetAgentEnabled(ctx, input.ID, toggle.enabled, actorIDFromContext(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Agent `json:"body"`
			}{Body: a}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "agent-compatibility",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/compatibility/{build_type_id}",
		Summary:     "Evaluate an agent against a build configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		BuildTypeID string `path:"build_type_id"`
	}) (*struct {
		Body CompatibilityResponse `json:"body"`
	}, error) {
		c, err := e.CheckAgent(ctx, input.BuildTypeID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompatibilityResponse `json:"body"`
		}{Body: compatibilityResponse(input.BuildTypeID, c)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"agent,build"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body listEvents `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := listEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body listEvents `json:"body"`
		}{Body: resp}, nil
	})
}
