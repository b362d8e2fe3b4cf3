package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/logger"
	"specline/internal/parse"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_credits"`
	Message string         `json:"message" example:"insufficient credits: 5.00 required, 1.50 available"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"balance\":1.5,\"required\":5}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handler struct {
	e   engine.Engine
	log *logger.Logger
}

// New returns an HTTP handler exposing the Specline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
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
	router.Use(requestLogger(log))
	router.Use(bufferBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Specline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handler{e: cfg.Engine, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	h.registerMe(group, cfg.Auth)
	h.registerProjects(group)
	h.registerInterrogation(group)
	h.registerBlueprints(group)
	h.registerPrompts(group)
	h.registerEvents(group)
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

// handleError maps engine errors onto the envelope. Unexpected errors are
// logged, reported to Sentry and hidden from the caller.
func (h handler) handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ice  *engine.InsufficientCreditsError
		pu   *engine.PrerequisitesUnmetError
		inv  *engine.InvalidInputError
		conf *engine.ConflictError
		gf   *engine.GenerationFailedError
	)
	switch {
	case errors.As(err, &ice):
		return newAPIError(http.StatusPaymentRequired, "insufficient_credits", err.Error(), map[string]any{
			"balance": ice.Balance.Float(), "required": ice.Required.Float(),
		})
	case errors.As(err, &pu):
		return newAPIError(http.StatusConflict, "prerequisites_unmet", err.Error(), map[string]any{"unmet": pu.Titles})
	case errors.As(err, &inv):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.As(err, &conf):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case engine.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, engine.ErrProviderExhausted):
		h.log.Warn("ai providers exhausted", "error", err)
		return newAPIError(http.StatusServiceUnavailable, "provider_exhausted", "all AI providers failed; try again later", nil)
	case errors.As(err, &gf):
		h.log.Warn("generation output unusable", "stage", gf.Stage, "error", gf.Err)
		return newAPIError(http.StatusBadGateway, "generation_failed", gf.Error(), map[string]any{"stage": gf.Stage})
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "canceled", "request canceled", nil)
	default:
		h.log.Error("request failed", "request_id", middleware.GetReqID(ctx), "error", err)
		reportError(ctx, err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusPaymentRequired:
		return "insufficient_credits"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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
			errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
			ensureDefaultErrorResponses(oas, errSchema)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI, errSchema *huma.Schema) {
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
						Schema: errSchema,
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
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
    <title>Specline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

var chargedErrors = append([]int{
	http.StatusPaymentRequired,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
}, writeErrors...)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type promptPath struct {
	ProjectID string `path:"project_id"`
	PromptID  string `path:"prompt_id"`
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

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, exp, err := authCfg.Service.IssueToken(user, strings.TrimSpace(input.Body.Email))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: exp.UTC().Format("2006-01-02T15:04:05Z07:00")}}, nil
	})
}

func (h handler) registerMe(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user and credit balance",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		balance, err := h.e.Balance(ctx, p.UserID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{UserID: p.UserID, Email: p.Email, Source: p.Source, Credits: balance}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := authCfg.Service.CreateAPIKey(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := authCfg.Service.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := authCfg.Service.RevokeAPIKey(ctx, userID, input.KeyID); err != nil {
			return nil, h.handleError(ctx, err)
		}
		return nil, nil
	})
}

func (h handler) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.CreateProject(ctx, engine.ProjectCreateOptions{
			UserID:      userID,
			Title:       input.Body.Title,
			ProjectType: input.Body.ProjectType,
			Features:    input.Body.Features,
			TechStack:   input.Body.TechStack,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListProjects(ctx, userID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.GetProject(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project and all its pipeline data",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.DeleteProject(ctx, userID, input.ProjectID); err != nil {
			return nil, h.handleError(ctx, err)
		}
		return nil, nil
	})
}

func (h handler) registerInterrogation(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "interrogate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/interrogation",
		Summary:     "Start or continue the requirements interview",
		Description: "The first call needs initial_description. Later calls carry the user's answer in message, which costs credits.",
		Errors:      chargedErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      InterrogationRequest `json:"body"`
	}) (*struct {
		Body InterrogationResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.AskNext(ctx, engine.AskOptions{
			UserID:             userID,
			ProjectID:          input.ProjectID,
			InitialDescription: input.Body.InitialDescription,
			Message:            input.Body.Message,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		outcome := "parsed"
		if res.Outcome != parse.Parsed {
			outcome = "fallback"
		}
		return &struct {
			Body InterrogationResponse `json:"body"`
		}{Body: InterrogationResponse{Question: res.Question, Outcome: outcome, Conversation: res.Conversation}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-interrogation",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/interrogation",
		Summary:     "Fetch conversation state",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Conversation `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := h.e.Conversation(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Conversation `json:"body"`
		}{Body: c}, nil
	})
}

func (h handler) registerBlueprints(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-blueprints",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/blueprints",
		Summary:     "Generate the blueprint suite",
		Description: "Charges once per call. On a partial suite, calling again regenerates only the unfinished documents.",
		Errors:      chargedErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.BlueprintSuite `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.GenerateBlueprintSuite(ctx, userID, input.ProjectID, nil)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.BlueprintSuite `json:"body"`
		}{Body: s}, nil
	})

	h.registerBlueprintStream(api)

	huma.Register(api, huma.Operation{
		OperationID: "get-blueprints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/blueprints",
		Summary:     "Fetch the blueprint suite",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.BlueprintSuite `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.BlueprintSuite(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.BlueprintSuite `json:"body"`
		}{Body: s}, nil
	})
}

func (h handler) registerPrompts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-prompts",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/prompts",
		Summary:       "Generate the implementation prompt sequence",
		DefaultStatus: http.StatusCreated,
		Errors:        chargedErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.PromptSequence `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.GeneratePromptSequence(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.PromptSequence `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-prompts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/prompts",
		Summary:     "Fetch the prompt sequence",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.PromptSequence `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.PromptSequence(ctx, userID, input.ProjectID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.PromptSequence `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-prompt-status",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/prompts/{prompt_id}",
		Summary:     "Change a prompt's status",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		PromptID  string              `path:"prompt_id"`
		Body      UpdatePromptRequest `json:"body"`
	}) (*struct {
		Body PromptStatusResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		change, err := h.e.UpdatePromptStatus(ctx, userID, input.ProjectID, input.PromptID, input.Body.Status)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body PromptStatusResponse `json:"body"`
		}{Body: statusResponse(change)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate-prompt",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/prompts/{prompt_id}/regenerate",
		Summary:     "Rewrite a prompt's content",
		Errors:      chargedErrors,
	}, func(ctx context.Context, input *promptPath) (*struct {
		Body domain.ImplementationPrompt `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.RegeneratePrompt(ctx, userID, input.ProjectID, input.PromptID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.ImplementationPrompt `json:"body"`
		}{Body: p}, nil
	})
}

func (h handler) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List the project's pipeline events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor    string `query:"cursor" doc:"Return events after this id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		page, err := h.e.ListEvents(ctx, userID, input.ProjectID, after, input.Limit)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range page.Events {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if page.More {
			resp.NextCursor = strconv.FormatInt(page.Events[len(page.Events)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
