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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"skywatch/internal/domain"
	"skywatch/internal/engine"
	"skywatch/internal/engine/auth"
	"skywatch/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// Context bounds background work like webhook delivery; cancelling it
	// stops the dispatcher. Defaults to context.Background().
	Context context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflicting_state"`
	Message string         `json:"message" example:"recommendation 42 already rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Skywatch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema validation failures are the caller's fault.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Engine))
	hcfg := huma.DefaultConfig("Skywatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLogin(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerFacilities(group, cfg.Engine)
	registerClients(group, cfg.Engine)
	registerObjects(group, cfg.Engine)
	registerObservations(group, cfg.Engine)
	registerModels(group, cfg.Engine)
	registerGroups(group, cfg.Engine)
	registerRecommendations(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	baseCtx := cfg.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	startWebhookDispatcher(baseCtx, cfg.Engine)

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
	var pe auth.PermissionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"required_level": pe.Required})
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrCredentialRevoked),
		errors.Is(err, auth.ErrTokenNotFound),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrTokenExpired):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	}
	var cse engine.ConflictingStateError
	if errors.As(err, &cse) {
		return newAPIError(http.StatusConflict, "conflicting_state", err.Error(), map[string]any{"state": cse.State})
	}
	var nae engine.NotAcceptedError
	if errors.As(err, &nae) {
		return newAPIError(http.StatusConflict, "not_accepted", err.Error(), nil)
	}
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"from": ite.From, "to": ite.To})
	}
	if errors.Is(err, repo.ErrAliasExists) {
		return newAPIError(http.StatusConflict, "alias_exists", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrBusy) {
		return newAPIError(http.StatusServiceUnavailable, "busy", "database busy, retry", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
	case http.StatusServiceUnavailable:
		return "busy"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireAdmin returns the authenticated client if it is admin or root.
func requireAdmin(ctx context.Context) (domain.Client, huma.StatusError) {
	c, authErr := requireClient(ctx)
	if authErr != nil {
		return c, authErr
	}
	if err := engine.RequireLevel(c, auth.LevelAdmin); err != nil {
		return c, handleError(err)
	}
	return c, nil
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
	open := map[string]bool{
		path.Join("/", basePath, "health"): true,
		path.Join("/", basePath, "login"):  true,
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
    <title>Skywatch API Docs</title>
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

func registerLogin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/login",
		Summary:     "Exchange a key and secret for a bearer token",
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if input.Body.Key == "" || input.Body.Secret == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "key and secret are required", nil)
		}
		s, err := e.Login(ctx, input.Body.Key, input.Body.Secret)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/whoami",
		Summary:     "Authenticated client",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Client `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.Client `json:"body"`
		}{Body: c}, nil
	})
}

type idPath struct {
	ID int64 `path:"id"`
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.AddUser(ctx, domain.User{
			FirstName: input.Body.FirstName,
			LastName:  input.Body.LastName,
			Email:     input.Body.Email,
			Alias:     input.Body.Alias,
			Data:      input.Body.Data,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "Get user",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if c.UserID != input.ID {
			if err := engine.RequireLevel(c, auth.LevelAdmin); err != nil {
				return nil, handleError(err)
			}
		}
		u, err := e.Repo.GetUser(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPut,
		Path:        "/users/{id}",
		Summary:     "Update user",
	}, func(ctx context.Context, input *struct {
		idPath
		Body UpdateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.FirstName != nil {
			u.FirstName = *input.Body.FirstName
		}
		if input.Body.LastName != nil {
			u.LastName = *input.Body.LastName
		}
		if input.Body.Email != nil {
			u.Email = *input.Body.Email
		}
		if input.Body.Alias != nil {
			u.Alias = *input.Body.Alias
		}
		if input.Body.Data != nil {
			u.Data = input.Body.Data
		}
		u, err = e.UpdateUser(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-user",
		Method:        http.MethodDelete,
		Path:          "/users/{id}",
		Summary:       "Delete user",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveUser(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-facilities",
		Method:      http.MethodGet,
		Path:        "/users/{id}/facilities",
		Summary:     "Facilities a user observes at",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.Facility `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		fs, err := e.Repo.ListUserFacilities(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Facility `json:"body"`
		}{Body: nonNilSlice(fs)}, nil
	})

	type userFacilityPath struct {
		ID         int64 `path:"id"`
		FacilityID int64 `path:"facility_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "register-facility",
		Method:        http.MethodPut,
		Path:          "/users/{id}/facilities/{facility_id}",
		Summary:       "Register a user at a facility",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *userFacilityPath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RegisterFacility(ctx, input.ID, input.FacilityID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID:   "unregister-facility",
		Method:        http.MethodDelete,
		Path:          "/users/{id}/facilities/{facility_id}",
		Summary:       "Unregister a user from a facility",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *userFacilityPath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.UnregisterFacility(ctx, input.ID, input.FacilityID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerFacilities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-facility",
		Method:        http.MethodPost,
		Path:          "/facilities",
		Summary:       "Create facility",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateFacilityRequest `json:"body"`
	}) (*struct {
		Body domain.Facility `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		f, err := e.AddFacility(ctx, domain.Facility{
			Name:              input.Body.Name,
			Latitude:          input.Body.Latitude,
			Longitude:         input.Body.Longitude,
			Elevation:         input.Body.Elevation,
			LimitingMagnitude: input.Body.LimitingMagnitude,
			Data:              input.Body.Data,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Facility `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-facilities",
		Method:      http.MethodGet,
		Path:        "/facilities",
		Summary:     "List facilities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Facility `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		fs, err := e.Repo.ListFacilities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Facility `json:"body"`
		}{Body: nonNilSlice(fs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-facility",
		Method:      http.MethodGet,
		Path:        "/facilities/{id}",
		Summary:     "Get facility",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Facility `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		f, err := e.Repo.GetFacility(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Facility `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-facility",
		Method:      http.MethodPut,
		Path:        "/facilities/{id}",
		Summary:     "Update facility",
	}, func(ctx context.Context, input *struct {
		idPath
		Body UpdateFacilityRequest `json:"body"`
	}) (*struct {
		Body domain.Facility `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		f, err := e.Repo.GetFacility(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Name != nil {
			f.Name = *input.Body.Name
		}
		if input.Body.Latitude != nil {
			f.Latitude = input.Body.Latitude
		}
		if input.Body.Longitude != nil {
			f.Longitude = input.Body.Longitude
		}
		if input.Body.Elevation != nil {
			f.Elevation = input.Body.Elevation
		}
		if input.Body.LimitingMagnitude != nil {
			f.LimitingMagnitude = *input.Body.LimitingMagnitude
		}
		if input.Body.Data != nil {
			f.Data = input.Body.Data
		}
		f, err = e.UpdateFacility(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Facility `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-facility",
		Method:        http.MethodDelete,
		Path:          "/facilities/{id}",
		Summary:       "Delete facility",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveFacility(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-facility-users",
		Method:      http.MethodGet,
		Path:        "/facilities/{id}/users",
		Summary:     "Users registered at a facility",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListFacilityUsers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})
}

func registerClients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-client",
		Method:        http.MethodPost,
		Path:          "/users/{id}/client",
		Summary:       "Issue a credential for a user",
		Description:   "The secret is returned exactly once and stored only as a hash.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		idPath
		Body CreateClientRequest `json:"body"`
	}) (*struct {
		Body CredentialResponse `json:"body"`
	}, error) {
		c, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		level := -1
		if input.Body.Level != nil {
			level = *input.Body.Level
			// Only root may mint privileged credentials.
			if level <= auth.LevelAdmin {
				if err := engine.RequireLevel(c, auth.LevelRoot); err != nil {
					return nil, handleError(err)
				}
			}
		}
		cred, err := e.CreateClient(ctx, input.ID, level)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CredentialResponse `json:"body"`
		}{Body: credentialResponse(cred)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clients",
		Method:      http.MethodGet,
		Path:        "/clients",
		Summary:     "List clients",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Client `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		cs, err := e.Repo.ListClients(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Client `json:"body"`
		}{Body: nonNilSlice(cs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rotate-client-secret",
		Method:      http.MethodPut,
		Path:        "/clients/{id}/secret",
		Summary:     "Rotate a client secret",
		Description: "Invalidates any outstanding token.",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body CredentialResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		cred, err := e.RotateSecret(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CredentialResponse `json:"body"`
		}{Body: credentialResponse(cred)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rotate-client-key",
		Method:      http.MethodPut,
		Path:        "/clients/{id}/key",
		Summary:     "Rotate a client key and secret",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body CredentialResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		cred, err := e.RotateKey(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CredentialResponse `json:"body"`
		}{Body: credentialResponse(cred)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-client",
		Method:        http.MethodDelete,
		Path:          "/clients/{id}",
		Summary:       "Revoke a client credential",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeClient(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "restore-client",
		Method:        http.MethodPut,
		Path:          "/clients/{id}/restore",
		Summary:       "Restore a revoked client credential",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RestoreClient(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerObjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-object",
		Method:        http.MethodPost,
		Path:          "/objects",
		Summary:       "Add an object to the catalog",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateObjectRequest `json:"body"`
	}) (*struct {
		Body domain.Object `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		o := domain.Object{
			Name:     input.Body.Name,
			Aliases:  input.Body.Aliases,
			RA:       input.Body.RA,
			Dec:      input.Body.Dec,
			Redshift: input.Body.Redshift,
			Data:     input.Body.Data,
		}
		if input.Body.TypeName != nil {
			ot, err := e.Repo.GetObjectTypeByName(ctx, *input.Body.TypeName)
			if err != nil {
				return nil, handleError(fmt.Errorf("object type %s: %w", *input.Body.TypeName, err))
			}
			o.TypeID = &ot.ID
		}
		o, err := e.AddObject(ctx, o)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Object `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-objects",
		Method:      http.MethodGet,
		Path:        "/objects",
		Summary:     "List objects",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Object `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		objs, err := e.Repo.ListObjects(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Object `json:"body"`
		}{Body: nonNilSlice(objs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "find-object",
		Method:      http.MethodGet,
		Path:        "/objects/{identifier}",
		Summary:     "Find an object by id, designation, or alias",
	}, func(ctx context.Context, input *struct {
		Identifier string `path:"identifier"`
	}) (*struct {
		Body domain.Object `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		o, err := e.FindObject(ctx, input.Identifier)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Object `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-object-alias",
		Method:        http.MethodPost,
		Path:          "/objects/{id}/aliases",
		Summary:       "Bind a provider alias to an object",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		idPath
		Body AddAliasRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.AddObjectAlias(ctx, input.ID, input.Body.Provider, input.Body.Alias); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-object-observations",
		Method:      http.MethodGet,
		Path:        "/objects/{id}/observations",
		Summary:     "Observations for an object, newest first",
	}, func(ctx context.Context, input *struct {
		idPath
		Limit int `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Observation `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		obs, err := e.Repo.ListObjectObservations(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Observation `json:"body"`
		}{Body: nonNilSlice(obs)}, nil
	})
}

func registerObservations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-observation-type",
		Method:        http.MethodPost,
		Path:          "/observation_types",
		Summary:       "Create observation type",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateObservationTypeRequest `json:"body"`
	}) (*struct {
		Body domain.ObservationType `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.AddObservationType(ctx, domain.ObservationType{
			Name:        input.Body.Name,
			Units:       input.Body.Units,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ObservationType `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-observation-types",
		Method:      http.MethodGet,
		Path:        "/observation_types",
		Summary:     "List observation types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ObservationType `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		ts, err := e.Repo.ListObservationTypes(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ObservationType `json:"body"`
		}{Body: nonNilSlice(ts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-source",
		Method:        http.MethodPost,
		Path:          "/sources",
		Summary:       "Create a named data source",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSourceRequest `json:"body"`
	}) (*struct {
		Body domain.Source `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.AddSource(ctx, input.Body.TypeName, domain.Source{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Data:        input.Body.Data,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Source `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-observation",
		Method:        http.MethodPost,
		Path:          "/observations",
		Summary:       "Ingest an observation from a named source",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateObservationRequest `json:"body"`
	}) (*struct {
		Body domain.Observation `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		when, err := parseTimePtr(input.Body.Time)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid time", nil)
		}
		obs, err := e.AddObservation(ctx, engine.ObservationOptions{
			TypeName:   input.Body.TypeName,
			ObjectID:   input.Body.ObjectID,
			SourceName: input.Body.SourceName,
			Value:      input.Body.Value,
			Error:      input.Body.Error,
			Time:       when,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Observation `json:"body"`
		}{Body: obs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-observation",
		Method:      http.MethodGet,
		Path:        "/observations/{id}",
		Summary:     "Get observation",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Observation `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		obs, err := e.Repo.GetObservation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Observation `json:"body"`
		}{Body: obs}, nil
	})
}

func registerModels(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-model-type",
		Method:        http.MethodPost,
		Path:          "/model_types",
		Summary:       "Create model type",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateModelTypeRequest `json:"body"`
	}) (*struct {
		Body domain.ModelType `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.AddModelType(ctx, domain.ModelType{
			Name:        input.Body.Name,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ModelType `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-forecast",
		Method:        http.MethodPost,
		Path:          "/models",
		Summary:       "Store a forecast and its predicted observation",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateForecastRequest `json:"body"`
	}) (*struct {
		Body domain.Model `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		when, err := parseTimePtr(input.Body.Time)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid time", nil)
		}
		m, err := e.AddForecast(ctx, engine.ForecastOptions{
			ModelTypeName:       input.Body.ModelTypeName,
			ObservationTypeName: input.Body.ObservationTypeName,
			ObjectID:            input.Body.ObjectID,
			Value:               input.Body.Value,
			Time:                when,
			Accuracy:            input.Body.Accuracy,
			Data:                input.Body.Data,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Model `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-model",
		Method:      http.MethodGet,
		Path:        "/models/{id}",
		Summary:     "Get model",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Model `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetModel(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Model `json:"body"`
		}{Body: m}, nil
	})
}

func registerGroups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-group",
		Method:        http.MethodPost,
		Path:          "/groups",
		Summary:       "Generate a recommendation batch",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body GenerateGroupRequest `json:"body"`
	}) (*struct {
		Body GroupResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		opts := engine.GenerateOptions{}
		if input.Body.PerUserLimit != nil {
			opts.PerUserLimit = *input.Body.PerUserLimit
		}
		res, err := e.GenerateGroup(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GroupResponse `json:"body"`
		}{Body: GroupResponse{
			Group:           res.Group,
			Recommendations: nonNilSlice(res.Recommendations),
			Users:           res.Users,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/groups",
		Summary:     "List recommendation groups, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.RecommendationGroup `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		gs, err := e.Repo.ListGroups(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RecommendationGroup `json:"body"`
		}{Body: nonNilSlice(gs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-group",
		Method:      http.MethodGet,
		Path:        "/groups/{id}",
		Summary:     "Get recommendation group",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.RecommendationGroup `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGroup(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RecommendationGroup `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-group-recommendations",
		Method:      http.MethodGet,
		Path:        "/groups/{id}/recommendations",
		Summary:     "All recommendations in a group",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.Recommendation `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		recs, err := e.Repo.ListGroupRecommendations(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Recommendation `json:"body"`
		}{Body: nonNilSlice(recs)}, nil
	})
}

func registerRecommendations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-recommendations",
		Method:      http.MethodGet,
		Path:        "/recommendations",
		Summary:     "Pending recommendations for the caller, highest priority first",
	}, func(ctx context.Context, input *struct {
		// Query parameters cannot be pointers; zero means unfiltered.
		GroupID           int64   `query:"group_id" minimum:"0"`
		FacilityID        int64   `query:"facility_id" minimum:"0"`
		LimitingMagnitude float64 `query:"limiting_magnitude"`
		Limit             int     `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Recommendation `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var facilityID *int64
		if input.FacilityID > 0 {
			facilityID = &input.FacilityID
		}
		var limitingMagnitude *float64
		if input.LimitingMagnitude != 0 {
			limitingMagnitude = &input.LimitingMagnitude
		}
		recs, err := e.Next(ctx, c, input.GroupID, facilityID, limitingMagnitude, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Recommendation `json:"body"`
		}{Body: nonNilSlice(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recommendation-history",
		Method:      http.MethodGet,
		Path:        "/recommendations/history",
		Summary:     "Settled recommendations for the caller in a group",
	}, func(ctx context.Context, input *struct {
		GroupID int64 `query:"group_id" minimum:"0"`
	}) (*struct {
		Body []domain.Recommendation `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recs, err := e.History(ctx, c, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Recommendation `json:"body"`
		}{Body: nonNilSlice(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-recommendation",
		Method:      http.MethodGet,
		Path:        "/recommendations/{id}",
		Summary:     "Get recommendation",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.GetRecommendation(ctx, c, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-recommendation",
		Method:      http.MethodPut,
		Path:        "/recommendations/{id}/accept",
		Summary:     "Accept a pending recommendation",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Accept(ctx, c, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-recommendation",
		Method:      http.MethodPut,
		Path:        "/recommendations/{id}/reject",
		Summary:     "Reject a pending recommendation",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Reject(ctx, c, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fulfill-recommendation",
		Method:      http.MethodPut,
		Path:        "/recommendations/{id}/fulfill",
		Summary:     "Fulfill an accepted recommendation with an existing observation",
	}, func(ctx context.Context, input *struct {
		idPath
		Body FulfillRequest `json:"body"`
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Fulfill(ctx, c, input.ID, input.Body.ObservationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "observed-recommendation",
		Method:      http.MethodPut,
		Path:        "/recommendations/{id}/observed",
		Summary:     "Record a new observation and fulfill the recommendation",
	}, func(ctx context.Context, input *struct {
		idPath
		Body ObservedRequest `json:"body"`
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		c, authErr := requireClient(ctx)
		if authErr != nil {
			return nil, authErr
		}
		when, err := parseTimePtr(input.Body.Time)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid time", nil)
		}
		rec, err := e.Observed(ctx, c, engine.ObservedOptions{
			RecommendationID: input.ID,
			TypeName:         input.Body.TypeName,
			Value:            input.Body.Value,
			Error:            input.Body.Error,
			Time:             when,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Publish a message on a topic",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body PublishMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.PublishMessage(ctx, input.Body.Topic, input.Body.Level, input.Body.Producer, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-topics",
		Method:      http.MethodGet,
		Path:        "/topics",
		Summary:     "List topics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Topic `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		ts, err := e.Repo.ListTopics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Topic `json:"body"`
		}{Body: nonNilSlice(ts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unseen-messages",
		Method:      http.MethodGet,
		Path:        "/messages/unseen",
		Summary:     "Messages on a topic the consumer has not receipted, oldest first",
	}, func(ctx context.Context, input *struct {
		Consumer string `query:"consumer" required:"true"`
		Topic    string `query:"topic" required:"true"`
		Limit    int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		ms, err := e.Unseen(ctx, input.Consumer, input.Topic, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: nonNilSlice(ms)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-message-seen",
		Method:        http.MethodPut,
		Path:          "/messages/{id}/seen",
		Summary:       "Record a consumer receipt for a message",
		Description:   "Duplicate receipts are a successful no-op.",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		idPath
		Body MarkSeenRequest `json:"body"`
	}) (*struct{}, error) {
		if _, authErr := requireClient(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Consumer == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "consumer is required", nil)
		}
		if err := e.MarkSeen(ctx, input.Body.Consumer, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
