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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"taskloom/internal/engine"
	"taskloom/internal/engine/auth"
	"taskloom/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"not allowed to manage rules"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"action.params.status\"}"`
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

// New returns an HTTP handler exposing the Taskloom API.
func New(cfg Config) (http.Handler, error) {
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
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Taskloom API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerComments(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerBadges(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "limit"):
		return newAPIError(http.StatusConflict, "rule_limit_reached", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "not a member") || strings.Contains(lowered, "must not"):
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

// membershipFromContext resolves the acting user's standing in a project.
func membershipFromContext(ctx context.Context, e engine.Engine, projectID string) (auth.Membership, huma.StatusError) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return auth.Membership{}, authErr
	}
	m, err := e.Auth.Membership(ctx, projectID, userID)
	if err != nil {
		return auth.Membership{}, handleError(err)
	}
	return m, nil
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
		joinPath(basePath, "health"):         true,
		joinPath(basePath, "auth/dev/login"): true,
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

func joinPath(basePath, p string) string {
	joined := path.Join(basePath, p)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskloom API Docs</title>
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProjectCreateOptions{
			Name:     input.Body.Name,
			Statuses: input.Body.Statuses,
			ActorID:  userID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		p, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "read project"})
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Task counts per status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "read project"})
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":  p.ID,
			"statuses":    p.Statuses,
			"task_counts": counts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanManageMembers(m) {
			return nil, handleError(auth.ForbiddenError{Action: "delete project"})
		}
		if err := e.Repo.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/members",
		Summary:       "Add or re-role a member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      AddMemberRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanManageMembers(m) {
			return nil, handleError(auth.ForbiddenError{Action: "manage members"})
		}
		added, err := e.AddMember(ctx, input.ProjectID, input.Body.UserID, input.Body.Role, m.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"user_id": added.UserID, "role": added.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []map[string]string `json:"body"`
	}, error) {
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "read members"})
		}
		members, err := e.Repo.ListMembers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]map[string]string, 0, len(members))
		for _, mm := range members {
			res = append(res, map[string]string{"user_id": mm.UserID, "role": mm.Role, "added_at": mm.AddedAt})
		}
		return &struct {
			Body []map[string]string `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-member",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/members/{user_id}",
		Summary:     "Remove a member",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		UserID    string `path:"user_id"`
	}) (*struct{}, error) {
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanManageMembers(m) {
			return nil, handleError(auth.ForbiddenError{Action: "manage members"})
		}
		if err := e.RemoveMember(ctx, input.ProjectID, input.UserID, m.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskMutationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "create tasks"})
		}
		opts := engine.TaskCreateOptions{
			ProjectID: input.ProjectID,
			Title:     input.Body.Title,
			ActorID:   m.UserID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		t, fr, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskMutationResponse `json:"body"`
		}{Body: TaskMutationResponse{Task: taskResponse(t), Automation: fr}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Assignee  string `query:"assignee"`
		Creator   string `query:"creator"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "read tasks"})
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:  input.ProjectID,
			Status:     input.Status,
			AssigneeID: input.Assignee,
			CreatorID:  input.Creator,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, t.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "read tasks"})
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task fields",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskMutationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, t.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanEditTask(t, m) {
			return nil, handleError(auth.ForbiddenError{Action: "edit this task"})
		}
		updated, fr, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:           input.TaskID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			DueDate:      input.Body.DueDate,
			ClearDueDate: input.Body.ClearDueDate,
			ActorID:      m.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskMutationResponse `json:"body"`
		}{Body: TaskMutationResponse{Task: taskResponse(updated), Automation: fr}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Move task to another status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   SetTaskStatusRequest `json:"body"`
	}) (*struct {
		Body TaskMutationResponse `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, t.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanEditTask(t, m) {
			return nil, handleError(auth.ForbiddenError{Action: "edit this task"})
		}
		updated, fr, err := e.SetTaskStatus(ctx, input.TaskID, input.Body.Status, m.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskMutationResponse `json:"body"`
		}{Body: TaskMutationResponse{Task: taskResponse(updated), Automation: fr}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign or unassign a task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AssignTaskRequest `json:"body"`
	}) (*struct {
		Body TaskMutationResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, t.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanEditTask(t, m) {
			return nil, handleError(auth.ForbiddenError{Action: "edit this task"})
		}
		updated, fr, err := e.AssignTask(ctx, input.TaskID, input.Body.AssigneeID, m.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskMutationResponse `json:"body"`
		}{Body: TaskMutationResponse{Task: taskResponse(updated), Automation: fr}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Task history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, t.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "read tasks"})
		}
		history, err := e.Repo.ListHistory(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]map[string]any, 0, len(history))
		for _, h := range history {
			entry := map[string]any{
				"id":       h.ID,
				"actor_id": h.ActorID,
				"action":   h.Action,
				"ts":       h.TS,
			}
			if h.OldValue != nil {
				entry["old_value"] = *h.OldValue
			}
			if h.NewValue != nil {
				entry["new_value"] = *h.NewValue
			}
			res = append(res, entry)
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: res}, nil
	})
}

func registerComments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/comments",
		Summary:       "Comment on a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AddCommentRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, t.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "comment on tasks"})
		}
		c, err := e.AddComment(ctx, input.TaskID, input.Body.Body, m.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"id": c.ID, "created_at": c.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/comments",
		Summary:     "List task comments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []map[string]string `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, t.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "read tasks"})
		}
		comments, err := e.Repo.ListComments(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]map[string]string, 0, len(comments))
		for _, c := range comments {
			res = append(res, map[string]string{
				"id":         c.ID,
				"author_id":  c.AuthorID,
				"body":       c.Body,
				"created_at": c.CreatedAt,
			})
		}
		return &struct {
			Body []map[string]string `json:"body"`
		}{Body: res}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/rules",
		Summary:       "Create automation rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanCreateRule(m) {
			return nil, handleError(auth.ForbiddenError{Action: "create rules"})
		}
		opts := engine.RuleCreateOptions{
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			Trigger:   input.Body.Trigger,
			Action:    input.Body.Action,
			ActorID:   m.UserID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		rule, err := e.CreateRule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/rules",
		Summary:     "List automation rules",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanReadRules(m) {
			return nil, handleError(auth.ForbiddenError{Action: "read rules"})
		}
		rules, err := e.ListProjectRules(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: mapRules(rules)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get automation rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		rule, err := e.Repo.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, rule.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanReadRules(m) {
			return nil, handleError(auth.ForbiddenError{Action: "read rules"})
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Update automation rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		rule, err := e.Repo.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, rule.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanManageRule(rule, m) {
			return nil, handleError(auth.ForbiddenError{Action: "manage this rule"})
		}
		updated, err := e.UpdateRule(ctx, engine.RuleUpdateOptions{
			ID:      input.RuleID,
			Name:    input.Body.Name,
			Trigger: input.Body.Trigger,
			Action:  input.Body.Action,
			Active:  input.Body.Active,
			ActorID: m.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/toggle",
		Summary:     "Enable or disable a rule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
		Body   struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		rule, err := e.Repo.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, rule.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanManageRule(rule, m) {
			return nil, handleError(auth.ForbiddenError{Action: "manage this rule"})
		}
		updated, err := e.ToggleRule(ctx, input.RuleID, input.Body.Active, m.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{rule_id}",
		Summary:     "Delete automation rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		rule, err := e.Repo.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		m, authErr := membershipFromContext(ctx, e, rule.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.CanManageRule(rule, m) {
			return nil, handleError(auth.ForbiddenError{Action: "manage this rule"})
		}
		if err := e.DeleteRule(ctx, input.RuleID, m.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List my notifications",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit"`
	}) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotifications(ctx, repo.NotificationFilters{
			RecipientID: userID,
			UnreadOnly:  input.Unread,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]map[string]any, 0, len(items))
		for _, n := range items {
			res = append(res, map[string]any{
				"id":         n.ID,
				"kind":       n.Kind,
				"message":    n.Message,
				"project_id": n.ProjectID,
				"task_id":    n.TaskID,
				"read":       n.Read,
				"created_at": n.CreatedAt,
			})
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.MarkNotificationRead(ctx, input.NotificationID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerBadges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-badges",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/badges",
		Summary:     "List a user's badges",
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []map[string]string `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		badges, err := e.Repo.ListBadges(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]map[string]string, 0, len(badges))
		for _, b := range badges {
			res = append(res, map[string]string{
				"id":         b.ID,
				"name":       b.Name,
				"awarded_at": b.AwardedAt,
			})
		}
		return &struct {
			Body []map[string]string `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Audit log",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		m, authErr := membershipFromContext(ctx, e, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if !m.Member {
			return nil, handleError(auth.ForbiddenError{Action: "read events"})
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		evts, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]map[string]any, 0, len(evts))
		for _, evt := range evts {
			res = append(res, map[string]any{
				"id":          evt.ID,
				"type":        evt.Type,
				"entity_kind": evt.EntityKind,
				"entity_id":   evt.EntityID,
				"actor_id":    evt.ActorID,
				"ts":          evt.TS,
				"payload":     evt.Payload,
			})
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: res}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key for the calling user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		// secret is shown once
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"id": key.ID, "key": secret, "name": key.Name}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List my API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []map[string]string `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]map[string]string, 0, len(keys))
		for _, k := range keys {
			res = append(res, map[string]string{
				"id":         k.ID,
				"name":       k.Name,
				"created_at": k.CreatedAt,
			})
		}
		return &struct {
			Body []map[string]string `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
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
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, userID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
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
