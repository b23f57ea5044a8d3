package server

import (
	"taskloom/internal/domain"
	"taskloom/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          *string  `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	Statuses    []string `json:"statuses,omitempty"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"owner,editor,viewer"`
}

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
}

type UpdateTaskRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	DueDate      *string `json:"due_date,omitempty" format:"date-time"`
	ClearDueDate bool    `json:"clear_due_date,omitempty"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status"`
}

type AssignTaskRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type AddCommentRequest struct {
	Body string `json:"body"`
}

type CreateRuleRequest struct {
	ID      *string        `json:"id,omitempty"`
	Name    string         `json:"name"`
	Trigger domain.Trigger `json:"trigger"`
	Action  domain.Action  `json:"action"`
}

type UpdateRuleRequest struct {
	Name    *string         `json:"name,omitempty"`
	Trigger *domain.Trigger `json:"trigger,omitempty"`
	Action  *domain.Action  `json:"action,omitempty"`
	Active  *bool           `json:"active,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Statuses    []string `json:"statuses"`
	CreatorID   string   `json:"creator_id"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Statuses:    p.Statuses,
		CreatorID:   p.CreatorID,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type TaskResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatorID   string  `json:"creator_id"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		AssigneeID:  t.AssigneeID,
		CreatorID:   t.CreatorID,
		DueDate:     t.DueDate,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

// TaskMutationResponse wraps a task together with the automation outcome of
// the mutation that produced it.
type TaskMutationResponse struct {
	Task       TaskResponse      `json:"task"`
	Automation engine.FireResult `json:"automation"`
}

type RuleResponse struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"name"`
	Trigger        domain.Trigger `json:"trigger"`
	Action         domain.Action  `json:"action"`
	CreatorID      string         `json:"creator_id"`
	Active         bool           `json:"active"`
	ExecutionCount int64          `json:"execution_count"`
	LastExecutedAt *string        `json:"last_executed_at,omitempty" format:"date-time"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

func ruleResponse(r domain.AutomationRule) RuleResponse {
	return RuleResponse{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Name:           r.Name,
		Trigger:        r.Trigger,
		Action:         r.Action,
		CreatorID:      r.CreatorID,
		Active:         r.Active,
		ExecutionCount: r.ExecutionCount,
		LastExecutedAt: r.LastExecutedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func mapRules(items []domain.AutomationRule) []RuleResponse {
	res := make([]RuleResponse, 0, len(items))
	for _, r := range items {
		res = append(res, ruleResponse(r))
	}
	return res
}
