package taskloomsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskloom HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	AssigneeID string `json:"assignee_id,omitempty"`
	DueDate    string `json:"due_date,omitempty"`
}

// RuleFailure reports one automation rule that errored during a mutation.
type RuleFailure struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// AutomationOutcome summarizes the rules fired by a task mutation.
type AutomationOutcome struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failures  []RuleFailure `json:"failures,omitempty"`
}

// TaskMutation is a task plus the automation outcome the change produced.
type TaskMutation struct {
	Task       Task              `json:"task"`
	Automation AutomationOutcome `json:"automation"`
}

// Rule represents an automation rule (partial).
type Rule struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"name"`
	Trigger        map[string]any `json:"trigger"`
	Action         map[string]any `json:"action"`
	Active         bool           `json:"active"`
	ExecutionCount int64          `json:"execution_count"`
}

// Notification represents an inbox entry.
type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	TaskID      string `json:"task_id,omitempty"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, title string) (TaskMutation, error) {
	body := map[string]any{"title": title}
	var resp TaskMutation
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := c.projectPath("tasks")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetTaskStatus moves a task to another status and reports any automation it
// triggered.
func (c *Client) SetTaskStatus(ctx context.Context, taskID, status string) (TaskMutation, error) {
	body := map[string]any{"status": status}
	var resp TaskMutation
	endpoint := fmt.Sprintf("v0/tasks/%s/status", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AssignTask assigns a task; an empty userID unassigns it.
func (c *Client) AssignTask(ctx context.Context, taskID, userID string) (TaskMutation, error) {
	body := map[string]any{"user_id": userID}
	var resp TaskMutation
	endpoint := fmt.Sprintf("v0/tasks/%s/assign", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateRule creates an automation rule.
func (c *Client) CreateRule(ctx context.Context, name string, trigger, action map[string]any) (Rule, error) {
	body := map[string]any{
		"name":    name,
		"trigger": trigger,
		"action":  action,
	}
	var resp Rule
	err := c.do(ctx, http.MethodPost, c.projectPath("rules"), body, &resp)
	return resp, err
}

// ListRules returns the project's rules in creation order.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, c.projectPath("rules"), nil, &resp)
	return resp, err
}

// ToggleRule enables or disables a rule.
func (c *Client) ToggleRule(ctx context.Context, ruleID string, active bool) (Rule, error) {
	body := map[string]any{"active": active}
	var resp Rule
	endpoint := fmt.Sprintf("v0/rules/%s/toggle", url.PathEscape(ruleID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Notifications returns the caller's inbox.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "v0/notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent project events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
