package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"taskloom/internal/config"
	"taskloom/internal/db"
	"taskloom/internal/engine"
	"taskloom/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("board-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:      "board-1",
		Name:    "Board",
		ActorID: "alice",
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := e.AddMember(ctx, "board-1", "bob", "editor", "alice"); err != nil {
		t.Fatalf("add editor: %v", err)
	}
	if _, err := e.AddMember(ctx, "board-1", "carol", "viewer", "alice"); err != nil {
		t.Fatalf("add viewer: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyUserHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", res.StatusCode)
	}
}

func TestRuleLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ruleBody := map[string]any{
		"name": "badge on done",
		"trigger": map[string]any{
			"kind":      "task_status_changed",
			"condition": map[string]any{"field": "status", "operator": "equals", "value": "Done"},
		},
		"action": map[string]any{
			"kind":   "assign_badge",
			"params": map[string]any{"badge_name": "Mover"},
		},
	}

	// viewers cannot author rules
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/board-1/rules", ruleBody, asUser("carol"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer create rule: expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/board-1/rules", ruleBody, asUser("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("editor create rule: expected 201, got %d: %s", res.StatusCode, string(data))
	}
	var rule RuleResponse
	if err := json.Unmarshal(data, &rule); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}
	if !rule.Active || rule.ExecutionCount != 0 {
		t.Fatalf("new rule must be active with zero executions: %+v", rule)
	}

	// any member may list
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/board-1/rules", nil, asUser("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer list rules: expected 200, got %d: %s", res.StatusCode, string(data))
	}
	var rules []RuleResponse
	if err := json.Unmarshal(data, &rules); err != nil {
		t.Fatalf("unmarshal rules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected one rule, got %d", len(rules))
	}

	// viewers cannot manage rules they did not create
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules/"+rule.ID+"/toggle", map[string]any{"active": false}, asUser("carol"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer toggle: expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules/"+rule.ID+"/toggle", map[string]any{"active": false}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("editor toggle: expected 200, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/rules/"+rule.ID, nil, asUser("alice"))
	if res.StatusCode >= 300 {
		t.Fatalf("owner delete rule: got %d", res.StatusCode)
	}
}

func TestRuleValidationErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/board-1/rules", map[string]any{
		"name":    "broken",
		"trigger": map[string]any{"kind": "task_status_changed"},
		"action":  map[string]any{"kind": "assign_badge", "params": map[string]any{"badge_name": "x"}},
	}, asUser("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "trigger.condition" {
		t.Fatalf("expected field detail, got %+v", envelope.Error.Details)
	}
}

func TestStatusChangeReturnsAutomationOutcome(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/board-1/rules", map[string]any{
		"name": "notify on done",
		"trigger": map[string]any{
			"kind":      "task_status_changed",
			"condition": map[string]any{"field": "status", "operator": "equals", "value": "Done"},
		},
		"action": map[string]any{
			"kind":   "send_notification",
			"params": map[string]any{"message": "wrapped up", "recipient_id": "bob"},
		},
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/board-1/tasks", map[string]any{
		"title": "Ship feature",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d: %s", res.StatusCode, string(data))
	}
	var created TaskMutationResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.Task.ID+"/status", map[string]any{
		"status": "Done",
	}, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d: %s", res.StatusCode, string(data))
	}
	var moved TaskMutationResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal move: %v", err)
	}
	if moved.Task.Status != "Done" {
		t.Fatalf("status not applied: %s", moved.Task.Status)
	}
	if moved.Automation.Attempted != 1 || moved.Automation.Succeeded != 1 {
		t.Fatalf("unexpected automation outcome: %+v", moved.Automation)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notifications: %d", res.StatusCode)
	}
	var notifs []map[string]any
	if err := json.Unmarshal(data, &notifs); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	var found bool
	for _, n := range notifs {
		if n["message"] == "wrapped up" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected automation notification, got %+v", notifs)
	}
}

func TestNonMemberCannotSeeProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/board-1", nil, asUser("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d: %s", res.StatusCode, string(data))
	}
}
