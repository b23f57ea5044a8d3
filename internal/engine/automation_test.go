package engine_test

import (
	"context"
	"testing"
	"time"

	"taskloom/internal/config"
	"taskloom/internal/db"
	"taskloom/internal/domain"
	"taskloom/internal/engine"
	"taskloom/internal/migrate"
	"taskloom/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:       "proj-1",
		Name:     "test",
		Statuses: []string{"To Do", "In Progress", "Done"},
		ActorID:  "alice",
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := eng.AddMember(ctx, "proj-1", "bob", "editor", "alice"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCreateTask(t *testing.T, env testEnv, title string) domain.Task {
	t.Helper()
	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		ActorID:   "alice",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func mustCreateRule(t *testing.T, env testEnv, opts engine.RuleCreateOptions) domain.AutomationRule {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	if opts.ActorID == "" {
		opts.ActorID = "alice"
	}
	rule, err := env.Engine.CreateRule(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create rule %s: %v", opts.Name, err)
	}
	return rule
}

func TestStatusChangeAwardsBadge(t *testing.T) {
	env := newTestEnv(t)
	rule := mustCreateRule(t, env, engine.RuleCreateOptions{
		Name: "Mover",
		Trigger: domain.Trigger{
			Kind:      domain.TriggerTaskStatusChanged,
			Condition: &domain.TriggerCondition{Field: "status", Operator: "equals", Value: "Done"},
		},
		Action: domain.Action{
			Kind:   domain.ActionAssignBadge,
			Params: domain.ActionParams{BadgeName: "Mover"},
		},
	})
	task := mustCreateTask(t, env, "ship it")

	_, fr, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, "Done", "bob")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if fr.Attempted != 1 || fr.Succeeded != 1 || len(fr.Failures) != 0 {
		t.Fatalf("unexpected fire result: %+v", fr)
	}
	// badge goes to the task creator when no explicit recipient
	badges, err := env.Engine.Repo.ListBadges(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("list badges: %v", err)
	}
	if len(badges) != 1 || badges[0].Name != "Mover" {
		t.Fatalf("expected Mover badge for alice, got %+v", badges)
	}
	got, err := env.Engine.Repo.GetRule(env.Ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 1 || got.LastExecutedAt == nil {
		t.Fatalf("expected execution recorded, got count=%d last=%v", got.ExecutionCount, got.LastExecutedAt)
	}
}

func TestStatusConditionMatchesNewStatusOnly(t *testing.T) {
	env := newTestEnv(t)
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name: "done watcher",
		Trigger: domain.Trigger{
			Kind:      domain.TriggerTaskStatusChanged,
			Condition: &domain.TriggerCondition{Field: "status", Operator: "equals", Value: "Done"},
		},
		Action: domain.Action{
			Kind:   domain.ActionSendNotification,
			Params: domain.ActionParams{Message: "finished"},
		},
	})
	task := mustCreateTask(t, env, "two hops")

	// To Do -> In Progress: condition names Done, nothing matches
	_, fr, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, "In Progress", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 0 {
		t.Fatalf("expected no match moving to In Progress, got %+v", fr)
	}
	// In Progress -> Done matches regardless of the old status
	_, fr, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, "Done", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 1 || fr.Succeeded != 1 {
		t.Fatalf("expected match moving to Done, got %+v", fr)
	}
}

func TestInactiveRuleNeverFires(t *testing.T) {
	env := newTestEnv(t)
	rule := mustCreateRule(t, env, engine.RuleCreateOptions{
		Name: "sleeper",
		Trigger: domain.Trigger{
			Kind:      domain.TriggerTaskStatusChanged,
			Condition: &domain.TriggerCondition{Field: "status", Operator: "equals", Value: "Done"},
		},
		Action: domain.Action{
			Kind:   domain.ActionAssignBadge,
			Params: domain.ActionParams{BadgeName: "Finisher"},
		},
	})
	if _, err := env.Engine.ToggleRule(env.Ctx, rule.ID, false, "alice"); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	task := mustCreateTask(t, env, "quiet")

	_, fr, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, "Done", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 0 || fr.Succeeded != 0 {
		t.Fatalf("inactive rule must not be attempted, got %+v", fr)
	}
	got, err := env.Engine.Repo.GetRule(env.Ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 0 {
		t.Fatalf("execution count moved for inactive rule: %d", got.ExecutionCount)
	}
	badges, _ := env.Engine.Repo.ListBadges(env.Ctx, "alice")
	if len(badges) != 0 {
		t.Fatalf("no badge expected, got %+v", badges)
	}
}

func TestRulesRunInStoredOrder(t *testing.T) {
	env := newTestEnv(t)
	// both move the status; the later rule's target must win
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "auto start",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action: domain.Action{
			Kind:   domain.ActionChangeStatus,
			Params: domain.ActionParams{Status: "In Progress"},
		},
	})
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "auto finish",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action: domain.Action{
			Kind:   domain.ActionChangeStatus,
			Params: domain.ActionParams{Status: "Done"},
		},
	})
	task, fr, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "fresh",
		ActorID:   "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 2 || fr.Succeeded != 2 {
		t.Fatalf("expected both rules to run, got %+v", fr)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "Done" {
		t.Fatalf("rules ran out of creation order, final status %s", got.Status)
	}
}

func TestFailingRuleDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t)
	bad := mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "bad assign",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action: domain.Action{
			Kind:   domain.ActionAssignUser,
			Params: domain.ActionParams{UserID: "bob"},
		},
	})
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "still runs",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action: domain.Action{
			Kind:   domain.ActionAssignBadge,
			Params: domain.ActionParams{BadgeName: "Starter"},
		},
	})
	// make the first rule's target invalid after validation passed
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.RemoveMember(env.Ctx, tx, "proj-1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, fr, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "resilient",
		ActorID:   "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 2 || fr.Succeeded != 1 {
		t.Fatalf("expected 2 attempted / 1 succeeded, got %+v", fr)
	}
	if len(fr.Failures) != 1 || fr.Failures[0].RuleID != bad.ID || fr.Failures[0].Reason != engine.ReasonNotAMember {
		t.Fatalf("unexpected failures: %+v", fr.Failures)
	}
	badges, _ := env.Engine.Repo.ListBadges(env.Ctx, "alice")
	if len(badges) != 1 || badges[0].Name != "Starter" {
		t.Fatalf("second rule's badge missing, got %+v", badges)
	}
	got, err := env.Engine.Repo.GetRule(env.Ctx, bad.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 0 {
		t.Fatalf("failed rule must not count executions: %d", got.ExecutionCount)
	}
}

func TestAssignTriggerWithAndWithoutCondition(t *testing.T) {
	env := newTestEnv(t)
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "any assignment",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskAssigned},
		Action: domain.Action{
			Kind:   domain.ActionSendNotification,
			Params: domain.ActionParams{Message: "picked up", RecipientID: "alice"},
		},
	})
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name: "bob only",
		Trigger: domain.Trigger{
			Kind:      domain.TriggerTaskAssigned,
			Condition: &domain.TriggerCondition{Field: "assignee", Operator: "equals", Value: "bob"},
		},
		Action: domain.Action{
			Kind:   domain.ActionChangeStatus,
			Params: domain.ActionParams{Status: "In Progress"},
		},
	})
	task := mustCreateTask(t, env, "for bob")

	_, fr, err := env.Engine.AssignTask(env.Ctx, task.ID, "alice", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 1 {
		t.Fatalf("only the unconditional rule should match for alice, got %+v", fr)
	}
	_, fr, err = env.Engine.AssignTask(env.Ctx, task.ID, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 2 || fr.Succeeded != 2 {
		t.Fatalf("both rules should match for bob, got %+v", fr)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "In Progress" {
		t.Fatalf("conditional rule did not move status: %s", got.Status)
	}
}

func TestChangeStatusActionRejectsStaleTarget(t *testing.T) {
	env := newTestEnv(t)
	rule := mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "auto done",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskUpdated},
		Action: domain.Action{
			Kind:   domain.ActionChangeStatus,
			Params: domain.ActionParams{Status: "Done"},
		},
	})
	task := mustCreateTask(t, env, "stale target")

	// rename the status set underneath the stored rule
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdateProjectStatuses(env.Ctx, tx, "proj-1", []string{"To Do", "In Progress", "Shipped"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, fr, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID:      task.ID,
		Title:   strPtr("renamed"),
		ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 1 || fr.Succeeded != 0 {
		t.Fatalf("expected attempted failure, got %+v", fr)
	}
	if len(fr.Failures) != 1 || fr.Failures[0].RuleID != rule.ID || fr.Failures[0].Reason != engine.ReasonInvalidStatus {
		t.Fatalf("unexpected failures: %+v", fr.Failures)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "To Do" {
		t.Fatalf("task status must be untouched on action failure: %s", got.Status)
	}
}

func TestAutomationWritesHistoryAndEvents(t *testing.T) {
	env := newTestEnv(t)
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "auto start",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action: domain.Action{
			Kind:   domain.ActionChangeStatus,
			Params: domain.ActionParams{Status: "In Progress"},
		},
	})
	task, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "traced",
		ActorID:   "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	history, err := env.Engine.Repo.ListHistory(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	// created by alice, then status_changed by the automation actor
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	last := history[len(history)-1]
	if last.Action != "status_changed" || last.ActorID != "automation" {
		t.Fatalf("unexpected automation history entry: %+v", last)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "automation.fired", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one automation.fired event, got %d", len(evts))
	}
}

func TestDueDateSweep(t *testing.T) {
	env := newTestEnv(t)
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "overdue nag",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskDueDatePassed},
		Action: domain.Action{
			Kind:   domain.ActionSendNotification,
			Params: domain.ActionParams{Message: "overdue"},
		},
	})
	overdue, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "late",
		DueDate:   "2023-12-01T00:00:00Z",
		ActorID:   "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "on time",
		DueDate:   "2024-06-01T00:00:00Z",
		ActorID:   "alice",
	}); err != nil {
		t.Fatal(err)
	}
	fr, err := env.Engine.SweepDueDates(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Attempted != 1 || fr.Succeeded != 1 {
		t.Fatalf("expected one overdue firing, got %+v", fr)
	}
	notifs, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{RecipientID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 1 || notifs[0].TaskID != overdue.ID {
		t.Fatalf("expected overdue notification for the late task, got %+v", notifs)
	}
}

func TestTaskCreatedFiresMultipleRules(t *testing.T) {
	env := newTestEnv(t)
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "welcome",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action: domain.Action{
			Kind:   domain.ActionSendNotification,
			Params: domain.ActionParams{RecipientID: "bob", Message: "new work landed"},
		},
	})
	mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "starter",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action: domain.Action{
			Kind:   domain.ActionAssignBadge,
			Params: domain.ActionParams{BadgeName: "Starter"},
		},
	})

	_, fr, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "kickoff",
		ActorID:   "alice",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if fr.Attempted != 2 || fr.Succeeded != 2 {
		t.Fatalf("unexpected fire result: %+v", fr)
	}
	notifs, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{RecipientID: "bob"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifs) != 1 || notifs[0].Message != "new work landed" {
		t.Fatalf("expected one notification for bob, got %+v", notifs)
	}
	badges, err := env.Engine.Repo.ListBadges(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("list badges: %v", err)
	}
	if len(badges) != 1 || badges[0].Name != "Starter" {
		t.Fatalf("expected Starter badge for alice, got %+v", badges)
	}
}

func strPtr(s string) *string { return &s }
