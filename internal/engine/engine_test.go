package engine_test

import (
	"testing"

	"taskloom/internal/engine"
	"taskloom/internal/repo"
)

func TestCreateProjectSeedsOwnerAndConfig(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if len(p.Statuses) != 3 || p.Statuses[0] != "To Do" {
		t.Fatalf("unexpected statuses: %v", p.Statuses)
	}
	m, err := env.Engine.Repo.GetMember(env.Ctx, "proj-1", "alice")
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if m.Role != "owner" {
		t.Fatalf("creator must be owner, got %s", m.Role)
	}
	cfg, err := env.Engine.Repo.GetProjectConfig(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.Automation.MaxRulesPerProject == 0 {
		t.Fatal("config not seeded with defaults")
	}
}

func TestCreateProjectRejectsBadStatusSets(t *testing.T) {
	env := newTestEnv(t)
	cases := [][]string{
		{"To Do", "To Do"},
		{"To Do", ""},
	}
	for _, statuses := range cases {
		_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
			Name:     "bad",
			Statuses: statuses,
			ActorID:  "alice",
		})
		if err == nil {
			t.Fatalf("expected error for statuses %v", statuses)
		}
	}
}

func TestTaskDefaultsToFirstStatus(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "fresh")
	if task.Status != "To Do" {
		t.Fatalf("new task must enter the first status, got %s", task.Status)
	}
	history, err := env.Engine.Repo.ListHistory(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Action != "created" {
		t.Fatalf("expected a created history entry, got %+v", history)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "strict")
	if _, _, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, "Archived", "alice"); err == nil {
		t.Fatal("expected invalid status error")
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "To Do" {
		t.Fatalf("status must be unchanged, got %s", got.Status)
	}
}

func TestStatusChangeRecordsOldAndNew(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "tracked")
	if _, _, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, "In Progress", "bob"); err != nil {
		t.Fatal(err)
	}
	history, err := env.Engine.Repo.ListHistory(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := history[len(history)-1]
	if last.Action != "status_changed" || last.ActorID != "bob" {
		t.Fatalf("unexpected entry: %+v", last)
	}
	if last.OldValue == nil || *last.OldValue != "To Do" || last.NewValue == nil || *last.NewValue != "In Progress" {
		t.Fatalf("old/new not recorded: %+v", last)
	}
}

func TestAssignRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "guarded")
	if _, _, err := env.Engine.AssignTask(env.Ctx, task.ID, "mallory", "alice"); err == nil {
		t.Fatal("expected non-member assignment to fail")
	}
	if _, _, err := env.Engine.AssignTask(env.Ctx, task.ID, "bob", "alice"); err != nil {
		t.Fatalf("member assignment failed: %v", err)
	}
	notifs, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{RecipientID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 1 || notifs[0].Kind != "task_assigned" {
		t.Fatalf("expected assignment notification, got %+v", notifs)
	}
}

func TestUnassignClearsAssignee(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "revolving")
	if _, _, err := env.Engine.AssignTask(env.Ctx, task.ID, "bob", "alice"); err != nil {
		t.Fatal(err)
	}
	got, _, err := env.Engine.AssignTask(env.Ctx, task.ID, "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.AssigneeID != nil {
		t.Fatalf("assignee not cleared: %v", *got.AssigneeID)
	}
}

func TestCommentNotifiesAssignee(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreateTask(t, env, "discussed")
	if _, _, err := env.Engine.AssignTask(env.Ctx, task.ID, "bob", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, task.ID, "looks good", "alice"); err != nil {
		t.Fatal(err)
	}
	notifs, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{RecipientID: "bob", UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, n := range notifs {
		if n.Kind == "task_commented" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected comment notification for assignee, got %+v", notifs)
	}
}

func TestRemoveOwnerRefused(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.RemoveMember(env.Ctx, "proj-1", "alice", "alice"); err == nil {
		t.Fatal("expected owner removal to be refused")
	}
	if err := env.Engine.RemoveMember(env.Ctx, "proj-1", "bob", "alice"); err != nil {
		t.Fatalf("remove editor: %v", err)
	}
}
