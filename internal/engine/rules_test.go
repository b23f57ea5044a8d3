package engine_test

import (
	"errors"
	"testing"

	"taskloom/internal/domain"
	"taskloom/internal/engine"
)

func TestValidateRuleSpec(t *testing.T) {
	p := domain.Project{
		ID:       "proj-1",
		Statuses: []string{"To Do", "In Progress", "Done"},
	}
	cases := []struct {
		name    string
		trigger domain.Trigger
		action  domain.Action
		field   string
	}{
		{
			name:    "valid status trigger",
			trigger: domain.Trigger{Kind: domain.TriggerTaskStatusChanged, Condition: &domain.TriggerCondition{Field: "status", Operator: "equals", Value: "Done"}},
			action:  domain.Action{Kind: domain.ActionAssignBadge, Params: domain.ActionParams{BadgeName: "Mover"}},
		},
		{
			name:    "status trigger without condition",
			trigger: domain.Trigger{Kind: domain.TriggerTaskStatusChanged},
			action:  domain.Action{Kind: domain.ActionAssignBadge, Params: domain.ActionParams{BadgeName: "x"}},
			field:   "trigger.condition",
		},
		{
			name:    "status trigger naming unknown status",
			trigger: domain.Trigger{Kind: domain.TriggerTaskStatusChanged, Condition: &domain.TriggerCondition{Field: "status", Operator: "equals", Value: "Archived"}},
			action:  domain.Action{Kind: domain.ActionAssignBadge, Params: domain.ActionParams{BadgeName: "x"}},
			field:   "trigger.condition.value",
		},
		{
			name:    "unknown trigger kind",
			trigger: domain.Trigger{Kind: "task_deleted"},
			action:  domain.Action{Kind: domain.ActionAssignBadge, Params: domain.ActionParams{BadgeName: "x"}},
			field:   "trigger.kind",
		},
		{
			name:    "change_status to unknown status",
			trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
			action:  domain.Action{Kind: domain.ActionChangeStatus, Params: domain.ActionParams{Status: "Archived"}},
			field:   "action.params.status",
		},
		{
			name:    "assign_user without user",
			trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
			action:  domain.Action{Kind: domain.ActionAssignUser},
			field:   "action.params.user_id",
		},
		{
			name:    "badge without name",
			trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
			action:  domain.Action{Kind: domain.ActionAssignBadge},
			field:   "action.params.badge_name",
		},
		{
			name:    "notification without message",
			trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
			action:  domain.Action{Kind: domain.ActionSendNotification},
			field:   "action.params.message",
		},
		{
			name:    "unknown action kind",
			trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
			action:  domain.Action{Kind: "delete_task"},
			field:   "action.kind",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.ValidateRuleSpec(tc.trigger, tc.action, p)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, ve.Field)
			}
			// validation is pure: a second pass yields the same outcome
			if err2 := engine.ValidateRuleSpec(tc.trigger, tc.action, p); err2.Error() != err.Error() {
				t.Fatalf("validation not repeatable: %v vs %v", err, err2)
			}
		})
	}
}

func TestCreateRuleRejectsInvalidSpec(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		ProjectID: "proj-1",
		Name:      "broken",
		Trigger:   domain.Trigger{Kind: domain.TriggerTaskStatusChanged},
		Action:    domain.Action{Kind: domain.ActionAssignBadge, Params: domain.ActionParams{BadgeName: "x"}},
		ActorID:   "alice",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	rules, err := env.Engine.ListProjectRules(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Fatalf("rejected rule must not be stored, got %d", len(rules))
	}
}

func TestUpdateRuleRevalidates(t *testing.T) {
	env := newTestEnv(t)
	rule := mustCreateRule(t, env, engine.RuleCreateOptions{
		Name:    "notify",
		Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action:  domain.Action{Kind: domain.ActionSendNotification, Params: domain.ActionParams{Message: "hi"}},
	})
	_, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{
		ID:      rule.ID,
		Action:  &domain.Action{Kind: domain.ActionChangeStatus, Params: domain.ActionParams{Status: "Nowhere"}},
		ActorID: "alice",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	got, err := env.Engine.Repo.GetRule(env.Ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Action.Kind != domain.ActionSendNotification {
		t.Fatalf("stored rule mutated by failed update: %+v", got.Action)
	}
}

func TestRuleLimitPerProject(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := env.Engine.Repo.GetProjectConfig(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Automation.MaxRulesPerProject = 2
	if err := env.Engine.Repo.UpsertProjectConfig(env.Ctx, "proj-1", cfg); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		mustCreateRule(t, env, engine.RuleCreateOptions{
			Name:    "rule",
			Trigger: domain.Trigger{Kind: domain.TriggerTaskCreated},
			Action:  domain.Action{Kind: domain.ActionSendNotification, Params: domain.ActionParams{Message: "hi"}},
		})
	}
	_, err = env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		ProjectID: "proj-1",
		Name:      "one too many",
		Trigger:   domain.Trigger{Kind: domain.TriggerTaskCreated},
		Action:    domain.Action{Kind: domain.ActionSendNotification, Params: domain.ActionParams{Message: "hi"}},
		ActorID:   "alice",
	})
	if err == nil {
		t.Fatal("expected rule limit error")
	}
}
