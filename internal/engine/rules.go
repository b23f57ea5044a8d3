package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskloom/internal/domain"
	"taskloom/internal/events"
	"taskloom/internal/repo"
)

// ValidationError reports a rule spec that fails structural or referential
// checks. Validation never mutates state; validating the same spec twice
// yields the same outcome.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
}

// ValidateRuleSpec checks a trigger/action pair against the owning project.
// Status references are resolved against the project's current status set;
// later renames of a status are not re-checked against stored rules.
func ValidateRuleSpec(trigger domain.Trigger, action domain.Action, p domain.Project) error {
	switch trigger.Kind {
	case domain.TriggerTaskStatusChanged:
		if trigger.Condition == nil {
			return ValidationError{Field: "trigger.condition", Reason: "is required for task_status_changed"}
		}
		if trigger.Condition.Value == "" {
			return ValidationError{Field: "trigger.condition.value", Reason: "must not be empty"}
		}
		if !statusInSet(p.Statuses, trigger.Condition.Value) {
			return ValidationError{Field: "trigger.condition.value", Reason: fmt.Sprintf("unknown status %q", trigger.Condition.Value)}
		}
	case domain.TriggerTaskAssigned:
		if trigger.Condition != nil && trigger.Condition.Value == "" {
			return ValidationError{Field: "trigger.condition.value", Reason: "must not be empty"}
		}
	case domain.TriggerTaskCreated, domain.TriggerTaskUpdated, domain.TriggerTaskDueDatePassed:
		// unconditional kinds
	default:
		return ValidationError{Field: "trigger.kind", Reason: fmt.Sprintf("unknown kind %q", trigger.Kind)}
	}

	switch action.Kind {
	case domain.ActionChangeStatus:
		if action.Params.Status == "" {
			return ValidationError{Field: "action.params.status", Reason: "must not be empty"}
		}
		if !statusInSet(p.Statuses, action.Params.Status) {
			return ValidationError{Field: "action.params.status", Reason: fmt.Sprintf("unknown status %q", action.Params.Status)}
		}
	case domain.ActionAssignUser:
		if action.Params.UserID == "" {
			return ValidationError{Field: "action.params.user_id", Reason: "must not be empty"}
		}
	case domain.ActionAssignBadge:
		if action.Params.BadgeName == "" {
			return ValidationError{Field: "action.params.badge_name", Reason: "must not be empty"}
		}
	case domain.ActionSendNotification:
		if action.Params.Message == "" {
			return ValidationError{Field: "action.params.message", Reason: "must not be empty"}
		}
	default:
		return ValidationError{Field: "action.kind", Reason: fmt.Sprintf("unknown kind %q", action.Kind)}
	}
	return nil
}

// RuleCreateOptions are parameters for creating an automation rule.
type RuleCreateOptions struct {
	ID        string
	ProjectID string
	Name      string
	Trigger   domain.Trigger
	Action    domain.Action
	ActorID   string
}

// CreateRule validates the spec against the project and stores the rule
// active with a zero execution count.
func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.AutomationRule, error) {
	if opts.Name == "" {
		return domain.AutomationRule{}, ValidationError{Field: "name", Reason: "must not be empty"}
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	if err := ValidateRuleSpec(opts.Trigger, opts.Action, p); err != nil {
		return domain.AutomationRule{}, err
	}
	if max := e.maxRulesPerProject(ctx, p.ID); max > 0 {
		n, err := e.Repo.CountRules(ctx, p.ID)
		if err != nil {
			return domain.AutomationRule{}, err
		}
		if n >= max {
			return domain.AutomationRule{}, fmt.Errorf("project %s already has %d rules (limit %d)", p.ID, n, max)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rule := domain.AutomationRule{
		ID:        id,
		ProjectID: p.ID,
		Name:      opts.Name,
		Trigger:   opts.Trigger,
		Action:    opts.Action,
		CreatorID: opts.ActorID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
		return rule, err
	}
	if err := e.Events.Append(ctx, tx, "rule.created", p.ID, "rule", rule.ID, opts.ActorID, events.EventPayload{
		"name":    rule.Name,
		"trigger": string(rule.Trigger.Kind),
		"action":  string(rule.Action.Kind),
	}); err != nil {
		return rule, err
	}
	if err := tx.Commit(); err != nil {
		return rule, err
	}
	return rule, nil
}

func (e Engine) maxRulesPerProject(ctx context.Context, projectID string) int {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil || cfg == nil {
		if e.Config != nil {
			return e.Config.Automation.MaxRulesPerProject
		}
		return 0
	}
	return cfg.Automation.MaxRulesPerProject
}

// RuleUpdateOptions carries optional field updates for a rule.
type RuleUpdateOptions struct {
	ID      string
	Name    *string
	Trigger *domain.Trigger
	Action  *domain.Action
	Active  *bool
	ActorID string
}

// UpdateRule revalidates the resulting spec before persisting. The stored
// rule is untouched when validation fails.
func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (domain.AutomationRule, error) {
	rule, err := e.Repo.GetRule(ctx, opts.ID)
	if err != nil {
		return rule, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return rule, ValidationError{Field: "name", Reason: "must not be empty"}
		}
		rule.Name = *opts.Name
	}
	if opts.Trigger != nil {
		rule.Trigger = *opts.Trigger
	}
	if opts.Action != nil {
		rule.Action = *opts.Action
	}
	if opts.Active != nil {
		rule.Active = *opts.Active
	}
	p, err := e.Repo.GetProject(ctx, rule.ProjectID)
	if err != nil {
		return rule, err
	}
	if err := ValidateRuleSpec(rule.Trigger, rule.Action, p); err != nil {
		return rule, err
	}
	rule.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRule(ctx, tx, rule); err != nil {
		return rule, err
	}
	if err := e.Events.Append(ctx, tx, "rule.updated", rule.ProjectID, "rule", rule.ID, opts.ActorID, events.EventPayload{"name": rule.Name}); err != nil {
		return rule, err
	}
	if err := tx.Commit(); err != nil {
		return rule, err
	}
	return rule, nil
}

// ToggleRule flips a rule's active flag. Inactive rules are never evaluated.
func (e Engine) ToggleRule(ctx context.Context, id string, active bool, actorID string) (domain.AutomationRule, error) {
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return rule, err
	}
	if rule.Active == active {
		return rule, nil
	}
	rule.Active = active
	rule.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRuleActive(ctx, tx, rule.ID, active, rule.UpdatedAt); err != nil {
		return rule, err
	}
	evtType := "rule.disabled"
	if active {
		evtType = "rule.enabled"
	}
	if err := e.Events.Append(ctx, tx, evtType, rule.ProjectID, "rule", rule.ID, actorID, events.EventPayload{}); err != nil {
		return rule, err
	}
	if err := tx.Commit(); err != nil {
		return rule, err
	}
	return rule, nil
}

// DeleteRule removes a rule permanently.
func (e Engine) DeleteRule(ctx context.Context, id, actorID string) error {
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRule(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rule.deleted", rule.ProjectID, "rule", rule.ID, actorID, events.EventPayload{"name": rule.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListProjectRules returns a project's rules in creation order.
func (e Engine) ListProjectRules(ctx context.Context, projectID string) ([]domain.AutomationRule, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListRules(ctx, repo.RuleFilters{ProjectID: projectID})
}
