package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"taskloom/internal/domain"
	"taskloom/internal/events"
	"taskloom/internal/repo"
)

// EventContext carries prior-state details of the lifecycle event being
// evaluated. Matching is against the task's NEW state; the old values are
// informational.
type EventContext struct {
	OldStatus   string
	OldAssignee string
}

// RuleFailure records one rule whose action could not complete.
type RuleFailure struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// FireResult is the aggregate outcome of one automation pass.
type FireResult struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failures  []RuleFailure `json:"failures,omitempty"`
}

// ActionError reports a failed rule action. Reason is a stable token
// recorded in the fire result.
type ActionError struct {
	Reason string
	Err    error
}

func (e ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e ActionError) Unwrap() error { return e.Err }

// Stable action failure reasons.
const (
	ReasonInvalidStatus     = "invalid_status"
	ReasonNotAMember        = "not_a_member"
	ReasonPersistenceFailed = "persistence_failed"
	ReasonUnknownAction     = "unknown_action"

	automationActor       = "automation"
	notificationKindAuto  = "automation"
	notificationKindBadge = "badge_awarded"
)

// ruleMatches decides whether a single rule fires for the given event.
// Unknown trigger kinds never match.
func ruleMatches(rule domain.AutomationRule, kind domain.TriggerKind, task domain.Task) bool {
	if !rule.Active || rule.ProjectID != task.ProjectID || rule.Trigger.Kind != kind {
		return false
	}
	switch kind {
	case domain.TriggerTaskStatusChanged:
		// condition names the status the task moved TO
		return rule.Trigger.Condition != nil && rule.Trigger.Condition.Value == task.Status
	case domain.TriggerTaskAssigned:
		if rule.Trigger.Condition == nil {
			return true
		}
		return task.AssigneeID != nil && *task.AssigneeID == rule.Trigger.Condition.Value
	case domain.TriggerTaskCreated, domain.TriggerTaskUpdated, domain.TriggerTaskDueDatePassed:
		return true
	}
	return false
}

// matchRules filters candidates preserving their stored order.
func matchRules(rules []domain.AutomationRule, kind domain.TriggerKind, task domain.Task) []domain.AutomationRule {
	var matched []domain.AutomationRule
	for _, rule := range rules {
		if ruleMatches(rule, kind, task) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// Fire evaluates all active rules of the task's project against a lifecycle
// event and executes the matching actions in stored order. Each action runs
// in its own transaction; a failing rule is recorded and evaluation moves on
// to the next. Fire never returns an error for rule failures, only for the
// inability to load the candidate set.
func (e Engine) Fire(ctx context.Context, kind domain.TriggerKind, task domain.Task, evCtx EventContext) FireResult {
	rules, err := e.Repo.ListRules(ctx, repo.RuleFilters{ProjectID: task.ProjectID, ActiveOnly: true})
	if err != nil {
		log.Printf("automation: list rules for project %s: %v", task.ProjectID, err)
		return FireResult{}
	}
	matched := matchRules(rules, kind, task)
	result := FireResult{Attempted: len(matched)}
	current := task
	for _, rule := range matched {
		updated, err := e.executeAction(ctx, rule, current)
		if err != nil {
			reason := ReasonPersistenceFailed
			var ae ActionError
			if errors.As(err, &ae) {
				reason = ae.Reason
			}
			result.Failures = append(result.Failures, RuleFailure{RuleID: rule.ID, Reason: reason})
			log.Printf("automation: rule %s (%s): %v", rule.ID, rule.Name, err)
			continue
		}
		current = updated
		result.Succeeded++
		executedAt := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.MarkRuleExecuted(ctx, rule.ID, executedAt); err != nil {
			log.Printf("automation: mark rule %s executed: %v", rule.ID, err)
		}
	}
	return result
}

// executeAction performs one rule's side effect atomically and returns the
// task as left by the action.
func (e Engine) executeAction(ctx context.Context, rule domain.AutomationRule, task domain.Task) (domain.Task, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
	}
	defer tx.Rollback()

	switch rule.Action.Kind {
	case domain.ActionChangeStatus:
		p, err := e.Repo.GetProject(ctx, task.ProjectID)
		if err != nil {
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}
		target := rule.Action.Params.Status
		if !statusInSet(p.Statuses, target) {
			return task, ActionError{Reason: ReasonInvalidStatus, Err: fmt.Errorf("status %q not in project %s", target, p.ID)}
		}
		if task.Status == target {
			return task, tx.Commit()
		}
		oldStatus := task.Status
		task.Status = target
		task.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}
		if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
			TaskID:   task.ID,
			ActorID:  automationActor,
			Action:   historyStatusChanged,
			OldValue: &oldStatus,
			NewValue: &target,
			TS:       now,
		}); err != nil {
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}

	case domain.ActionAssignUser:
		userID := rule.Action.Params.UserID
		if _, err := e.Repo.GetMember(ctx, task.ProjectID, userID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return task, ActionError{Reason: ReasonNotAMember, Err: fmt.Errorf("user %s not in project %s", userID, task.ProjectID)}
			}
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}
		oldAssignee := ""
		if task.AssigneeID != nil {
			oldAssignee = *task.AssigneeID
		}
		if oldAssignee == userID {
			return task, tx.Commit()
		}
		task.AssigneeID = &userID
		task.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}
		if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
			TaskID:   task.ID,
			ActorID:  automationActor,
			Action:   historyAssigned,
			OldValue: optionalString(oldAssignee),
			NewValue: &userID,
			TS:       now,
		}); err != nil {
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}

	case domain.ActionAssignBadge:
		recipient := rule.Action.Params.RecipientID
		if recipient == "" {
			recipient = task.CreatorID
		}
		if err := e.Repo.InsertBadge(ctx, tx, domain.Badge{
			ID:        uuid.New().String(),
			UserID:    recipient,
			Name:      rule.Action.Params.BadgeName,
			AwardedAt: now,
		}); err != nil {
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}
		if err := e.Repo.InsertNotification(ctx, tx, domain.Notification{
			ID:          uuid.New().String(),
			RecipientID: recipient,
			Kind:        notificationKindBadge,
			Message:     fmt.Sprintf("You earned the %q badge", rule.Action.Params.BadgeName),
			ProjectID:   task.ProjectID,
			TaskID:      task.ID,
			CreatedAt:   now,
		}); err != nil {
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}

	case domain.ActionSendNotification:
		recipient := rule.Action.Params.RecipientID
		if recipient == "" && task.AssigneeID != nil {
			recipient = *task.AssigneeID
		}
		if recipient == "" {
			recipient = task.CreatorID
		}
		if err := e.Repo.InsertNotification(ctx, tx, domain.Notification{
			ID:          uuid.New().String(),
			RecipientID: recipient,
			Kind:        notificationKindAuto,
			Message:     rule.Action.Params.Message,
			ProjectID:   task.ProjectID,
			TaskID:      task.ID,
			CreatedAt:   now,
		}); err != nil {
			return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
		}

	default:
		return task, ActionError{Reason: ReasonUnknownAction, Err: fmt.Errorf("action kind %q", rule.Action.Kind)}
	}

	if err := e.Events.Append(ctx, tx, "automation.fired", task.ProjectID, "rule", rule.ID, automationActor, events.EventPayload{
		"rule_name": rule.Name,
		"action":    string(rule.Action.Kind),
		"task_id":   task.ID,
	}); err != nil {
		return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return task, ActionError{Reason: ReasonPersistenceFailed, Err: err}
	}
	return task, nil
}

// SweepDueDates fires task_due_date_passed for every task whose due date is
// behind the clock and which is not in the project's final status. Meant to
// be run periodically (the serve command does).
func (e Engine) SweepDueDates(ctx context.Context, projectID string) (FireResult, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return FireResult{}, err
	}
	final := p.Statuses[len(p.Statuses)-1]
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return FireResult{}, err
	}
	now := e.now().UTC()
	var total FireResult
	for _, t := range tasks {
		if t.DueDate == nil || t.Status == final {
			continue
		}
		due, err := time.Parse(time.RFC3339, *t.DueDate)
		if err != nil || !due.Before(now) {
			continue
		}
		fr := e.Fire(ctx, domain.TriggerTaskDueDatePassed, t, EventContext{})
		total.Attempted += fr.Attempted
		total.Succeeded += fr.Succeeded
		total.Failures = append(total.Failures, fr.Failures...)
	}
	return total, nil
}
