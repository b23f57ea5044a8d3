package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskloom/internal/domain"
)

const ruleColumns = `id,project_id,name,trigger_kind,trigger_field,trigger_operator,trigger_value,action_kind,action_status,action_user_id,action_badge_name,action_recipient_id,action_message,creator_id,active,execution_count,last_executed_at,created_at,updated_at`

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	var field, operator, value any
	if c := rule.Trigger.Condition; c != nil {
		field, operator, value = nullable(c.Field), nullable(c.Operator), c.Value
	}
	p := rule.Action.Params
	_, err := tx.ExecContext(ctx, `INSERT INTO automation_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.ProjectID, rule.Name,
		string(rule.Trigger.Kind), field, operator, value,
		string(rule.Action.Kind), nullable(p.Status), nullable(p.UserID), nullable(p.BadgeName), nullable(p.RecipientID), nullable(p.Message),
		rule.CreatorID, boolToInt(rule.Active), rule.ExecutionCount, nullableStringPtr(rule.LastExecutedAt),
		rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	var field, operator, value any
	if c := rule.Trigger.Condition; c != nil {
		field, operator, value = nullable(c.Field), nullable(c.Operator), c.Value
	}
	p := rule.Action.Params
	res, err := tx.ExecContext(ctx, `UPDATE automation_rules SET name=?, trigger_kind=?, trigger_field=?, trigger_operator=?, trigger_value=?,
action_kind=?, action_status=?, action_user_id=?, action_badge_name=?, action_recipient_id=?, action_message=?, active=?, updated_at=? WHERE id=?`,
		rule.Name, string(rule.Trigger.Kind), field, operator, value,
		string(rule.Action.Kind), nullable(p.Status), nullable(p.UserID), nullable(p.BadgeName), nullable(p.RecipientID), nullable(p.Message),
		boolToInt(rule.Active), rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRuleRow(scan func(dest ...any) error) (domain.AutomationRule, error) {
	var rule domain.AutomationRule
	var field, operator, value sql.NullString
	var status, userID, badgeName, recipientID, message sql.NullString
	var lastExecutedAt sql.NullString
	var active int
	err := scan(&rule.ID, &rule.ProjectID, &rule.Name,
		(*string)(&rule.Trigger.Kind), &field, &operator, &value,
		(*string)(&rule.Action.Kind), &status, &userID, &badgeName, &recipientID, &message,
		&rule.CreatorID, &active, &rule.ExecutionCount, &lastExecutedAt,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.Active = active != 0
	if value.Valid {
		rule.Trigger.Condition = &domain.TriggerCondition{
			Field:    field.String,
			Operator: operator.String,
			Value:    value.String,
		}
	}
	rule.Action.Params = domain.ActionParams{
		Status:      status.String,
		UserID:      userID.String,
		BadgeName:   badgeName.String,
		RecipientID: recipientID.String,
		Message:     message.String,
	}
	if lastExecutedAt.Valid {
		rule.LastExecutedAt = &lastExecutedAt.String
	}
	return rule, nil
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=?`, id)
	return scanRuleRow(row.Scan)
}

type RuleFilters struct {
	ProjectID  string
	ActiveOnly bool
}

// ListRules returns rules in stored (creation) order.
func (r Repo) ListRules(ctx context.Context, f RuleFilters) ([]domain.AutomationRule, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.ActiveOnly {
		clauses = append(clauses, "active=1")
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules `+where+` ORDER BY rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRuleRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM automation_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRuleActive(ctx context.Context, tx *sql.Tx, id string, active bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE automation_rules SET active=?, updated_at=? WHERE id=?`, boolToInt(active), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRuleExecuted bumps the execution counter atomically so concurrent
// firings never lose an increment.
func (r Repo) MarkRuleExecuted(ctx context.Context, id, executedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automation_rules SET execution_count=execution_count+1, last_executed_at=? WHERE id=?`, executedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountRules(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM automation_rules WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
