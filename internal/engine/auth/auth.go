package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskloom/internal/domain"
	"taskloom/internal/repo"
)

const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// ValidRole reports whether role is one of the known membership roles.
func ValidRole(role string) bool {
	switch role {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// ForbiddenError indicates the actor lacks the required role.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// Membership is the acting user's standing in a project, resolved by the
// caller before any policy check.
type Membership struct {
	UserID string
	Role   string
	Member bool
}

// CanCreateRule allows project owners and editors to author rules.
func CanCreateRule(m Membership) bool {
	return m.Member && (m.Role == RoleOwner || m.Role == RoleEditor)
}

// CanManageRule allows the project owner, any editor, or the rule's creator
// to update, toggle, or delete an existing rule.
func CanManageRule(rule domain.AutomationRule, m Membership) bool {
	if !m.Member {
		return false
	}
	if m.Role == RoleOwner || m.Role == RoleEditor {
		return true
	}
	return rule.CreatorID == m.UserID
}

// CanReadRules requires project membership of any role.
func CanReadRules(m Membership) bool {
	return m.Member
}

// CanEditTask allows owners, editors, and the task's current assignee.
func CanEditTask(task domain.Task, m Membership) bool {
	if !m.Member {
		return false
	}
	if m.Role == RoleOwner || m.Role == RoleEditor {
		return true
	}
	return task.AssigneeID != nil && *task.AssigneeID == m.UserID
}

// CanManageMembers is reserved for project owners.
func CanManageMembers(m Membership) bool {
	return m.Member && m.Role == RoleOwner
}

// Service resolves memberships from the store.
type Service struct {
	Repo repo.Repo
}

func (s Service) Membership(ctx context.Context, projectID, userID string) (Membership, error) {
	m, err := s.Repo.GetMember(ctx, projectID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return Membership{UserID: userID}, nil
	}
	if err != nil {
		return Membership{}, err
	}
	return Membership{UserID: userID, Role: m.Role, Member: true}, nil
}

// IsMemberTx checks membership inside an open transaction.
func (s Service) IsMemberTx(ctx context.Context, tx *sql.Tx, projectID, userID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM project_members WHERE project_id=? AND user_id=? LIMIT 1`, projectID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
