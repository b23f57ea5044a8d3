package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskloom/internal/domain"
)

const taskColumns = `id,project_id,title,description,status,assignee_id,creator_id,due_date,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.AssigneeID),
		t.CreatorID, nullableStringPtr(t.DueDate), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, assignee_id=?, due_date=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.AssigneeID),
		nullableStringPtr(t.DueDate), t.UpdatedAt, t.ID)
	return err
}

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, assigneeID, dueDate sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &assigneeID, &t.CreatorID, &dueDate, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

type TaskFilters struct {
	ProjectID       string
	Status          string
	AssigneeID      string
	CreatorID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) AppendHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_history(task_id,actor_id,action,old_value,new_value,ts) VALUES (?,?,?,?,?,?)`,
		h.TaskID, h.ActorID, h.Action, nullableStringPtr(h.OldValue), nullableStringPtr(h.NewValue), h.TS)
	return err
}

func (r Repo) ListHistory(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,actor_id,action,old_value,new_value,ts FROM task_history WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var oldValue, newValue sql.NullString
		if err := rows.Scan(&h.ID, &h.TaskID, &h.ActorID, &h.Action, &oldValue, &newValue, &h.TS); err != nil {
			return nil, err
		}
		if oldValue.Valid {
			h.OldValue = &oldValue.String
		}
		if newValue.Valid {
			h.NewValue = &newValue.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
