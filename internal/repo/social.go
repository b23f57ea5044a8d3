package repo

import (
	"context"
	"database/sql"

	"taskloom/internal/domain"
)

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,task_id,author_id,body,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.TaskID, c.AuthorID, c.Body, c.CreatedAt)
	return err
}

func (r Repo) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,author_id,body,created_at FROM comments WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertBadge(ctx context.Context, tx *sql.Tx, b domain.Badge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO badges(id,user_id,name,awarded_at) VALUES (?,?,?,?)`,
		b.ID, b.UserID, b.Name, b.AwardedAt)
	return err
}

func (r Repo) ListBadges(ctx context.Context, userID string) ([]domain.Badge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,name,awarded_at FROM badges WHERE user_id=? ORDER BY awarded_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Badge
	for rows.Next() {
		var b domain.Badge
		if err := rows.Scan(&b.ID, &b.UserID, &b.Name, &b.AwardedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,recipient_id,kind,message,project_id,task_id,read,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Kind, n.Message, nullable(n.ProjectID), nullable(n.TaskID), boolToInt(n.Read), n.CreatedAt)
	return err
}

type NotificationFilters struct {
	RecipientID string
	UnreadOnly  bool
	Limit       int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT id,recipient_id,kind,message,COALESCE(project_id,''),COALESCE(task_id,''),read,created_at FROM notifications WHERE recipient_id=?`
	args := []any{f.RecipientID}
	if f.UnreadOnly {
		query += ` AND read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Message, &n.ProjectID, &n.TaskID, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Read = read != 0
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=? AND recipient_id=?`, id, recipientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
