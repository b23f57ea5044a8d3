package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskloom/internal/config"
	"taskloom/internal/domain"
	"taskloom/internal/engine/auth"
	"taskloom/internal/events"
	"taskloom/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// History action kinds written on task mutations.
const (
	historyCreated       = "created"
	historyUpdated       = "updated"
	historyStatusChanged = "status_changed"
	historyAssigned      = "assigned"
	historyCommented     = "commented"
)

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	Statuses    []string
	ActorID     string
}

// CreateProject inserts the project, seeds its config, and registers the
// creator as owner.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if opts.ActorID == "" {
		return domain.Project{}, errors.New("actor is required")
	}
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = config.Default(opts.ID).Statuses
	}
	if err := validateStatusSet(statuses); err != nil {
		return domain.Project{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:          id,
		Name:        opts.Name,
		Description: opts.Description,
		Statuses:    statuses,
		CreatorID:   opts.ActorID,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertMember(ctx, tx, domain.Member{
		ProjectID: p.ID,
		UserID:    opts.ActorID,
		Role:      auth.RoleOwner,
		AddedAt:   now,
	}); err != nil {
		return domain.Project{}, fmt.Errorf("add owner: %w", err)
	}
	seedCfg := config.Default(p.ID)
	seedCfg.Statuses = statuses
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, seedCfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func validateStatusSet(statuses []string) error {
	if len(statuses) == 0 {
		return errors.New("statuses must not be empty")
	}
	seen := map[string]bool{}
	for _, s := range statuses {
		if s == "" {
			return errors.New("status name must not be empty")
		}
		if seen[s] {
			return fmt.Errorf("duplicate status %s", s)
		}
		seen[s] = true
	}
	return nil
}

// AddMember adds or re-roles a project member.
func (e Engine) AddMember(ctx context.Context, projectID, userID, role, actorID string) (domain.Member, error) {
	if !auth.ValidRole(role) {
		return domain.Member{}, fmt.Errorf("invalid role %s", role)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Member{}, err
	}
	m := domain.Member{
		ProjectID: projectID,
		UserID:    userID,
		Role:      role,
		AddedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	if err := e.Events.Append(ctx, tx, "member.added", projectID, "member", userID, actorID, events.EventPayload{"role": role}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return m, nil
}

// RemoveMember drops a member; the project owner cannot be removed.
func (e Engine) RemoveMember(ctx context.Context, projectID, userID, actorID string) error {
	m, err := e.Repo.GetMember(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if m.Role == auth.RoleOwner {
		return errors.New("project owner cannot be removed")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveMember(ctx, tx, projectID, userID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "member.removed", projectID, "member", userID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	AssigneeID  string
	DueDate     string
	ActorID     string
}

// CreateTask inserts the task with an initial history entry and fires
// task_created automation after commit.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, FireResult, error) {
	if opts.Title == "" {
		return domain.Task{}, FireResult{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, FireResult{}, errors.New("project is required")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, FireResult{}, err
	}
	status := opts.Status
	if status == "" {
		status = p.Statuses[0]
	} else if !statusInSet(p.Statuses, status) {
		return domain.Task{}, FireResult{}, fmt.Errorf("invalid status %s for project %s", status, p.ID)
	}
	if opts.AssigneeID != "" {
		if _, err := e.Repo.GetMember(ctx, p.ID, opts.AssigneeID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, FireResult{}, fmt.Errorf("assignee %s is not a member of project %s", opts.AssigneeID, p.ID)
			}
			return domain.Task{}, FireResult{}, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Task{
		ID:          id,
		ProjectID:   p.ID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      status,
		AssigneeID:  optionalString(opts.AssigneeID),
		CreatorID:   opts.ActorID,
		DueDate:     optionalString(opts.DueDate),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, FireResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, FireResult{}, err
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
		TaskID:   t.ID,
		ActorID:  opts.ActorID,
		Action:   historyCreated,
		NewValue: &t.Status,
		TS:       now,
	}); err != nil {
		return domain.Task{}, FireResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Task{}, FireResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, FireResult{}, err
	}
	fr := e.Fire(ctx, domain.TriggerTaskCreated, t, EventContext{})
	return t, fr, nil
}

// TaskUpdateOptions encapsulates allowed field updates.
type TaskUpdateOptions struct {
	ID           string
	Title        *string
	Description  *string
	DueDate      *string
	ClearDueDate bool
	ActorID      string
}

// UpdateTask applies field edits (not status or assignee; those have
// dedicated operations) and fires task_updated automation after commit.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, FireResult, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, FireResult{}, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return t, FireResult{}, errors.New("title must not be empty")
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.ClearDueDate {
		t.DueDate = nil
	} else if opts.DueDate != nil {
		t.DueDate = opts.DueDate
	}
	now := e.now().UTC().Format(time.RFC3339)
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, FireResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, FireResult{}, err
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
		TaskID:  t.ID,
		ActorID: opts.ActorID,
		Action:  historyUpdated,
		TS:      now,
	}); err != nil {
		return t, FireResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title}); err != nil {
		return t, FireResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return t, FireResult{}, err
	}
	fr := e.Fire(ctx, domain.TriggerTaskUpdated, t, EventContext{})
	return t, fr, nil
}

// SetTaskStatus moves a task to a status from the owning project's status
// set and fires task_status_changed automation after commit.
func (e Engine) SetTaskStatus(ctx context.Context, taskID, status, actorID string) (domain.Task, FireResult, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, FireResult{}, err
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return t, FireResult{}, err
	}
	if !statusInSet(p.Statuses, status) {
		return t, FireResult{}, fmt.Errorf("invalid status %s for project %s", status, p.ID)
	}
	oldStatus := t.Status
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = status
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, FireResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, FireResult{}, err
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
		TaskID:   t.ID,
		ActorID:  actorID,
		Action:   historyStatusChanged,
		OldValue: &oldStatus,
		NewValue: &status,
		TS:       now,
	}); err != nil {
		return t, FireResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.status_changed", t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"from_status": oldStatus,
		"to_status":   status,
	}); err != nil {
		return t, FireResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return t, FireResult{}, err
	}
	fr := e.Fire(ctx, domain.TriggerTaskStatusChanged, t, EventContext{OldStatus: oldStatus})
	return t, fr, nil
}

// AssignTask sets or clears the assignee (empty userID unassigns) and fires
// task_assigned automation after commit when a new assignee was set.
func (e Engine) AssignTask(ctx context.Context, taskID, userID, actorID string) (domain.Task, FireResult, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, FireResult{}, err
	}
	if userID != "" {
		if _, err := e.Repo.GetMember(ctx, t.ProjectID, userID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return t, FireResult{}, fmt.Errorf("assignee %s is not a member of project %s", userID, t.ProjectID)
			}
			return t, FireResult{}, err
		}
	}
	oldAssignee := ""
	if t.AssigneeID != nil {
		oldAssignee = *t.AssigneeID
	}
	now := e.now().UTC().Format(time.RFC3339)
	t.AssigneeID = optionalString(userID)
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, FireResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, FireResult{}, err
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
		TaskID:   t.ID,
		ActorID:  actorID,
		Action:   historyAssigned,
		OldValue: optionalString(oldAssignee),
		NewValue: optionalString(userID),
		TS:       now,
	}); err != nil {
		return t, FireResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"from_assignee": oldAssignee,
		"to_assignee":   userID,
	}); err != nil {
		return t, FireResult{}, err
	}
	if userID != "" && userID != actorID {
		if err := e.Repo.InsertNotification(ctx, tx, domain.Notification{
			ID:          uuid.New().String(),
			RecipientID: userID,
			Kind:        "task_assigned",
			Message:     fmt.Sprintf("You were assigned to %q", t.Title),
			ProjectID:   t.ProjectID,
			TaskID:      t.ID,
			CreatedAt:   now,
		}); err != nil {
			return t, FireResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, FireResult{}, err
	}
	var fr FireResult
	if userID != "" {
		fr = e.Fire(ctx, domain.TriggerTaskAssigned, t, EventContext{OldAssignee: oldAssignee})
	}
	return t, fr, nil
}

// AddComment appends a comment and notifies the assignee (or creator).
func (e Engine) AddComment(ctx context.Context, taskID, body, actorID string) (domain.Comment, error) {
	if body == "" {
		return domain.Comment{}, errors.New("body is required")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Comment{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Comment{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		AuthorID:  actorID,
		Body:      body,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
		TaskID:  t.ID,
		ActorID: actorID,
		Action:  historyCommented,
		TS:      now,
	}); err != nil {
		return c, err
	}
	recipient := t.CreatorID
	if t.AssigneeID != nil {
		recipient = *t.AssigneeID
	}
	if recipient != "" && recipient != actorID {
		if err := e.Repo.InsertNotification(ctx, tx, domain.Notification{
			ID:          uuid.New().String(),
			RecipientID: recipient,
			Kind:        "task_commented",
			Message:     fmt.Sprintf("New comment on %q", t.Title),
			ProjectID:   t.ProjectID,
			TaskID:      t.ID,
			CreatedAt:   now,
		}); err != nil {
			return c, err
		}
	}
	if err := e.Events.Append(ctx, tx, "comment.created", t.ProjectID, "comment", c.ID, actorID, events.EventPayload{"task_id": t.ID}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// CreateAPIKey mints a new key for the user and stores only its hash. The
// plaintext secret is returned once and never kept.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if userID == "" {
		return domain.APIKey{}, "", errors.New("user is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "tl_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// --- helpers ---

func statusInSet(statuses []string, status string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
