package domain

type Project struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Statuses    []string `json:"statuses"`
	CreatorID   string   `json:"creator_id"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type Member struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role" enum:"owner,editor,viewer"`
	AddedAt   string `json:"added_at" format:"date-time"`
}

type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatorID   string  `json:"creator_id"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type HistoryEntry struct {
	ID       int64   `json:"id"`
	TaskID   string  `json:"task_id"`
	ActorID  string  `json:"actor_id"`
	Action   string  `json:"action"`
	OldValue *string `json:"old_value,omitempty"`
	NewValue *string `json:"new_value,omitempty"`
	TS       string  `json:"ts" format:"date-time"`
}

type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TriggerKind is the closed set of lifecycle events a rule can react to.
type TriggerKind string

const (
	TriggerTaskStatusChanged TriggerKind = "task_status_changed"
	TriggerTaskAssigned      TriggerKind = "task_assigned"
	TriggerTaskDueDatePassed TriggerKind = "task_due_date_passed"
	TriggerTaskCreated       TriggerKind = "task_created"
	TriggerTaskUpdated       TriggerKind = "task_updated"
)

// ActionKind is the closed set of side effects a rule can perform.
type ActionKind string

const (
	ActionAssignBadge      ActionKind = "assign_badge"
	ActionChangeStatus     ActionKind = "change_status"
	ActionAssignUser       ActionKind = "assign_user"
	ActionSendNotification ActionKind = "send_notification"
)

type TriggerCondition struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value"`
}

type Trigger struct {
	Kind      TriggerKind       `json:"kind" enum:"task_status_changed,task_assigned,task_due_date_passed,task_created,task_updated"`
	Condition *TriggerCondition `json:"condition,omitempty"`
}

// ActionParams carries the kind-specific parameters; which fields are
// required depends on Action.Kind and is enforced by rule validation.
type ActionParams struct {
	Status      string `json:"status,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	BadgeName   string `json:"badge_name,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

type Action struct {
	Kind   ActionKind   `json:"kind" enum:"assign_badge,change_status,assign_user,send_notification"`
	Params ActionParams `json:"params"`
}

type AutomationRule struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Name           string  `json:"name"`
	Trigger        Trigger `json:"trigger"`
	Action         Action  `json:"action"`
	CreatorID      string  `json:"creator_id"`
	Active         bool    `json:"active"`
	ExecutionCount int64   `json:"execution_count"`
	LastExecutedAt *string `json:"last_executed_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Badge struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AwardedAt string `json:"awarded_at" format:"date-time"`
}

type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	ProjectID   string `json:"project_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
