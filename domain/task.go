package domain

import "time"

// TaskType is one of the three fixed hierarchy levels.
type TaskType string

const (
	TypeEpic      TaskType = "Epic"
	TypeUserStory TaskType = "User Story"
	TypeSubtask   TaskType = "Subtask"
)

// IsValid reports whether the type is one of the known hierarchy levels.
func (t TaskType) IsValid() bool {
	switch t {
	case TypeEpic, TypeUserStory, TypeSubtask:
		return true
	}
	return false
}

// ParentType returns the required parent type for a child of this type.
// Epics live at the root and have no parent.
func (t TaskType) ParentType() (TaskType, bool) {
	switch t {
	case TypeUserStory:
		return TypeEpic, true
	case TypeSubtask:
		return TypeUserStory, true
	}
	return "", false
}

// Status is the workflow state of a task.
type Status string

const (
	StatusNotStarted Status = "Not Started"
	StatusInProgress Status = "In Progress"
	StatusBlocked    Status = "Blocked"
	StatusCompleted  Status = "Completed"
	StatusArchived   Status = "Archived"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusBlocked, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Priority applies to User Stories and Subtasks only.
type Priority string

const (
	PriorityUnset    Priority = "Unset"
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityUnset, PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// EpicPriority applies to Epics only.
type EpicPriority string

const (
	EpicPriorityUnset EpicPriority = "Unset"
	EpicPriorityP0    EpicPriority = "P0"
	EpicPriorityP1    EpicPriority = "P1"
	EpicPriorityP2    EpicPriority = "P2"
	EpicPriorityP3    EpicPriority = "P3"
	EpicPriorityP4    EpicPriority = "P4"
)

func (p EpicPriority) IsValid() bool {
	switch p {
	case EpicPriorityUnset, EpicPriorityP0, EpicPriorityP1, EpicPriorityP2, EpicPriorityP3, EpicPriorityP4:
		return true
	}
	return false
}

// MaxNameLength caps task names, matching the backend column size.
const MaxNameLength = 100

// Task is the central entity of the board.
type Task struct {
	ID            int          `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	TaskType      TaskType     `json:"task_type"`
	ParentID      *int         `json:"parent_id"`
	SortOrder     int          `json:"sort_order"`
	Priority      Priority     `json:"priority,omitempty"`
	EpicPriority  EpicPriority `json:"epic_priority,omitempty"`
	Status        Status       `json:"status"`
	StoryPoints   *int         `json:"story_points,omitempty"`
	ProjectID     int          `json:"project_id"`
	ContributorID *int         `json:"contributor_id,omitempty"`
	Completed     bool         `json:"completed,omitempty"`
	CompletedDate *time.Time   `json:"completed_date,omitempty"`
	IsArchived    bool         `json:"is_archived,omitempty"`

	// Denormalized display fields populated by the backend on fetch.
	ProjectName     string `json:"project_name,omitempty"`
	ContributorName string `json:"contributor_name,omitempty"`
}

// SetStatus applies a status transition and keeps the completion fields
// derived from it, the way the backend does on write.
func (t *Task) SetStatus(s Status, now time.Time) {
	t.Status = s
	if s == StatusCompleted {
		t.Completed = true
		d := now.UTC()
		t.CompletedDate = &d
	} else {
		t.Completed = false
		t.CompletedDate = nil
	}
	t.IsArchived = s == StatusArchived
}

// Contributor is a person tasks can be assigned to.
type Contributor struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Project groups tasks. Tasks always belong to exactly one project.
type Project struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// SentinelProjectName is the default project used when a task is created
// without an explicit project choice.
const SentinelProjectName = "Miscellaneous"

// DefaultName returns the placeholder title a freshly created task gets
// before the user types a real one.
func DefaultName(t TaskType) string {
	if t == TypeSubtask {
		return "New Subtask"
	}
	return "Untitled Task"
}

// SiblingOrder is one entry of a batch reorder: the task, its new position
// within the sibling group, and the group it now belongs to.
type SiblingOrder struct {
	ID        int  `json:"id"`
	SortOrder int  `json:"sort_order"`
	ParentID  *int `json:"parent_id"`
}

// CreatePayload is the body of a task creation call.
type CreatePayload struct {
	Name          string       `json:"title"`
	TaskType      TaskType     `json:"task_type"`
	Priority      Priority     `json:"priority,omitempty"`
	EpicPriority  EpicPriority `json:"epic_priority,omitempty"`
	Status        Status       `json:"status,omitempty"`
	ProjectID     int          `json:"project_id"`
	ParentID      *int         `json:"parent_id,omitempty"`
	Description   string       `json:"description,omitempty"`
	StoryPoints   *int         `json:"story_points,omitempty"`
	ContributorID *int         `json:"contributor_id,omitempty"`
}
