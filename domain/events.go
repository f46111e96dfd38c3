package domain

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Realtime event types carried over the sync channel.
const (
	EventTaskCreated         = "task_created"
	EventTaskUpdated         = "update_task"
	EventTaskSorted          = "task_sorted"
	EventTaskParentUpdated   = "task_parent_updated"
	EventTaskDeleted         = "task_deleted"
	EventContributorsUpdated = "update_contributors"
	EventContributorUpdated  = "contributor_updated"
)

// Event is the envelope every realtime message travels in. Delivery is
// fire-and-forget, at most once; there is no acknowledgment or retry.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals the payload into an event envelope.
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

// TaskCreatedData carries the full authoritative task.
type TaskCreatedData struct {
	Task Task `json:"task"`
}

// TaskUpdatedData carries a single confirmed field change.
type TaskUpdatedData struct {
	TaskID int             `json:"task_id"`
	Field  Field           `json:"field"`
	Value  json.RawMessage `json:"value"`
}

// TaskSortedData carries the full reordered sibling group after a move.
type TaskSortedData struct {
	OrderedTasks []SiblingOrder `json:"ordered_tasks"`
}

// TaskParentUpdatedData announces a confirmed reparent.
type TaskParentUpdatedData struct {
	TaskID      int  `json:"task_id"`
	NewParentID *int `json:"new_parent_id"`
}

// TaskDeletedData announces a confirmed delete. RemovedIDs includes
// descendants when the delete cascaded.
type TaskDeletedData struct {
	TaskID     int   `json:"task_id"`
	RemovedIDs []int `json:"removed_ids"`
}

// ContributorData carries a contributor record, or its removal.
type ContributorData struct {
	Contributor Contributor `json:"contributor"`
	Removed     bool        `json:"removed,omitempty"`
}
