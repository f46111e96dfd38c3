package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Field names a single mutable task field. The string value is the JSON
// key used in PATCH bodies and realtime payloads.
type Field string

const (
	FieldName          Field = "name"
	FieldDescription   Field = "description"
	FieldStatus        Field = "status"
	FieldPriority      Field = "priority"
	FieldEpicPriority  Field = "epic_priority"
	FieldStoryPoints   Field = "story_points"
	FieldSortOrder     Field = "sort_order"
	FieldParentID      Field = "parent_id"
	FieldProjectID     Field = "project_id"
	FieldContributorID Field = "contributor_id"
)

// FieldUpdate is one validated partial update. Construct values through
// the typed constructors below rather than filling the struct directly;
// Value carries the concrete Go value for the named field.
type FieldUpdate struct {
	Field Field
	Value any
}

func UpdateName(v string) FieldUpdate        { return FieldUpdate{FieldName, v} }
func UpdateDescription(v string) FieldUpdate { return FieldUpdate{FieldDescription, v} }
func UpdateStatus(v Status) FieldUpdate      { return FieldUpdate{FieldStatus, v} }
func UpdatePriority(v Priority) FieldUpdate  { return FieldUpdate{FieldPriority, v} }
func UpdateEpicPriority(v EpicPriority) FieldUpdate {
	return FieldUpdate{FieldEpicPriority, v}
}
func UpdateStoryPoints(v *int) FieldUpdate   { return FieldUpdate{FieldStoryPoints, v} }
func UpdateSortOrder(v int) FieldUpdate      { return FieldUpdate{FieldSortOrder, v} }
func UpdateParentID(v *int) FieldUpdate      { return FieldUpdate{FieldParentID, v} }
func UpdateProjectID(v int) FieldUpdate      { return FieldUpdate{FieldProjectID, v} }
func UpdateContributorID(v *int) FieldUpdate { return FieldUpdate{FieldContributorID, v} }

// Validate checks the update against the task type it targets. It returns
// a ValidationError describing the first violation found.
func (u FieldUpdate) Validate(taskType TaskType) error {
	switch u.Field {
	case FieldName:
		v, ok := u.Value.(string)
		if !ok {
			return &ValidationError{Field: u.Field, Reason: "name must be a string"}
		}
		if strings.TrimSpace(v) == "" {
			return &ValidationError{Field: u.Field, Reason: "name cannot be empty"}
		}
		if len(v) > MaxNameLength {
			return &ValidationError{Field: u.Field, Reason: fmt.Sprintf("name exceeds %d characters", MaxNameLength)}
		}
	case FieldDescription:
		if _, ok := u.Value.(string); !ok {
			return &ValidationError{Field: u.Field, Reason: "description must be a string"}
		}
	case FieldStatus:
		v, ok := u.Value.(Status)
		if !ok || !v.IsValid() {
			return &ValidationError{Field: u.Field, Reason: fmt.Sprintf("invalid status %v", u.Value)}
		}
	case FieldPriority:
		if taskType == TypeEpic {
			return &ValidationError{Field: u.Field, Reason: "epics cannot have priority"}
		}
		v, ok := u.Value.(Priority)
		if !ok || !v.IsValid() {
			return &ValidationError{Field: u.Field, Reason: fmt.Sprintf("invalid priority %v", u.Value)}
		}
	case FieldEpicPriority:
		if taskType != TypeEpic {
			return &ValidationError{Field: u.Field, Reason: "only epics can have epic_priority"}
		}
		v, ok := u.Value.(EpicPriority)
		if !ok || !v.IsValid() {
			return &ValidationError{Field: u.Field, Reason: fmt.Sprintf("invalid epic_priority %v", u.Value)}
		}
	case FieldStoryPoints:
		v, ok := u.Value.(*int)
		if !ok {
			return &ValidationError{Field: u.Field, Reason: "story_points must be an integer or null"}
		}
		if v != nil && *v < 0 {
			return &ValidationError{Field: u.Field, Reason: "story_points cannot be negative"}
		}
	case FieldSortOrder:
		if _, ok := u.Value.(int); !ok {
			return &ValidationError{Field: u.Field, Reason: "sort_order must be an integer"}
		}
	case FieldParentID:
		if _, ok := u.Value.(*int); !ok {
			return &ValidationError{Field: u.Field, Reason: "parent_id must be an id or null"}
		}
	case FieldProjectID:
		v, ok := u.Value.(int)
		if !ok || v <= 0 {
			return &ValidationError{Field: u.Field, Reason: "project_id is required"}
		}
	case FieldContributorID:
		if _, ok := u.Value.(*int); !ok {
			return &ValidationError{Field: u.Field, Reason: "contributor_id must be an id or null"}
		}
	default:
		return &ValidationError{Field: u.Field, Reason: "unknown field"}
	}
	return nil
}

// Apply writes the update into the task. The update must have been
// validated for the task's type first.
func (u FieldUpdate) Apply(t *Task, now time.Time) {
	switch u.Field {
	case FieldName:
		t.Name = u.Value.(string)
	case FieldDescription:
		t.Description = u.Value.(string)
	case FieldStatus:
		t.SetStatus(u.Value.(Status), now)
	case FieldPriority:
		t.Priority = u.Value.(Priority)
	case FieldEpicPriority:
		t.EpicPriority = u.Value.(EpicPriority)
	case FieldStoryPoints:
		t.StoryPoints = u.Value.(*int)
	case FieldSortOrder:
		t.SortOrder = u.Value.(int)
	case FieldParentID:
		t.ParentID = u.Value.(*int)
	case FieldProjectID:
		t.ProjectID = u.Value.(int)
	case FieldContributorID:
		t.ContributorID = u.Value.(*int)
	}
}

// CurrentValue reads the field's present value from the task, used to
// compare a pending write against the last committed state.
func (u FieldUpdate) CurrentValue(t Task) any {
	return fieldValue(t, u.Field)
}

func fieldValue(t Task, f Field) any {
	switch f {
	case FieldName:
		return t.Name
	case FieldDescription:
		return t.Description
	case FieldStatus:
		return t.Status
	case FieldPriority:
		return t.Priority
	case FieldEpicPriority:
		return t.EpicPriority
	case FieldStoryPoints:
		return t.StoryPoints
	case FieldSortOrder:
		return t.SortOrder
	case FieldParentID:
		return t.ParentID
	case FieldProjectID:
		return t.ProjectID
	case FieldContributorID:
		return t.ContributorID
	}
	return nil
}

// EqualValues compares two field values, dereferencing optional ids so a
// nil pointer and a pointer to the same number compare as expected.
func EqualValues(a, b any) bool {
	if pa, ok := a.(*int); ok {
		pb, ok := b.(*int)
		if !ok {
			return false
		}
		if pa == nil || pb == nil {
			return pa == pb
		}
		return *pa == *pb
	}
	return a == b
}

// DecodeFieldValue parses a raw JSON value for the named field into a
// typed FieldUpdate, used when merging realtime update_task events.
func DecodeFieldValue(f Field, raw []byte) (FieldUpdate, error) {
	badValue := func(err error) (FieldUpdate, error) {
		return FieldUpdate{}, &ValidationError{Field: f, Reason: fmt.Sprintf("malformed value: %v", err)}
	}
	switch f {
	case FieldName, FieldDescription:
		var v string
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return badValue(err)
		}
		return FieldUpdate{f, v}, nil
	case FieldStatus:
		var v Status
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return badValue(err)
		}
		return FieldUpdate{f, v}, nil
	case FieldPriority:
		var v Priority
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return badValue(err)
		}
		return FieldUpdate{f, v}, nil
	case FieldEpicPriority:
		var v EpicPriority
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return badValue(err)
		}
		return FieldUpdate{f, v}, nil
	case FieldSortOrder, FieldProjectID:
		var v int
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return badValue(err)
		}
		return FieldUpdate{f, v}, nil
	case FieldStoryPoints, FieldParentID, FieldContributorID:
		var v *int
		if err := sonic.Unmarshal(raw, &v); err != nil {
			return badValue(err)
		}
		return FieldUpdate{f, v}, nil
	}
	return FieldUpdate{}, &ValidationError{Field: f, Reason: "unknown field"}
}
