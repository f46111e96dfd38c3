// Package order decides whether a proposed drag-and-drop outcome is
// legal and, if so, computes the concrete field changes: the moved
// task's new parent and a renumbered sort order for the destination
// sibling group. It never mutates the forest itself.
package order

import (
	"fmt"

	"taskboard/domain"
	"taskboard/forest"
)

// Reason classifies why a move was rejected.
type Reason string

const (
	CycleDetected        Reason = "cycle_detected"
	InvalidTypeForParent Reason = "invalid_type_for_parent"
)

// MoveError is the engine's rejection of a proposed move.
type MoveError struct {
	Reason       Reason
	TaskID       int
	DestParentID *int
}

func (e *MoveError) Error() string {
	dest := "root"
	if e.DestParentID != nil {
		dest = fmt.Sprintf("%d", *e.DestParentID)
	}
	return fmt.Sprintf("move task %d under %s rejected: %s", e.TaskID, dest, e.Reason)
}

// Move describes an accepted move for the coordinator to apply and
// persist: the new parent plus the destination sibling group renumbered
// by position so the moved task sits at the requested index.
type Move struct {
	TaskID      int
	NewParentID *int
	Siblings    []domain.SiblingOrder
}

// Engine validates moves against the current forest state.
type Engine struct {
	forest *forest.Forest
}

// New returns an engine reading from the given forest.
func New(f *forest.Forest) *Engine {
	return &Engine{forest: f}
}

// ProposeMove validates moving the task under destParentID at destIndex.
// Rejections: CycleDetected when the destination is the task itself or
// one of its descendants, InvalidTypeForParent when the child/parent
// type pairing breaks the Epic ← User Story ← Subtask hierarchy. The
// destination index is clamped to the sibling group bounds. Sibling
// orders are recomputed from scratch on every move; relative order of
// the pre-existing siblings is preserved.
func (e *Engine) ProposeMove(taskID int, destParentID *int, destIndex int) (Move, error) {
	t, ok := e.forest.Get(taskID)
	if !ok {
		return Move{}, &domain.NotFoundError{ID: taskID}
	}

	if destParentID != nil {
		if *destParentID == taskID {
			return Move{}, &MoveError{Reason: CycleDetected, TaskID: taskID, DestParentID: destParentID}
		}
		parent, ok := e.forest.Get(*destParentID)
		if !ok {
			return Move{}, &domain.NotFoundError{ID: *destParentID}
		}
		for _, ancestor := range e.forest.AncestorsOf(*destParentID) {
			if ancestor == taskID {
				return Move{}, &MoveError{Reason: CycleDetected, TaskID: taskID, DestParentID: destParentID}
			}
		}
		required, hasParent := t.TaskType.ParentType()
		if !hasParent || parent.TaskType != required {
			return Move{}, &MoveError{Reason: InvalidTypeForParent, TaskID: taskID, DestParentID: destParentID}
		}
	} else if t.TaskType != domain.TypeEpic {
		return Move{}, &MoveError{Reason: InvalidTypeForParent, TaskID: taskID}
	}

	group := e.forest.ChildrenOf(destParentID)
	ids := make([]int, 0, len(group)+1)
	for _, sib := range group {
		if sib.ID != taskID {
			ids = append(ids, sib.ID)
		}
	}
	if destIndex < 0 {
		destIndex = 0
	}
	if destIndex > len(ids) {
		destIndex = len(ids)
	}
	ids = append(ids, 0)
	copy(ids[destIndex+1:], ids[destIndex:])
	ids[destIndex] = taskID

	siblings := make([]domain.SiblingOrder, len(ids))
	for i, id := range ids {
		siblings[i] = domain.SiblingOrder{ID: id, SortOrder: i, ParentID: destParentID}
	}
	return Move{TaskID: taskID, NewParentID: destParentID, Siblings: siblings}, nil
}
