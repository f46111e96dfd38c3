// Package coordinator makes every user-initiated change feel
// instantaneous while the backend stays the final authority. Field edits
// are applied to the forest immediately and persisted through a
// debounced, per-(task,field) write table with deterministic
// cancel-and-replace semantics; failures roll the local value back to
// the last committed state and are surfaced through the notifier.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/forest"
	"taskboard/order"
)

// DefaultQuietPeriod is the debounce window for field edits.
const DefaultQuietPeriod = time.Second

// Backend is the slice of the REST client the coordinator needs.
type Backend interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, payload domain.CreatePayload) (domain.Task, error)
	UpdateField(ctx context.Context, id int, u domain.FieldUpdate) (domain.Task, error)
	UpdateStatus(ctx context.Context, id int, status domain.Status) (domain.Task, error)
	ReorderSiblings(ctx context.Context, ordered []domain.SiblingOrder) error
	DeleteTask(ctx context.Context, id int, confirmChildren bool) error
	HasChildren(ctx context.Context, id int) (bool, error)
}

// DeletePolicy is the user's answer to the delete confirmation.
type DeletePolicy int

const (
	DeleteCancel DeletePolicy = iota
	DeleteCascade
	DeleteOrphan
)

type editKey struct {
	taskID int
	field  domain.Field
}

type pendingWrite struct {
	timer  *time.Timer
	update domain.FieldUpdate
	ctx    context.Context
}

// Coordinator owns the write path between the forest and the backend.
type Coordinator struct {
	forest            *forest.Forest
	engine            *order.Engine
	backend           Backend
	logger            *log.Logger
	quiet             time.Duration
	sentinelProjectID int
	notify            func(error)
	emit              func(domain.Event)

	mu        sync.Mutex
	pending   map[editKey]*pendingWrite
	inflight  map[editKey]bool
	next      map[editKey]domain.FieldUpdate
	committed map[editKey]any
}

// Option adjusts coordinator construction.
type Option func(*Coordinator)

// WithQuietPeriod overrides the debounce window.
func WithQuietPeriod(d time.Duration) Option {
	return func(c *Coordinator) { c.quiet = d }
}

// WithSentinelProject sets the project id used when a creation payload
// names none.
func WithSentinelProject(id int) Option {
	return func(c *Coordinator) { c.sentinelProjectID = id }
}

// WithNotifier receives every asynchronous failure that needs user
// acknowledgment.
func WithNotifier(fn func(error)) Option {
	return func(c *Coordinator) { c.notify = fn }
}

// WithEmitter broadcasts confirmed mutations to other clients. Called
// only after the backend accepts a write, never before.
func WithEmitter(fn func(domain.Event)) Option {
	return func(c *Coordinator) { c.emit = fn }
}

// WithLogger overrides the default logrus logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New wires a coordinator over the forest and backend.
func New(f *forest.Forest, e *order.Engine, b Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		forest:    f,
		engine:    e,
		backend:   b,
		logger:    log.StandardLogger(),
		quiet:     DefaultQuietPeriod,
		pending:   make(map[editKey]*pendingWrite),
		inflight:  make(map[editKey]bool),
		next:      make(map[editKey]domain.FieldUpdate),
		committed: make(map[editKey]any),
	}
	c.notify = func(err error) { c.logger.WithError(err).Error("mutation failed") }
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh replaces the forest with the backend's authoritative state and
// drops all pending edit bookkeeping. Used on initial load and after a
// realtime reconnect.
func (c *Coordinator) Refresh(ctx context.Context) error {
	tasks, err := c.backend.FetchTasks(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, p := range c.pending {
		p.timer.Stop()
	}
	c.pending = make(map[editKey]*pendingWrite)
	c.next = make(map[editKey]domain.FieldUpdate)
	c.committed = make(map[editKey]any)
	c.mu.Unlock()
	c.forest.Load(tasks)
	return nil
}

// ApplyFieldChange updates the forest immediately and schedules a
// debounced persist keyed by (taskID, field). Rapid edits to the same
// key within the quiet period collapse into one write carrying the last
// value; a write whose value equals the last committed one is skipped
// entirely.
func (c *Coordinator) ApplyFieldChange(ctx context.Context, taskID int, u domain.FieldUpdate) error {
	// The task is read under the coordinator lock so a persist completing
	// concurrently cannot have its confirmed write-back overwritten by a
	// stale copy.
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.forest.Get(taskID)
	if !ok {
		c.logger.WithField("task_id", taskID).Warn("field change for unknown task ignored")
		return &domain.NotFoundError{ID: taskID}
	}
	if err := u.Validate(t.TaskType); err != nil {
		return err
	}

	k := editKey{taskID, u.Field}
	if _, seeded := c.committed[k]; !seeded {
		c.committed[k] = u.CurrentValue(t)
	}
	u.Apply(&t, time.Now())
	c.forest.Upsert(t)
	if p, ok := c.pending[k]; ok {
		p.timer.Stop()
		p.update = u
		p.ctx = ctx
		p.timer.Reset(c.quiet)
	} else {
		p := &pendingWrite{update: u, ctx: ctx}
		p.timer = time.AfterFunc(c.quiet, func() { c.flush(k) })
		c.pending[k] = p
	}
	return nil
}

// flush runs when a debounce timer fires. At most one persist request is
// in flight per key; a newer value arriving meanwhile supersedes it once
// the response lands.
func (c *Coordinator) flush(k editKey) {
	c.mu.Lock()
	p, ok := c.pending[k]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, k)
	if c.inflight[k] {
		// committed[k] is stale until the in-flight response lands, so
		// the no-op comparison must wait for the supersede re-check in
		// persist. Dropping here would lose an edit that reverts the
		// field to its pre-flight value.
		c.next[k] = p.update
		c.mu.Unlock()
		return
	}
	if domain.EqualValues(p.update.Value, c.committed[k]) {
		c.mu.Unlock()
		c.logger.WithFields(log.Fields{"task_id": k.taskID, "field": k.field}).
			Debug("value unchanged, skipping write")
		return
	}
	c.inflight[k] = true
	c.mu.Unlock()
	c.persist(p.ctx, k, p.update)
}

func (c *Coordinator) persist(ctx context.Context, k editKey, u domain.FieldUpdate) {
	for {
		var (
			confirmed domain.Task
			err       error
		)
		if k.field == domain.FieldStatus {
			confirmed, err = c.backend.UpdateStatus(ctx, k.taskID, u.Value.(domain.Status))
		} else {
			confirmed, err = c.backend.UpdateField(ctx, k.taskID, u)
		}

		if err != nil {
			c.rollbackField(k)
			c.notify(err)
			return
		}

		value := u.CurrentValue(confirmed)
		c.mu.Lock()
		c.committed[k] = value
		if t, ok := c.forest.Get(k.taskID); ok {
			domain.FieldUpdate{Field: k.field, Value: value}.Apply(&t, time.Now())
			t.ProjectName = confirmed.ProjectName
			t.ContributorName = confirmed.ContributorName
			c.forest.Upsert(t)
		}
		nextUpdate, more := c.next[k]
		if more {
			delete(c.next, k)
			if domain.EqualValues(nextUpdate.Value, c.committed[k]) {
				more = false
			}
		}
		if !more {
			c.inflight[k] = false
		}
		c.mu.Unlock()

		c.emitFieldUpdate(k, value)
		if !more {
			return
		}
		u = nextUpdate
	}
}

// rollbackField restores the last committed value for the key and clears
// any superseding edit; nothing is retried automatically.
func (c *Coordinator) rollbackField(k editKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[k] = false
	delete(c.next, k)
	committed, ok := c.committed[k]
	if !ok {
		return
	}
	if t, found := c.forest.Get(k.taskID); found {
		domain.FieldUpdate{Field: k.field, Value: committed}.Apply(&t, time.Now())
		c.forest.Upsert(t)
	}
}

// ApplyStatusChange applies the optimistic/rollback pattern specialized
// for the status field: it persists immediately through the dedicated
// status endpoint, and on failure the status is rolled back so any
// status selector can be reset to its pre-change value.
func (c *Coordinator) ApplyStatusChange(ctx context.Context, taskID int, status domain.Status) error {
	k := editKey{taskID, domain.FieldStatus}
	c.mu.Lock()
	t, ok := c.forest.Get(taskID)
	if !ok {
		c.mu.Unlock()
		c.logger.WithField("task_id", taskID).Warn("status change for unknown task ignored")
		return &domain.NotFoundError{ID: taskID}
	}
	u := domain.UpdateStatus(status)
	if err := u.Validate(t.TaskType); err != nil {
		c.mu.Unlock()
		return err
	}

	if _, seeded := c.committed[k]; !seeded {
		c.committed[k] = t.Status
	}
	t.SetStatus(status, time.Now())
	c.forest.Upsert(t)
	if c.inflight[k] {
		c.next[k] = u
		c.mu.Unlock()
		return nil
	}
	c.inflight[k] = true
	c.mu.Unlock()

	confirmed, err := c.backend.UpdateStatus(ctx, taskID, status)
	if err != nil {
		c.rollbackField(k)
		c.notify(err)
		return err
	}

	c.mu.Lock()
	c.committed[k] = confirmed.Status
	if cur, ok := c.forest.Get(taskID); ok {
		cur.SetStatus(confirmed.Status, time.Now())
		cur.CompletedDate = confirmed.CompletedDate
		c.forest.Upsert(cur)
	}
	nextUpdate, more := c.next[k]
	if more {
		delete(c.next, k)
	}
	c.inflight[k] = false
	c.mu.Unlock()

	c.emitFieldUpdate(k, confirmed.Status)
	if more {
		return c.ApplyStatusChange(ctx, taskID, nextUpdate.Value.(domain.Status))
	}
	return nil
}

// ApplyMove validates the drag-and-drop outcome, applies it to the
// forest as one atomic update, and persists the full reordered sibling
// group in a single batch call. On rejection the affected sibling groups
// are reloaded from the backend's authoritative state instead of
// attempting a partial undo.
func (c *Coordinator) ApplyMove(ctx context.Context, taskID int, destParentID *int, destIndex int) error {
	before, ok := c.forest.Get(taskID)
	if !ok {
		return &domain.NotFoundError{ID: taskID}
	}
	mv, err := c.engine.ProposeMove(taskID, destParentID, destIndex)
	if err != nil {
		return err
	}
	oldParentID := before.ParentID

	affected := map[int]struct{}{taskID: {}}
	for _, sib := range c.forest.ChildrenOf(oldParentID) {
		affected[sib.ID] = struct{}{}
	}
	for _, s := range mv.Siblings {
		affected[s.ID] = struct{}{}
	}

	if err := c.forest.ApplyMove(mv.TaskID, mv.NewParentID, mv.Siblings); err != nil {
		return err
	}

	if err := c.backend.ReorderSiblings(ctx, mv.Siblings); err != nil {
		c.reloadAffected(ctx, affected)
		c.notify(err)
		return err
	}

	c.emitEvent(domain.EventTaskParentUpdated, domain.TaskParentUpdatedData{
		TaskID:      taskID,
		NewParentID: mv.NewParentID,
	})
	c.emitEvent(domain.EventTaskSorted, domain.TaskSortedData{OrderedTasks: mv.Siblings})
	return nil
}

// reloadAffected pulls authoritative state and restores only the tasks
// touched by a failed move, leaving unrelated local edits alone.
func (c *Coordinator) reloadAffected(ctx context.Context, ids map[int]struct{}) {
	tasks, err := c.backend.FetchTasks(ctx)
	if err != nil {
		c.logger.WithError(err).Error("reload after failed move")
		return
	}
	for _, t := range tasks {
		if _, ok := ids[t.ID]; ok {
			c.forest.Upsert(t)
		}
	}
}

// DeleteTask checks for children before issuing the destructive call.
// When the task has children, confirm chooses among cascade, orphan, or
// cancel; the local forest changes only after the backend accepts the
// delete. Returns the removed ids.
func (c *Coordinator) DeleteTask(ctx context.Context, taskID int, confirm func(hasChildren bool) DeletePolicy) ([]int, error) {
	if _, ok := c.forest.Get(taskID); !ok {
		c.logger.WithField("task_id", taskID).Warn("delete of unknown task ignored")
		return nil, &domain.NotFoundError{ID: taskID}
	}
	hasChildren, err := c.backend.HasChildren(ctx, taskID)
	if err != nil {
		c.notify(err)
		return nil, err
	}

	cascade := false
	if hasChildren {
		if confirm == nil {
			return nil, nil
		}
		switch confirm(hasChildren) {
		case DeleteCascade:
			cascade = true
		case DeleteOrphan:
			cascade = false
		default:
			return nil, nil
		}
	}

	if err := c.backend.DeleteTask(ctx, taskID, cascade); err != nil {
		c.notify(err)
		return nil, err
	}
	removed := c.forest.Remove(taskID, cascade)
	c.dropEdits(removed)
	c.emitEvent(domain.EventTaskDeleted, domain.TaskDeletedData{TaskID: taskID, RemovedIDs: removed})
	return removed, nil
}

// CreateTask sends the creation payload, defaulting the project to the
// sentinel and the name to the type's placeholder, then inserts the
// authoritative task into the forest and returns it for immediate
// detail-view focus.
func (c *Coordinator) CreateTask(ctx context.Context, payload domain.CreatePayload) (domain.Task, error) {
	if !payload.TaskType.IsValid() {
		return domain.Task{}, &ValidationPayloadError{Reason: "invalid task type"}
	}
	if payload.ProjectID == 0 {
		payload.ProjectID = c.sentinelProjectID
	}
	if payload.Name == "" {
		payload.Name = domain.DefaultName(payload.TaskType)
	}
	if payload.Status == "" {
		payload.Status = domain.StatusNotStarted
	}

	created, err := c.backend.CreateTask(ctx, payload)
	if err != nil {
		c.notify(err)
		return domain.Task{}, err
	}
	c.forest.Upsert(created)
	c.emitEvent(domain.EventTaskCreated, domain.TaskCreatedData{Task: created})
	return created, nil
}

// HasPendingEdit reports whether this client has an unacknowledged local
// edit in flight for the (task, field) pair. The realtime merge path
// consults it to avoid clobbering optimistic state.
func (c *Coordinator) HasPendingEdit(taskID int, field domain.Field) bool {
	k := editKey{taskID, field}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[k]; ok {
		return true
	}
	if _, ok := c.next[k]; ok {
		return true
	}
	return c.inflight[k]
}

// MergeRemoteField applies a field change announced by another client.
// It is skipped when a local edit for the same pair is unacknowledged,
// otherwise last write observed wins and becomes the committed value.
func (c *Coordinator) MergeRemoteField(taskID int, u domain.FieldUpdate) bool {
	if c.HasPendingEdit(taskID, u.Field) {
		c.logger.WithFields(log.Fields{"task_id": taskID, "field": u.Field}).
			Debug("remote update skipped, local edit in flight")
		return false
	}
	t, ok := c.forest.Get(taskID)
	if !ok {
		c.logger.WithField("task_id", taskID).Debug("remote update for unknown task ignored")
		return false
	}
	c.mu.Lock()
	u.Apply(&t, time.Now())
	c.forest.Upsert(t)
	c.committed[editKey{taskID, u.Field}] = u.Value
	c.mu.Unlock()
	return true
}

func (c *Coordinator) dropEdits(ids []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		for k, p := range c.pending {
			if k.taskID == id {
				p.timer.Stop()
				delete(c.pending, k)
			}
		}
		for k := range c.next {
			if k.taskID == id {
				delete(c.next, k)
			}
		}
		for k := range c.committed {
			if k.taskID == id {
				delete(c.committed, k)
			}
		}
	}
}

func (c *Coordinator) emitFieldUpdate(k editKey, value any) {
	raw, err := sonic.Marshal(value)
	if err != nil {
		c.logger.WithError(err).Error("marshal field update event")
		return
	}
	c.emitEvent(domain.EventTaskUpdated, domain.TaskUpdatedData{
		TaskID: k.taskID,
		Field:  k.field,
		Value:  raw,
	})
}

func (c *Coordinator) emitEvent(eventType string, payload any) {
	if c.emit == nil {
		return
	}
	ev, err := domain.NewEvent(eventType, payload)
	if err != nil {
		c.logger.WithError(err).Error("marshal event")
		return
	}
	c.emit(ev)
}

// ValidationPayloadError rejects a malformed creation payload before any
// network call.
type ValidationPayloadError struct {
	Reason string
}

func (e *ValidationPayloadError) Error() string { return "invalid payload: " + e.Reason }
