package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
	"taskboard/forest"
)

func intPtr(v int) *int { return &v }

func loadedForest() *forest.Forest {
	f := forest.New()
	f.Load([]domain.Task{
		{ID: 1, Name: "Epic", TaskType: domain.TypeEpic, SortOrder: 0, ProjectID: 1},
		{ID: 2, Name: "Story", TaskType: domain.TypeUserStory, ParentID: intPtr(1), SortOrder: 0, ProjectID: 1},
	})
	return f
}

func mustEvent(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	ev, err := domain.NewEvent(eventType, payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return data
}

func TestHandleTaskCreated(t *testing.T) {
	f := loadedForest()
	var created []domain.Task
	c := New("", "", f, nil, WithOnTaskCreated(func(task domain.Task) { created = append(created, task) }))

	task := domain.Task{ID: 3, Name: "New story", TaskType: domain.TypeUserStory, ParentID: intPtr(1), SortOrder: 1, ProjectID: 1}
	c.handleEvent(mustEvent(t, domain.EventTaskCreated, domain.TaskCreatedData{Task: task}))

	got, ok := f.Get(3)
	if !ok || got.Name != "New story" {
		t.Fatalf("task not merged: %+v", got)
	}
	if len(created) != 1 || created[0].ID != 3 {
		t.Fatalf("onTaskCreated not invoked: %+v", created)
	}
}

func TestHandleUpdateTask(t *testing.T) {
	f := loadedForest()
	c := New("", "", f, nil)

	c.handleEvent(mustEvent(t, domain.EventTaskUpdated, domain.TaskUpdatedData{
		TaskID: 2,
		Field:  domain.FieldName,
		Value:  []byte(`"Edited elsewhere"`),
	}))

	got, _ := f.Get(2)
	if got.Name != "Edited elsewhere" {
		t.Fatalf("expected merged name, got %q", got.Name)
	}
}

type blockingMerger struct {
	mu      sync.Mutex
	skipped []domain.Field
}

func (m *blockingMerger) MergeRemoteField(taskID int, u domain.FieldUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped = append(m.skipped, u.Field)
	return false
}

func TestHandleUpdateTaskGoesThroughMerger(t *testing.T) {
	f := loadedForest()
	m := &blockingMerger{}
	c := New("", "", f, nil, WithMerger(m))

	c.handleEvent(mustEvent(t, domain.EventTaskUpdated, domain.TaskUpdatedData{
		TaskID: 2,
		Field:  domain.FieldName,
		Value:  []byte(`"Remote"`),
	}))

	got, _ := f.Get(2)
	if got.Name != "Story" {
		t.Fatalf("merger veto ignored, name is %q", got.Name)
	}
	if len(m.skipped) != 1 || m.skipped[0] != domain.FieldName {
		t.Fatalf("merger not consulted: %+v", m.skipped)
	}
}

func TestHandleTaskSortedAndParentUpdated(t *testing.T) {
	f := loadedForest()
	f.Upsert(domain.Task{ID: 3, Name: "Story B", TaskType: domain.TypeUserStory, ParentID: intPtr(1), SortOrder: 1, ProjectID: 1})
	c := New("", "", f, nil)

	c.handleEvent(mustEvent(t, domain.EventTaskSorted, domain.TaskSortedData{
		OrderedTasks: []domain.SiblingOrder{
			{ID: 3, SortOrder: 0, ParentID: intPtr(1)},
			{ID: 2, SortOrder: 1, ParentID: intPtr(1)},
		},
	}))

	kids := f.ChildrenOf(intPtr(1))
	if len(kids) != 2 || kids[0].ID != 3 {
		t.Fatalf("sort not applied: %+v", kids)
	}

	c.handleEvent(mustEvent(t, domain.EventTaskParentUpdated, domain.TaskParentUpdatedData{
		TaskID:      2,
		NewParentID: nil,
	}))
	got, _ := f.Get(2)
	if got.ParentID != nil {
		t.Fatalf("reparent not applied: %+v", got.ParentID)
	}
}

func TestHandleTaskDeleted(t *testing.T) {
	f := loadedForest()
	c := New("", "", f, nil)

	c.handleEvent(mustEvent(t, domain.EventTaskDeleted, domain.TaskDeletedData{
		TaskID:     1,
		RemovedIDs: []int{1, 2},
	}))
	if f.Len() != 0 {
		t.Fatalf("cascade delete not merged, %d tasks left", f.Len())
	}
}

func TestHandleContributorEvents(t *testing.T) {
	f := loadedForest()
	r := forest.NewRoster()
	c := New("", "", f, r)

	c.handleEvent(mustEvent(t, domain.EventContributorsUpdated, domain.ContributorData{
		Contributor: domain.Contributor{ID: 5, Name: "Alex"},
	}))
	if _, ok := r.Get(5); !ok {
		t.Fatal("contributor not merged")
	}

	c.handleEvent(mustEvent(t, domain.EventContributorUpdated, domain.ContributorData{
		Contributor: domain.Contributor{ID: 5},
		Removed:     true,
	}))
	if _, ok := r.Get(5); ok {
		t.Fatal("contributor removal not merged")
	}
}

func TestMalformedEventIgnored(t *testing.T) {
	f := loadedForest()
	c := New("", "", f, nil)
	c.handleEvent([]byte("{not json"))
	c.handleEvent(mustEvent(t, "unknown_event", map[string]int{"x": 1}))
	if f.Len() != 2 {
		t.Fatalf("forest changed by malformed events")
	}
}

func TestRunConnectsRefetchesAndMerges(t *testing.T) {
	events := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for data := range events {
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	f := loadedForest()
	var connects atomic.Int32
	connected := make(chan struct{}, 1)
	c := New(srv.URL, "", f, nil, WithOnConnect(func(context.Context) error {
		connects.Add(1)
		select {
		case connected <- struct{}{}:
		default:
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("stream never connected")
	}
	if c.State() != Connected {
		t.Fatalf("expected Connected, got %s", c.State())
	}
	if got := connects.Load(); got != 1 {
		t.Fatalf("expected 1 refetch, got %d", got)
	}

	events <- mustEvent(t, domain.EventTaskUpdated, domain.TaskUpdatedData{
		TaskID: 2,
		Field:  domain.FieldStatus,
		Value:  []byte(`"In Progress"`),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := f.Get(2); got.Status == domain.StatusInProgress {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, _ := f.Get(2); got.Status != domain.StatusInProgress {
		t.Fatalf("event not merged, status %s", got.Status)
	}

	cancel()
	close(events)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
	if c.State() != Disconnected {
		t.Fatalf("expected Disconnected after stop, got %s", c.State())
	}
}

func TestEmitDroppedWhileDisconnected(t *testing.T) {
	var published atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		published.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := loadedForest()
	c := New("", srv.URL, f, nil)

	ev, err := domain.NewEvent(domain.EventTaskUpdated, domain.TaskUpdatedData{TaskID: 2, Field: domain.FieldName, Value: []byte(`"x"`)})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	c.Emit(context.Background(), ev)
	if published.Load() != 0 {
		t.Fatal("emission sent while disconnected")
	}

	c.state.Store(int32(Connected))
	c.Emit(context.Background(), ev)
	if published.Load() != 1 {
		t.Fatalf("expected 1 publish, got %d", published.Load())
	}
}

func TestEmitHonoursCancelledContext(t *testing.T) {
	var published atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		published.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New("", srv.URL, loadedForest(), nil)
	c.state.Store(int32(Connected))

	ev, err := domain.NewEvent(domain.EventTaskUpdated, domain.TaskUpdatedData{TaskID: 2, Field: domain.FieldName, Value: []byte(`"x"`)})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Emit(ctx, ev)
	if published.Load() != 0 {
		t.Fatalf("cancelled publish went through, %d requests", published.Load())
	}
}
