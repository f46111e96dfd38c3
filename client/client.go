// Package client implements the REST boundary the core consumes. It
// speaks the task API described by the backend: fetch, create, partial
// field updates, status transitions, reparent/sort, batch reorder,
// delete with children policy, pre-delete child checks and candidate
// parent lookup. Every mutating request carries an idempotency key.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/domain"
)

const responseMaxSize = 1 << 20 // 1 MiB

// Client talks to the task backend.
type Client struct {
	baseURL string
	bearer  string
	http    *http.Client
	logger  *log.Logger
	tracer  trace.Tracer
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBearer forwards an opaque bearer token on every request.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithLogger overrides the default logrus logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.StandardLogger(),
		tracer:  otel.Tracer("taskboard/client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchTasks fetches the full task list.
func (c *Client) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks, false); err != nil {
		return nil, err
	}
	return tasks, nil
}

// FetchTask fetches a single task, used to refresh one row or an open
// detail view.
func (c *Client) FetchTask(ctx context.Context, id int) (domain.Task, error) {
	var t domain.Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/tasks/%d", id), nil, &t, false); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CreateTask creates a task and returns the backend's authoritative copy.
func (c *Client) CreateTask(ctx context.Context, payload domain.CreatePayload) (domain.Task, error) {
	var t domain.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", payload, &t, true); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateField issues a partial update for one field and returns the
// authoritative task from the response.
func (c *Client) UpdateField(ctx context.Context, id int, u domain.FieldUpdate) (domain.Task, error) {
	body := map[domain.Field]any{u.Field: u.Value}
	var t domain.Task
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/tasks/%d", id), body, &t, true); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateStatus uses the dedicated status transition endpoint.
func (c *Client) UpdateStatus(ctx context.Context, id int, status domain.Status) (domain.Task, error) {
	body := map[string]domain.Status{"status": status}
	var t domain.Task
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/tasks/%d/status", id), body, &t, true); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateParent reparents one task.
func (c *Client) UpdateParent(ctx context.Context, id int, newParentID *int) error {
	body := map[string]*int{"new_parent_id": newParentID}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/tasks/%d/parent", id), body, nil, true)
}

// UpdateSort moves one task to a new index within its sibling group.
func (c *Client) UpdateSort(ctx context.Context, id, newIndex int) error {
	body := map[string]int{"new_order_index": newIndex}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%d/sort", id), body, nil, true)
}

// ReorderSiblings persists a full reordered sibling group in one batch.
func (c *Client) ReorderSiblings(ctx context.Context, ordered []domain.SiblingOrder) error {
	body := map[string][]domain.SiblingOrder{"ordered_tasks": ordered}
	return c.do(ctx, http.MethodPost, "/reorder_subtasks", body, nil, true)
}

// DeleteTask deletes the task; confirmChildren selects the cascade
// policy the user confirmed.
func (c *Client) DeleteTask(ctx context.Context, id int, confirmChildren bool) error {
	path := fmt.Sprintf("/api/tasks/delete/%d?confirm_children=%t", id, confirmChildren)
	return c.do(ctx, http.MethodDelete, path, nil, nil, true)
}

// HasChildren runs the pre-delete check.
func (c *Client) HasChildren(ctx context.Context, id int) (bool, error) {
	var out struct {
		HasChildren bool `json:"has_children"`
	}
	path := fmt.Sprintf("/tasks/subtasks/%d?check_only=true", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, false); err != nil {
		return false, err
	}
	return out.HasChildren, nil
}

// AvailableParentsPage is one page of candidate parents for the parent
// selector.
type AvailableParentsPage struct {
	Tasks   []domain.Task `json:"tasks"`
	HasMore bool          `json:"has_more"`
}

// AvailableParents lists legal parent candidates for a task of the given
// type, excluding the task itself.
func (c *Client) AvailableParents(ctx context.Context, taskType domain.TaskType, excludeTaskID, page, limit int) (AvailableParentsPage, error) {
	q := url.Values{}
	q.Set("task_type", string(taskType))
	q.Set("exclude_task_id", strconv.Itoa(excludeTaskID))
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out AvailableParentsPage
	if err := c.do(ctx, http.MethodGet, "/tasks/available_tasks?"+q.Encode(), nil, &out, false); err != nil {
		return AvailableParentsPage{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, mutating bool) (err error) {
	op := method + " " + path
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		data, merr := sonic.Marshal(body)
		if merr != nil {
			return &domain.TransportError{Op: op, Err: merr}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutating {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithFields(log.Fields{"op": op, "error": err}).Warn("request failed")
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.logger.WithFields(log.Fields{
		"op":       op,
		"status":   resp.StatusCode,
		"total_ms": time.Since(start).Milliseconds(),
	}).Debug("request complete")
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if err := statusError(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(resp.Body, responseMaxSize))
	if err := dec.Decode(out); err != nil {
		return &domain.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps a non-2xx response onto the core error taxonomy:
// 404 means the referenced task is gone, 400/409/422 mean the backend
// rejected the write, anything else is a transport failure.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := readErrorMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &domain.NotFoundError{}
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return &domain.ConflictError{StatusCode: resp.StatusCode, Message: msg}
	default:
		return &domain.TransportError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)}
	}
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := sonic.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return string(data)
}
