// Package stream keeps multiple sessions' forests consistent without
// polling. The client consumes server-sent events from the fan-out hub,
// merges them into the forest, and publishes this session's confirmed
// mutations back. Delivery is at most once; a missed event is made up
// for by the full refetch issued on every (re)connection.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/forest"
)

// State of the channel connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

const (
	initialBackoff = time.Second
	maxBackoff     = 5 * time.Second
)

// Merger is the coordinator-side merge surface: remote field updates go
// through it so in-flight local edits are never clobbered.
type Merger interface {
	MergeRemoteField(taskID int, u domain.FieldUpdate) bool
}

// Client is one session's end of the realtime channel.
type Client struct {
	streamURL  string
	publishURL string
	bearer     string
	http       *http.Client
	logger     *log.Logger
	forest     *forest.Forest
	roster     *forest.Roster
	merger     Merger

	// onConnect runs after each successful connection, before events are
	// consumed; the coordinator's Refresh is wired here.
	onConnect func(ctx context.Context) error
	// onTaskCreated lets the UI mark the parent expanded so the new
	// child is visible.
	onTaskCreated func(task domain.Task)

	state atomic.Int32
}

// Option adjusts client construction.
type Option func(*Client)

// WithBearer forwards an opaque bearer token to the hub.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMerger routes inbound field updates through the coordinator.
func WithMerger(m Merger) Option {
	return func(c *Client) { c.merger = m }
}

// WithOnConnect runs after every successful connection.
func WithOnConnect(fn func(ctx context.Context) error) Option {
	return func(c *Client) { c.onConnect = fn }
}

// WithOnTaskCreated observes remotely created tasks.
func WithOnTaskCreated(fn func(task domain.Task)) Option {
	return func(c *Client) { c.onTaskCreated = fn }
}

// WithLogger overrides the default logrus logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a realtime client merging into the given forest and
// roster.
func New(streamURL, publishURL string, f *forest.Forest, r *forest.Roster, opts ...Option) *Client {
	c := &Client{
		streamURL:  streamURL,
		publishURL: publishURL,
		http:       &http.Client{},
		logger:     log.StandardLogger(),
		forest:     f,
		roster:     r,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Run connects and consumes events until the context is cancelled,
// reconnecting with exponential backoff after drops. While disconnected,
// inbound merges simply stop; nothing is buffered or replayed.
func (c *Client) Run(ctx context.Context) {
	defer c.state.Store(int32(Disconnected))
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		c.state.Store(int32(Connecting))
		if err := c.consume(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("stream dropped")
		}
		c.state.Store(int32(Disconnected))
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Client) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	c.state.Store(int32(Connected))
	c.logger.Debug("stream connected")
	if c.onConnect != nil {
		if err := c.onConnect(ctx); err != nil {
			return fmt.Errorf("refresh on connect: %w", err)
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		c.handleEvent([]byte(payload))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

// handleEvent merges one inbound event. Events are applied in arrival
// order; malformed payloads are logged and skipped.
func (c *Client) handleEvent(data []byte) {
	var ev domain.Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		c.logger.WithError(err).Error("parse stream event")
		return
	}
	switch ev.Type {
	case domain.EventTaskCreated:
		var d domain.TaskCreatedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			c.logger.WithError(err).Error("parse task_created")
			return
		}
		c.forest.Upsert(d.Task)
		if c.onTaskCreated != nil {
			c.onTaskCreated(d.Task)
		}
	case domain.EventTaskUpdated:
		var d domain.TaskUpdatedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			c.logger.WithError(err).Error("parse update_task")
			return
		}
		u, err := domain.DecodeFieldValue(d.Field, d.Value)
		if err != nil {
			c.logger.WithError(err).Error("decode update_task value")
			return
		}
		c.mergeField(d.TaskID, u)
	case domain.EventTaskSorted:
		var d domain.TaskSortedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			c.logger.WithError(err).Error("parse task_sorted")
			return
		}
		c.forest.ApplySiblingOrders(d.OrderedTasks)
	case domain.EventTaskParentUpdated:
		var d domain.TaskParentUpdatedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			c.logger.WithError(err).Error("parse task_parent_updated")
			return
		}
		c.mergeField(d.TaskID, domain.UpdateParentID(d.NewParentID))
	case domain.EventTaskDeleted:
		var d domain.TaskDeletedData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			c.logger.WithError(err).Error("parse task_deleted")
			return
		}
		cascade := len(d.RemovedIDs) > 1
		c.forest.Remove(d.TaskID, cascade)
	case domain.EventContributorsUpdated, domain.EventContributorUpdated:
		var d domain.ContributorData
		if err := sonic.Unmarshal(ev.Data, &d); err != nil {
			c.logger.WithError(err).Error("parse contributor event")
			return
		}
		if c.roster != nil {
			c.roster.Merge(d.Contributor, d.Removed)
		}
	default:
		c.logger.WithField("type", ev.Type).Warn("ignoring unknown stream event")
	}
}

func (c *Client) mergeField(taskID int, u domain.FieldUpdate) {
	if c.merger != nil {
		c.merger.MergeRemoteField(taskID, u)
		return
	}
	t, ok := c.forest.Get(taskID)
	if !ok {
		c.logger.WithField("task_id", taskID).Debug("remote update for unknown task ignored")
		return
	}
	u.Apply(&t, time.Now())
	c.forest.Upsert(t)
}

// Emit publishes a confirmed local mutation to the hub. Emissions while
// disconnected are dropped; the next reconnect refetch restores
// consistency for everyone.
func (c *Client) Emit(ctx context.Context, ev domain.Event) {
	if c.State() != Connected {
		c.logger.WithField("type", ev.Type).Debug("not connected, dropping emission")
		return
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		c.logger.WithError(err).Error("marshal emission")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.publishURL, bytes.NewReader(data))
	if err != nil {
		c.logger.WithError(err).Error("build emission request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithError(err).Warn("publish emission")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.WithField("status", resp.StatusCode).Warn("hub rejected emission")
	}
}
