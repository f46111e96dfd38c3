// Package hub fans confirmed mutations out to every connected session.
// Clients publish events over HTTP and receive them as server-sent
// events; Redis pub/sub bridges instances so a board's clients stay in
// sync no matter which hub they landed on.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// DefaultBoard scopes sessions that never name a board explicitly.
const DefaultBoard = "main"

// Envelope wraps an event with the board it belongs to for transport
// over the Redis channel.
type Envelope struct {
	Board string       `json:"board"`
	Event domain.Event `json:"event"`
}

// Hub bridges the publish endpoint, Redis, and SSE subscribers.
type Hub struct {
	rc      *redis.Client
	channel string
	token   string
	logger  *log.Logger

	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// New creates a hub publishing through the given Redis channel. token
// guards the publish endpoint.
func New(rc *redis.Client, channel, token string, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		rc:      rc,
		channel: channel,
		token:   token,
		logger:  logger,
		subs:    make(map[string]map[chan []byte]struct{}),
	}
}

// Register wires the hub endpoints on the given Echo instance.
func (h *Hub) Register(e *echo.Echo) {
	e.GET("/events/stream", h.handleStream)
	e.POST("/events/publish", h.handlePublish)
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

// Run consumes the Redis channel and rebroadcasts to local subscribers
// until the context is cancelled, reconnecting after channel closures.
func (h *Hub) Run(ctx context.Context) {
	for {
		sub := h.rc.Subscribe(ctx, h.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env Envelope
				if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
					h.logger.WithError(err).Error("parse published event")
					continue
				}
				data, err := sonic.Marshal(env.Event)
				if err != nil {
					h.logger.WithError(err).Error("marshal event for broadcast")
					continue
				}
				h.broadcast(env.Board, data)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (h *Hub) subscribe(board string) chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	if h.subs[board] == nil {
		h.subs[board] = make(map[chan []byte]struct{})
	}
	h.subs[board][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(board string, ch chan []byte) {
	h.mu.Lock()
	delete(h.subs[board], ch)
	if len(h.subs[board]) == 0 {
		delete(h.subs, board)
	}
	h.mu.Unlock()
}

// broadcast delivers to every local subscriber of the board without
// blocking; a subscriber that cannot keep up loses the event, which the
// reconnect refetch compensates for.
func (h *Hub) broadcast(board string, data []byte) {
	h.mu.Lock()
	for ch := range h.subs[board] {
		select {
		case ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}

// handlePublish accepts a confirmed mutation and pushes it through
// Redis so every hub instance sees it.
func (h *Hub) handlePublish(c echo.Context) error {
	if h.token != "" {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != h.token {
			return c.NoContent(http.StatusUnauthorized)
		}
	}

	board := c.QueryParam("board")
	if board == "" {
		board = DefaultBoard
	}
	var ev domain.Event
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	if err := dec.Decode(&ev); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if ev.Type == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	payload, err := sonic.Marshal(Envelope{Board: board, Event: ev})
	if err != nil {
		c.Logger().Error(err)
		return c.NoContent(http.StatusInternalServerError)
	}
	if err := h.rc.Publish(c.Request().Context(), h.channel, payload).Err(); err != nil {
		c.Logger().Error(err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusAccepted)
}

// handleStream serves the SSE feed for one board.
func (h *Hub) handleStream(c echo.Context) error {
	board := c.QueryParam("board")
	if board == "" {
		board = DefaultBoard
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	ch := h.subscribe(board)
	defer h.unsubscribe(board, ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-ch:
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
