// Package progresshub fans generation progress events out to live
// subscribers. Events travel through Redis pub/sub so every server instance
// sees them regardless of which worker runs the task; local subscribers are
// keyed by task id and by user id.
package progresshub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mangaforge/mangaforge/internal/metrics"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

const (
	channelPrefix = "mangaforge:task:"
	channelSuffix = ":progress"

	// DefaultBufferSize bounds each subscriber's queue. Slow readers lose
	// the oldest events first; the latest state always gets through.
	DefaultBufferSize = 64
)

func channelFor(taskID string) string {
	return channelPrefix + taskID + channelSuffix
}

type subscriber struct {
	ch     chan domain.ProgressEvent
	taskID string
	userID string
	closed bool
}

type Hub struct {
	rdb     *redis.Client
	logger  *slog.Logger
	bufSize int

	mu     sync.Mutex
	byTask map[string]map[*subscriber]struct{}
	byUser map[string]map[*subscriber]struct{}
}

func New(rdb *redis.Client, logger *slog.Logger, bufSize int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		rdb:     rdb,
		logger:  logger,
		bufSize: bufSize,
		byTask:  make(map[string]map[*subscriber]struct{}),
		byUser:  make(map[string]map[*subscriber]struct{}),
	}
}

// Publish sends one event through Redis. Local delivery happens via the Run
// pump, same as delivery on any other instance.
func (h *Hub) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := h.rdb.Publish(ctx, channelFor(ev.TaskID), payload).Err(); err != nil {
		return err
	}
	metrics.ProgressEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Run pumps Redis pub/sub messages to local subscribers until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	pubsub := h.rdb.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logger.Warn("malformed progress event", "channel", msg.Channel, "err", err)
				continue
			}
			if ev.TaskID == "" {
				ev.TaskID = taskIDFromChannel(msg.Channel)
			}
			h.dispatch(ev)
		}
	}
}

func taskIDFromChannel(channel string) string {
	s := strings.TrimPrefix(channel, channelPrefix)
	return strings.TrimSuffix(s, channelSuffix)
}

func (h *Hub) dispatch(ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.byTask[ev.TaskID] {
		h.deliverLocked(sub, ev)
	}
	if ev.UserID != "" {
		for sub := range h.byUser[ev.UserID] {
			h.deliverLocked(sub, ev)
		}
	}

	// The terminal event is the last one a task stream sees.
	if ev.Kind.Terminal() {
		for sub := range h.byTask[ev.TaskID] {
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) deliverLocked(sub *subscriber, ev domain.ProgressEvent) {
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		// Full buffer: drop the oldest event and retry.
		select {
		case <-sub.ch:
			metrics.ProgressDroppedTotal.Inc()
		default:
		}
	}
}

// SubscribeTask returns a stream of events for one task. The stream closes
// after the task's terminal event, or when the cancel func is called.
func (h *Hub) SubscribeTask(taskID string) (<-chan domain.ProgressEvent, func()) {
	sub := &subscriber{ch: make(chan domain.ProgressEvent, h.bufSize), taskID: taskID}
	h.mu.Lock()
	if h.byTask[taskID] == nil {
		h.byTask[taskID] = make(map[*subscriber]struct{})
	}
	h.byTask[taskID][sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() { h.unsubscribe(sub) }
}

// SubscribeUser returns a stream of events for every task a user owns. It
// stays open across tasks until cancelled.
func (h *Hub) SubscribeUser(userID string) (<-chan domain.ProgressEvent, func()) {
	sub := &subscriber{ch: make(chan domain.ProgressEvent, h.bufSize), userID: userID}
	h.mu.Lock()
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*subscriber]struct{})
	}
	h.byUser[userID][sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() { h.unsubscribe(sub) }
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if sub.taskID != "" {
		delete(h.byTask[sub.taskID], sub)
		if len(h.byTask[sub.taskID]) == 0 {
			delete(h.byTask, sub.taskID)
		}
	}
	if sub.userID != "" {
		delete(h.byUser[sub.userID], sub)
		if len(h.byUser[sub.userID]) == 0 {
			delete(h.byUser, sub.userID)
		}
	}
}
