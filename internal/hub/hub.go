// Package hub fans order status events out to live subscriber channels.
package hub

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/efreitasn/orderexec/internal/domain"
)

// Conn is a subscriber channel. Send must not block for long: the hub
// calls it while holding its registry lock.
type Conn interface {
	Send(payload []byte) error
}

// Hub maps normalized order ids to the set of channels bound to them.
// Events are not queued or replayed: a channel only sees events published
// after it was bound.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[Conn]struct{} // order_id → channels
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[Conn]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// NormalizeOrderID strips surrounding whitespace and one pair of enclosing
// angle brackets, so "  <abc-123>  " becomes "abc-123".
func NormalizeOrderID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// Bind registers c under the normalized order id and sends it the
// synthetic pending {bound: true} greeting. Registration and greeting
// happen under the same lock, so no publish can reach c before the
// greeting does. A channel that cannot take the greeting is unbound like
// one that fails a publish. It returns the normalized id, or "" if the id
// is empty or the greeting failed.
func (h *Hub) Bind(orderID string, c Conn) string {
	id := NormalizeOrderID(orderID)
	if id == "" {
		return ""
	}

	greeting, err := json.Marshal(domain.NewStatusEvent(id, domain.OrderStatusPending,
		map[string]any{"bound": true}, h.now()))
	if err != nil {
		h.logger.Error("marshal bind greeting", slog.String("order_id", id), slog.String("error", err.Error()))
		return ""
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[id]
	if !ok {
		set = make(map[Conn]struct{})
		h.subs[id] = set
	}
	set[c] = struct{}{}

	if err := c.Send(greeting); err != nil {
		h.logger.Warn("bind greeting failed", slog.String("order_id", id), slog.String("error", err.Error()))
		h.unbindLocked(c)
		return ""
	}
	h.logger.Debug("channel bound", slog.String("order_id", id), slog.Int("channels", len(set)))
	return id
}

// Unbind removes c from every order id it is bound to. Ids left with no
// channels are dropped.
func (h *Hub) Unbind(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(c)
}

func (h *Hub) unbindLocked(c Conn) {
	for id, set := range h.subs {
		if _, ok := set[c]; !ok {
			continue
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, id)
		}
	}
}

// Publish serializes ev and delivers it to every channel bound to the
// order id. With no bound channel it is a no-op. A channel whose Send
// fails does not stop delivery to the others; it is unbound afterwards.
func (h *Hub) Publish(orderID string, ev domain.StatusEvent) {
	id := NormalizeOrderID(orderID)
	ev.OrderID = id

	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal status event", slog.String("order_id", id), slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	set := h.subs[id]
	var failed []Conn
	for c := range set {
		if err := c.Send(payload); err != nil {
			h.logger.Warn("push failed", slog.String("order_id", id), slog.String("error", err.Error()))
			failed = append(failed, c)
		}
	}
	delivered := len(set) - len(failed)
	h.mu.RUnlock()

	h.logger.Debug("status pushed",
		slog.String("order_id", id),
		slog.String("status", string(ev.Status)),
		slog.Int("delivered", delivered),
	)

	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range failed {
		h.unbindLocked(c)
	}
	h.mu.Unlock()
}

// Subscribers returns how many channels are bound to the order id.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[NormalizeOrderID(orderID)])
}

// Orders returns how many order ids currently have at least one channel.
func (h *Hub) Orders() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
