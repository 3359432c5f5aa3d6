package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/publu/spacecommand/core/events"
)

const (
	wsWriteTimeout      = 10 * time.Second
	defaultStreamBuffer = 64
)

// Hub fans committed events out to websocket subscribers. Slow subscribers
// lose events rather than stall the engine.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan events.Record]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[chan events.Record]struct{}), buffer: buffer, logger: logger}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	rec := events.Payload(evt)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- rec:
		default:
			h.logger.Warn("stream subscriber lagging, event dropped", slog.String("event", rec.Type))
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release it.
func (h *Hub) Subscribe() (<-chan events.Record, func()) {
	ch := make(chan events.Record, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.hub.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	if err := streamRecords(ctx, conn, updates, prefix); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamRecords(ctx context.Context, conn *websocket.Conn, updates <-chan events.Record, prefix string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if prefix != "" && !strings.HasPrefix(rec.Type, prefix) {
				continue
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
