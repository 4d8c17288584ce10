package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

// Hub fans progress events out to websocket clients
type Hub struct {
	mu      sync.Mutex
	subs    map[chan Progress]struct{}
	origins []string
	logger  zerolog.Logger
}

// NewHub subscribes a hub to bus. origins restricts cross-origin clients.
func NewHub(bus *Bus, origins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		subs:    make(map[chan Progress]struct{}),
		origins: origins,
		logger:  logger.With().Str("component", "stream").Logger(),
	}
	bus.Subscribe(h.broadcast)
	return h
}

func (h *Hub) subscribe(size int) chan Progress {
	ch := make(chan Progress, size)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Progress) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// broadcast drops the event for clients that are not keeping up
func (h *Hub) broadcast(p Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// ServeHTTP upgrades the request and streams progress as JSON until the
// client goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(h.origins) > 0 {
		opts.OriginPatterns = h.origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.subscribe(64)
	defer h.unsubscribe(sub)

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case p := <-sub:
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, p)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
