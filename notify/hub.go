package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/types"
)

const (
	defaultSubscriberBuffer = 64
	writeTimeout            = 10 * time.Second
)

type subscriber struct {
	roomID string
	ch     chan []byte
}

// Hub keeps websocket subscribers per room and pushes envelopes to them.
// A subscriber whose buffer is full is dropped; the client reconnects and
// catches up from the message log.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*subscriber]struct{}
	buffer int
	logger *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[*subscriber]struct{}),
		buffer: defaultSubscriberBuffer,
		logger: logger.With(zap.String("component", "ws_hub")),
	}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) PublishMessage(_ context.Context, msg *types.Message) error {
	return h.publish(messageEnvelope(msg))
}

func (h *Hub) PublishEvent(_ context.Context, ev types.Event) error {
	return h.publish(eventEnvelope(ev))
}

func (h *Hub) publish(env Envelope) error {
	payload, err := env.marshal()
	if err != nil {
		return err
	}
	h.Broadcast(env.RoomID, payload)
	return nil
}

// Broadcast delivers a raw frame to every subscriber of roomID.
func (h *Hub) Broadcast(roomID string, payload []byte) {
	var slow []*subscriber

	h.mu.RLock()
	for sub := range h.rooms[roomID] {
		select {
		case sub.ch <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber", zap.String("room_id", roomID))
		h.unsubscribe(sub)
	}
}

// Subscribers returns the number of live subscribers of a room.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) subscribe(roomID string) *subscriber {
	sub := &subscriber{roomID: roomID, ch: make(chan []byte, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.rooms[roomID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[sub.roomID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.rooms, sub.roomID)
	}
}

// Serve upgrades the request and streams room envelopes until the client
// goes away or ctx is done. Authorization happens before Serve is called.
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, roomID string) error {
	// The server write timeout would otherwise cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	sub := h.subscribe(roomID)
	defer h.unsubscribe(sub)

	// Only control frames are expected from the client.
	ctx = conn.CloseRead(ctx)

	h.logger.Debug("subscriber connected", zap.String("room_id", roomID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}
