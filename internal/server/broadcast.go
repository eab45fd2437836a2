package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fenggwsx/roomcast/internal/metrics"
	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/storage"
)

// Broadcaster fans chat lines out to the other sessions of a room.
//
// Each room has its own order lock covering the touch-and-snapshot, the
// history append and the enqueue onto recipient queues, so every recipient
// observes a room's messages in broadcast order while a slow history backend
// only holds up the room being written. Network writes happen later on each
// session's write loop.
type Broadcaster struct {
	mu            sync.Mutex
	rooms         map[uint]*sync.Mutex
	registry      *Registry
	history       storage.HistoryStore
	appendTimeout time.Duration
	metrics       *metrics.Metrics
	log           zerolog.Logger
}

// NewBroadcaster wires a broadcaster to the registry and history sink. A
// positive appendTimeout bounds each history append.
func NewBroadcaster(registry *Registry, history storage.HistoryStore, appendTimeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:         make(map[uint]*sync.Mutex),
		registry:      registry,
		history:       history,
		appendTimeout: appendTimeout,
		metrics:       m,
		log:           log,
	}
}

func (b *Broadcaster) roomLock(roomID uint) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.rooms[roomID]
	if !ok {
		lock = &sync.Mutex{}
		b.rooms[roomID] = lock
	}
	return lock
}

// Forget drops the order lock of a deleted room.
func (b *Broadcaster) Forget(roomID uint) {
	b.mu.Lock()
	delete(b.rooms, roomID)
	b.mu.Unlock()
}

// Broadcast relays line to every session in roomID except sender. It returns
// the number of recipients the line was queued for and false when sender is
// not registered in roomID.
func (b *Broadcaster) Broadcast(ctx context.Context, sender *clientSession, roomID uint, username, line string) (int, bool) {
	lock := b.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	recipients, ok := b.registry.TouchAndSnapshot(roomID, sender.id)
	if !ok {
		return 0, false
	}

	if b.history != nil {
		appendCtx, cancel := ctx, context.CancelFunc(func() {})
		if b.appendTimeout > 0 {
			appendCtx, cancel = context.WithTimeout(ctx, b.appendTimeout)
		}
		err := b.history.AppendHistory(appendCtx, roomID, line)
		cancel()
		if err != nil {
			b.log.Warn().Err(err).Uint("room", roomID).Msg("history append failed")
		}
	}

	msg := protocol.Response{Action: protocol.ActionMessage, Username: username, Message: line}
	delivered := 0
	for _, rcpt := range recipients {
		if err := rcpt.session.deliver(msg); err != nil {
			derr := &DeliveryError{SessionID: rcpt.session.id, Username: rcpt.username, Err: err}
			b.log.Warn().Err(derr).Uint("room", roomID).Msg("broadcast delivery failed")
			b.metrics.Deliveries.WithLabelValues(metrics.ResultDropped).Inc()
			continue
		}
		delivered++
	}
	b.metrics.Deliveries.WithLabelValues(metrics.ResultDelivered).Add(float64(delivered))
	b.metrics.Broadcasts.Inc()
	return delivered, true
}
