package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/protocol"
)

const sendQueueSize = 64

// State is the position of a session in its lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateInRoom
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// clientSession tracks per-connection state and outbound delivery.
//
// state, userID, username, roomID and token belong to the connection's worker
// goroutine. Other goroutines only use the outbound queue and close.
type clientSession struct {
	id           string
	conn         net.Conn
	encoder      *protocol.Encoder
	writeTimeout time.Duration
	log          zerolog.Logger

	sendCh    chan protocol.Response
	closing   chan struct{}
	closeOnce sync.Once
	farewell  *protocol.Response
	done      chan struct{}
	evicted   atomic.Bool

	state    State
	userID   uint
	username string
	roomID   uint
	token    string
}

func newClientSession(conn net.Conn, cfg config.ServerConfig, log zerolog.Logger) *clientSession {
	s := &clientSession{
		id:           uuid.NewString(),
		conn:         conn,
		encoder:      protocol.NewEncoder(conn, cfg.MaxFrameBytes),
		writeTimeout: cfg.WriteTimeout,
		sendCh:       make(chan protocol.Response, sendQueueSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.log = log.With().Str("session", s.id).Str("remote", s.remoteAddr()).Logger()
	return s
}

// deliver queues resp without blocking. It is used for pushes from other
// goroutines, which must never wait on a slow peer.
func (s *clientSession) deliver(resp protocol.Response) error {
	select {
	case <-s.closing:
		return errSessionClosed
	default:
	}
	select {
	case s.sendCh <- resp:
		return nil
	case <-s.closing:
		return errSessionClosed
	default:
		return errSendQueueFull
	}
}

// reply queues a response to the session's own request, waiting for room in
// the queue.
func (s *clientSession) reply(ctx context.Context, resp protocol.Response) error {
	select {
	case s.sendCh <- resp:
		return nil
	case <-s.closing:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the session. Queued responses are flushed, then farewell (if
// any) is written and the connection closed. Only the first call has effect.
func (s *clientSession) close(farewell *protocol.Response) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.farewell = farewell
		close(s.closing)
		closed = true
	})
	return closed
}

func (s *clientSession) markEvicted() {
	s.evicted.Store(true)
}

func (s *clientSession) isEvicted() bool {
	return s.evicted.Load()
}

func (s *clientSession) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// wait blocks until the write loop has closed the connection.
func (s *clientSession) wait() {
	<-s.done
}

func (s *clientSession) writeLoop() {
	defer close(s.done)
	defer func() {
		if err := s.conn.Close(); err != nil && !isClosedConnError(err) {
			s.log.Debug().Err(err).Msg("close connection")
		}
	}()

	for {
		select {
		case resp := <-s.sendCh:
			if err := s.write(resp); err != nil {
				if s.skipOversized(resp, err) {
					continue
				}
				s.log.Debug().Err(err).Msg("write failed")
				s.close(nil)
				return
			}
		case <-s.closing:
			s.flush()
			return
		}
	}
}

func (s *clientSession) flush() {
	for {
		select {
		case resp := <-s.sendCh:
			if err := s.write(resp); err != nil {
				if s.skipOversized(resp, err) {
					continue
				}
				s.log.Debug().Err(err).Msg("flush failed")
				return
			}
		default:
			if s.farewell != nil {
				if err := s.write(*s.farewell); err != nil {
					s.log.Warn().Err(&DeliveryError{SessionID: s.id, Err: err}).Msg("farewell not delivered")
				}
			}
			return
		}
	}
}

func (s *clientSession) write(resp protocol.Response) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.encoder.Encode(context.Background(), resp)
}

// skipOversized handles a response the encoder refused for its size. Nothing
// reached the wire, so the stream is still usable: pushes are dropped and a
// reply is replaced by a short failure so the client is not left waiting. It
// reports false for any other error.
func (s *clientSession) skipOversized(resp protocol.Response, err error) bool {
	var protoErr *protocol.ProtocolError
	if !errors.As(err, &protoErr) {
		return false
	}
	s.log.Warn().Err(err).Str("action", string(resp.Action)).Int("code", resp.Code).Msg("response too large, dropped")
	if resp.Code == 0 {
		return true
	}
	return s.write(protocol.Fail(protocol.CodeBadRequest, "response too large")) == nil
}

func (s *clientSession) remoteAddr() string {
	if s.conn == nil {
		return ""
	}
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
