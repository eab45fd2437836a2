// Package client speaks the roomcast wire protocol to a server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/protocol"
)

// Session is one client connection. Replies and server pushes share the
// stream: Call returns the next reply and keeps pushes that arrive before it
// for NextPush.
type Session struct {
	cfg     config.ClientConfig
	conn    net.Conn
	encoder *protocol.Encoder
	decoder *protocol.Decoder

	writeMu sync.Mutex

	mu      sync.Mutex // guards decoder and pending
	pending []protocol.Response
}

// Dial connects to cfg.ServerAddr.
func Dial(ctx context.Context, cfg config.ClientConfig) (*Session, error) {
	if cfg.ServerAddr == "" {
		return nil, errors.New("server address required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameBytes
	}
	return &Session{
		cfg:     cfg,
		conn:    conn,
		encoder: protocol.NewEncoder(conn, maxFrame),
		decoder: protocol.NewDecoder(conn, maxFrame),
	}, nil
}

// Close terminates the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Send writes one request without waiting for a reply.
func (s *Session) Send(ctx context.Context, req protocol.Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.encoder.Encode(ctx, req)
}

// Receive reads the next record from the server, reply or push.
func (s *Session) Receive(ctx context.Context) (protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receive(ctx)
}

func (s *Session) receive(ctx context.Context) (protocol.Response, error) {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Response{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var resp protocol.Response
	if err := s.decoder.Decode(ctx, &resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Response{}, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && !deadline.IsZero() && !time.Now().Before(deadline) {
			return protocol.Response{}, context.DeadlineExceeded
		}
		return protocol.Response{}, err
	}
	return resp, nil
}

// Call sends req and returns its reply. Pushes read while waiting are kept for
// NextPush.
func (s *Session) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Send(ctx, req); err != nil {
		return protocol.Response{}, err
	}
	for {
		resp, err := s.receive(ctx)
		if err != nil {
			return protocol.Response{}, err
		}
		if IsPush(resp) {
			s.pending = append(s.pending, resp)
			continue
		}
		return resp, nil
	}
}

// NextPush returns the oldest buffered push, or reads until one arrives.
func (s *Session) NextPush(ctx context.Context) (protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		resp := s.pending[0]
		s.pending = s.pending[1:]
		return resp, nil
	}
	for {
		resp, err := s.receive(ctx)
		if err != nil {
			return protocol.Response{}, err
		}
		if IsPush(resp) {
			return resp, nil
		}
	}
}

// IsPush reports whether resp was sent by the server unprompted.
func IsPush(resp protocol.Response) bool {
	return resp.Code == 0 && resp.Action != ""
}

// Register creates an account.
func (s *Session) Register(ctx context.Context, username, password string) (protocol.Response, error) {
	return s.Call(ctx, protocol.Request{Action: protocol.ActionRegister, Username: username, Password: password})
}

// Login authenticates the connection.
func (s *Session) Login(ctx context.Context, username, password string) (protocol.Response, error) {
	return s.Call(ctx, protocol.Request{Action: protocol.ActionLogin, Username: username, Password: password})
}

// List returns the room directory.
func (s *Session) List(ctx context.Context) (protocol.Response, error) {
	return s.Call(ctx, protocol.Request{Action: protocol.ActionList})
}

// CreateRoom adds a room. Admin only.
func (s *Session) CreateRoom(ctx context.Context, name, description, password string) (protocol.Response, error) {
	return s.Call(ctx, protocol.Request{
		Action:          protocol.ActionCreateRoom,
		RoomName:        name,
		RoomDescription: description,
		RoomPassword:    password,
	})
}

// DeleteRoom removes a room and disconnects its occupants. Admin only.
func (s *Session) DeleteRoom(ctx context.Context, roomID uint) (protocol.Response, error) {
	return s.Call(ctx, protocol.Request{Action: protocol.ActionDeleteRoom, RoomID: protocol.RoomID(roomID)})
}

// JoinRoom enters a room and returns its history with the reply.
func (s *Session) JoinRoom(ctx context.Context, roomID uint, password string) (protocol.Response, error) {
	return s.Call(ctx, protocol.Request{Action: protocol.ActionJoinRoom, RoomID: protocol.RoomID(roomID), RoomPassword: password})
}

// LeaveRoom exits the current room.
func (s *Session) LeaveRoom(ctx context.Context) (protocol.Response, error) {
	return s.Call(ctx, protocol.Request{Action: protocol.ActionLeaveRoom})
}

// SendMessage relays text to the room. The server does not reply.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	return s.Send(ctx, protocol.Request{Action: protocol.ActionSendMessage, Message: text})
}

// Disconnect asks the server to end the session. The server closes the
// connection without replying.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.Send(ctx, protocol.Request{Action: protocol.ActionDisconnect})
}
