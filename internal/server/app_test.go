package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/client"
	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/directory"
	"github.com/fenggwsx/roomcast/internal/metrics"
	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/storage/sqlite"
)

type testServer struct {
	app     *App
	store   *sqlite.Store
	metrics *metrics.Metrics
	addr    string
	done    chan error
}

func testServerConfig(t *testing.T) config.ServerConfig {
	return config.ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Database:   config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "roomcast.db")},
		JWT: config.JWTConfig{
			Secret:     "test-secret",
			Issuer:     "roomcast-test",
			Expiration: time.Hour,
		},
		ReadTimeout:    50 * time.Millisecond,
		WriteTimeout:   time.Second,
		MaxFrameBytes:  64 << 10,
		RoomTimeout:    time.Hour,
		ReaperInterval: time.Hour,
		Admins:         []string{"admin"},
		BcryptCost:     bcrypt.MinCost,
	}
}

func startTestServer(t *testing.T, mutate func(*config.ServerConfig)) *testServer {
	t.Helper()
	cfg := testServerConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := sqlite.NewStore(cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	m := metrics.New(prometheus.NewRegistry())
	app := NewApp(cfg, Dependencies{
		Auth:        auth.NewService(store, cfg.BcryptCost),
		Rooms:       directory.New(store, cfg.BcryptCost),
		History:     store,
		ShutdownLog: store,
		Metrics:     m,
	})
	require.NoError(t, app.Listen())

	ts := &testServer{app: app, store: store, metrics: m, addr: app.Addr().String(), done: make(chan error, 1)}
	go func() { ts.done <- app.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
		select {
		case <-ts.done:
		case <-ctx.Done():
			t.Error("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *client.Session {
	t.Helper()
	s, err := client.Dial(context.Background(), config.ClientConfig{ServerAddr: ts.addr, DialTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (ts *testServer) login(t *testing.T, username, password string) *client.Session {
	t.Helper()
	s := ts.dial(t)
	ctx := testContext(t)

	resp, err := s.Register(ctx, username, password)
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code, resp.Message)

	resp, err = s.Login(ctx, username, password)
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code, resp.Message)
	return s
}

// createRoom creates a room as admin and returns its id.
func (ts *testServer) createRoom(t *testing.T, admin *client.Session, name, password string) uint {
	t.Helper()
	ctx := testContext(t)
	resp, err := admin.CreateRoom(ctx, name, name+" room", password)
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code, resp.Message)

	resp, err = admin.List(ctx)
	require.NoError(t, err)
	for _, room := range resp.Rooms {
		if room.RoomName == name {
			return uint(room.RoomID)
		}
	}
	t.Fatalf("room %q not listed", name)
	return 0
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func shortContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestApp_RoomChat(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "lobby", "secret")

	alice := ts.login(t, "alice", "pw-a")
	bob := ts.login(t, "bob", "pw-b")

	resp, err := alice.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code)
	assert.Equal(t, protocol.HistoryEmpty, resp.HistoryStatus)
	assert.Empty(t, resp.History)

	resp, err = bob.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code)
	assert.Equal(t, 2, ts.app.registry.Members(roomID))

	require.NoError(t, alice.SendMessage(ctx, "hello"))

	push, err := bob.NextPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionMessage, push.Action)
	assert.Equal(t, "alice", push.Username)
	assert.Equal(t, "alice >> hello", push.Message)

	_, err = alice.NextPush(shortContext(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded, "sender must not receive its own message")

	carol := ts.login(t, "carol", "pw-c")
	resp, err = carol.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)
	assert.Equal(t, protocol.HistoryOK, resp.HistoryStatus)
	assert.Equal(t, "alice >> hello", resp.History)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.Broadcasts))
}

func TestApp_JoinWrongPassword(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "lobby", "secret")
	alice := ts.login(t, "alice", "pw-a")

	resp, err := alice.JoinRoom(ctx, roomID, "wrong")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)
	assert.Equal(t, "Invalid room ID or password!", resp.Message)

	resp, err = alice.JoinRoom(ctx, roomID+100, "secret")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)

	assert.Zero(t, ts.app.registry.Len())
	_, active := ts.app.registry.Activity(roomID)
	assert.False(t, active)
}

func TestApp_Gates(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	anon := ts.dial(t)
	resp, err := anon.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code, "list needs no login")
	assert.Empty(t, resp.Rooms)

	tests := []struct {
		name string
		req  protocol.Request
		code int
	}{
		{"join before login", protocol.Request{Action: protocol.ActionJoinRoom, RoomID: 1, RoomPassword: "x"}, protocol.CodeUnauthorized},
		{"leave before login", protocol.Request{Action: protocol.ActionLeaveRoom}, protocol.CodeUnauthorized},
		{"create before login", protocol.Request{Action: protocol.ActionCreateRoom, RoomName: "r", RoomPassword: "x"}, protocol.CodeUnauthorized},
		{"delete before login", protocol.Request{Action: protocol.ActionDeleteRoom, RoomID: 1}, protocol.CodeUnauthorized},
		{"unknown action", protocol.Request{Action: "dance"}, protocol.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := anon.Call(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.Code)
		})
	}

	alice := ts.login(t, "alice", "pw-a")
	resp, err = alice.CreateRoom(ctx, "mine", "", "x")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeForbidden, resp.Code)

	resp, err = alice.DeleteRoom(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeForbidden, resp.Code)

	resp, err = alice.Login(ctx, "alice", "pw-a")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, resp.Code, "second login is refused")

	resp, err = alice.LeaveRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, resp.Code, "not in a room")
}

func TestApp_RegisterAndLoginFailures(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)
	s := ts.dial(t)

	resp, err := s.Register(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code)
	assert.Equal(t, "alice", resp.Username)

	resp, err = s.Register(ctx, "alice", "other")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)
	assert.Equal(t, "Registration Failed!", resp.Message)

	resp, err = s.Login(ctx, "alice", "wrong")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)
	assert.Equal(t, "Authentication Failed!", resp.Message)

	resp, err = s.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code)
	assert.NotEmpty(t, resp.Token)

	claims, err := auth.ParseToken(ts.app.cfg.JWT, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.False(t, claims.Admin)
}

func TestApp_SendMessageOutsideRoomIsNoop(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	anon := ts.dial(t)
	require.NoError(t, anon.SendMessage(ctx, "hello?"))
	alice := ts.login(t, "alice", "pw-a")
	require.NoError(t, alice.SendMessage(ctx, "anyone?"))

	resp, err := alice.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code, "session continues after a no-op")
	assert.Zero(t, testutil.ToFloat64(ts.metrics.Broadcasts))
}

func TestApp_LeaveAndMoveRooms(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	first := ts.createRoom(t, admin, "first", "one")
	second := ts.createRoom(t, admin, "second", "two")
	alice := ts.login(t, "alice", "pw-a")

	_, err := alice.JoinRoom(ctx, first, "one")
	require.NoError(t, err)
	resp, err := alice.JoinRoom(ctx, second, "two")
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code)

	assert.Zero(t, ts.app.registry.Members(first))
	_, active := ts.app.registry.Activity(first)
	assert.False(t, active)
	assert.Equal(t, 1, ts.app.registry.Members(second))

	resp, err = alice.LeaveRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code)
	assert.Zero(t, ts.app.registry.Len())
	_, active = ts.app.registry.Activity(second)
	assert.False(t, active)
}

func TestApp_DisconnectCleansUp(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "lobby", "secret")
	alice := ts.login(t, "alice", "pw-a")
	_, err := alice.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)

	require.NoError(t, alice.Disconnect(ctx))
	_, err = alice.Receive(ctx)
	assert.Error(t, err, "server closes the connection")

	require.Eventually(t, func() bool {
		_, active := ts.app.registry.Activity(roomID)
		return ts.app.registry.Len() == 0 && !active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_PeerCloseCleansUp(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "lobby", "secret")
	alice := ts.login(t, "alice", "pw-a")
	_, err := alice.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return ts.app.registry.Len() == 0 && ts.app.registry.Connections() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_ReaperEvictsIdleRoom(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.RoomTimeout = 200 * time.Millisecond
		cfg.ReaperInterval = 20 * time.Millisecond
	})
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "lobby", "secret")
	alice := ts.login(t, "alice", "pw-a")
	_, err := alice.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)

	push, err := alice.NextPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionEvicted, push.Action)
	assert.Contains(t, push.Message, "inactive")

	_, err = alice.Receive(ctx)
	assert.Error(t, err)
	assert.Zero(t, ts.app.registry.Len())
	_, active := ts.app.registry.Activity(roomID)
	assert.False(t, active)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.Evictions.WithLabelValues(metrics.ReasonInactive)))
}

func TestApp_DeleteRoomEvictsOccupants(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "doomed", "secret")
	bob := ts.login(t, "bob", "pw-b")
	_, err := bob.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)
	_, err = admin.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)

	resp, err := admin.DeleteRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code)

	push, err := bob.NextPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionEvicted, push.Action)
	assert.Contains(t, push.Message, "deleted")

	resp, err = admin.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code, "the deleting admin stays connected")
	assert.Empty(t, resp.Rooms)
	assert.Zero(t, ts.app.registry.Len())

	resp, err = admin.DeleteRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)
}

func TestApp_ConcurrentCreateRoom(t *testing.T) {
	ts := startTestServer(t, nil)

	first := ts.login(t, "admin", "root")
	second := ts.dial(t)
	resp, err := second.Login(testContext(t), "admin", "root")
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code)

	var (
		wg    sync.WaitGroup
		codes = make([]int, 2)
	)
	for i, s := range []*client.Session{first, second} {
		wg.Add(1)
		go func(i int, s *client.Session) {
			defer wg.Done()
			resp, err := s.CreateRoom(testContext(t), "dup", "", "x")
			if assert.NoError(t, err) {
				codes[i] = resp.Code
			}
		}(i, s)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{protocol.CodeOK, protocol.CodeBadRequest}, codes)
}

func TestApp_MalformedFrameEndsSession(t *testing.T) {
	ts := startTestServer(t, nil)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("{not json")
	var frame bytes.Buffer
	require.NoError(t, binary.Write(&frame, binary.BigEndian, uint32(len(payload))))
	frame.Write(payload)
	_, err = conn.Write(frame.Bytes())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	decoder := protocol.NewDecoder(conn, 0)
	var resp protocol.Response
	require.NoError(t, decoder.Decode(context.Background(), &resp))
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)
	assert.Equal(t, "malformed request", resp.Message)

	assert.Error(t, decoder.Decode(context.Background(), &resp), "connection is closed after a protocol error")
}

func TestApp_Shutdown(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "lobby", "secret")
	alice := ts.login(t, "alice", "pw-a")
	_, err := alice.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)
	idle := ts.dial(t)
	_, err = idle.List(ctx)
	require.NoError(t, err)

	require.NoError(t, ts.app.Shutdown(ctx))
	assert.False(t, ts.app.Running())

	for _, s := range []*client.Session{alice, idle} {
		push, err := s.NextPush(ctx)
		require.NoError(t, err)
		assert.Equal(t, protocol.ActionShutdown, push.Action)
	}

	select {
	case err := <-ts.done:
		assert.NoError(t, err)
		ts.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.Zero(t, ts.app.registry.Len())
	assert.Zero(t, ts.app.registry.Connections())
	_, active := ts.app.registry.Activity(roomID)
	assert.False(t, active)

	_, err = net.DialTimeout("tcp", ts.addr, 200*time.Millisecond)
	assert.Error(t, err, "listener is closed")

	require.NoError(t, ts.app.Shutdown(ctx), "second shutdown is a no-op")
	recorded, err := ts.store.Shutdowns(ctx)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestRunConsole(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	var out bytes.Buffer
	in := strings.NewReader("status\nbogus\nshutdown\nstatus\n")
	require.NoError(t, RunConsole(ctx, in, &out, ts.app))

	assert.Contains(t, out.String(), "connections=0 joined=0 running=true")
	assert.Contains(t, out.String(), `unknown command "bogus"`)
	assert.Contains(t, out.String(), "Shutting down server...")
	assert.NotContains(t, out.String(), "running=false", "console stops after shutdown")
	assert.False(t, ts.app.Running())
}

func TestApp_JoinCutsLongHistory(t *testing.T) {
	ts := startTestServer(t, nil)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "busy", "secret")
	padding := strings.Repeat("hello there friend ", 6)
	for i := 0; i < 600; i++ {
		require.NoError(t, ts.store.AppendHistory(context.Background(), roomID, fmt.Sprintf("alice >> %s%d", padding, i)))
	}

	ctx := testContext(t)
	bob := ts.login(t, "bob", "pw-b")
	resp, err := bob.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code, resp.Message)
	assert.Equal(t, protocol.HistoryTruncated, resp.HistoryStatus)
	require.NotEmpty(t, resp.History)
	assert.True(t, strings.HasSuffix(resp.History, "friend 599"), "newest lines are kept")
	assert.True(t, strings.HasPrefix(resp.History, "alice >> "), "only whole lines are kept")
	assert.True(t, protocol.Fits(resp, ts.app.cfg.MaxFrameBytes))
	assert.Equal(t, 1, ts.app.registry.Members(roomID))

	resp, err = bob.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code, "joiner stays connected")
}

func TestApp_NearLimitMessageKeepsRecipients(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := testContext(t)

	admin := ts.login(t, "admin", "root")
	roomID := ts.createRoom(t, admin, "lobby", "secret")
	alice := ts.login(t, "alice", "pw-a")
	bob := ts.login(t, "bob", "pw-b")
	for _, s := range []*client.Session{alice, bob} {
		resp, err := s.JoinRoom(ctx, roomID, "secret")
		require.NoError(t, err)
		require.Equal(t, protocol.CodeOK, resp.Code)
	}

	text := strings.Repeat("a", 65490)
	require.NoError(t, alice.SendMessage(ctx, text))

	push, err := bob.NextPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionMessage, push.Action)
	assert.True(t, strings.HasPrefix(push.Message, "alice >> aaa"))
	assert.Less(t, len(push.Message), len("alice >> ")+len(text), "line is cut to the frame limit")
	assert.True(t, protocol.Fits(push, ts.app.cfg.MaxFrameBytes))

	resp, err := bob.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code, "recipient stays connected")
	assert.Equal(t, 2, ts.app.registry.Members(roomID))

	carol := ts.login(t, "carol", "pw-c")
	resp, err = carol.JoinRoom(ctx, roomID, "secret")
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code, "a line that no longer fits beside the join reply is cut from history")
	assert.Equal(t, protocol.HistoryTruncated, resp.HistoryStatus)
	assert.Empty(t, resp.History)
}

func TestApp_AdminPastTokenExpiry(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.JWT.Expiration = time.Second
	})

	admin := ts.login(t, "admin", "root")
	time.Sleep(1500 * time.Millisecond)

	ctx := testContext(t)
	resp, err := admin.CreateRoom(ctx, "late", "", "x")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code, resp.Message)

	resp, err = admin.List(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Rooms, 1)

	resp, err = admin.DeleteRoom(ctx, uint(resp.Rooms[0].RoomID))
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code, resp.Message)

	alice := ts.login(t, "alice", "pw-a")
	time.Sleep(1500 * time.Millisecond)
	resp, err = alice.CreateRoom(ctx, "mine", "", "x")
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeForbidden, resp.Code, "renewal does not grant admin")
}
