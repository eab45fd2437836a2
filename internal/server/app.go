package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/logx"
	"github.com/fenggwsx/roomcast/internal/metrics"
	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/storage"
)

const acceptBackoff = 50 * time.Millisecond

// Authenticator registers and verifies accounts.
type Authenticator interface {
	Register(ctx context.Context, username, password string) (*storage.User, error)
	Authenticate(ctx context.Context, username, password string) (*storage.User, error)
}

// RoomDirectory is the persisted room catalogue.
type RoomDirectory interface {
	List(ctx context.Context) ([]storage.Room, error)
	Create(ctx context.Context, name, description, password string) (*storage.Room, error)
	Delete(ctx context.Context, id uint) error
	Lookup(ctx context.Context, id uint, password string) (*storage.Room, error)
}

// Dependencies are the collaborators the server delegates to.
type Dependencies struct {
	Auth        Authenticator
	Rooms       RoomDirectory
	History     storage.HistoryStore
	ShutdownLog storage.ShutdownLog
	Metrics     *metrics.Metrics
	// Gatherer backs the /metrics endpoint when MetricsAddr is set.
	Gatherer prometheus.Gatherer
}

// App coordinates the listener, session workers, the reaper and shutdown.
type App struct {
	cfg         config.ServerConfig
	auth        Authenticator
	rooms       RoomDirectory
	history     storage.HistoryStore
	shutdownLog storage.ShutdownLog
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	log         zerolog.Logger

	registry    *Registry
	broadcaster *Broadcaster
	reaper      *Reaper

	mu           sync.Mutex
	listener     net.Listener
	cancel       context.CancelFunc
	served       chan struct{}
	closeOnce    sync.Once
	shutdownOnce sync.Once
	running      atomic.Bool
	workers      sync.WaitGroup
}

// NewApp constructs a server instance using the provided dependencies.
func NewApp(cfg config.ServerConfig, deps Dependencies) *App {
	m := deps.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	log := logx.Component("server")
	registry := NewRegistry()

	return &App{
		cfg:         cfg,
		auth:        deps.Auth,
		rooms:       deps.Rooms,
		history:     deps.History,
		shutdownLog: deps.ShutdownLog,
		metrics:     m,
		gatherer:    deps.Gatherer,
		log:         log,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, deps.History, cfg.WriteTimeout, m, logx.Component("broadcast")),
		reaper:      NewReaper(registry, cfg.ReaperInterval, cfg.RoomTimeout, m, logx.Component("reaper")),
	}
}

// Run listens on the configured address and serves until shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve(ctx)
}

// Listen opens the listening endpoint.
func (a *App) Listen() error {
	listener, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()
	a.running.Store(true)
	a.log.Info().Str("addr", listener.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Running reports whether the server still accepts connections.
func (a *App) Running() bool {
	return a.running.Load()
}

// Serve accepts connections until ctx ends or Shutdown is called, then waits
// for every worker to exit.
func (a *App) Serve(ctx context.Context) error {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	if listener == nil {
		return errNotListening
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	served := make(chan struct{})
	defer close(served)
	a.mu.Lock()
	a.cancel = cancel
	a.served = served
	a.mu.Unlock()
	if !a.running.Load() {
		cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.acceptLoop(ctx, listener)
	})
	g.Go(func() error {
		return a.reaper.Run(gctx)
	})
	if a.cfg.MetricsAddr != "" && a.gatherer != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, a.cfg.MetricsAddr, a.gatherer)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		recordCtx, cancelRecord := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
		defer cancelRecord()
		if err := a.stop(recordCtx); err != nil {
			a.log.Warn().Err(err).Msg("shutdown")
		}
		return nil
	})

	err := g.Wait()
	a.workers.Wait()
	return err
}

func (a *App) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !a.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.log.Error().Err(err).Msg("accept failed")
			time.Sleep(acceptBackoff)
			continue
		}
		a.workers.Add(1)
		go a.handleConnection(ctx, conn)
	}
}

func (a *App) handleConnection(ctx context.Context, conn net.Conn) {
	defer a.workers.Done()

	session := newClientSession(conn, a.cfg, a.log)
	if err := a.registry.Attach(session); err != nil {
		_ = conn.Close()
		return
	}
	session.log.Info().Msg("connection accepted")
	a.metrics.ConnectionsActive.Inc()
	go session.writeLoop()

	defer func() {
		if m, ok := a.registry.Detach(session.id); ok {
			session.log.Info().Str("user", m.username).Uint("room", m.roomID).Msg("left room on disconnect")
		}
		session.close(nil)
		session.wait()
		session.state = StateDisconnected
		a.metrics.ConnectionsActive.Dec()
		a.metrics.SessionsJoined.Set(float64(a.registry.Len()))
		session.log.Info().Str("user", session.username).Msg("connection closed")
	}()

	a.readLoop(ctx, session)
}

func (a *App) readLoop(ctx context.Context, session *clientSession) {
	decoder := protocol.NewDecoder(session.conn, a.cfg.MaxFrameBytes)

	for {
		if ctx.Err() != nil || session.isClosing() {
			return
		}
		if err := session.conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout)); err != nil {
			session.log.Debug().Err(err).Msg("set read deadline")
			return
		}

		var req protocol.Request
		if err := decoder.Decode(ctx, &req); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			var protoErr *protocol.ProtocolError
			switch {
			case errors.As(err, &protoErr):
				session.log.Warn().Err(err).Msg("protocol error, closing session")
				a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "malformed request"))
			case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), isClosedConnError(err):
				session.log.Debug().Err(err).Msg("read loop finished")
			default:
				session.log.Warn().Err(err).Str("user", session.username).Msg("connection error")
			}
			return
		}

		if !a.dispatch(ctx, session, req) {
			return
		}
	}
}

func (a *App) send(ctx context.Context, session *clientSession, resp protocol.Response) {
	if err := session.reply(ctx, resp); err != nil {
		session.log.Debug().Err(err).Msg("reply dropped")
	}
}

func (a *App) closeListener() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		listener := a.listener
		a.mu.Unlock()
		if listener == nil {
			return
		}
		if err := listener.Close(); err != nil && !isClosedConnError(err) {
			a.log.Warn().Err(err).Msg("close listener")
		}
	})
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
