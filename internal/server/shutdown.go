package server

import (
	"context"
	"fmt"
	"time"

	"github.com/fenggwsx/roomcast/internal/metrics"
	"github.com/fenggwsx/roomcast/internal/protocol"
)

const shutdownNotice = "Server is shutting down. You will be disconnected..."

// Shutdown stops accepting connections, records the shutdown time, notifies
// and closes every live session, then waits for Serve to return or ctx to end.
// Calls after the first find a closed listener and an empty registry.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.stop(ctx)

	a.mu.Lock()
	served := a.served
	a.mu.Unlock()
	if served == nil {
		return err
	}

	select {
	case <-served:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop performs the shutdown steps without waiting for workers.
func (a *App) stop(ctx context.Context) error {
	var recordErr error
	a.shutdownOnce.Do(func() {
		a.running.Store(false)
		a.closeListener()

		at := time.Now().UTC()
		a.log.Info().Time("at", at).Msg("shutting down")
		if a.shutdownLog != nil {
			if err := a.shutdownLog.RecordShutdown(ctx, at); err != nil {
				recordErr = fmt.Errorf("record shutdown: %w", err)
			}
		}
	})

	sessions := a.registry.Drain()
	closed := evictSessions(sessions, protocol.Push(protocol.ActionShutdown, shutdownNotice), metrics.ReasonShutdown, a.metrics)
	a.metrics.SessionsJoined.Set(0)
	if closed > 0 {
		a.log.Info().Int("sessions", closed).Msg("sessions closed for shutdown")
	}

	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return recordErr
}
