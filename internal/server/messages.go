package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/fenggwsx/roomcast/internal/protocol"
)

func (a *App) handleSendMessage(ctx context.Context, session *clientSession, req protocol.Request) {
	if session.state != StateInRoom || strings.TrimSpace(req.Message) == "" {
		return
	}

	line := fmt.Sprintf("%s >> %s", session.username, req.Message)
	push, cut := protocol.FitMessage(protocol.Response{Action: protocol.ActionMessage, Username: session.username, Message: line}, a.cfg.MaxFrameBytes)
	if cut {
		if !protocol.Fits(push, a.cfg.MaxFrameBytes) {
			session.log.Warn().Str("user", session.username).Msg("message dropped, frame too large")
			return
		}
		session.log.Info().Str("user", session.username).Int("len", len(line)).Int("kept", len(push.Message)).Msg("message truncated to frame limit")
		line = push.Message
	}
	delivered, ok := a.broadcaster.Broadcast(ctx, session, session.roomID, session.username, line)
	if !ok {
		session.log.Debug().Uint("room", session.roomID).Msg("message dropped, session no longer in room")
		return
	}
	session.log.Debug().
		Str("user", session.username).
		Uint("room", session.roomID).
		Int("recipients", delivered).
		Int("len", len(req.Message)).
		Msg("message relayed")
}

func (a *App) handleDisconnect(session *clientSession) {
	if m, ok := a.registry.Leave(session.id); ok {
		a.metrics.SessionsJoined.Set(float64(a.registry.Len()))
		session.log.Info().Str("user", m.username).Uint("room", m.roomID).Msg("left room")
	}
	session.state = StateDisconnected
	session.roomID = 0
	session.log.Info().Str("user", session.username).Msg("disconnect requested")
}
