package server

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/protocol"
)

var (
	errNotLoggedIn = errors.New("not logged in")
	errNotAdmin    = errors.New("admin privileges required")
)

// dispatch routes one decoded request. It reports false when the worker should
// stop reading and close the connection.
func (a *App) dispatch(ctx context.Context, session *clientSession, req protocol.Request) bool {
	action := protocol.Action(strings.ToLower(strings.TrimSpace(string(req.Action))))
	a.metrics.Requests.WithLabelValues(actionLabel(action)).Inc()

	if err := a.authorize(session, action); err != nil {
		session.log.Info().Str("action", string(action)).Str("user", session.username).Err(err).Msg("request rejected")
		switch {
		case errors.Is(err, errNotAdmin):
			a.send(ctx, session, protocol.Fail(protocol.CodeForbidden, "Admin privileges required!"))
		default:
			a.send(ctx, session, protocol.Fail(protocol.CodeUnauthorized, "Please log in first!"))
		}
		return true
	}

	switch action {
	case protocol.ActionRegister:
		a.handleRegister(ctx, session, req)
	case protocol.ActionLogin:
		a.handleLogin(ctx, session, req)
	case protocol.ActionList:
		a.handleList(ctx, session)
	case protocol.ActionCreateRoom:
		a.handleCreateRoom(ctx, session, req)
	case protocol.ActionDeleteRoom:
		a.handleDeleteRoom(ctx, session, req)
	case protocol.ActionJoinRoom:
		a.handleJoinRoom(ctx, session, req)
	case protocol.ActionLeaveRoom:
		a.handleLeaveRoom(ctx, session)
	case protocol.ActionSendMessage:
		a.handleSendMessage(ctx, session, req)
	case protocol.ActionDisconnect:
		a.handleDisconnect(session)
		return false
	default:
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "unsupported action"))
	}
	return true
}

// authorize applies the login and admin gates. list, register, login,
// send_message and disconnect pass unconditionally; send_message is a no-op
// outside a room.
func (a *App) authorize(session *clientSession, action protocol.Action) error {
	switch action {
	case protocol.ActionJoinRoom, protocol.ActionLeaveRoom:
		if session.state == StateUnauthenticated {
			return errNotLoggedIn
		}
	case protocol.ActionCreateRoom, protocol.ActionDeleteRoom:
		if session.state == StateUnauthenticated {
			return errNotLoggedIn
		}
		claims, err := a.sessionClaims(session)
		if err != nil {
			session.log.Warn().Err(err).Msg("session token rejected")
			return errNotLoggedIn
		}
		if !claims.Admin {
			return errNotAdmin
		}
	}
	return nil
}

// sessionClaims parses the session's token. The username is bound to the
// connection for its lifetime, so an expired token is re-issued in place with
// the admin flag taken from the current configuration.
func (a *App) sessionClaims(session *clientSession) (*auth.Claims, error) {
	claims, err := auth.ParseToken(a.cfg.JWT, session.token)
	if err == nil || !errors.Is(err, jwt.ErrTokenExpired) {
		return claims, err
	}

	token, err := auth.NewToken(a.cfg.JWT, session.userID, session.username, a.cfg.IsAdmin(session.username))
	if err != nil {
		return nil, err
	}
	session.token = token
	session.log.Info().Str("user", session.username).Msg("session token renewed")
	return auth.ParseToken(a.cfg.JWT, token)
}

func actionLabel(action protocol.Action) string {
	switch action {
	case protocol.ActionRegister, protocol.ActionLogin, protocol.ActionList,
		protocol.ActionCreateRoom, protocol.ActionDeleteRoom, protocol.ActionJoinRoom,
		protocol.ActionLeaveRoom, protocol.ActionSendMessage, protocol.ActionDisconnect:
		return string(action)
	default:
		return "unknown"
	}
}
