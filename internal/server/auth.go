package server

import (
	"context"
	"errors"
	"strings"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/protocol"
)

func (a *App) handleRegister(ctx context.Context, session *clientSession, req protocol.Request) {
	username := strings.TrimSpace(req.Username)
	user, err := a.auth.Register(ctx, username, req.Password)
	if err != nil {
		session.log.Info().Str("user", username).Err(err).Msg("register failed")
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Registration Failed!"))
		return
	}
	session.log.Info().Str("user", user.Username).Uint("id", user.ID).Msg("register success")

	resp := protocol.OK("Registration Successful!")
	resp.Username = user.Username
	a.send(ctx, session, resp)
}

func (a *App) handleLogin(ctx context.Context, session *clientSession, req protocol.Request) {
	if session.state != StateUnauthenticated {
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Already logged in!"))
		return
	}

	username := strings.TrimSpace(req.Username)
	user, err := a.auth.Authenticate(ctx, username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			session.log.Error().Str("user", username).Err(err).Msg("login lookup failed")
		} else {
			session.log.Info().Str("user", username).Msg("login failed")
		}
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Authentication Failed!"))
		return
	}

	token, err := auth.NewToken(a.cfg.JWT, user.ID, user.Username, a.cfg.IsAdmin(user.Username))
	if err != nil {
		session.log.Error().Err(err).Msg("token issue")
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Authentication Failed!"))
		return
	}

	session.state = StateAuthenticated
	session.userID = user.ID
	session.username = user.Username
	session.token = token
	session.log.Info().Str("user", user.Username).Uint("id", user.ID).Msg("login success")

	resp := protocol.OK("Authentication Successful!")
	resp.Username = user.Username
	resp.Token = token
	a.send(ctx, session, resp)
}
