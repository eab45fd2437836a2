package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/fenggwsx/roomcast/internal/metrics"
	"github.com/fenggwsx/roomcast/internal/protocol"
)

func (a *App) handleList(ctx context.Context, session *clientSession) {
	rooms, err := a.rooms.List(ctx)
	if err != nil {
		session.log.Error().Err(err).Msg("list rooms")
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Room listing failed!"))
		return
	}

	resp := protocol.OK("")
	resp.Rooms = make([]protocol.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		resp.Rooms = append(resp.Rooms, protocol.RoomSummary{RoomName: room.Name, RoomID: protocol.RoomID(room.ID)})
	}
	a.send(ctx, session, resp)
}

func (a *App) handleCreateRoom(ctx context.Context, session *clientSession, req protocol.Request) {
	room, err := a.rooms.Create(ctx, strings.TrimSpace(req.RoomName), req.RoomDescription, req.RoomPassword)
	if err != nil {
		session.log.Info().Str("user", session.username).Str("name", req.RoomName).Err(err).Msg("create room failed")
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Room Creation Failed!"))
		return
	}
	session.log.Info().Str("user", session.username).Uint("room", room.ID).Str("name", room.Name).Msg("room created")
	a.send(ctx, session, protocol.OK("Room Creation Successful!"))
}

func (a *App) handleDeleteRoom(ctx context.Context, session *clientSession, req protocol.Request) {
	roomID := uint(req.RoomID)
	if err := a.rooms.Delete(ctx, roomID); err != nil {
		session.log.Info().Str("user", session.username).Uint("room", roomID).Err(err).Msg("delete room failed")
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Room Deletion Failed!"))
		return
	}

	if session.state == StateInRoom && session.roomID == roomID {
		a.registry.Leave(session.id)
		session.state = StateAuthenticated
		session.roomID = 0
	}

	occupants := a.registry.EvictRoom(roomID)
	a.broadcaster.Forget(roomID)
	notice := protocol.Push(protocol.ActionEvicted,
		fmt.Sprintf("Room %d has been deleted. You are being disconnected...", roomID))
	evicted := evictSessions(occupants, notice, metrics.ReasonRoomDeleted, a.metrics)
	a.metrics.SessionsJoined.Set(float64(a.registry.Len()))

	session.log.Info().Str("user", session.username).Uint("room", roomID).Int("evicted", evicted).Msg("room deleted")
	a.send(ctx, session, protocol.OK("Room Deletion Successful!"))
}

func (a *App) handleJoinRoom(ctx context.Context, session *clientSession, req protocol.Request) {
	roomID := uint(req.RoomID)
	room, err := a.rooms.Lookup(ctx, roomID, req.RoomPassword)
	if err != nil {
		session.log.Info().Str("user", session.username).Uint("room", roomID).Err(err).Msg("join refused")
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Invalid room ID or password!"))
		return
	}

	if err := a.registry.Register(session, session.username, room.ID); err != nil {
		session.log.Info().Uint("room", room.ID).Err(err).Msg("join after eviction")
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Invalid room ID or password!"))
		return
	}
	session.state = StateInRoom
	session.roomID = room.ID
	a.metrics.SessionsJoined.Set(float64(a.registry.Len()))
	session.log.Info().Str("user", session.username).Uint("room", room.ID).Msg("joined room")

	resp := protocol.OK(fmt.Sprintf("Joined room %d successfully!", room.ID))
	resp.History, resp.HistoryStatus = a.readHistory(ctx, session, room.ID)
	if fitted := protocol.FitHistory(resp, a.cfg.MaxFrameBytes); fitted.HistoryStatus != resp.HistoryStatus {
		session.log.Info().Uint("room", room.ID).Int("bytes", len(resp.History)).Int("kept", len(fitted.History)).Msg("history truncated to frame limit")
		resp = fitted
	}
	a.send(ctx, session, resp)
}

func (a *App) readHistory(ctx context.Context, session *clientSession, roomID uint) (string, string) {
	if a.history == nil {
		return "", protocol.HistoryUnavailable
	}
	text, err := a.history.ReadHistory(ctx, roomID)
	if err != nil {
		session.log.Warn().Uint("room", roomID).Err(err).Msg("history read failed")
		return "", protocol.HistoryUnavailable
	}
	if text == "" {
		return "", protocol.HistoryEmpty
	}
	return text, protocol.HistoryOK
}

func (a *App) handleLeaveRoom(ctx context.Context, session *clientSession) {
	if session.state != StateInRoom {
		a.send(ctx, session, protocol.Fail(protocol.CodeBadRequest, "Not in a room!"))
		return
	}
	roomID := session.roomID
	a.registry.Leave(session.id)
	session.state = StateAuthenticated
	session.roomID = 0
	a.metrics.SessionsJoined.Set(float64(a.registry.Len()))

	session.log.Info().Str("user", session.username).Uint("room", roomID).Msg("left room")
	a.send(ctx, session, protocol.OK(fmt.Sprintf("Left room %d.", roomID)))
}
