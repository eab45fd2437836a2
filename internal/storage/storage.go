package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("record already exists")
)

// User represents a persisted account record.
type User struct {
	ID        uint
	Username  string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Room represents a persisted chat room. Password holds a bcrypt hash.
type Room struct {
	ID          uint
	Name        string
	Description string
	Password    string
	CreatedAt   time.Time
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// RoomStore persists room metadata.
type RoomStore interface {
	ListRooms(ctx context.Context) ([]Room, error)
	CreateRoom(ctx context.Context, room *Room) error
	DeleteRoom(ctx context.Context, id uint) error
	GetRoom(ctx context.Context, id uint) (*Room, error)
}

// HistoryStore keeps the append-only chat log of each room.
type HistoryStore interface {
	AppendHistory(ctx context.Context, roomID uint, line string) error
	// ReadHistory returns the room's lines joined by newlines, or "" when the
	// room has no history.
	ReadHistory(ctx context.Context, roomID uint) (string, error)
}

// ShutdownLog records server shutdowns.
type ShutdownLog interface {
	RecordShutdown(ctx context.Context, at time.Time) error
}

// Store defines persistence operations used by the server.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	UserStore
	RoomStore
	HistoryStore
	ShutdownLog
}
