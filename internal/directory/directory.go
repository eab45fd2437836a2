// Package directory is the room catalogue: listing, creation, deletion and
// password-checked lookup of persisted rooms.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/storage"
)

var (
	ErrRoomExists     = errors.New("room already exists")
	ErrRoomNotFound   = errors.New("room not found")
	ErrWrongPassword  = errors.New("wrong room password")
	ErrInvalidRequest = errors.New("room name and password required")
)

// Directory wraps a room store and keeps room passwords hashed.
type Directory struct {
	rooms storage.RoomStore
	cost  int
}

// New creates a Directory hashing room passwords at the given bcrypt cost.
func New(rooms storage.RoomStore, cost int) *Directory {
	return &Directory{rooms: rooms, cost: cost}
}

// List returns every room.
func (d *Directory) List(ctx context.Context) ([]storage.Room, error) {
	return d.rooms.ListRooms(ctx)
}

// Create stores a new room. A taken name yields ErrRoomExists.
func (d *Directory) Create(ctx context.Context, name, description, password string) (*storage.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return nil, ErrInvalidRequest
	}

	hashed, err := auth.HashPassword(password, d.cost)
	if err != nil {
		return nil, err
	}

	room := &storage.Room{
		Name:        name,
		Description: strings.TrimSpace(description),
		Password:    hashed,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.rooms.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrRoomExists
		}
		return nil, err
	}
	return room, nil
}

// Delete removes a room. An unknown id yields ErrRoomNotFound.
func (d *Directory) Delete(ctx context.Context, id uint) error {
	if err := d.rooms.DeleteRoom(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRoomNotFound
		}
		return err
	}
	return nil
}

// Lookup returns the room when id exists and password matches.
func (d *Directory) Lookup(ctx context.Context, id uint, password string) (*storage.Room, error) {
	room, err := d.rooms.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	if err := auth.ComparePassword(room.Password, password); err != nil {
		return nil, ErrWrongPassword
	}
	return room, nil
}
