package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/storage"
)

// Store is a GORM-backed SQLite implementation of storage.Store.
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

type userModel struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;not null"`
	Password  string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userModel) TableName() string { return "users" }

type roomModel struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;not null"`
	Description string
	Password    string `gorm:"not null"`
	CreatedAt   time.Time
}

func (roomModel) TableName() string { return "rooms" }

type historyModel struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    uint   `gorm:"index;not null"`
	Line      string `gorm:"not null"`
	CreatedAt time.Time
}

func (historyModel) TableName() string { return "room_history" }

type shutdownModel struct {
	ID       uint      `gorm:"primaryKey"`
	ClosedAt time.Time `gorm:"not null"`
}

func (shutdownModel) TableName() string { return "shutdowns" }

// NewStore opens a SQLite database at the provided path.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path)), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer; concurrent writes queue on one connection.
	sqlDB.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&userModel{}, &roomModel{}, &historyModel{}, &shutdownModel{})
}

// CreateUser stores a new user record.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	model := userModel{
		Username:  user.Username,
		Password:  user.Password,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err)
	}
	user.ID = model.ID
	return nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		return nil, translate(err)
	}
	user := &storage.User{
		ID:        model.ID,
		Username:  model.Username,
		Password:  model.Password,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
	return user, nil
}

// ListRooms returns every room ordered by id.
func (s *Store) ListRooms(ctx context.Context) ([]storage.Room, error) {
	var models []roomModel
	if err := s.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	rooms := make([]storage.Room, 0, len(models))
	for _, m := range models {
		rooms = append(rooms, toRoom(m))
	}
	return rooms, nil
}

// CreateRoom inserts a room; a duplicate name yields storage.ErrConflict.
func (s *Store) CreateRoom(ctx context.Context, room *storage.Room) error {
	if room == nil {
		return errors.New("nil room")
	}
	model := roomModel{
		Name:        room.Name,
		Description: room.Description,
		Password:    room.Password,
		CreatedAt:   room.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return translate(err)
	}
	room.ID = model.ID
	return nil
}

// DeleteRoom removes a room; an unknown id yields storage.ErrNotFound.
func (s *Store) DeleteRoom(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&roomModel{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetRoom retrieves a room by id.
func (s *Store) GetRoom(ctx context.Context, id uint) (*storage.Room, error) {
	var model roomModel
	if err := s.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, translate(err)
	}
	room := toRoom(model)
	return &room, nil
}

// AppendHistory adds one line to a room's chat log.
func (s *Store) AppendHistory(ctx context.Context, roomID uint, line string) error {
	model := historyModel{RoomID: roomID, Line: line, CreatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ReadHistory returns a room's chat log in insertion order.
func (s *Store) ReadHistory(ctx context.Context, roomID uint) (string, error) {
	var lines []string
	err := s.db.WithContext(ctx).
		Model(&historyModel{}).
		Where("room_id = ?", roomID).
		Order("id").
		Pluck("line", &lines).Error
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// RecordShutdown stores the time the server was closed.
func (s *Store) RecordShutdown(ctx context.Context, at time.Time) error {
	return s.db.WithContext(ctx).Create(&shutdownModel{ClosedAt: at.UTC()}).Error
}

// Shutdowns returns the recorded shutdown times, oldest first.
func (s *Store) Shutdowns(ctx context.Context) ([]time.Time, error) {
	var models []shutdownModel
	if err := s.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(models))
	for _, m := range models {
		out = append(out, m.ClosedAt)
	}
	return out, nil
}

func toRoom(m roomModel) storage.Room {
	return storage.Room{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Password:    m.Password,
		CreatedAt:   m.CreatedAt,
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return storage.ErrConflict
	}
	return err
}
