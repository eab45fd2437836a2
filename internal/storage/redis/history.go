// Package redis keeps room chat history in Redis lists.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/storage"
)

// HistoryStore implements storage.HistoryStore on one Redis list per room.
type HistoryStore struct {
	client *redis.Client
	prefix string
	limit  int
}

var _ storage.HistoryStore = (*HistoryStore)(nil)

// New wraps an existing client. A positive limit keeps only the newest lines.
func New(client *redis.Client, prefix string, limit int) *HistoryStore {
	return &HistoryStore{client: client, prefix: prefix, limit: limit}
}

// Open connects to the configured Redis server and verifies it answers.
func Open(ctx context.Context, cfg config.HistoryConfig) (*HistoryStore, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return New(client, cfg.RedisPrefix, cfg.Limit), nil
}

// Close releases the client.
func (h *HistoryStore) Close() error {
	return h.client.Close()
}

// AppendHistory pushes one line onto the room's list.
func (h *HistoryStore) AppendHistory(ctx context.Context, roomID uint, line string) error {
	key := h.key(roomID)
	if h.limit <= 0 {
		if err := h.client.RPush(ctx, key, line).Err(); err != nil {
			return fmt.Errorf("history append: %w", err)
		}
		return nil
	}

	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.LTrim(ctx, key, int64(-h.limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	return nil
}

// ReadHistory returns the room's lines joined by newlines.
func (h *HistoryStore) ReadHistory(ctx context.Context, roomID uint) (string, error) {
	lines, err := h.client.LRange(ctx, h.key(roomID), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("history read: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

func (h *HistoryStore) key(roomID uint) string {
	return h.prefix + "history:" + strconv.FormatUint(uint64(roomID), 10)
}
