package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	errs "stylebot/internal/errors"
)

// GameStore checkpoints the authoritative move list of an active game so a
// restarted bot can resume from the position the platform reports. Entries
// live only as long as their session: Delete is called when a game ends.
type GameStore interface {
	SaveMoves(ctx context.Context, gameID string, moves string) error
	LoadMoves(ctx context.Context, gameID string) (string, error)
	Delete(ctx context.Context, gameID string) error
}

const gameKeyPrefix = "stylebot:game:"

// RedisGameStore keeps checkpoints in redis, keyed by game id.
type RedisGameStore struct {
	client *redis.Client
}

func NewRedisGameStore(client *redis.Client) *RedisGameStore {
	return &RedisGameStore{client: client}
}

func (s *RedisGameStore) SaveMoves(ctx context.Context, gameID string, moves string) error {
	return s.client.Set(ctx, gameKeyPrefix+gameID, moves, 0).Err()
}

func (s *RedisGameStore) LoadMoves(ctx context.Context, gameID string) (string, error) {
	val, err := s.client.Get(ctx, gameKeyPrefix+gameID).Result()
	if err == redis.Nil {
		return "", errs.ErrGameNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load game %s: %w", gameID, err)
	}
	return val, nil
}

func (s *RedisGameStore) Delete(ctx context.Context, gameID string) error {
	return s.client.Del(ctx, gameKeyPrefix+gameID).Err()
}

// MemoryGameStore is the store used when no redis is configured.
type MemoryGameStore struct {
	mu    sync.RWMutex
	games map[string]string
}

func NewMemoryGameStore() *MemoryGameStore {
	return &MemoryGameStore{games: make(map[string]string)}
}

func (s *MemoryGameStore) SaveMoves(ctx context.Context, gameID string, moves string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[gameID] = moves
	return nil
}

func (s *MemoryGameStore) LoadMoves(ctx context.Context, gameID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	moves, ok := s.games[gameID]
	if !ok {
		return "", errs.ErrGameNotFound
	}
	return moves, nil
}

func (s *MemoryGameStore) Delete(ctx context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.games, gameID)
	return nil
}
