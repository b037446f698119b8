package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryRefreshTokenStore keeps refresh tokens in memory.
type MemoryRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]refreshRecord // token hash -> record
}

type refreshRecord struct {
	userID string
	expiry time.Time
}

// NewMemoryRefreshTokenStore constructs an in-memory refresh token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		tokens: make(map[string]refreshRecord),
	}
}

// NewToken issues and stores a new refresh token.
func (s *MemoryRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tokens[refreshTokenHash(token)] = refreshRecord{
		userID: userID,
		expiry: time.Now().UTC().Add(ttl),
	}
	s.mu.Unlock()
	return token, nil
}

// RotateToken consumes token and issues a replacement. A rotated or expired
// token is rejected, so a stolen old token cannot be replayed.
func (s *MemoryRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	hash := refreshTokenHash(token)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[hash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	delete(s.tokens, hash)
	if now.After(rec.expiry) {
		return "", "", ErrInvalidRefreshToken
	}
	newToken, err := generateRefreshToken()
	if err != nil {
		return "", "", err
	}
	s.tokens[refreshTokenHash(newToken)] = refreshRecord{
		userID: rec.userID,
		expiry: now.Add(ttl),
	}
	return rec.userID, newToken, nil
}

// DeleteToken removes the refresh token.
func (s *MemoryRefreshTokenStore) DeleteToken(token string) error {
	s.mu.Lock()
	delete(s.tokens, refreshTokenHash(token))
	s.mu.Unlock()
	return nil
}

// RedisRefreshTokenStore stores sha256-hashed refresh tokens in Redis with TTL.
type RedisRefreshTokenStore struct {
	client *redis.Client
}

// NewRedisRefreshTokenStore builds a Redis-backed refresh token store.
func NewRedisRefreshTokenStore(addr, password string) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// NewToken issues and stores a new refresh token.
func (s *RedisRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, refreshKey(refreshTokenHash(token)), userID, ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// RotateToken consumes token atomically (GETDEL) and issues a replacement.
func (s *RedisRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	userID, err := s.client.GetDel(ctx, refreshKey(refreshTokenHash(token))).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrInvalidRefreshToken
	}
	if err != nil {
		return "", "", err
	}
	newToken, err := generateRefreshToken()
	if err != nil {
		return "", "", err
	}
	if err := s.client.Set(ctx, refreshKey(refreshTokenHash(newToken)), userID, ttl).Err(); err != nil {
		return "", "", err
	}
	return userID, newToken, nil
}

// DeleteToken removes the refresh token.
func (s *RedisRefreshTokenStore) DeleteToken(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.client.Del(ctx, refreshKey(refreshTokenHash(token))).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func generateRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func refreshKey(tokenHash string) string {
	return "whisperbox:refresh:" + tokenHash
}
