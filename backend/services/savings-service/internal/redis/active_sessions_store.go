package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ActiveSession is the cached view of an in-progress saving session.
type ActiveSession struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	BaselineKWh string    `json:"baseline_kwh"`
	StartedAt   time.Time `json:"started_at"`
}

// Store manages the active session cache.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(sessionID string) string {
	return fmt.Sprintf("powersave:sessions:active:%s", sessionID)
}

func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("powersave:users:%s:active", userID)
}

// Save caches session and indexes it under its user.
func (s *Store) Save(ctx context.Context, session ActiveSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(session.SessionID), data, s.ttl)
		pipe.SAdd(ctx, s.userKey(session.UserID), session.SessionID)
		pipe.Expire(ctx, s.userKey(session.UserID), s.ttl)
		return nil
	})
	return err
}

// Get returns cached session. A miss returns redis.Nil.
func (s *Store) Get(ctx context.Context, sessionID string) (*ActiveSession, error) {
	result, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	var session ActiveSession
	if err := json.Unmarshal([]byte(result), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListForUser returns the cached sessions of userID. Index members whose
// entry already expired are pruned.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]ActiveSession, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var (
		out   []ActiveSession
		stale []interface{}
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var session ActiveSession
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return out, err
		}
	}
	return out, nil
}

// Delete removes cached session.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID))
		pipe.SRem(ctx, s.userKey(userID), sessionID)
		return nil
	})
	return err
}
