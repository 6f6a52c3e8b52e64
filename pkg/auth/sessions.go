package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// SessionStore keeps refresh sessions in Redis. A session is reachable through
// the hash of its current refresh token; rotating the token replaces the hash
// and keeps the session ID.
//
// Keys:
//
//	<prefix>:refresh:<token hash>  session JSON
//	<prefix>:session:<session id>  current token hash
//	<prefix>:user:<user id>        set of session IDs
type SessionStore struct {
	redis     *redis.Client
	generator *TokenGenerator
	ttl       time.Duration
	prefix    string
	now       func() time.Time
}

// NewSessionStore creates a session store whose sessions expire ttl after
// their last rotation
func NewSessionStore(client *redis.Client, ttl time.Duration, prefix string) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if prefix == "" {
		prefix = "imobiauth"
	}
	return &SessionStore{
		redis:     client,
		generator: NewTokenGenerator(),
		ttl:       ttl,
		prefix:    prefix,
		now:       time.Now,
	}
}

func (s *SessionStore) refreshKey(hash string) string {
	return fmt.Sprintf("%s:refresh:%s", s.prefix, hash)
}

func (s *SessionStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *SessionStore) userKey(userID int64) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, strconv.FormatInt(userID, 10))
}

// Create opens a session for userID and returns its first refresh token
func (s *SessionStore) Create(ctx context.Context, userID int64) (string, *Session, error) {
	now := s.now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
	}
	token, err := s.store(ctx, session)
	if err != nil {
		return "", nil, err
	}
	return token, session, nil
}

// store writes a fresh refresh token for session and returns it
func (s *SessionStore) store(ctx context.Context, session *Session) (string, error) {
	token, hash, err := s.generator.GenerateToken()
	if err != nil {
		return "", err
	}
	session.ExpiresAt = s.now().UTC().Add(s.ttl)

	data, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.refreshKey(hash), data, s.ttl)
		pipe.Set(ctx, s.sessionKey(session.ID), hash, s.ttl)
		pipe.SAdd(ctx, s.userKey(session.UserID), session.ID)
		pipe.Expire(ctx, s.userKey(session.UserID), s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return token, nil
}

// Rotate consumes a refresh token and issues its replacement. A token can be
// used once; replaying it returns ErrSessionNotFound.
func (s *SessionStore) Rotate(ctx context.Context, refreshToken string) (string, *Session, error) {
	if err := s.generator.ValidateTokenFormat(refreshToken); err != nil {
		return "", nil, ErrSessionNotFound
	}
	hash := s.generator.HashToken(refreshToken)

	data, err := s.redis.GetDel(ctx, s.refreshKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrSessionNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	token, err := s.store(ctx, &session)
	if err != nil {
		return "", nil, err
	}
	return token, &session, nil
}

// Revoke ends a session. Revoking an unknown session is not an error.
func (s *SessionStore) Revoke(ctx context.Context, userID int64, sessionID string) error {
	hash, err := s.redis.Get(ctx, s.sessionKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to load session: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if hash != "" {
			pipe.Del(ctx, s.refreshKey(hash))
		}
		pipe.Del(ctx, s.sessionKey(sessionID))
		pipe.SRem(ctx, s.userKey(userID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAllForUser ends every session of a user and returns how many there were
func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID int64) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, id := range ids {
		if err := s.Revoke(ctx, userID, id); err != nil {
			return 0, err
		}
	}
	if err := s.redis.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return len(ids), nil
}

// Get returns a session by ID, or ErrSessionNotFound
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	hash, err := s.redis.Get(ctx, s.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	data, err := s.redis.Get(ctx, s.refreshKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// ListForUser returns a user's live sessions, newest first. IDs left in the
// user's set by expired sessions are pruned.
func (s *SessionStore) ListForUser(ctx context.Context, userID int64) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			if err := s.redis.SRem(ctx, s.userKey(userID), id).Err(); err != nil {
				return nil, fmt.Errorf("failed to prune session: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	sortSessions(sessions)
	return sessions, nil
}

// List returns every live session, newest first
func (s *SessionStore) List(ctx context.Context) ([]*Session, error) {
	prefix := s.sessionKey("")
	var sessions []*Session

	iter := s.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		session, err := s.Get(ctx, strings.TrimPrefix(iter.Val(), prefix))
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	sortSessions(sessions)
	return sessions, nil
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

// Active reports whether the session still exists
func (s *SessionStore) Active(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return n > 0, nil
}
