package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

var ErrSessionNotFound = errors.New("chat: session not found")

// SessionStore persists conversation state between turns.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*ConversationContext, error)
	Save(ctx context.Context, conv *ConversationContext) error
}

const defaultSessionTTL = 24 * time.Hour

// RedisSessionStore keeps one JSON document per session with a sliding TTL.
// Terminal sessions stay until the TTL expires.
type RedisSessionStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if client == nil {
		panic("chat: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisSessionStore{redis: client, ttl: ttl, tracer: tracer}
}

func sessionKey(id string) string {
	return fmt.Sprintf("chat:session:%s", id)
}

func (s *RedisSessionStore) Load(ctx context.Context, sessionID string) (*ConversationContext, error) {
	ctx, span := s.tracer.Start(ctx, "chat.load_session")
	defer span.End()

	data, err := s.redis.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("chat: failed to load session: %w", err)
	}
	var conv ConversationContext
	if err := json.Unmarshal(data, &conv); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("chat: failed to decode session: %w", err)
	}
	return &conv, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, conv *ConversationContext) error {
	ctx, span := s.tracer.Start(ctx, "chat.save_session")
	defer span.End()

	data, err := json.Marshal(conv)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("chat: failed to marshal session: %w", err)
	}
	if err := s.redis.Set(ctx, sessionKey(conv.SessionID), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("chat: failed to persist session: %w", err)
	}
	return nil
}

// MemorySessionStore is an in-process SessionStore. Stored values are deep
// copies, so callers cannot mutate persisted state by accident.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string][]byte)}
}

func (s *MemorySessionStore) Load(_ context.Context, sessionID string) (*ConversationContext, error) {
	s.mu.Lock()
	data, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var conv ConversationContext
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("chat: failed to decode session: %w", err)
	}
	return &conv, nil
}

func (s *MemorySessionStore) Save(_ context.Context, conv *ConversationContext) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("chat: failed to marshal session: %w", err)
	}
	s.mu.Lock()
	s.sessions[conv.SessionID] = data
	s.mu.Unlock()
	return nil
}
