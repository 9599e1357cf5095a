package chat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-chat-scheduling/internal/nlu"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisSessionStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisSessionStore(client, ttl)
}

func sampleConversation() *ConversationContext {
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	conv := newConversation(ChatContext{TenantID: "clinic-a", UserID: "u1", SessionID: "s1"}, now)
	conv.CurrentIntent = nlu.IntentBookAppointment
	conv.Slots.Date = "2024-01-15"
	conv.ConfirmationPending = true
	conv.appendTurn("book monday", "What time works for you?", nlu.IntentBookAppointment, 0.9, now)
	return conv
}

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	mr, store := newRedisStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleConversation()))

	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, nlu.IntentBookAppointment, got.CurrentIntent)
	assert.Equal(t, "2024-01-15", got.Slots.Date)
	assert.True(t, got.ConfirmationPending)
	assert.Len(t, got.History, 2)
	assert.Equal(t, time.Hour, mr.TTL(sessionKey("s1")))
}

func TestRedisSessionStoreMissingAndExpired(t *testing.T) {
	mr, store := newRedisStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, store.Save(ctx, sampleConversation()))
	mr.FastForward(2 * time.Minute)

	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisSessionStoreCorruptPayload(t *testing.T) {
	mr, store := newRedisStore(t, 0)
	require.NoError(t, mr.Set(sessionKey("s1"), "{not json"))

	_, err := store.Load(context.Background(), "s1")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}

func TestMemorySessionStoreIsolatesCopies(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	conv := sampleConversation()
	require.NoError(t, store.Save(ctx, conv))

	conv.Slots.Date = "2099-01-01"
	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", got.Slots.Date)
}

func TestHistoryIsBounded(t *testing.T) {
	conv := sampleConversation()
	now := time.Now()
	for i := 0; i < maxHistory; i++ {
		conv.appendTurn("hi", "hello", nlu.IntentGreeting, 0.8, now)
	}
	assert.Len(t, conv.History, maxHistory)
	assert.Equal(t, nlu.IntentGreeting, conv.History[len(conv.History)-1].Intent)
}

func TestConsecutiveFallbacks(t *testing.T) {
	conv := sampleConversation()
	now := time.Now()
	assert.Equal(t, 0, conv.consecutiveFallbacks())

	conv.appendTurn("??", "sorry", nlu.IntentFallback, 0.2, now)
	conv.appendTurn("!!", "sorry", nlu.IntentFallback, 0.2, now)
	assert.Equal(t, 2, conv.consecutiveFallbacks())

	conv.appendTurn("hi", "hello", nlu.IntentGreeting, 0.8, now)
	assert.Equal(t, 0, conv.consecutiveFallbacks())
}
