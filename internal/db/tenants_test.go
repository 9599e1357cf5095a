package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantPoolsUnknownTenant(t *testing.T) {
	pools := NewTenantPools(map[string]string{"a": "postgres://a"}, func(context.Context, string) (*pgxpool.Pool, error) {
		t.Fatal("connect must not be called")
		return nil, nil
	})

	_, err := pools.Pool(context.Background(), "b")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestTenantPoolsConnectsOnceAndCaches(t *testing.T) {
	calls := 0
	// pgxpool.New does not dial until first use, so a real pool is cheap here.
	pools := NewTenantPools(map[string]string{"a": "postgres://user@localhost:1/a"}, func(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
		calls++
		return pgxpool.New(ctx, dsn)
	})
	t.Cleanup(pools.Close)

	p1, err := pools.Pool(context.Background(), "a")
	require.NoError(t, err)
	p2, err := pools.Pool(context.Background(), "a")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, calls)
}

func TestTenantPoolsWrapsConnectError(t *testing.T) {
	boom := errors.New("refused")
	pools := NewTenantPools(map[string]string{"a": "dsn"}, func(context.Context, string) (*pgxpool.Pool, error) {
		return nil, boom
	})
	_, err := pools.Pool(context.Background(), "a")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnknownTenant)
}

func TestSchemaContainsCoreTables(t *testing.T) {
	s := Schema()
	for _, table := range []string{"practitioners", "services", "patients", "appointments", "appointment_events", "notification_jobs", "clinic_settings"} {
		assert.True(t, strings.Contains(s, "CREATE TABLE IF NOT EXISTS "+table), table)
	}
}
