package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// ConnectFunc opens a pool for a DSN. ConnectPostgres is the production one.
type ConnectFunc func(ctx context.Context, dsn string) (*pgxpool.Pool, error)

// TenantPools lazily opens one pool per tenant database and caches it.
// Every tenant gets its own isolated DSN.
type TenantPools struct {
	dsns    map[string]string
	connect ConnectFunc

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

func NewTenantPools(dsns map[string]string, connect ConnectFunc) *TenantPools {
	if connect == nil {
		connect = ConnectPostgres
	}
	copied := make(map[string]string, len(dsns))
	for k, v := range dsns {
		copied[k] = v
	}
	return &TenantPools{
		dsns:    copied,
		connect: connect,
		pools:   make(map[string]*pgxpool.Pool),
	}
}

// Pool returns the pool for tenantID, connecting on first use.
func (t *TenantPools) Pool(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	dsn, ok := t.dsns[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pools[tenantID]; ok {
		return p, nil
	}
	p, err := t.connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect tenant %s: %w", tenantID, err)
	}
	t.pools[tenantID] = p
	return p, nil
}

// Tenants lists configured tenant ids.
func (t *TenantPools) Tenants() []string {
	out := make([]string, 0, len(t.dsns))
	for id := range t.dsns {
		out = append(out, id)
	}
	return out
}

func (t *TenantPools) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pools {
		p.Close()
		delete(t.pools, id)
	}
}
