package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-chat-scheduling/pkg/logging"
)

func TestDefaultPolicyAllowsIdentifiedUsers(t *testing.T) {
	a, err := NewCasbinAuthorizer("", []string{"clinic-a"}, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	for _, action := range []string{ActionBook, ActionReschedule, ActionCancel} {
		ok, err := a.CanMutate(ctx, "user-1", "clinic-a", action)
		require.NoError(t, err)
		assert.True(t, ok, action)
	}

	ok, err := a.CanMutate(ctx, "", "clinic-a", ActionBook)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.CanMutate(ctx, "user-1", "clinic-a", "delete_everything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefaultPolicyIsScopedToConfiguredTenants(t *testing.T) {
	a, err := NewCasbinAuthorizer("", []string{"clinic-a", "clinic-b"}, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := a.CanMutate(ctx, "user-1", "clinic-b", ActionCancel)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, tenant := range []string{"clinic-z", "*", ""} {
		ok, err := a.CanMutate(ctx, "user-1", tenant, ActionBook)
		require.NoError(t, err)
		assert.False(t, ok, "tenant %q", tenant)
	}

	_, err = NewCasbinAuthorizer("", nil, logging.Discard())
	assert.Error(t, err)
}

func TestDenyOverridesAllow(t *testing.T) {
	a, err := NewCasbinAuthorizer("", []string{"clinic-a", "clinic-b"}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Deny("mallory", "clinic-a", ActionCancel))
	ctx := context.Background()

	ok, _ := a.CanMutate(ctx, "mallory", "clinic-a", ActionCancel)
	assert.False(t, ok)
	ok, _ = a.CanMutate(ctx, "mallory", "clinic-b", ActionCancel)
	assert.True(t, ok)
	ok, _ = a.CanMutate(ctx, "mallory", "clinic-a", ActionBook)
	assert.True(t, ok)
}

func TestPolicyFileWithDomainRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	policy := "p, receptionist, clinic-a, *, allow\n" +
		"p, patient, *, book, allow\n" +
		"g, alice, receptionist, clinic-a\n" +
		"g, bob, patient, clinic-b\n"
	require.NoError(t, os.WriteFile(path, []byte(policy), 0o644))

	a, err := NewCasbinAuthorizer(path, nil, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		user, tenant, action string
		want                 bool
	}{
		{"alice", "clinic-a", ActionCancel, true},
		{"alice", "clinic-b", ActionCancel, false},
		{"bob", "clinic-b", ActionBook, true},
		{"bob", "clinic-b", ActionCancel, false},
		{"bob", "clinic-a", ActionBook, false},
		{"carol", "clinic-a", ActionBook, false},
	}
	for _, tt := range tests {
		ok, err := a.CanMutate(ctx, tt.user, tt.tenant, tt.action)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "%s/%s/%s", tt.user, tt.tenant, tt.action)
	}

	require.NoError(t, a.AssignRole("carol", "receptionist", "clinic-a"))
	ok, _ := a.CanMutate(ctx, "carol", "clinic-a", ActionReschedule)
	assert.True(t, ok)
}
