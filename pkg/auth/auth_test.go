package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewManager(c, 10), mr
}

func TestGenerateAndValidateKey(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	key, err := m.GenerateKey(ctx, "client-1", types.TierPro)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "ma_pro_"))
	assert.Len(t, key, len("ma_pro_")+32)

	record, err := m.ValidateKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "client-1", record.ClientID)
	assert.Equal(t, types.TierPro, record.Tier)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), record.ExpiresAt, time.Minute)
}

func TestValidateRejectsMalformed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, key := range []string{
		"",
		"not-a-key",
		"ma_pro_short",
		"xx_pro_0123456789abcdef0123456789abcdef",
		"ma_platinum_0123456789abcdef0123456789abcdef",
	} {
		_, err := m.ValidateKey(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestValidateRejectsUnknownAndRevoked(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ValidateKey(ctx, "ma_free_0123456789abcdef0123456789abcdef")
	assert.ErrorIs(t, err, ErrInvalidKey)

	key, err := m.GenerateKey(ctx, "client-1", types.TierFree)
	require.NoError(t, err)
	require.NoError(t, m.RevokeKey(ctx, key))

	_, err = m.ValidateKey(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPermissions(t *testing.T) {
	pro := &types.APIKeyRecord{Permissions: []string{PermAnalyze, PermStatus, PermResults}}
	admin := &types.APIKeyRecord{Permissions: []string{PermAdmin}}

	assert.True(t, HasPermission(pro, PermAnalyze))
	assert.False(t, HasPermission(pro, PermAdmin))
	// Admin implies everything
	assert.True(t, HasPermission(admin, PermResults))
	assert.True(t, HasPermission(admin, PermAdmin))
}

func TestDefaultPermissionsByTier(t *testing.T) {
	assert.ElementsMatch(t, []string{PermAnalyze, PermStatus, PermResults},
		defaultPermissions(types.TierFree))
	assert.Contains(t, defaultPermissions(types.TierPro), PermWebhook)
	assert.Contains(t, defaultPermissions(types.TierPro), PermPriority)
	assert.Contains(t, defaultPermissions(types.TierEnterprise), PermBatch)
	assert.Contains(t, defaultPermissions(types.TierAdmin), PermAdmin)
}

func TestFailedAuthBan(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		banned, err := m.RecordFailedAuth(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, banned, "attempt %d", i+1)
	}

	banned, err := m.RecordFailedAuth(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = m.IsBanned(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, banned)

	// Other sources are unaffected
	banned, err = m.IsBanned(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestFailedAuthWindowExpires(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.RecordFailedAuth(ctx, "10.0.0.1")
		require.NoError(t, err)
	}
	mr.FastForward(2 * time.Hour)

	banned, err := m.IsBanned(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "ma_pro...cdef", MaskKey("ma_pro_0123456789abcdef0123456789abcdef"))
	assert.Equal(t, "****", MaskKey("short"))
}
