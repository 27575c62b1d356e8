// Package auth issues and validates API keys and enforces per-client
// rate limits and failed-auth bans.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/types"
)

var (
	// ErrInvalidKey is returned for unknown, malformed or expired keys
	ErrInvalidKey = errors.New("auth: invalid API key")
	// ErrPermissionDenied is returned when a key lacks a required permission
	ErrPermissionDenied = errors.New("auth: permission denied")
	// ErrBanned is returned when a source IP has too many failed attempts
	ErrBanned = errors.New("auth: source temporarily banned")
)

const (
	keyPrefix = "ma"
	keyTTL    = 365 * 24 * time.Hour

	failedAuthTTL = time.Hour
)

// Permission names checked by the API layer
const (
	PermAnalyze      = "analyze"
	PermStatus       = "status"
	PermResults      = "results"
	PermWebhook      = "webhook"
	PermPriority     = "priority"
	PermCustomModels = "custom_models"
	PermBatch        = "batch"
	PermAdmin        = "admin"
)

func defaultPermissions(tier types.Tier) []string {
	base := []string{PermAnalyze, PermStatus, PermResults}
	switch tier {
	case types.TierPro:
		return append(base, PermWebhook, PermPriority)
	case types.TierEnterprise:
		return append(base, PermWebhook, PermPriority, PermCustomModels, PermBatch)
	case types.TierAdmin:
		return []string{PermAdmin}
	default:
		return base
	}
}

// Manager issues and validates API keys backed by the shared cache
type Manager struct {
	cache cache.Cache
	banAt int
	now   func() time.Time
}

// NewManager creates a key manager. banAt is the failed-attempt count
// at which a source IP gets banned.
func NewManager(c cache.Cache, banAt int) *Manager {
	return &Manager{cache: c, banAt: banAt, now: time.Now}
}

// GenerateKey issues a new API key for a client. Keys look like
// ma_{tier}_{32 hex chars} and expire after one year.
func (m *Manager) GenerateKey(ctx context.Context, clientID string, tier types.Tier) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	key := fmt.Sprintf("%s_%s_%s", keyPrefix, tier, hex.EncodeToString(buf))

	record := types.APIKeyRecord{
		ClientID:    clientID,
		Tier:        tier,
		CreatedAt:   m.now(),
		ExpiresAt:   m.now().Add(keyTTL),
		Permissions: defaultPermissions(tier),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	if err := m.cache.SetEx(ctx, cache.APIKeyKey(key), string(raw), keyTTL); err != nil {
		return "", fmt.Errorf("failed to store API key: %w", err)
	}

	log.WithComponent("auth").Info().
		Str("client_id", clientID).
		Str("tier", string(tier)).
		Str("key", MaskKey(key)).
		Msg("issued API key")

	return key, nil
}

// ValidateKey resolves a key to its record, rejecting malformed,
// unknown and expired keys.
func (m *Manager) ValidateKey(ctx context.Context, key string) (*types.APIKeyRecord, error) {
	if !wellFormed(key) {
		return nil, ErrInvalidKey
	}
	raw, err := m.cache.Get(ctx, cache.APIKeyKey(key))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}

	var record types.APIKeyRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode API key record: %w", err)
	}
	if !record.ExpiresAt.IsZero() && !record.ExpiresAt.After(m.now()) {
		return nil, ErrInvalidKey
	}
	return &record, nil
}

// RevokeKey removes a key immediately
func (m *Manager) RevokeKey(ctx context.Context, key string) error {
	return m.cache.Delete(ctx, cache.APIKeyKey(key))
}

// HasPermission checks a record for a named permission. Admin implies
// everything.
func HasPermission(record *types.APIKeyRecord, perm string) bool {
	for _, p := range record.Permissions {
		if p == perm || p == PermAdmin {
			return true
		}
	}
	return false
}

// RecordFailedAuth bumps the failed-attempt counter for an IP and
// reports whether the source is now banned.
func (m *Manager) RecordFailedAuth(ctx context.Context, ip string) (bool, error) {
	key := "failed_auth:" + ip
	n, err := m.cache.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := m.cache.Expire(ctx, key, failedAuthTTL); err != nil {
			log.WithComponent("auth").Warn().Err(err).Str("ip", ip).Msg("failed to set ban window")
		}
	}
	banned := n >= int64(m.banAt)
	if banned {
		log.WithComponent("auth").Warn().Str("ip", ip).Int64("attempts", n).Msg("source banned")
	}
	return banned, nil
}

// IsBanned reports whether an IP has exceeded the failed-auth threshold
func (m *Manager) IsBanned(ctx context.Context, ip string) (bool, error) {
	raw, err := m.cache.Get(ctx, "failed_auth:"+ip)
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return false, nil
	}
	return n >= int64(m.banAt), nil
}

// MaskKey hides all but the prefix and last four characters for logs
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func wellFormed(key string) bool {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix {
		return false
	}
	if !types.Tier(parts[1]).Valid() {
		return false
	}
	return len(parts[2]) == 32
}
