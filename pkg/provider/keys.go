package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/log"
)

// ErrAllKeysLimited is returned when the primary and every backup key
// are sitting out a rate-limit window.
var ErrAllKeysLimited = errors.New("provider: all API keys rate limited")

// limitedTTL is how long a rate-limited key sits out before reuse
const limitedTTL = 60 * time.Second

// KeyManager rotates between the primary API key and its backups.
// Rate-limited keys are parked in the cache under openai_limited:*
// so every process in the fleet skips them together.
type KeyManager struct {
	cache cache.Cache
	keys  []namedKey
}

type namedKey struct {
	slot string
	key  string
}

// NewKeyManager builds the rotation order: primary first, then backups
func NewKeyManager(c cache.Cache, primary string, backups []string) *KeyManager {
	keys := []namedKey{{slot: "primary", key: primary}}
	for i, k := range backups {
		keys = append(keys, namedKey{slot: fmt.Sprintf("backup_%d", i), key: k})
	}
	return &KeyManager{cache: c, keys: keys}
}

func limitedKey(slot string) string { return "openai_limited:" + slot }

// Acquire returns the first key not currently parked, along with its
// slot name for later MarkLimited calls.
func (m *KeyManager) Acquire(ctx context.Context) (key, slot string, err error) {
	for _, nk := range m.keys {
		limited, err := m.cache.Exists(ctx, limitedKey(nk.slot))
		if err != nil {
			// Cache trouble must not block provider calls
			log.WithComponent("provider").Warn().Err(err).Msg("key rotation check failed")
			return nk.key, nk.slot, nil
		}
		if !limited {
			return nk.key, nk.slot, nil
		}
	}
	return "", "", ErrAllKeysLimited
}

// MarkLimited parks a key slot for the rate-limit window
func (m *KeyManager) MarkLimited(ctx context.Context, slot string) {
	if err := m.cache.SetEx(ctx, limitedKey(slot), "1", limitedTTL); err != nil {
		log.WithComponent("provider").Warn().Err(err).Str("slot", slot).Msg("failed to park key")
		return
	}
	log.WithComponent("provider").Warn().Str("slot", slot).Msg("API key rate limited, rotating")
}
