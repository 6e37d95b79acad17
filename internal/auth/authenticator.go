package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bus-monitor/alerting/internal/config"
)

// KeyLookup resolves an API key to the client it was issued to. An unknown
// key yields an empty client id and no error.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	clientID  string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	keys       KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	logger     *zap.Logger
	now        func() time.Time
}

func NewAuthenticator(cfg *config.Config, keys KeyLookup, logger *zap.Logger) *Authenticator {
	staticKeys := make(map[string]bool, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}

	return &Authenticator{
		keys:       keys,
		ttl:        time.Duration(cfg.AuthCacheTTLSeconds) * time.Second,
		staticKeys: staticKeys,
		logger:     logger,
		now:        time.Now,
	}
}

func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.keys == nil {
		return false
	}
	clientID, err := a.keys.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.logger.Warn("api key lookup failed", zap.Error(err))
		return false
	}
	if clientID == "" {
		return false
	}

	a.localCache.Store(apiKey, cacheEntry{
		clientID:  clientID,
		expiresAt: a.now().Add(a.ttl),
	})

	return true
}
