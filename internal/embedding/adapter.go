package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/KennethAtchon/loctelli-guard/internal/state"
)

// Adapter wraps a Provider with a content-hash cache, a bounded call timeout,
// and the degrade-open failure policy: on provider error the adapter returns
// a zero vector of the expected dimensionality instead of an error, so cosine
// comparisons downstream read "no similarity" rather than crashing the
// pipeline. Zero vectors are never cached, so a recovered provider serves
// real vectors on the next call for the same text.
type Adapter struct {
	provider Provider
	cache    *state.Store[[]float64]
	timeout  time.Duration
	logger   zerolog.Logger

	healthy atomic.Bool
}

// NewAdapter creates a caching adapter around a provider.
func NewAdapter(provider Provider, cacheSize int, timeout time.Duration, logger zerolog.Logger) (*Adapter, error) {
	cache, err := state.New[[]float64](cacheSize)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		provider: provider,
		cache:    cache,
		timeout:  timeout,
		logger:   logger.With().Str("component", "embedding_adapter").Logger(),
	}
	a.healthy.Store(true)
	return a, nil
}

// Embed returns the vector for text, serving identical text from cache.
// Never returns an error: see the degrade-open policy on Adapter.
func (a *Adapter) Embed(ctx context.Context, text string) []float64 {
	key := contentHash(text)
	if vec, ok := a.cache.Get(key); ok {
		return vec
	}

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	vec, err := a.provider.Embed(callCtx, text)
	if err != nil {
		a.healthy.Store(false)
		a.logger.Warn().Err(err).Msg("embedding provider failed, degrading to zero vector")
		return make([]float64, a.provider.Dimensions())
	}

	a.healthy.Store(true)
	a.cache.Set(key, vec)
	return vec
}

// Dimensions returns the provider's vector dimensionality.
func (a *Adapter) Dimensions() int {
	return a.provider.Dimensions()
}

// Healthy reports whether the most recent provider call succeeded.
func (a *Adapter) Healthy() bool {
	return a.healthy.Load()
}

// CacheLen returns the number of cached vectors.
func (a *Adapter) CacheLen() int {
	return a.cache.Len()
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
