// Package storage implements the tiered key-value store behind the offline
// queue and the UI's persisted state.
//
// A [Store] namespaces every key with a prefix (default [DefaultPrefix]) and
// sends each operation to the primary [Tier] first. When the primary fails,
// or its circuit breaker is open, the same namespaced key is served by the
// fallback [SyncTier], which stores values as JSON text. Callers only see an
// error when both tiers fail: [ErrStorageUnavailable].
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agrivoice/internal/observe"
	"github.com/MrWong99/agrivoice/internal/resilience"
)

// DefaultPrefix namespaces keys written by this application.
const DefaultPrefix = "smartAg_"

// clearConcurrency bounds parallel deletes during Clear.
const clearConcurrency = 8

// ErrStorageUnavailable is returned when neither tier could serve an
// operation. The returned error also wraps each tier's cause.
var ErrStorageUnavailable = errors.New("storage: unavailable")

// Option is a functional option for [New].
type Option func(*Store)

// WithPrefix sets the key namespace prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithMetrics counts fallback activations in met.
func WithMetrics(met *observe.Metrics) Option {
	return func(s *Store) {
		s.metrics = met
	}
}

// WithBreaker sets the per-tier circuit breaker tuning.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(s *Store) {
		s.breaker = cfg
	}
}

// Store is the tiered, namespaced key-value store. It is safe for concurrent
// use.
type Store struct {
	prefix  string
	metrics *observe.Metrics
	breaker resilience.CircuitBreakerConfig

	primary Tier
	tiers   *resilience.FallbackGroup[Tier]
}

// New creates a Store over primary with an optional fallback (nil for none).
func New(primary Tier, fallback SyncTier, opts ...Option) *Store {
	s := &Store{
		prefix:  DefaultPrefix,
		primary: primary,
		breaker: resilience.CircuitBreakerConfig{MaxFailures: 3},
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker.Ignore == nil {
		s.breaker.Ignore = callerCancelled
	}
	if s.breaker.OnStateChange == nil {
		s.breaker.OnStateChange = s.onBreakerChange
	}
	s.tiers = resilience.NewFallbackGroup(primary, "primary", resilience.FallbackConfig{
		CircuitBreaker: s.breaker,
		OnFallback:     s.onFallback,
	})
	if fallback != nil {
		s.tiers.AddFallback("fallback", textTier{t: fallback})
	}
	return s
}

// Prefix returns the namespace prefix.
func (s *Store) Prefix() string { return s.prefix }

func (s *Store) key(k string) string { return s.prefix + k }

// callerCancelled keeps a caller giving up from counting against a tier.
func callerCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (s *Store) onBreakerChange(tier string, _, to resilience.State) {
	if s.metrics != nil {
		s.metrics.RecordBreakerTransition(context.Background(), tier, to.String())
	}
}

func (s *Store) onFallback(name string, primaryErr error) {
	slog.Warn("storage: primary tier failed, served by fallback", "tier", name, "err", primaryErr)
}

// run executes fn against the tiers, reporting whether a fallback served it.
func run[R any](s *Store, ctx context.Context, op string, fn func(Tier) (R, error)) (R, error) {
	var viaFallback bool
	res, err := resilience.ExecuteWithResult(s.tiers, func(t Tier) (R, error) {
		_, isFallback := t.(textTier)
		r, err := fn(t)
		viaFallback = err == nil && isFallback
		return r, err
	})
	if viaFallback && s.metrics != nil {
		s.metrics.RecordStorageFallback(ctx, op)
	}
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return res, nil
}

// SetItem stores value (marshalled to JSON) under key.
func (s *Store) SetItem(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: set %q: marshal: %w", key, err)
	}
	return s.SetRaw(ctx, key, raw)
}

// SetRaw stores an already encoded JSON value under key.
func (s *Store) SetRaw(ctx context.Context, key string, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	nk := s.key(key)
	_, err := run(s, ctx, "set", func(t Tier) (struct{}, error) {
		return struct{}{}, t.Set(ctx, nk, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

// GetItem decodes the value under key into dst. It reports false, with a
// nil error, when the key is absent.
func (s *Store) GetItem(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("storage: get %q: decode: %w", key, err)
	}
	return true, nil
}

type rawResult struct {
	raw json.RawMessage
	ok  bool
}

// GetRaw returns the JSON value under key.
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	nk := s.key(key)
	res, err := run(s, ctx, "get", func(t Tier) (rawResult, error) {
		raw, ok, err := t.Get(ctx, nk)
		return rawResult{raw, ok}, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return res.raw, res.ok, nil
}

// RemoveItem deletes key. Removing an absent key is not an error.
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	nk := s.key(key)
	_, err := run(s, ctx, "remove", func(t Tier) (struct{}, error) {
		return struct{}{}, t.Del(ctx, nk)
	})
	if err != nil {
		return fmt.Errorf("storage: remove %q: %w", key, err)
	}
	return nil
}

// Keys returns the un-prefixed keys in the namespace.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := run(s, ctx, "keys", func(t Tier) ([]string, error) {
		return s.namespaced(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: keys: %w", err)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, s.prefix)
	}
	return out, nil
}

// Clear deletes every key in the namespace. Keys outside it are untouched.
func (s *Store) Clear(ctx context.Context) error {
	_, err := run(s, ctx, "clear", func(t Tier) (struct{}, error) {
		return struct{}{}, s.clearTier(ctx, t)
	})
	if err != nil {
		return fmt.Errorf("storage: clear: %w", err)
	}
	return nil
}

func (s *Store) namespaced(ctx context.Context, t Tier) ([]string, error) {
	all, err := t.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, s.prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) clearTier(ctx context.Context, t Tier) error {
	keys, err := s.namespaced(ctx, t)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clearConcurrency)
	for _, k := range keys {
		g.Go(func() error {
			return t.Del(gctx, k)
		})
	}
	return g.Wait()
}

// Ping succeeds when at least one tier is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := run(s, ctx, "ping", func(t Tier) (struct{}, error) {
		return struct{}{}, pingTier(ctx, t)
	})
	if err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// PingPrimary checks only the primary tier, bypassing its breaker.
func (s *Store) PingPrimary(ctx context.Context) error {
	if err := pingTier(ctx, s.primary); err != nil {
		return fmt.Errorf("storage: ping primary: %w", err)
	}
	return nil
}

func pingTier(ctx context.Context, t Tier) error {
	if p, ok := t.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := t.Keys(ctx)
	return err
}
