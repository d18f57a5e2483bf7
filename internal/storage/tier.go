package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tier is the primary key-value tier. Values are JSON documents. Get reports
// a missing key as (nil, false, nil).
type Tier interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// SyncTier is the fallback tier: synchronous and string-valued. Get reports a
// missing key as ("", false, nil).
type SyncTier interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Del(key string) error
	Keys() ([]string, error)
}

// Pinger is implemented by tiers that can check their backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// textTier adapts a [SyncTier] to [Tier]. Values are stored as compact JSON
// text and validated on read.
type textTier struct {
	t SyncTier
}

var _ Tier = textTier{}

func (a textTier) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s, ok, err := a.t.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !json.Valid([]byte(s)) {
		return nil, false, fmt.Errorf("value of %q is not valid JSON", key)
	}
	return json.RawMessage(s), true, nil
}

func (a textTier) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.t.Set(key, string(value))
}

func (a textTier) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.t.Del(key)
}

func (a textTier) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.t.Keys()
}

func (a textTier) Ping(ctx context.Context) error {
	if p, ok := a.t.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := a.t.Keys()
	return err
}
