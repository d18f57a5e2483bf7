// Package mock provides failure-injecting doubles for the storage tier
// interfaces.
//
//	primary := &mock.Tier{}
//	fallback := &mock.SyncTier{}
//	s := storage.New(primary, fallback)
//	primary.SetErr(errors.New("quota exceeded"))
//	s.SetItem(ctx, "k", v) // served by fallback
package mock

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/agrivoice/internal/storage"
)

// Tier is an in-memory [storage.Tier]. When Err is set every operation fails
// with it.
type Tier struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
	err  error

	// calls counts operations by name ("get", "set", "del", "keys").
	calls map[string]int
}

// SetErr makes every subsequent operation fail with err (nil to recover).
func (t *Tier) SetErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Calls returns how many times op was invoked.
func (t *Tier) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// Data returns a copy of the stored entries.
func (t *Tier) Data() map[string]json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.data)
}

func (t *Tier) begin(op string) error {
	if t.calls == nil {
		t.calls = make(map[string]int)
	}
	if t.data == nil {
		t.data = make(map[string]json.RawMessage)
	}
	t.calls[op]++
	return t.err
}

func (t *Tier) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin("get"); err != nil {
		return nil, false, err
	}
	v, ok := t.data[key]
	return v, ok, nil
}

func (t *Tier) Set(_ context.Context, key string, value json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin("set"); err != nil {
		return err
	}
	t.data[key] = slices.Clone(value)
	return nil
}

func (t *Tier) Del(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin("del"); err != nil {
		return err
	}
	delete(t.data, key)
	return nil
}

func (t *Tier) Keys(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin("keys"); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(t.data)), nil
}

var _ storage.Tier = (*Tier)(nil)

// SyncTier is an in-memory [storage.SyncTier] with the same failure switch.
type SyncTier struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

// SetErr makes every subsequent operation fail with err (nil to recover).
func (t *SyncTier) SetErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Data returns a copy of the stored entries.
func (t *SyncTier) Data() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.data)
}

// Put stores a raw string, bypassing the failure switch. Used to seed data.
func (t *SyncTier) Put(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data == nil {
		t.data = make(map[string]string)
	}
	t.data[key] = value
}

func (t *SyncTier) begin() error {
	if t.data == nil {
		t.data = make(map[string]string)
	}
	return t.err
}

func (t *SyncTier) Get(key string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return "", false, err
	}
	v, ok := t.data[key]
	return v, ok, nil
}

func (t *SyncTier) Set(key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return err
	}
	t.data[key] = value
	return nil
}

func (t *SyncTier) Del(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return err
	}
	delete(t.data, key)
	return nil
}

func (t *SyncTier) Keys() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(t.data)), nil
}

var _ storage.SyncTier = (*SyncTier)(nil)
