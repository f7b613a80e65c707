package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ternarybob/phishwatch/internal/interfaces"
)

const (
	keyAPIKey     = "phishwatch.report.api_key"
	keySentPrefix = "phishwatch.report.sent."
)

// KVState persists the collector credential and the per-day sent set in a
// key/value store under the phishwatch.report namespace.
type KVState struct {
	kv interfaces.KeyValueStorage
}

// NewKVState creates a state store backed by kv
func NewKVState(kv interfaces.KeyValueStorage) *KVState {
	return &KVState{kv: kv}
}

// LoadAPIKey returns the stored credential, or "" when none is stored
func (s *KVState) LoadAPIKey(ctx context.Context) (string, error) {
	key, err := s.kv.Get(ctx, keyAPIKey)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load api key: %w", err)
	}
	return key, nil
}

// SaveAPIKey stores the credential
func (s *KVState) SaveAPIKey(ctx context.Context, key string) error {
	return s.kv.Set(ctx, keyAPIKey, key, "Collector API key")
}

// ClearAPIKey removes the credential
func (s *KVState) ClearAPIKey(ctx context.Context) error {
	err := s.kv.Delete(ctx, keyAPIKey)
	if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
		return fmt.Errorf("failed to clear api key: %w", err)
	}
	return nil
}

// LoadSent returns the URLs confirmed submitted during day
func (s *KVState) LoadSent(ctx context.Context, day string) ([]string, error) {
	raw, err := s.kv.Get(ctx, keySentPrefix+day)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sent set for %s: %w", day, err)
	}

	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		return nil, fmt.Errorf("failed to decode sent set for %s: %w", day, err)
	}
	return urls, nil
}

// SaveSent replaces the sent set for day
func (s *KVState) SaveSent(ctx context.Context, day string, urls []string) error {
	data, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("failed to encode sent set: %w", err)
	}
	return s.kv.Set(ctx, keySentPrefix+day, string(data), "URLs reported on "+day)
}

// PruneSent deletes sent sets for every day other than keepDay
func (s *KVState) PruneSent(ctx context.Context, keepDay string) (int, error) {
	pairs, err := s.kv.ListByPrefix(ctx, keySentPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list sent sets: %w", err)
	}

	removed := 0
	for _, pair := range pairs {
		if pair.Key == keySentPrefix+keepDay {
			continue
		}
		if err := s.kv.Delete(ctx, pair.Key); err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
			return removed, fmt.Errorf("failed to delete %s: %w", pair.Key, err)
		}
		removed++
	}
	return removed, nil
}
