// Package config layers persisted overrides over the base strategy
// parameters and classifies changes as live-applicable or structural.
package config

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"strconv"
	"sync"

	"intraday-core/pkg/db"
)

// ApplyResult reports what Apply did with one override document.
type ApplyResult struct {
	// Applied holds the accepted, coerced key/value pairs.
	Applied map[string]any `json:"applied"`
	// Dropped lists keys rejected as unknown or uncoercible.
	Dropped []string `json:"dropped"`
	// RebuildRequired is set when a structural key changed; running
	// engines keep their old values until rebuilt.
	RebuildRequired bool `json:"rebuild_required"`
}

// Store owns the effective strategy configuration: immutable base defaults
// plus a persisted override map. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	base       map[string]any
	overrides  map[string]any
	structural map[string]struct{}
	db         *db.Database
}

// NewStore builds a store over base and loads any persisted overrides.
// Persisted values that no longer match a base key are dropped on load.
func NewStore(ctx context.Context, base map[string]any, structuralKeys []string, database *db.Database) (*Store, error) {
	s := &Store{
		base:       base,
		overrides:  make(map[string]any),
		structural: make(map[string]struct{}, len(structuralKeys)),
		db:         database,
	}
	for _, k := range structuralKeys {
		s.structural[k] = struct{}{}
	}
	if database == nil {
		return s, nil
	}
	persisted, err := database.ListOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config overrides: %w", err)
	}
	for k, v := range persisted {
		baseVal, ok := base[k]
		if !ok {
			log.Printf("config: dropping persisted override for unknown key %q", k)
			continue
		}
		coerced, ok := coerce(baseVal, v)
		if !ok {
			log.Printf("config: dropping persisted override with bad value for %q", k)
			continue
		}
		s.overrides[k] = coerced
	}
	return s, nil
}

// Effective returns base defaults merged with the override map.
func (s *Store) Effective() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveLocked()
}

func (s *Store) effectiveLocked() map[string]any {
	out := make(map[string]any, len(s.base))
	for k, v := range s.base {
		out[k] = v
	}
	for k, v := range s.overrides {
		out[k] = v
	}
	return out
}

// Overrides returns a copy of the current override map.
func (s *Store) Overrides() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.overrides))
	for k, v := range s.overrides {
		out[k] = v
	}
	return out
}

// Apply coerces and persists raw overrides. Unknown keys and keys whose
// value cannot take the base key's type are dropped, never stored. When a
// structural key changes the result reports RebuildRequired and the caller
// must not push the change into running engines.
func (s *Store) Apply(ctx context.Context, raw map[string]any) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := ApplyResult{Applied: make(map[string]any)}
	prev := s.effectiveLocked()

	for k, v := range raw {
		baseVal, ok := s.base[k]
		if !ok {
			res.Dropped = append(res.Dropped, k)
			continue
		}
		coerced, ok := coerce(baseVal, v)
		if !ok {
			res.Dropped = append(res.Dropped, k)
			continue
		}
		res.Applied[k] = coerced
	}

	for k, v := range res.Applied {
		s.overrides[k] = v
		if s.db != nil {
			if err := s.db.UpsertOverride(ctx, k, v); err != nil {
				return res, fmt.Errorf("persist override %s: %w", k, err)
			}
		}
	}

	next := s.effectiveLocked()
	for k := range s.structural {
		if !reflect.DeepEqual(prev[k], next[k]) {
			res.RebuildRequired = true
			break
		}
	}
	return res, nil
}

// Reset clears every override back to base defaults.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.ClearOverrides(ctx); err != nil {
			return fmt.Errorf("clear overrides: %w", err)
		}
	}
	s.overrides = make(map[string]any)
	return nil
}

// coerce converts v to the dynamic type of baseVal. Booleans, integers,
// floats and strings are converted; composite values pass through as-is.
func coerce(baseVal, v any) (any, bool) {
	switch baseVal.(type) {
	case bool:
		switch x := v.(type) {
		case bool:
			return x, true
		case string:
			b, err := strconv.ParseBool(x)
			return b, err == nil
		}
		return nil, false
	case int:
		switch x := v.(type) {
		case int:
			return x, true
		case int64:
			return int(x), true
		case float64:
			return int(x), true
		case float32:
			return int(x), true
		case string:
			n, err := strconv.Atoi(x)
			return n, err == nil
		}
		return nil, false
	case float64:
		switch x := v.(type) {
		case float64:
			return x, true
		case float32:
			return float64(x), true
		case int:
			return float64(x), true
		case int64:
			return float64(x), true
		case string:
			f, err := strconv.ParseFloat(x, 64)
			return f, err == nil
		}
		return nil, false
	case string:
		if x, ok := v.(string); ok {
			return x, true
		}
		return nil, false
	default:
		// Composite values (e.g. session window lists) pass through.
		return v, true
	}
}
