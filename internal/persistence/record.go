package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	// mutateMaxAttempts bounds the retried read-mutate-write cycle.
	mutateMaxAttempts = 5
	mutateBaseBackoff = 10 * time.Millisecond
)

// ConflictHook, when set, is invoked once per version conflict absorbed by
// the retried write helpers. The process wires it to a metrics counter.
var ConflictHook func()

func noteConflict() {
	if ConflictHook != nil {
		ConflictHook()
	}
}

// Load reads and decodes a typed record.
func Load[T any](ctx context.Context, store Store, id string) (*T, int64, error) {
	raw, version, err := store.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, 0, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &value, version, nil
}

// Create encodes and writes a new typed record.
func Create(ctx context.Context, store Store, id string, value any) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode record %s: %w", id, err)
	}
	return store.Create(ctx, id, raw)
}

// Save writes a typed record at the version pointed to by version and
// advances it. A version conflict means another writer persisted the same
// id since our last write; the single-writer discipline makes overwriting
// safe, so the write is retried at the current version with a small
// randomized backoff before the conflict is surfaced.
func Save(ctx context.Context, store Store, id string, value any, version *int64) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}

	for attempt := 1; ; attempt++ {
		newVersion, err := store.Update(ctx, id, raw, *version)
		if err == nil {
			*version = newVersion
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= mutateMaxAttempts {
			return err
		}
		noteConflict()
		if _, current, getErr := store.Get(ctx, id); getErr == nil {
			*version = current
		}
		sleepWithJitter(ctx, attempt)
	}
}

// Mutate runs a full read-mutate-write cycle with bounded retry on version
// conflicts.
func Mutate[T any](ctx context.Context, store Store, id string, fn func(*T) error) (*T, error) {
	for attempt := 1; ; attempt++ {
		value, version, err := Load[T](ctx, store, id)
		if err != nil {
			return nil, err
		}
		if err := fn(value); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", id, err)
		}
		if _, err := store.Update(ctx, id, raw, version); err != nil {
			if errors.Is(err, ErrVersionConflict) && attempt < mutateMaxAttempts {
				noteConflict()
				sleepWithJitter(ctx, attempt)
				continue
			}
			return nil, err
		}
		return value, nil
	}
}

func sleepWithJitter(ctx context.Context, attempt int) {
	backoff := mutateBaseBackoff * time.Duration(attempt)
	backoff += time.Duration(rand.Int63n(int64(mutateBaseBackoff)))
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
