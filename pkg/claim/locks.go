package claim

import (
	"context"
	"sync"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
)

// keyedLocks serializes work per level. Each lock is a one-slot channel so a
// waiter can give up when its context ends.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[progressive.LevelKey]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[progressive.LevelKey]chan struct{})}
}

func (k *keyedLocks) slot(key progressive.LevelKey) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		k.slots[key] = s
	}
	return s
}

// lock blocks until the level is free or ctx is done.
func (k *keyedLocks) lock(ctx context.Context, key progressive.LevelKey) (func(), error) {
	s := k.slot(key)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, apperrors.WrapWithDebug(ctx.Err(), apperrors.ErrLevelBusy, "progressive level busy", key.String())
	}
}
