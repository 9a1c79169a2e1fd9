// Package memory holds process-local repositories used in development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/samber/lo"
)

// LevelRepository keeps level records in a map.
type LevelRepository struct {
	mu     sync.RWMutex
	levels map[progressive.LevelKey]progressive.Level
}

// NewLevelRepository creates an empty repository.
func NewLevelRepository() *LevelRepository {
	return &LevelRepository{levels: make(map[progressive.LevelKey]progressive.Level)}
}

func (r *LevelRepository) LoadLevels(ctx context.Context) ([]progressive.Level, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.levels)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (r *LevelRepository) SaveLevels(ctx context.Context, levels []progressive.Level) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range levels {
		r.levels[l.Key] = l
	}
	return nil
}

func (r *LevelRepository) DeleteLevels(ctx context.Context, keys []progressive.LevelKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.levels, k)
	}
	return nil
}

// Get returns the stored record of one level.
func (r *LevelRepository) Get(key progressive.LevelKey) (progressive.Level, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.levels[key]
	return l, ok
}
