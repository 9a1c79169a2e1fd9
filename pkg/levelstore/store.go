package levelstore

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/contribution"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Config holds the collaborators of a Store.
type Config struct {
	Repository progressive.LevelRepository
	Hub        *events.Hub
	Logger     zerolog.Logger
	Clock      func() time.Time
}

type entry struct {
	mu      sync.Mutex
	level   *progressive.Level
	removed bool
}

// Store is the owned table of progressive levels. Every level has its own
// lock; the index lock only guards membership. A mutation is persisted
// before it becomes visible in memory.
type Store struct {
	repo   progressive.LevelRepository
	hub    *events.Hub
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[progressive.LevelKey]*entry
}

// New creates an empty store.
func New(cfg Config) *Store {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{
		repo:    cfg.Repository,
		hub:     cfg.Hub,
		logger:  cfg.Logger.With().Str("component", "level_store").Logger(),
		now:     now,
		entries: make(map[progressive.LevelKey]*entry),
	}
}

// Load reads every persisted level into the table.
func (s *Store) Load(ctx context.Context) (int, error) {
	levels, err := s.repo.LoadLevels(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrPersistence, "failed to load levels")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range levels {
		l := levels[i]
		s.entries[l.Key] = &entry{level: &l}
	}
	s.logger.Info().Int("count", len(levels)).Msg("Loaded progressive levels")
	return len(levels), nil
}

// Register creates or reconfigures levels from static configuration. A level
// that fails validation is stored in StateError with its ConfigError set;
// the others are unaffected. Runtime state of an already known level (value,
// residuals, state, errors) is kept.
func (s *Store) Register(ctx context.Context, levels []progressive.Level) ([]progressive.LevelView, error) {
	if len(levels) == 0 {
		return nil, nil
	}

	keys := make([]progressive.LevelKey, 0, len(levels))
	incoming := make(map[progressive.LevelKey]progressive.Level, len(levels))
	for _, l := range levels {
		if _, dup := incoming[l.Key]; dup {
			return nil, apperrors.Newf(apperrors.ErrConfiguration, "duplicate level key", "level %s", l.Key)
		}
		incoming[l.Key] = l
		keys = append(keys, l.Key)
	}

	s.mu.Lock()
	for _, k := range keys {
		if _, ok := s.entries[k]; !ok {
			s.entries[k] = &entry{}
		}
	}
	s.mu.Unlock()

	locked := s.lockEntries(keys)
	defer unlockEntries(locked)

	now := s.now()
	next := make([]progressive.Level, 0, len(locked))
	for _, le := range locked {
		l := incoming[le.key]
		if le.e.level != nil {
			l = mergeRuntime(le.e.level, l)
		} else {
			l = initialize(l)
		}
		if err := l.Validate(); err != nil {
			l.CurrentState = progressive.StateError
			l.ConfigError = err.Error()
			s.logger.Error().Err(err).Str("level_key", l.Key.String()).Msg("Level configuration rejected")
		} else if l.CurrentState == progressive.StateInit || l.CurrentState == progressive.StateError {
			l.CurrentState = progressive.StateReady
			l.ConfigError = ""
		}
		l.UpdatedAt = now
		next = append(next, l)
	}

	if err := s.persist(ctx, next); err != nil {
		for _, le := range locked {
			if le.e.level == nil {
				le.e.removed = true
			}
		}
		s.dropRemoved(keys)
		return nil, err
	}
	return s.commit(locked, next), nil
}

// Unload removes every level of a pack.
func (s *Store) Unload(ctx context.Context, packName string) error {
	s.mu.RLock()
	keys := lo.Filter(lo.Keys(s.entries), func(k progressive.LevelKey, _ int) bool {
		return k.PackName == packName
	})
	s.mu.RUnlock()
	if len(keys) == 0 {
		return nil
	}

	locked := s.lockEntries(keys)
	defer unlockEntries(locked)

	for _, le := range locked {
		if le.e.level != nil && le.e.level.CurrentState.InTransaction() {
			return apperrors.Newf(apperrors.ErrLevelBusy, "cannot unload level with open transaction", "level %s", le.key)
		}
	}
	if err := s.repo.DeleteLevels(ctx, keys); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to delete levels")
	}
	for _, le := range locked {
		le.e.removed = true
	}
	s.dropRemoved(keys)
	s.logger.Info().Str("pack", packName).Int("count", len(keys)).Msg("Unloaded progressive pack")
	return nil
}

// Get returns a snapshot of one level.
func (s *Store) Get(key progressive.LevelKey) (progressive.LevelView, bool) {
	e := s.entry(key)
	if e == nil {
		return progressive.LevelView{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.level == nil || e.removed {
		return progressive.LevelView{}, false
	}
	return e.level.View(), true
}

// GetLevels returns snapshots of the levels matching filter, ordered by key.
func (s *Store) GetLevels(filter progressive.Filter) []progressive.LevelView {
	s.mu.RLock()
	all := lo.Values(s.entries)
	s.mu.RUnlock()

	out := make([]progressive.LevelView, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		if e.level != nil && !e.removed && filter.Match(e.level) {
			out = append(out, e.level.View())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// ByAssignment returns the levels bound to an assignable progressive.
func (s *Store) ByAssignment(id progressive.AssignableProgressiveID) []progressive.LevelView {
	return lo.Filter(s.GetLevels(progressive.Filter{}), func(v progressive.LevelView, _ int) bool {
		return v.AssignedProgressiveID == id
	})
}

// GroupErrors returns the union of the error flags of a game/denom group.
func (s *Store) GroupErrors(group progressive.GroupKey) progressive.LevelError {
	var errs progressive.LevelError
	for _, v := range s.GetLevels(progressive.Filter{GameID: group.GameID, Denom: group.Denom}) {
		errs |= v.Errors
	}
	return errs
}

// UpdateLevels replaces the given levels of one pack/game/denom batch. Every
// level must already exist and belong to the batch; either all are applied
// or none is.
func (s *Store) UpdateLevels(ctx context.Context, pack string, gameID int, denom int64, levels []progressive.Level) ([]progressive.LevelView, error) {
	incoming := make(map[progressive.LevelKey]progressive.Level, len(levels))
	keys := make([]progressive.LevelKey, 0, len(levels))
	for _, l := range levels {
		if l.Key.PackName != pack || l.Key.GameID != gameID || l.Key.Denom != denom {
			return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "level outside update batch", "level %s batch %s:%d:%d", l.Key, pack, gameID, denom)
		}
		if err := l.Validate(); err != nil {
			return nil, err
		}
		incoming[l.Key] = l
		keys = append(keys, l.Key)
	}

	return s.mutateMany(ctx, keys, func(l *progressive.Level) (bool, error) {
		*l = mergeRuntimeValues(l, incoming[l.Key])
		return true, nil
	})
}

// ApplyUpdates sets current value and fraction for a batch of levels, all or nothing.
func (s *Store) ApplyUpdates(ctx context.Context, updates []progressive.LevelUpdate) ([]progressive.LevelView, error) {
	byKey := make(map[progressive.LevelKey]progressive.LevelUpdate, len(updates))
	keys := make([]progressive.LevelKey, 0, len(updates))
	for _, u := range updates {
		if u.Amount < 0 || u.Fraction < 0 || u.Fraction >= progressive.RateScale {
			return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "invalid level update", "level %s amount %d fraction %d", u.Key, u.Amount, u.Fraction)
		}
		byKey[u.Key] = u
		keys = append(keys, u.Key)
	}

	return s.mutateMany(ctx, keys, func(l *progressive.Level) (bool, error) {
		u := byKey[l.Key]
		changed := l.CurrentValue != u.Amount || l.Residual != u.Fraction
		l.CurrentValue = u.Amount
		l.Residual = u.Fraction
		return changed, nil
	})
}

// SetLinkedValue sets the value of every level assigned to a linked progressive.
// The linked value is authoritative; the level's ceiling still caps what it
// shows. A value under the reset value is left for the threshold check.
func (s *Store) SetLinkedValue(ctx context.Context, id progressive.AssignableProgressiveID, amount int64) ([]progressive.LevelView, error) {
	if amount < 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "invalid linked value", "assignment %s amount %d", id, amount)
	}
	keys := lo.Map(s.ByAssignment(id), func(v progressive.LevelView, _ int) progressive.LevelKey { return v.Key })
	if len(keys) == 0 {
		return nil, nil
	}
	return s.mutateMany(ctx, keys, func(l *progressive.Level) (bool, error) {
		if l.AssignedProgressiveID != id {
			return false, nil
		}
		value, overflow := l.CurrentValue, l.Overflow
		contribution.SetValue(l, amount)
		return l.CurrentValue != value || l.Overflow != overflow, nil
	})
}

// AddError sets flag on the levels and returns those whose bitset changed.
func (s *Store) AddError(ctx context.Context, keys []progressive.LevelKey, flag progressive.LevelError) ([]progressive.LevelView, error) {
	return s.changeErrors(ctx, keys, flag, true)
}

// RemoveError clears flag on the levels and returns those whose bitset changed.
func (s *Store) RemoveError(ctx context.Context, keys []progressive.LevelKey, flag progressive.LevelError) ([]progressive.LevelView, error) {
	return s.changeErrors(ctx, keys, flag, false)
}

func (s *Store) changeErrors(ctx context.Context, keys []progressive.LevelKey, flag progressive.LevelError, set bool) ([]progressive.LevelView, error) {
	keys = lo.Filter(keys, func(k progressive.LevelKey, _ int) bool { return s.entry(k) != nil })
	if len(keys) == 0 || flag == progressive.ErrorNone {
		return nil, nil
	}

	changed, err := s.mutateMany(ctx, keys, func(l *progressive.Level) (bool, error) {
		next := l.Errors.Without(flag)
		if set {
			next = l.Errors.With(flag)
		}
		if next == l.Errors {
			return false, nil
		}
		l.Errors = next
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 && s.hub != nil {
		s.hub.LevelsChanged.Publish(progressive.LevelsChangedEvent{Levels: changed, Flag: flag, Set: set})
	}
	return changed, nil
}

// Contribute applies one wager to a level and returns the result and the new snapshot.
func (s *Store) Contribute(ctx context.Context, key progressive.LevelKey, w progressive.Wager) (contribution.Result, progressive.LevelView, error) {
	var res contribution.Result
	view, err := s.Mutate(ctx, key, func(l *progressive.Level) error {
		if l.CurrentState == progressive.StateError {
			return apperrors.Newf(apperrors.ErrLevelFaulted, "level in error state", "level %s", key)
		}
		r, err := contribution.Calculate(l.View(), w)
		if err != nil {
			return err
		}
		contribution.Apply(l, r)
		res = r
		return nil
	})
	return res, view, err
}

// Funding is what one wager did to one level of a batch.
type Funding struct {
	Result contribution.Result
	Level  progressive.LevelView
}

// ContributeAll applies one wager to every level in keys as a single batch:
// all funded levels are persisted together or none is. Ready levels become
// Active and levels with an open transaction are funded in place. Levels in
// Error, or not yet configured, are skipped.
func (s *Store) ContributeAll(ctx context.Context, keys []progressive.LevelKey, w progressive.Wager) ([]Funding, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	results := make(map[progressive.LevelKey]contribution.Result, len(keys))
	views, err := s.mutateMany(ctx, keys, func(l *progressive.Level) (bool, error) {
		if l.CurrentState == progressive.StateError || l.CurrentState == progressive.StateInit {
			return false, nil
		}
		before := *l
		if l.CurrentState == progressive.StateReady {
			l.CurrentState = progressive.StateActive
		}
		r, err := contribution.Calculate(l.View(), w)
		if err != nil {
			return false, err
		}
		contribution.Apply(l, r)
		results[l.Key] = r
		return !sameFunding(&before, l), nil
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(views, func(v progressive.LevelView, _ int) Funding {
		return Funding{Result: results[v.Key], Level: v}
	}), nil
}

func sameFunding(a, b *progressive.Level) bool {
	return a.CurrentState == b.CurrentState &&
		a.CurrentValue == b.CurrentValue &&
		a.HiddenValue == b.HiddenValue &&
		a.Residual == b.Residual &&
		a.HiddenResidual == b.HiddenResidual &&
		a.Overflow == b.Overflow
}

// ContributeBulk adds an already funded amount to a level.
func (s *Store) ContributeBulk(ctx context.Context, key progressive.LevelKey, amount int64) (progressive.LevelView, error) {
	if amount < 0 {
		return progressive.LevelView{}, apperrors.Newf(apperrors.ErrInvalidRequest, "negative bulk contribution", "level %s amount %d", key, amount)
	}
	return s.Mutate(ctx, key, func(l *progressive.Level) error {
		if l.CurrentState == progressive.StateError {
			return apperrors.Newf(apperrors.ErrLevelFaulted, "level in error state", "level %s", key)
		}
		contribution.AddValue(l, amount)
		return nil
	})
}

// Claim reads and resets a level in one critical section. commit runs while
// the level is still locked with the claim result and the reset level, which
// it may modify (state, transaction id); it is where the caller makes the
// transaction durable. The level is persisted only if commit succeeds, so no
// contribution can fall between the read and the reset.
func (s *Store) Claim(ctx context.Context, key progressive.LevelKey, resetValue int64, commit func(contribution.ClaimResult, *progressive.Level) error) (progressive.LevelView, error) {
	return s.Mutate(ctx, key, func(l *progressive.Level) error {
		res := contribution.Reset(l, resetValue)
		return commit(res, l)
	})
}

// SetState moves a level to state to. If from is not empty the current state
// must be one of them.
func (s *Store) SetState(ctx context.Context, key progressive.LevelKey, from []progressive.LevelState, to progressive.LevelState) (progressive.LevelView, error) {
	return s.Mutate(ctx, key, func(l *progressive.Level) error {
		return Transition(l, from, to)
	})
}

// Transition validates and applies a state change on a level record.
func Transition(l *progressive.Level, from []progressive.LevelState, to progressive.LevelState) error {
	if l.CurrentState == to {
		return nil
	}
	if len(from) > 0 && !lo.Contains(from, l.CurrentState) {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "unexpected level state", "level %s is %s, want one of %v", l.Key, l.CurrentState, from)
	}
	if !l.CurrentState.CanTransition(to) {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "invalid level transition", "level %s %s -> %s", l.Key, l.CurrentState, to)
	}
	l.CurrentState = to
	return nil
}

// Mutate runs fn on a copy of the level under the level lock, persists the
// copy and only then makes it visible. If fn or persistence fails nothing changes.
func (s *Store) Mutate(ctx context.Context, key progressive.LevelKey, fn func(*progressive.Level) error) (progressive.LevelView, error) {
	e := s.entry(key)
	if e == nil {
		return progressive.LevelView{}, apperrors.Newf(apperrors.ErrLevelNotFound, "progressive level not found", "level %s", key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.level == nil || e.removed {
		return progressive.LevelView{}, apperrors.Newf(apperrors.ErrLevelNotFound, "progressive level not found", "level %s", key)
	}

	next := e.level.Clone()
	if err := fn(next); err != nil {
		return e.level.View(), err
	}
	next.UpdatedAt = s.now()
	if err := s.persist(ctx, []progressive.Level{*next}); err != nil {
		return e.level.View(), err
	}
	e.level = next
	return next.View(), nil
}

// mutateMany applies fn to every key atomically. fn reports whether the
// level changed; only changed levels are persisted and returned.
func (s *Store) mutateMany(ctx context.Context, keys []progressive.LevelKey, fn func(*progressive.Level) (bool, error)) ([]progressive.LevelView, error) {
	locked := s.lockEntries(keys)
	defer unlockEntries(locked)

	if len(locked) != len(lo.Uniq(keys)) {
		missing := lo.Without(lo.Uniq(keys), lo.Map(locked, func(le lockedEntry, _ int) progressive.LevelKey { return le.key })...)
		return nil, apperrors.Newf(apperrors.ErrLevelNotFound, "progressive level not found", "levels %v", missing)
	}
	for _, le := range locked {
		if le.e.level == nil || le.e.removed {
			return nil, apperrors.Newf(apperrors.ErrLevelNotFound, "progressive level not found", "level %s", le.key)
		}
	}

	now := s.now()
	changedEntries := make([]lockedEntry, 0, len(locked))
	next := make([]progressive.Level, 0, len(locked))
	for _, le := range locked {
		l := le.e.level.Clone()
		changed, err := fn(l)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		l.UpdatedAt = now
		changedEntries = append(changedEntries, le)
		next = append(next, *l)
	}
	if len(next) == 0 {
		return nil, nil
	}
	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	return s.commit(changedEntries, next), nil
}

func (s *Store) persist(ctx context.Context, levels []progressive.Level) error {
	if err := s.repo.SaveLevels(ctx, levels); err != nil {
		s.logger.Error().Err(err).Int("count", len(levels)).Msg("Failed to persist levels")
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to persist levels")
	}
	return nil
}

// commit installs persisted levels; entries must be locked and aligned with next.
func (s *Store) commit(locked []lockedEntry, next []progressive.Level) []progressive.LevelView {
	views := make([]progressive.LevelView, len(next))
	for i := range next {
		l := next[i]
		locked[i].e.level = &l
		views[i] = l.View()
	}
	return views
}

func (s *Store) entry(key progressive.LevelKey) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

func (s *Store) dropRemoved(keys []progressive.LevelKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if e, ok := s.entries[k]; ok && e.removed {
			delete(s.entries, k)
		}
	}
}

type lockedEntry struct {
	key progressive.LevelKey
	e   *entry
}

// lockEntries locks the existing entries of keys in key order.
func (s *Store) lockEntries(keys []progressive.LevelKey) []lockedEntry {
	keys = lo.Uniq(keys)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	s.mu.RLock()
	locked := make([]lockedEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			locked = append(locked, lockedEntry{key: k, e: e})
		}
	}
	s.mu.RUnlock()

	for _, le := range locked {
		le.e.mu.Lock()
	}
	return locked
}

func unlockEntries(locked []lockedEntry) {
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].e.mu.Unlock()
	}
}

func initialize(l progressive.Level) progressive.Level {
	if l.CurrentValue == 0 {
		l.CurrentValue = l.InitialValue
		if l.CurrentValue == 0 {
			l.CurrentValue = l.ResetValue
		}
	}
	l.CurrentState = progressive.StateInit
	l.Errors = progressive.ErrorNone
	return l
}

// mergeRuntime applies new configuration while keeping the runtime state of
// a known level.
func mergeRuntime(current *progressive.Level, cfg progressive.Level) progressive.Level {
	out := cfg
	out.CurrentValue = current.CurrentValue
	out.HiddenValue = current.HiddenValue
	out.HiddenResidual = current.HiddenResidual
	out.Residual = current.Residual
	out.Overflow = current.Overflow
	out.OverflowTotal = current.OverflowTotal
	out.CurrentState = current.CurrentState
	out.Errors = current.Errors
	out.LastClaimTransactionID = current.LastClaimTransactionID
	return out
}

// mergeRuntimeValues takes values and configuration from the update but keeps
// the state owned by the coordinator and the error monitor.
func mergeRuntimeValues(current *progressive.Level, update progressive.Level) progressive.Level {
	out := update
	out.CurrentState = current.CurrentState
	out.Errors = current.Errors
	out.LastClaimTransactionID = current.LastClaimTransactionID
	out.ConfigError = current.ConfigError
	if out.OverflowTotal < current.OverflowTotal {
		out.OverflowTotal = current.OverflowTotal
	}
	return out
}
