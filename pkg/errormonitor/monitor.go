package errormonitor

import (
	"context"
	"sync"

	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Config holds the collaborators and RTP bounds of a Monitor. RTP values use
// progressive.RateScale; zero bounds disable the RTP check.
type Config struct {
	Store  *levelstore.Store
	Hub    *events.Hub
	Logger zerolog.Logger
	MinRTP int64
	MaxRTP int64
}

// Monitor owns the error flags of levels and the enabled state of game groups.
type Monitor struct {
	store  *levelstore.Store
	hub    *events.Hub
	logger zerolog.Logger
	minRTP int64
	maxRTP int64

	mu       sync.Mutex
	disabled map[progressive.GroupKey]progressive.LevelError
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	return &Monitor{
		store:    cfg.Store,
		hub:      cfg.Hub,
		logger:   cfg.Logger.With().Str("component", "error_monitor").Logger(),
		minRTP:   cfg.MinRTP,
		maxRTP:   cfg.MaxRTP,
		disabled: make(map[progressive.GroupKey]progressive.LevelError),
	}
}

// Report sets flag on the levels. It returns whether any level changed;
// reporting an already set flag is a no-op.
func (m *Monitor) Report(ctx context.Context, keys []progressive.LevelKey, flag progressive.LevelError) (bool, error) {
	changed, err := m.store.AddError(ctx, keys, flag)
	if err != nil {
		return false, err
	}
	m.afterChange(changed, flag, true)
	return len(changed) > 0, nil
}

// Clear unsets flag on the levels and returns whether any level changed.
func (m *Monitor) Clear(ctx context.Context, keys []progressive.LevelKey, flag progressive.LevelError) (bool, error) {
	changed, err := m.store.RemoveError(ctx, keys, flag)
	if err != nil {
		return false, err
	}
	m.afterChange(changed, flag, false)
	return len(changed) > 0, nil
}

func (m *Monitor) ReportDisconnected(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Report(ctx, keys, progressive.LinkedDisconnected)
}

func (m *Monitor) ClearDisconnected(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Clear(ctx, keys, progressive.LinkedDisconnected)
}

func (m *Monitor) ReportUpdateTimeout(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Report(ctx, keys, progressive.LinkedUpdateTimeout)
}

func (m *Monitor) ClearUpdateTimeout(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Clear(ctx, keys, progressive.LinkedUpdateTimeout)
}

func (m *Monitor) ReportClaimTimeout(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Report(ctx, keys, progressive.LinkedClaimTimeout)
}

func (m *Monitor) ClearClaimTimeout(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Clear(ctx, keys, progressive.LinkedClaimTimeout)
}

func (m *Monitor) ReportCommitTimeout(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Report(ctx, keys, progressive.ProgCommitTimeout)
}

func (m *Monitor) ClearCommitTimeout(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Clear(ctx, keys, progressive.ProgCommitTimeout)
}

func (m *Monitor) ReportMismatch(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Report(ctx, keys, progressive.ProgressiveMismatch)
}

func (m *Monitor) ClearMismatch(ctx context.Context, keys []progressive.LevelKey) (bool, error) {
	return m.Clear(ctx, keys, progressive.ProgressiveMismatch)
}

// Blocking reports whether a new hit must not be opened on the level.
func (m *Monitor) Blocking(key progressive.LevelKey) bool {
	v, ok := m.store.Get(key)
	if !ok {
		return true
	}
	return v.CurrentState == progressive.StateError || v.Errors.Blocking()
}

// CheckAll re-derives threshold and RTP errors for every level.
func (m *Monitor) CheckAll(ctx context.Context) error {
	return m.CheckLevelErrors(ctx, m.store.GetLevels(progressive.Filter{}))
}

// CheckLevelErrors re-derives MinimumThresholdNotReached from value versus
// reset value, and ProgressiveRtpError for the game groups of levels.
func (m *Monitor) CheckLevelErrors(ctx context.Context, levels []progressive.LevelView) error {
	var below, above []progressive.LevelKey
	for _, l := range levels {
		if l.CurrentState == progressive.StateError {
			continue
		}
		if l.CurrentValue < l.ResetValue {
			below = append(below, l.Key)
		} else {
			above = append(above, l.Key)
		}
	}

	if len(below) > 0 {
		changed, err := m.store.AddError(ctx, below, progressive.MinimumThresholdNotReached)
		if err != nil {
			return err
		}
		m.afterChange(changed, progressive.MinimumThresholdNotReached, true)
		if len(changed) > 0 && m.hub != nil {
			m.hub.MinimumThresholdErrors.Publish(progressive.MinimumThresholdErrorEvent{Levels: changed})
		}
	}
	if len(above) > 0 {
		changed, err := m.store.RemoveError(ctx, above, progressive.MinimumThresholdNotReached)
		if err != nil {
			return err
		}
		m.afterChange(changed, progressive.MinimumThresholdNotReached, false)
		if len(changed) > 0 && m.hub != nil {
			m.hub.MinimumThresholdsCleared.Publish(progressive.MinimumThresholdClearedEvent{Levels: changed})
		}
	}

	groups := lo.Uniq(lo.Map(levels, func(l progressive.LevelView, _ int) progressive.GroupKey { return l.Key.Group() }))
	for _, g := range groups {
		if err := m.checkRTP(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// GroupRTP returns the total RTP of a game group: the base RTP plus every
// level's increment rates. ok is false when no base RTP is configured.
func (m *Monitor) GroupRTP(group progressive.GroupKey) (rtp int64, ok bool) {
	levels := m.store.GetLevels(progressive.Filter{GameID: group.GameID, Denom: group.Denom})
	var base, increments int64
	for _, l := range levels {
		if l.CurrentState == progressive.StateError {
			continue
		}
		if l.BaseRTP > base {
			base = l.BaseRTP
		}
		increments += l.IncrementRate + l.HiddenIncrementRate
	}
	if base == 0 {
		return 0, false
	}
	return base + increments, true
}

func (m *Monitor) checkRTP(ctx context.Context, group progressive.GroupKey) error {
	if m.minRTP == 0 && m.maxRTP == 0 {
		return nil
	}
	rtp, ok := m.GroupRTP(group)
	if !ok {
		return nil
	}
	keys := lo.Map(m.store.GetLevels(progressive.Filter{GameID: group.GameID, Denom: group.Denom}), func(l progressive.LevelView, _ int) progressive.LevelKey {
		return l.Key
	})

	if rtp < m.minRTP || (m.maxRTP > 0 && rtp > m.maxRTP) {
		changed, err := m.Report(ctx, keys, progressive.ProgressiveRtpError)
		if changed {
			m.logger.Warn().
				Int("game_id", group.GameID).
				Int64("denom", group.Denom).
				Int64("rtp", rtp).
				Int64("min_rtp", m.minRTP).
				Int64("max_rtp", m.maxRTP).
				Msg("Progressive RTP out of range")
		}
		return err
	}
	_, err := m.Clear(ctx, keys, progressive.ProgressiveRtpError)
	return err
}

// afterChange logs flag changes and re-evaluates the groups involved.
func (m *Monitor) afterChange(changed []progressive.LevelView, flag progressive.LevelError, set bool) {
	if len(changed) == 0 {
		return
	}
	for _, l := range changed {
		m.logger.Debug().
			Str("level_key", l.Key.String()).
			Str("flag", flag.String()).
			Str("guid", flag.GUID().String()).
			Bool("set", set).
			Msg("Level error changed")
	}
	groups := lo.Uniq(lo.Map(changed, func(l progressive.LevelView, _ int) progressive.GroupKey { return l.Key.Group() }))
	for _, g := range groups {
		m.refreshGroup(g)
	}
}

// refreshGroup runs under mu so group events are published in the order
// the flags changed.
func (m *Monitor) refreshGroup(group progressive.GroupKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := m.store.GroupErrors(group)
	blocking := errs.Blocking()
	_, wasDisabled := m.disabled[group]
	switch {
	case blocking:
		m.disabled[group] = errs
	case wasDisabled:
		delete(m.disabled, group)
	}

	if m.hub == nil || blocking == wasDisabled {
		return
	}
	if blocking {
		m.logger.Warn().Int("game_id", group.GameID).Int64("denom", group.Denom).Str("errors", errs.String()).Msg("Game progressives disabled")
		m.hub.GamesDisabled.Publish(progressive.GameDisabledEvent{Group: group, Errors: errs})
		return
	}
	m.logger.Info().Int("game_id", group.GameID).Int64("denom", group.Denom).Msg("Game progressives enabled")
	m.hub.GamesEnabled.Publish(progressive.GameEnabledEvent{Group: group})
}

// Disabled reports whether a game group is currently disabled.
func (m *Monitor) Disabled(group progressive.GroupKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.disabled[group]
	return ok
}

// Sync re-evaluates every game group, publishing enable/disable changes.
// Used after loading persisted levels.
func (m *Monitor) Sync() {
	groups := lo.Uniq(lo.Map(m.store.GetLevels(progressive.Filter{}), func(l progressive.LevelView, _ int) progressive.GroupKey {
		return l.Key.Group()
	}))
	for _, g := range groups {
		m.refreshGroup(g)
	}
}
