package jackpot

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/Digital-Creators-Team/progressive-core/pkg/claim"
	"github.com/Digital-Creators-Team/progressive-core/pkg/errormonitor"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/linked"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	// DefaultBroadcastInterval is the default interval for broadcasting buffered updates
	DefaultBroadcastInterval = 2 * time.Second

	// RefreshInterval is the interval for re-broadcasting every level value
	RefreshInterval = 60 * time.Second
)

// Service composes the level store, claim coordinator, error monitor and
// linked adapter behind the operations a game host calls. It is
// transport-agnostic: the server and Kafka consumers call into it.
type Service struct {
	store     *levelstore.Store
	monitor   *errormonitor.Monitor
	coord     *claim.Coordinator
	adapter   *linked.Adapter
	hub       *events.Hub
	logger    zerolog.Logger
	autoAward bool
	levels    []progressive.Level

	mu            sync.Mutex
	buffer        map[progressive.LevelKey]progressive.LevelValueEvent
	interval      time.Duration
	ticker        *time.Ticker
	refreshTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	started       bool
}

// NewService creates a new jackpot service. Call Start before serving.
func NewService(cfg ServiceConfig) *Service {
	interval := cfg.BroadcastInterval
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &Service{
		store:     cfg.Store,
		monitor:   cfg.Monitor,
		coord:     cfg.Coordinator,
		adapter:   cfg.Adapter,
		hub:       cfg.Hub,
		logger:    logging.WithComponent(cfg.Logger, "jackpot_service"),
		autoAward: cfg.AutoAwardSap,
		levels:    cfg.Levels,
		buffer:    make(map[progressive.LevelKey]progressive.LevelValueEvent),
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// Coordinator returns the claim coordinator.
func (s *Service) Coordinator() *claim.Coordinator { return s.coord }

// Adapter returns the linked level adapter.
func (s *Service) Adapter() *linked.Adapter { return s.adapter }

// Monitor returns the error monitor.
func (s *Service) Monitor() *errormonitor.Monitor { return s.monitor }

// Start loads persisted levels, registers configured levels, resumes open
// transactions and derives the initial error state before the flush loops run.
func (s *Service) Start(ctx context.Context) (StartReport, error) {
	var report StartReport

	loaded, err := s.store.Load(ctx)
	if err != nil {
		return report, err
	}
	report.Loaded = loaded

	if len(s.levels) > 0 {
		views, err := s.store.Register(ctx, s.levels)
		if err != nil {
			return report, err
		}
		report.Registered = len(views)
	}

	if report.Recovery, err = s.coord.Recover(ctx); err != nil {
		return report, err
	}
	if s.adapter != nil {
		if report.LinkedClaims, err = s.adapter.Recover(ctx); err != nil {
			return report, err
		}
	}

	if err := s.monitor.CheckAll(ctx); err != nil {
		return report, err
	}
	s.monitor.Sync()

	s.refresh()
	s.start()

	s.logger.Info().
		Int("loaded", report.Loaded).
		Int("registered", report.Registered).
		Int("resumed", report.Recovery.Resumed).
		Int("linked_claims", report.LinkedClaims).
		Msg("Jackpot service started")
	return report, nil
}

// ProcessWager applies one committed wager: every matching local level is
// funded in one all-or-nothing batch, then each level the game reported as
// hit opens a transaction. Standalone hits are awarded locally when
// auto-award is on. A failed funding batch changes nothing; once Funded is
// set the funding is durable and a caller retrying the wager must resume
// with OpenHits instead.
func (s *Service) ProcessWager(ctx context.Context, w progressive.Wager) (WagerResult, error) {
	var result WagerResult
	if w.Amount < 0 || w.Ante < 0 {
		return result, apperrors.Newf(apperrors.ErrInvalidRequest, "negative wager", "amount %d ante %d", w.Amount, w.Ante)
	}

	levels := s.store.GetLevels(wagerFilter(w))
	for _, levelID := range w.Hits {
		if !lo.ContainsBy(levels, func(v progressive.LevelView) bool { return v.Key.LevelID == levelID }) {
			return result, apperrors.Newf(apperrors.ErrLevelNotFound, "hit on unknown progressive level", "game %d denom %d level %d", w.GameID, w.Denom, levelID)
		}
	}

	keys := lo.FilterMap(levels, func(l progressive.LevelView, _ int) (progressive.LevelKey, bool) {
		level := progressive.Level(l)
		return l.Key, !level.IsLinked()
	})
	funded, err := s.store.ContributeAll(ctx, keys, w)
	if err != nil {
		return result, err
	}
	result.Funded = true

	views := make([]progressive.LevelView, 0, len(funded))
	for _, f := range funded {
		views = append(views, f.Level)
		s.bufferValue(f.Level)
		if f.Result.IsZero() {
			continue
		}
		result.Contributions = append(result.Contributions, Contribution{
			Key:         f.Level.Key,
			LevelName:   f.Level.LevelName,
			PoolDelta:   f.Result.PoolDelta,
			HiddenDelta: f.Result.HiddenDelta,
			Value:       f.Level.CurrentValue,
		})
	}
	if len(views) > 0 {
		if err := s.monitor.CheckLevelErrors(ctx, views); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to check level errors after wager")
		}
	}

	result.Transactions, err = s.OpenHits(ctx, w, 0)
	return result, err
}

// OpenHits opens a transaction for every hit of w starting at index from.
// The returned transactions line up with w.Hits[from:]; on error the next
// hit to resume is from+len(transactions).
func (s *Service) OpenHits(ctx context.Context, w progressive.Wager, from int) ([]progressive.TransactionView, error) {
	if from < 0 || from > len(w.Hits) {
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "hit index out of range", "from %d hits %d", from, len(w.Hits))
	}
	levels := s.store.GetLevels(wagerFilter(w))

	var txs []progressive.TransactionView
	for i := from; i < len(w.Hits); i++ {
		levelID := w.Hits[i]
		l, ok := lo.Find(levels, func(v progressive.LevelView) bool { return v.Key.LevelID == levelID })
		if !ok {
			return txs, apperrors.Newf(apperrors.ErrLevelNotFound, "hit on unknown progressive level", "game %d denom %d level %d", w.GameID, w.Denom, levelID)
		}
		tx, err := s.hit(ctx, l, i)
		if tx.TransactionID != 0 {
			txs = append(txs, tx)
		}
		if err != nil {
			return txs, err
		}
	}
	return txs, nil
}

func wagerFilter(w progressive.Wager) progressive.Filter {
	return progressive.Filter{GameID: w.GameID, Denom: w.Denom, WagerCredits: w.WagerCredits}
}

func (s *Service) hit(ctx context.Context, l progressive.LevelView, index int) (progressive.TransactionView, error) {
	tx, err := s.coord.Hit(ctx, l.Key, claim.HitRequest{WinLevelIndex: index})
	if err != nil {
		return tx, err
	}
	if current, ok := s.store.Get(l.Key); ok {
		s.bufferValue(current)
	}

	level := progressive.Level(l)
	if !s.autoAward || l.LevelType != progressive.LevelTypeSap || level.IsLinked() {
		return tx, nil
	}
	pending, err := s.coord.Acknowledge(ctx, tx.TransactionID)
	if err != nil {
		return tx, err
	}
	committed, err := s.coord.Commit(ctx, tx.TransactionID, claim.CommitRequest{})
	if err != nil {
		return pending, err
	}
	return committed, nil
}

// AddBulkContribution funds a level with an amount collected outside of wagers.
func (s *Service) AddBulkContribution(ctx context.Context, key progressive.LevelKey, amount int64) (progressive.LevelView, error) {
	view, err := s.store.ContributeBulk(ctx, key, amount)
	if err != nil {
		return view, err
	}
	s.bufferValue(view)
	if err := s.monitor.CheckLevelErrors(ctx, []progressive.LevelView{view}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to check level errors after bulk contribution")
	}
	return view, nil
}

// ApplyLevelUpdates sets level values from an external value feed, all or
// nothing, and buffers the new values for broadcast.
func (s *Service) ApplyLevelUpdates(ctx context.Context, updates []progressive.LevelUpdate) ([]progressive.LevelView, error) {
	views, err := s.store.ApplyUpdates(ctx, updates)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		s.bufferValue(v)
	}
	if err := s.monitor.CheckLevelErrors(ctx, views); err != nil {
		return views, err
	}
	return views, nil
}

// UpdateLevels replaces the configuration of one pack/game/denom batch and
// re-derives its threshold and RTP errors.
func (s *Service) UpdateLevels(ctx context.Context, pack string, gameID int, denom int64, levels []progressive.Level) ([]progressive.LevelView, error) {
	views, err := s.store.UpdateLevels(ctx, pack, gameID, denom, levels)
	if err != nil {
		return nil, err
	}
	if err := s.monitor.CheckLevelErrors(ctx, views); err != nil {
		return views, err
	}
	return views, nil
}

// EndRound returns the active levels of a game/denom group to Ready.
func (s *Service) EndRound(ctx context.Context, gameID int, denom int64) ([]progressive.LevelView, error) {
	var out []progressive.LevelView
	for _, l := range s.store.GetLevels(progressive.Filter{GameID: gameID, Denom: denom}) {
		if l.CurrentState != progressive.StateActive {
			continue
		}
		view, err := s.store.SetState(ctx, l.Key, []progressive.LevelState{progressive.StateActive}, progressive.StateReady)
		if err != nil {
			return out, err
		}
		out = append(out, view)
	}
	return out, nil
}

// GetProgressiveLevels returns the levels matching filter; zero fields are wildcards.
func (s *Service) GetProgressiveLevels(filter progressive.Filter) []progressive.LevelView {
	return s.store.GetLevels(filter)
}

// SweepTimeouts runs the coordinator and linked adapter timeout sweeps.
func (s *Service) SweepTimeouts(ctx context.Context, now time.Time) error {
	report, err := s.coord.SweepTimeouts(ctx, now)
	if err != nil {
		return err
	}
	var stale []string
	if s.adapter != nil {
		if stale, err = s.adapter.SweepTimeouts(ctx, now); err != nil {
			return err
		}
	}
	if n := len(report.ClaimTimeouts) + len(report.CommitTimeouts) + len(stale); n > 0 {
		s.logger.Debug().
			Int("claim_timeouts", len(report.ClaimTimeouts)).
			Int("commit_timeouts", len(report.CommitTimeouts)).
			Int("stale_linked", len(stale)).
			Msg("Timeout sweep flagged levels")
	}
	return nil
}

// Stop stops the flush and refresh loops.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		if s.refreshTicker != nil {
			s.refreshTicker.Stop()
		}
		s.mu.Unlock()
		close(s.stopChan)
	})
}

// start begins the flush loop and refresh loop.
func (s *Service) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ticker = time.NewTicker(s.interval)
	s.refreshTicker = time.NewTicker(RefreshInterval)
	go s.loop(s.ticker.C, s.refreshTicker.C)
}

func (s *Service) loop(flush, refresh <-chan time.Time) {
	for {
		select {
		case <-s.stopChan:
			s.flush()
			return
		case <-flush:
			s.flush()
		case <-refresh:
			s.refresh()
		}
	}
}
