package linked

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/Digital-Creators-Team/progressive-core/pkg/claim"
	"github.com/Digital-Creators-Team/progressive-core/pkg/errormonitor"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/levelstore"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const DefaultUpdateTimeout = 30 * time.Second

// Config holds the collaborators of an Adapter.
type Config struct {
	Store       *levelstore.Store
	Monitor     *errormonitor.Monitor
	Coordinator *claim.Coordinator
	Hub         *events.Hub
	Logger      zerolog.Logger
	Clock       func() time.Time
	// UpdateTimeout is how long a linked level may go without a value update.
	UpdateTimeout   time.Duration
	LevelIDOverride progressive.LevelIDOverride
}

// Adapter brokers linked levels between protocol stacks and the local
// game levels bound to them. Every mutating call names its protocol; a
// level belongs to the first protocol that wrote it.
type Adapter struct {
	store         *levelstore.Store
	monitor       *errormonitor.Monitor
	coord         *claim.Coordinator
	hub           *events.Hub
	logger        zerolog.Logger
	now           func() time.Time
	updateTimeout time.Duration
	override      progressive.LevelIDOverride

	mu     sync.Mutex
	levels map[string]*LinkedLevel
	owners map[string]string
	slots  map[string]chan struct{}
	// holders maps a level name to the transaction holding its slot.
	holders map[string]int64
}

// New creates an adapter and registers it for closed transactions.
func New(cfg Config) *Adapter {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	timeout := cfg.UpdateTimeout
	if timeout <= 0 {
		timeout = DefaultUpdateTimeout
	}
	override := cfg.LevelIDOverride
	if override == nil {
		override = progressive.IdentityLevelID
	}
	a := &Adapter{
		store:         cfg.Store,
		monitor:       cfg.Monitor,
		coord:         cfg.Coordinator,
		hub:           cfg.Hub,
		logger:        logging.WithComponent(cfg.Logger, "linked_adapter"),
		now:           now,
		updateTimeout: timeout,
		override:      override,
		levels:        make(map[string]*LinkedLevel),
		owners:        make(map[string]string),
		slots:         make(map[string]chan struct{}),
		holders:       make(map[string]int64),
	}
	if cfg.Coordinator != nil {
		cfg.Coordinator.AddObserver(a)
	}
	return a
}

// LevelName builds the name of a linked level using the configured level id override.
func (a *Adapter) LevelName(protocol string, gameID, groupID, levelID int) string {
	return LevelName(protocol, a.override, gameID, groupID, levelID)
}

// UpdateLinkedProgressiveLevels records new values from a protocol and
// pushes them to the bound game levels. A batch containing any level owned
// by another protocol is rejected as a whole.
func (a *Adapter) UpdateLinkedProgressiveLevels(ctx context.Context, protocol string, levels []LinkedLevel) ([]LinkedLevel, error) {
	if protocol == "" {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, "protocol name is required")
	}
	logger := logging.WithProtocol(a.logger, protocol)

	batch := make([]LinkedLevel, 0, len(levels))
	for _, l := range levels {
		if l.Amount < 0 {
			return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "negative linked level amount", "level %s amount %d", l.LevelName, l.Amount)
		}
		if l.LevelName == "" {
			l.LevelName = a.LevelName(protocol, l.GameID, l.ProgressiveGroupID, l.LevelID)
		}
		l.ProtocolName = protocol
		batch = append(batch, l)
	}

	now := a.now()
	a.mu.Lock()
	for _, l := range batch {
		if owner := a.ownerLocked(l.LevelName); owner != "" && owner != protocol {
			a.mu.Unlock()
			logger.Warn().Str("level_name", l.LevelName).Str("owner", owner).Msg("Rejected linked update from foreign protocol")
			return nil, apperrors.Newf(apperrors.ErrNotAuthorizedForProtocol, "not authorized for protocol", "level %s is owned by %s, not %s", l.LevelName, owner, protocol)
		}
	}
	updated := make([]LinkedLevel, 0, len(batch))
	for _, l := range batch {
		a.owners[l.LevelName] = protocol
		cur, ok := a.levels[l.LevelName]
		if !ok {
			cur = &LinkedLevel{}
			a.levels[l.LevelName] = cur
		}
		status := cur.ClaimStatus
		*cur = l
		cur.ClaimStatus = status
		cur.UpdatedAt = now
		updated = append(updated, *cur)
	}
	a.mu.Unlock()

	var views []progressive.LevelView
	for _, l := range updated {
		changed, err := a.store.SetLinkedValue(ctx, l.Assignment(), l.Amount)
		if err != nil {
			return nil, err
		}
		views = append(views, a.store.ByAssignment(l.Assignment())...)
		logger.Debug().Str("level_name", l.LevelName).Int64("amount", l.Amount).Int("game_levels", len(changed)).Msg("Linked level updated")
	}

	keys := viewKeys(views)
	if len(keys) > 0 {
		if _, err := a.monitor.ClearDisconnected(ctx, keys); err != nil {
			return nil, err
		}
		if _, err := a.monitor.ClearUpdateTimeout(ctx, keys); err != nil {
			return nil, err
		}
		if err := a.monitor.CheckLevelErrors(ctx, views); err != nil {
			return nil, err
		}
	}

	if a.hub != nil {
		a.hub.LinkedUpdates.Publish(progressive.LinkedLevelsUpdatedEvent{
			ProtocolName: protocol,
			LevelNames:   lo.Map(updated, func(l LinkedLevel, _ int) string { return l.LevelName }),
		})
	}
	return updated, nil
}

// ClaimLinkedProgressiveLevel acknowledges the oldest hit on game levels
// bound to the linked level. Only one claimed transaction may be in flight
// per linked level; a second claim waits for it to close or for ctx.
func (a *Adapter) ClaimLinkedProgressiveLevel(ctx context.Context, protocol, levelName string) (progressive.TransactionView, error) {
	if err := a.authorize(protocol, levelName); err != nil {
		return progressive.TransactionView{}, err
	}
	hit, err := a.take(ctx, levelName)
	if err != nil {
		return progressive.TransactionView{}, err
	}
	tx, err := a.coord.Acknowledge(ctx, hit.TransactionID)
	if err != nil {
		a.release(levelName, hit.TransactionID)
		return progressive.TransactionView{}, err
	}
	a.setStatus(levelName, tx.TransactionID, ClaimStatus{Status: ClaimClaimed, TransactionID: tx.TransactionID})

	logger := logging.WithTransactionID(logging.WithProtocol(a.logger, protocol), tx.TransactionID)
	logger.Info().
		Str("level_name", levelName).
		Int64("amount", tx.ValueAmount).
		Msg("Linked level claimed")
	if a.hub != nil {
		a.hub.LinkedClaims.Publish(progressive.LinkedClaimedEvent{
			TransactionEvent: a.txEvent(tx),
			ProtocolName:     protocol,
			LinkedLevel:      levelName,
		})
	}
	return tx, nil
}

// AwardLinkedProgressiveLevel commits the claimed transaction of a linked level.
func (a *Adapter) AwardLinkedProgressiveLevel(ctx context.Context, protocol, levelName string, winAmount int64) (progressive.TransactionView, error) {
	if err := a.authorize(protocol, levelName); err != nil {
		return progressive.TransactionView{}, err
	}

	a.mu.Lock()
	id, held := a.holders[levelName]
	a.mu.Unlock()
	if !held {
		return progressive.TransactionView{}, apperrors.Newf(apperrors.ErrInvalidTransition, "linked level not claimed", "level %s", levelName)
	}

	tx, err := a.coord.Commit(ctx, id, claim.CommitRequest{WinAmount: winAmount, Protocol: protocol})
	if err != nil {
		return progressive.TransactionView{}, err
	}
	a.setStatus(levelName, id, ClaimStatus{Status: ClaimAwarded, WinAmount: tx.WinAmount, TransactionID: id})
	a.publishAwarded(protocol, levelName, tx)
	return tx, nil
}

// ClaimAndAwardLinkedProgressiveLevel claims and commits in one durable
// step. On any failure the claim status is restored and the slot released.
func (a *Adapter) ClaimAndAwardLinkedProgressiveLevel(ctx context.Context, protocol, levelName string, winAmount int64) (progressive.TransactionView, error) {
	if err := a.authorize(protocol, levelName); err != nil {
		return progressive.TransactionView{}, err
	}
	hit, err := a.take(ctx, levelName)
	if err != nil {
		return progressive.TransactionView{}, err
	}

	a.mu.Lock()
	var previous ClaimStatus
	if l, ok := a.levels[levelName]; ok {
		previous = l.ClaimStatus
		l.ClaimStatus = ClaimStatus{Status: ClaimClaimed, TransactionID: hit.TransactionID}
	}
	a.mu.Unlock()

	tx, err := a.coord.ClaimAndCommit(ctx, hit.TransactionID, claim.CommitRequest{WinAmount: winAmount, Protocol: protocol})
	if err != nil {
		a.mu.Lock()
		if l, ok := a.levels[levelName]; ok {
			l.ClaimStatus = previous
		}
		a.mu.Unlock()
		a.release(levelName, hit.TransactionID)
		logger := logging.WithProtocol(a.logger, protocol)
		logger.Warn().Err(err).Str("level_name", levelName).Msg("Linked claim and award rolled back")
		return progressive.TransactionView{}, err
	}

	a.setStatus(levelName, tx.TransactionID, ClaimStatus{Status: ClaimAwarded, WinAmount: tx.WinAmount, TransactionID: tx.TransactionID})
	a.publishAwarded(protocol, levelName, tx)
	return tx, nil
}

// TransactionClosed frees the slot of the linked level the transaction held.
func (a *Adapter) TransactionClosed(tx progressive.TransactionView) {
	if tx.AssignedProgressiveID.Type != progressive.AssignableLinked {
		return
	}
	if a.release(tx.AssignedProgressiveID.Key, tx.TransactionID) {
		a.logger.Debug().Int64("transaction_id", tx.TransactionID).Str("level_name", tx.AssignedProgressiveID.Key).Msg("Linked level released")
	}
}

// Recover re-takes the slots of linked transactions that were claimed
// before a restart and returns how many were restored.
func (a *Adapter) Recover(ctx context.Context) (int, error) {
	open, err := a.coord.Open(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tx := range open {
		if tx.AssignedProgressiveID.Type != progressive.AssignableLinked {
			continue
		}
		if tx.State != progressive.TxPending && tx.State != progressive.TxCommitted {
			continue
		}
		name := tx.AssignedProgressiveID.Key
		if _, ok := a.holders[name]; ok {
			continue
		}
		select {
		case a.slotLocked(name) <- struct{}{}:
		default:
			continue
		}
		a.holders[name] = tx.TransactionID
		status := ClaimStatus{Status: ClaimClaimed, TransactionID: tx.TransactionID}
		if tx.State == progressive.TxCommitted {
			status = ClaimStatus{Status: ClaimAwarded, WinAmount: tx.WinAmount, TransactionID: tx.TransactionID}
		}
		l, ok := a.levels[name]
		if !ok {
			l = &LinkedLevel{LevelName: name, ProtocolName: protocolOf(name)}
			a.levels[name] = l
		}
		l.ClaimStatus = status
		restored++
	}
	return restored, nil
}

// SetLinkStatus applies a link up/down report of a protocol to every game
// level bound to one of its linked levels.
func (a *Adapter) SetLinkStatus(ctx context.Context, protocol string, up bool) error {
	keys := a.gameLevels(func(name string) bool { return a.owner(name) == protocol })
	logger := logging.WithProtocol(a.logger, protocol)
	if up {
		logger.Info().Int("game_levels", len(keys)).Msg("Protocol link up")
		_, err := a.monitor.ClearDisconnected(ctx, keys)
		return err
	}
	logger.Warn().Int("game_levels", len(keys)).Msg("Protocol link down")
	_, err := a.monitor.ReportDisconnected(ctx, keys)
	return err
}

// SweepTimeouts flags game levels whose linked level was not updated within
// the update timeout or is past its expiration. It returns the stale names.
func (a *Adapter) SweepTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	a.mu.Lock()
	var stale []string
	for name, l := range a.levels {
		expired := !l.Expiration.IsZero() && now.After(l.Expiration)
		if expired || now.Sub(l.UpdatedAt) > a.updateTimeout {
			stale = append(stale, name)
		}
	}
	a.mu.Unlock()
	sort.Strings(stale)

	if len(stale) == 0 {
		return nil, nil
	}
	keys := a.gameLevels(func(name string) bool { return lo.Contains(stale, name) })
	if len(keys) == 0 {
		return stale, nil
	}
	changed, err := a.monitor.ReportUpdateTimeout(ctx, keys)
	if changed {
		a.logger.Warn().Strs("levels", stale).Msg("Linked levels not updated in time")
	}
	return stale, err
}

// GetLinkedLevels returns the linked levels of a protocol, or all of them
// when protocol is empty, ordered by name.
func (a *Adapter) GetLinkedLevels(protocol string) []LinkedLevel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]LinkedLevel, 0, len(a.levels))
	for name, l := range a.levels {
		if protocol != "" && a.ownerLocked(name) != protocol {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelName < out[j].LevelName })
	return out
}

func (a *Adapter) authorize(protocol, levelName string) error {
	if owner := a.owner(levelName); owner == "" || owner != protocol {
		return apperrors.Newf(apperrors.ErrNotAuthorizedForProtocol, "not authorized for protocol", "level %s protocol %s owner %s", levelName, protocol, owner)
	}
	return nil
}

// Owner returns the protocol allowed to update and claim a linked level.
func (a *Adapter) Owner(levelName string) string {
	return a.owner(levelName)
}

func (a *Adapter) owner(levelName string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ownerLocked(levelName)
}

// ownerLocked falls back to the protocol encoded in the level name for
// levels that were configured but never updated.
func (a *Adapter) ownerLocked(levelName string) string {
	if owner, ok := a.owners[levelName]; ok {
		return owner
	}
	return protocolOf(levelName)
}

func (a *Adapter) slotLocked(levelName string) chan struct{} {
	s, ok := a.slots[levelName]
	if !ok {
		s = make(chan struct{}, 1)
		a.slots[levelName] = s
	}
	return s
}

// take waits for the claim slot of a linked level and binds it to the
// oldest hit on the level. A second claim blocks until the holding
// transaction closes or ctx ends.
func (a *Adapter) take(ctx context.Context, levelName string) (progressive.TransactionView, error) {
	a.mu.Lock()
	s := a.slotLocked(levelName)
	a.mu.Unlock()
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return progressive.TransactionView{}, apperrors.WrapWithDebug(ctx.Err(), apperrors.ErrLevelBusy, "linked level has a claim in progress", levelName)
	}

	hit, err := a.oldestHit(ctx, levelName)
	if err != nil {
		<-s
		return progressive.TransactionView{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.holders[levelName] = hit.TransactionID
	if _, ok := a.levels[levelName]; !ok {
		a.levels[levelName] = &LinkedLevel{LevelName: levelName, ProtocolName: a.ownerLocked(levelName)}
	}
	return hit, nil
}

// release frees the slot if transaction id still holds it.
func (a *Adapter) release(levelName string, id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if holder, ok := a.holders[levelName]; !ok || holder != id {
		return false
	}
	delete(a.holders, levelName)
	if l, ok := a.levels[levelName]; ok && l.ClaimStatus.TransactionID == id {
		l.ClaimStatus.Status = ClaimNone
	}
	select {
	case <-a.slotLocked(levelName):
	default:
	}
	return true
}

func (a *Adapter) setStatus(levelName string, id int64, status ClaimStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.levels[levelName]; ok && a.holders[levelName] == id {
		l.ClaimStatus = status
	}
}

func (a *Adapter) oldestHit(ctx context.Context, levelName string) (progressive.TransactionView, error) {
	hits, err := a.coord.OpenByAssignment(ctx, Assignment(levelName), progressive.TxHit)
	if err != nil {
		return progressive.TransactionView{}, err
	}
	if len(hits) == 0 {
		return progressive.TransactionView{}, apperrors.Newf(apperrors.ErrTransactionNotFound, "no hit to claim", "linked level %s", levelName)
	}
	return hits[0], nil
}

func (a *Adapter) gameLevels(match func(name string) bool) []progressive.LevelKey {
	var keys []progressive.LevelKey
	for _, v := range a.store.GetLevels(progressive.Filter{}) {
		if v.AssignedProgressiveID.Type == progressive.AssignableLinked && match(v.AssignedProgressiveID.Key) {
			keys = append(keys, v.Key)
		}
	}
	return keys
}

func (a *Adapter) txEvent(tx progressive.TransactionView) progressive.TransactionEvent {
	level, _ := a.store.Get(tx.Key)
	return progressive.TransactionEvent{Transaction: tx, Level: level, OccurredAt: a.now()}
}

func (a *Adapter) publishAwarded(protocol, levelName string, tx progressive.TransactionView) {
	logger := logging.WithTransactionID(logging.WithProtocol(a.logger, protocol), tx.TransactionID)
	logger.Info().
		Str("level_name", levelName).
		Int64("win_amount", tx.WinAmount).
		Msg("Linked level awarded")
	if a.hub == nil {
		return
	}
	a.hub.LinkedAwards.Publish(progressive.LinkedAwardedEvent{
		TransactionEvent: a.txEvent(tx),
		ProtocolName:     protocol,
		LinkedLevel:      levelName,
		WinAmount:        tx.WinAmount,
	})
}

func viewKeys(views []progressive.LevelView) []progressive.LevelKey {
	return lo.Uniq(lo.Map(views, func(v progressive.LevelView, _ int) progressive.LevelKey { return v.Key }))
}
