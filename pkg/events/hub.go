package events

import (
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

// Hub groups one typed bus per progressive event kind. Every typed event is
// also published, on the same goroutine, to Envelopes, so a single
// Envelopes subscriber sees all kinds in publish order.
type Hub struct {
	Hits                     *Bus[progressive.HitEvent]
	Pending                  *Bus[progressive.PendingEvent]
	Commits                  *Bus[progressive.CommitEvent]
	CommitAcks               *Bus[progressive.CommitAckEvent]
	Failures                 *Bus[progressive.FailedEvent]
	SapAwards                *Bus[progressive.SapAwardedEvent]
	LinkedClaims             *Bus[progressive.LinkedClaimedEvent]
	LinkedAwards             *Bus[progressive.LinkedAwardedEvent]
	LinkedUpdates            *Bus[progressive.LinkedLevelsUpdatedEvent]
	LevelsChanged            *Bus[progressive.LevelsChangedEvent]
	MinimumThresholdErrors   *Bus[progressive.MinimumThresholdErrorEvent]
	MinimumThresholdsCleared *Bus[progressive.MinimumThresholdClearedEvent]
	GamesDisabled            *Bus[progressive.GameDisabledEvent]
	GamesEnabled             *Bus[progressive.GameEnabledEvent]
	Values                   *Bus[progressive.LevelValueEvent]

	Envelopes *Bus[Envelope]
}

// Envelope is an event tagged with its type name, used by generic sinks.
type Envelope struct {
	Type    string
	Key     string
	Payload interface{}
}

// NewHub creates every bus.
func NewHub(logger zerolog.Logger) *Hub {
	logger = logger.With().Str("component", "event_hub").Logger()
	env := NewBus[Envelope]("envelope", logger)
	txKey := func(e progressive.TransactionEvent) string { return e.Transaction.Key.String() }

	return &Hub{
		Hits: tapped(env, progressive.EventHit, logger, func(e progressive.HitEvent) string {
			return txKey(e.TransactionEvent)
		}),
		Pending: tapped(env, progressive.EventPending, logger, func(e progressive.PendingEvent) string {
			return txKey(e.TransactionEvent)
		}),
		Commits: tapped(env, progressive.EventCommit, logger, func(e progressive.CommitEvent) string {
			return txKey(e.TransactionEvent)
		}),
		CommitAcks: tapped(env, progressive.EventCommitAck, logger, func(e progressive.CommitAckEvent) string {
			return txKey(e.TransactionEvent)
		}),
		Failures: tapped(env, progressive.EventFailed, logger, func(e progressive.FailedEvent) string {
			return txKey(e.TransactionEvent)
		}),
		SapAwards: tapped(env, progressive.EventSapAwarded, logger, func(e progressive.SapAwardedEvent) string {
			return txKey(e.TransactionEvent)
		}),
		LinkedClaims: tapped(env, progressive.EventLinkedClaimed, logger, func(e progressive.LinkedClaimedEvent) string {
			return txKey(e.TransactionEvent)
		}),
		LinkedAwards: tapped(env, progressive.EventLinkedAwarded, logger, func(e progressive.LinkedAwardedEvent) string {
			return txKey(e.TransactionEvent)
		}),
		LinkedUpdates: tapped(env, progressive.EventLinkedLevelsUpdated, logger, func(e progressive.LinkedLevelsUpdatedEvent) string {
			return e.ProtocolName
		}),
		LevelsChanged: tapped(env, progressive.EventLevelsChanged, logger, func(e progressive.LevelsChangedEvent) string {
			return e.Flag.String()
		}),
		MinimumThresholdErrors: tapped(env, progressive.EventMinimumThresholdError, logger, func(progressive.MinimumThresholdErrorEvent) string {
			return ""
		}),
		MinimumThresholdsCleared: tapped(env, progressive.EventMinimumThresholdCleared, logger, func(progressive.MinimumThresholdClearedEvent) string {
			return ""
		}),
		GamesDisabled: tapped(env, progressive.EventGameDisabled, logger, func(progressive.GameDisabledEvent) string {
			return ""
		}),
		GamesEnabled: tapped(env, progressive.EventGameEnabled, logger, func(progressive.GameEnabledEvent) string {
			return ""
		}),
		Values: tapped(env, progressive.EventLevelValue, logger, func(e progressive.LevelValueEvent) string {
			return e.Key.String()
		}),
		Envelopes: env,
	}
}

// tapped creates a typed bus that also publishes each event to env.
func tapped[T any](env *Bus[Envelope], name string, logger zerolog.Logger, key func(T) string) *Bus[T] {
	b := NewBus[T](name, logger)
	b.tap = func(e T) {
		env.Publish(Envelope{Type: name, Key: key(e), Payload: e})
	}
	return b
}

// Forward runs fn for every event of every bus, in publish order, until
// stop is closed. It is the fan-in used by transport sinks (Kafka,
// WebSocket). Events published before Forward subscribes are not seen.
func (h *Hub) Forward(stop <-chan struct{}, buffer int, fn func(Envelope)) {
	sub := h.Envelopes.Subscribe(buffer)
	defer sub.Close()
	for {
		select {
		case <-stop:
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			fn(e)
		}
	}
}
