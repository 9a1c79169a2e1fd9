package jackpot

import (
	"context"

	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// bufferValue records the latest value of a level until the next flush.
// An older snapshot never replaces a newer one.
func (s *Service) bufferValue(v progressive.LevelView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.buffer[v.Key]; ok && v.UpdatedAt.Before(existing.Timestamp) {
		return
	}
	s.buffer[v.Key] = progressive.LevelValueEvent{
		Key:       v.Key,
		LevelName: v.LevelName,
		Amount:    v.CurrentValue,
		Timestamp: v.UpdatedAt,
	}
}

// flush broadcasts buffered updates and clears buffer.
func (s *Service) flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	updates := lo.Values(s.buffer)
	s.buffer = make(map[progressive.LevelKey]progressive.LevelValueEvent)
	s.mu.Unlock()

	if s.hub != nil {
		for _, u := range updates {
			s.hub.Values.Publish(u)
		}
	}
	if s.logger.GetLevel() <= zerolog.DebugLevel {
		s.logger.Debug().Int("count", len(updates)).Msg("flushed level value updates")
	}
}

// refresh buffers the value of every healthy level so listeners converge
// even when no wagers arrive.
func (s *Service) refresh() {
	for _, v := range s.store.GetLevels(progressive.Filter{}) {
		if v.CurrentState == progressive.StateError {
			continue
		}
		s.bufferValue(v)
	}
}

// Listen returns a channel to receive flushed value updates plus a cancel function.
func (s *Service) Listen(ctx context.Context) (<-chan progressive.LevelValueEvent, context.CancelFunc) {
	listenerCtx, cancel := context.WithCancel(ctx)
	sub := s.hub.Values.Subscribe(128)
	out := make(chan progressive.LevelValueEvent, 128)

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-listenerCtx.Done():
				return
			case update, ok := <-sub.C:
				if !ok {
					return
				}
				select {
				case out <- update:
				case <-listenerCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}
