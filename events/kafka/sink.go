package kafka

import (
	"time"

	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
)

// Sink forwards every hub event to the events topic. Level value broadcasts
// go to their own topic when one is configured.
type Sink struct {
	producer    *Producer
	hub         *events.Hub
	topic       string
	valuesTopic string
	logger      zerolog.Logger
	clock       func() time.Time

	stop chan struct{}
	done chan struct{}
}

// SinkConfig configures a Sink.
type SinkConfig struct {
	Producer    *Producer
	Hub         *events.Hub
	Topic       string
	ValuesTopic string
	Logger      zerolog.Logger
}

// NewSink creates a sink; Start begins forwarding.
func NewSink(cfg SinkConfig) *Sink {
	valuesTopic := cfg.ValuesTopic
	if valuesTopic == "" {
		valuesTopic = cfg.Topic
	}
	return &Sink{
		producer:    cfg.Producer,
		hub:         cfg.Hub,
		topic:       cfg.Topic,
		valuesTopic: valuesTopic,
		logger:      cfg.Logger.With().Str("component", "kafka-sink").Logger(),
		clock:       time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start forwards events in the background until Stop.
func (s *Sink) Start() {
	go func() {
		defer close(s.done)
		s.hub.Forward(s.stop, 256, s.send)
	}()
	s.logger.Info().Str("topic", s.topic).Msg("Kafka event sink started")
}

// Stop stops forwarding. Messages already queued are flushed by Producer.Close.
func (s *Sink) Stop() {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Sink) send(env events.Envelope) {
	topic := s.topic
	if env.Type == progressive.EventLevelValue {
		topic = s.valuesTopic
	}
	evt := Event{Type: env.Type, Payload: env.Payload, Timestamp: s.clock()}
	if err := s.producer.SendMessage(topic, env.Key, evt); err != nil {
		s.logger.Error().Err(err).Str("type", env.Type).Msg("Failed to forward event")
	}
}
