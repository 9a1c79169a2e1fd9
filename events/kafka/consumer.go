package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/jackpot"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	DefaultRetryBackoff    = 200 * time.Millisecond
	DefaultMaxRetryBackoff = 10 * time.Second
)

// Handler processes one message. A transient error (apperrors.IsTransient)
// makes the consumer call it again with the same message after a backoff;
// any other error is logged and the message committed so a poison message
// cannot stall the partition. Messages are handled one at a time.
type Handler func(ctx context.Context, msg kafka.Message) error

// Consumer reads one topic and hands every message to its handler.
type Consumer struct {
	reader     MessageReader
	handler    Handler
	topic      string
	logger     zerolog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Logger        zerolog.Logger
	// Reader replaces the kafka.Reader built from the fields above.
	Reader MessageReader
	// RetryBackoff is the first wait before a transient failure is retried;
	// it doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(config ConsumerConfig, handler Handler) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	reader := config.Reader
	if reader == nil {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        config.Brokers,
			Topic:          config.Topic,
			GroupID:        config.ConsumerGroup,
			MinBytes:       10e3, // 10KB
			MaxBytes:       10e6, // 10MB
			CommitInterval: time.Second,
			StartOffset:    kafka.FirstOffset,
		})
	}

	backoff := config.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	maxBackoff := config.MaxRetryBackoff
	if maxBackoff < backoff {
		maxBackoff = max(DefaultMaxRetryBackoff, backoff)
	}

	return &Consumer{
		reader:     reader,
		handler:    handler,
		topic:      config.Topic,
		logger:     config.Logger.With().Str("component", "kafka-consumer").Str("topic", config.Topic).Logger(),
		backoff:    backoff,
		maxBackoff: maxBackoff,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consume()
	c.logger.Info().Msg("Kafka consumer started")
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing Kafka reader")
		return err
	}
	c.logger.Info().Msg("Kafka consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error().Err(err).Msg("Error fetching message from Kafka")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if !c.handle(msg) {
			return
		}
		c.commit(msg)
	}
}

// commit outlives Stop so a message applied just before shutdown is not
// redelivered.
func (c *Consumer) commit(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Error committing message")
	}
}

// handle runs the handler until the message is done with. It returns false
// when the consumer stopped first; the message is then left uncommitted and
// redelivered.
func (c *Consumer) handle(msg kafka.Message) bool {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.handler(c.ctx, msg)
		if err == nil {
			return true
		}
		if c.ctx.Err() != nil {
			return false
		}
		logger := c.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Int("attempt", attempt).Logger()
		if !apperrors.IsTransient(err) {
			logger.Error().Err(err).Msg("Dropping message that cannot be applied")
			return true
		}
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("Transient error handling message")

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

// WagerProcessor applies committed wagers.
type WagerProcessor interface {
	ProcessWager(ctx context.Context, w progressive.Wager) (jackpot.WagerResult, error)
	OpenHits(ctx context.Context, w progressive.Wager, from int) ([]progressive.TransactionView, error)
}

// wagerProgress is how far a redelivered wager message already got.
type wagerProgress struct {
	partition int
	offset    int64
	nextHit   int
}

// WagerHandler decodes a wager-commit message and applies it. When a retry
// follows a wager whose funding is already durable, only the hits that were
// not opened yet are applied again.
func WagerHandler(p WagerProcessor) Handler {
	var resume *wagerProgress
	return func(ctx context.Context, msg kafka.Message) error {
		var w progressive.Wager
		if err := json.Unmarshal(msg.Value, &w); err != nil {
			return apperrors.Wrap(err, apperrors.ErrInvalidRequest, "invalid wager message")
		}

		if r := resume; r != nil && r.partition == msg.Partition && r.offset == msg.Offset {
			txs, err := p.OpenHits(ctx, w, r.nextHit)
			r.nextHit += len(txs)
			if err == nil {
				resume = nil
			}
			return err
		}

		resume = nil
		res, err := p.ProcessWager(ctx, w)
		if err != nil && res.Funded {
			resume = &wagerProgress{partition: msg.Partition, offset: msg.Offset, nextHit: len(res.Transactions)}
		}
		return err
	}
}

// LinkStatusMessage reports whether a protocol's link to its linked
// progressive controller is up.
type LinkStatusMessage struct {
	Protocol string `json:"protocol"`
	Up       bool   `json:"up"`
}

// LinkStatusSetter records link status changes.
type LinkStatusSetter interface {
	SetLinkStatus(ctx context.Context, protocol string, up bool) error
}

// LinkStatusHandler decodes a link status message and applies it.
func LinkStatusHandler(s LinkStatusSetter) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var m LinkStatusMessage
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			return apperrors.Wrap(err, apperrors.ErrInvalidRequest, "invalid link status message")
		}
		if m.Protocol == "" {
			return apperrors.New(apperrors.ErrInvalidRequest, "link status without protocol")
		}
		return s.SetLinkStatus(ctx, m.Protocol, m.Up)
	}
}
