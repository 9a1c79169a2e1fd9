package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	defaultWorkerNum  = 4
	defaultQueueDepth = 256
)

// ErrProducerClosed is returned by SendMessage after Close.
var ErrProducerClosed = errors.New("kafka producer closed")

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the envelope written to the events topic.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Producer writes messages through a pool of workers. Messages are sharded
// to workers by key, so events of one level are written in publish order.
type Producer struct {
	writer       MessageWriter
	logger       zerolog.Logger
	writeTimeout time.Duration
	queues       []chan kafka.Message
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// ProducerConfig holds configuration for Kafka producer
type ProducerConfig struct {
	Brokers   []string
	Logger    zerolog.Logger
	WorkerNum int
	// QueueDepth is the buffer of each worker.
	QueueDepth   int
	WriteTimeout time.Duration
	// Writer replaces the kafka.Writer built from Brokers.
	Writer MessageWriter
}

func NewProducer(config ProducerConfig) *Producer {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	writer := config.Writer
	if writer == nil {
		writer = &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: config.WriteTimeout,
		}
	}
	if config.WorkerNum <= 0 {
		config.WorkerNum = defaultWorkerNum
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = defaultQueueDepth
	}

	p := &Producer{
		writer:       writer,
		logger:       logging.WithComponent(config.Logger, "kafka-producer"),
		writeTimeout: config.WriteTimeout,
		queues:       make([]chan kafka.Message, config.WorkerNum),
	}
	for i := range p.queues {
		p.queues[i] = make(chan kafka.Message, config.QueueDepth)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

func (p *Producer) worker(queue <-chan kafka.Message) {
	defer p.wg.Done()
	for msg := range queue {
		p.write(msg)
	}
}

func (p *Producer) write(msg kafka.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("topic", msg.Topic).
				Str("panic", fmt.Sprint(r)).
				Str("stack_trace", string(debug.Stack())).
				Msg("Panic recovered while writing to Kafka")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().Err(err).Str("topic", msg.Topic).Str("key", string(msg.Key)).Msg("Failed to send message to Kafka")
		return
	}
	p.logger.Debug().Str("topic", msg.Topic).Str("key", string(msg.Key)).Msg("Message sent to Kafka")
}

func (p *Producer) shard(key string) chan kafka.Message {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// SendMessage queues value as JSON for the worker owning key. It blocks
// while that worker's queue is full.
func (p *Producer) SendMessage(topic string, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.shard(key) <- kafka.Message{Topic: topic, Key: []byte(key), Value: data, Time: time.Now()}
	return nil
}

// Close drains queued messages and closes the writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing Kafka producer")
		return err
	}
	return nil
}
