// Package kafka implements the bus.Source contract on top of Kafka consumer
// groups. The group ID plays the role of the durable name and an offset
// commit plays the role of an acknowledgment.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"GtfsRtFeed/pkg/bus"
	applogger "GtfsRtFeed/pkg/logger"
)

var (
	ErrNotConnected  = errors.New("no kafka broker reachable")
	ErrNotSubscribed = errors.New("reader not created")
)

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MinBytes    int
	MaxBytes    int
	DialTimeout time.Duration
	CommitMax   int
}

// WithConsumerBrokers sets Kafka brokers.
func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Brokers = brokers
	}
}

// WithConsumerTopic sets the topic carrying trip updates.
func WithConsumerTopic(topic string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Topic = topic
	}
}

// WithConsumerGroupID sets consumer group ID.
func WithConsumerGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.GroupID = groupID
	}
}

// WithConsumerFetch sets fetch min/max bytes.
func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if minBytes > 0 {
			c.MinBytes = minBytes
		}
		if maxBytes > 0 {
			c.MaxBytes = maxBytes
		}
	}
}

// WithConsumerCommitRetry sets how many times a commit is attempted.
func WithConsumerCommitRetry(max int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if max > 0 {
			c.CommitMax = max
		}
	}
}

// WithConsumerDialTimeout bounds the broker reachability check in Open.
func WithConsumerDialTimeout(d time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		if d > 0 {
			c.DialTimeout = d
		}
	}
}

// AckRecorder receives commit outcomes.
type AckRecorder interface {
	RecordAck()
	RecordError(kind string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAck()         {}
func (noopRecorder) RecordError(string) {}

// reader is the subset of *kafka.Reader the consumer needs.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic sequentially within a consumer group.
type Consumer struct {
	cfg      *ConsumerConfig
	log      *applogger.Logger
	recorder AckRecorder

	mu        sync.Mutex
	reader    reader
	newReader func(kafka.ReaderConfig) reader

	closed   atomic.Bool
	stopOnce sync.Once
}

// NewConsumer creates a new Kafka consumer. Nothing is dialed until Open.
func NewConsumer(l *applogger.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		DialTimeout: 5 * time.Second,
		CommitMax:   3,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("topic and group id are required")
	}
	if l == nil {
		l = applogger.Nop()
	}

	return &Consumer{
		cfg:      cfg,
		log:      l.Named("kafka"),
		recorder: noopRecorder{},
		newReader: func(rc kafka.ReaderConfig) reader {
			return kafka.NewReader(rc)
		},
	}, nil
}

// SetAckRecorder attaches a recorder for commit outcomes.
func (c *Consumer) SetAckRecorder(r AckRecorder) {
	if r != nil {
		c.recorder = r
	}
}

// Open checks that at least one broker answers.
func (c *Consumer) Open(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	var lastErr error
	for _, broker := range c.cfg.Brokers {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := kafka.DialContext(dctx, "tcp", broker)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		c.log.Info("connected to kafka", applogger.String("broker", broker))
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// Subscribe creates the group reader. New groups start at the newest offset.
func (c *Consumer) Subscribe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrNotConnected
	}
	if c.reader != nil {
		return nil
	}
	c.reader = c.newReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		Topic:       c.cfg.Topic,
		GroupID:     c.cfg.GroupID,
		MinBytes:    c.cfg.MinBytes,
		MaxBytes:    c.cfg.MaxBytes,
		StartOffset: kafka.LastOffset,
	})
	c.log.Info("consumer group ready",
		applogger.String("topic", c.cfg.Topic),
		applogger.String("group_id", c.cfg.GroupID),
	)
	return nil
}

// Consume hands messages to h one at a time and commits each one after h
// succeeds. Offsets are cumulative, so a handler error stops consumption and
// is returned; the uncommitted message is redelivered to the next member.
func (c *Consumer) Consume(ctx context.Context, h bus.Handler) error {
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}
	if r == nil {
		return ErrNotSubscribed
	}

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if c.stopping(ctx) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("reader closed: %w", err)
			}
			return fmt.Errorf("fetch from %s: %w", c.cfg.Topic, err)
		}

		m := &bus.Message{
			Subject:   km.Topic,
			Data:      km.Value,
			Sequence:  uint64(km.Offset),
			Delivered: 1,
			Received:  time.Now(),
		}
		for _, hdr := range km.Headers {
			if hdr.Key == "Content-Type" {
				m.ContentType = string(hdr.Value)
			}
		}

		if err := h.Handle(ctx, m); err != nil {
			c.log.Error("message not committed, stopping consumer",
				applogger.String("topic", km.Topic),
				applogger.Int("partition", km.Partition),
				applogger.Int64("offset", km.Offset),
				applogger.Error(err),
			)
			return fmt.Errorf("handle %s/%d@%d: %w", km.Topic, km.Partition, km.Offset, err)
		}

		if err := c.commitWithRetry(ctx, r, km); err != nil {
			if c.stopping(ctx) {
				return nil
			}
			c.recorder.RecordError("ack")
			return err
		}
		c.recorder.RecordAck()
	}
}

// commitWithRetry commits a single message offset with bounded retries.
func (c *Consumer) commitWithRetry(ctx context.Context, r reader, km kafka.Message) error {
	var err error
	for attempt := 1; attempt <= c.cfg.CommitMax; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = r.CommitMessages(cctx, km)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == c.cfg.CommitMax {
			break
		}
		select {
		case <-time.After(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("commit offset %d after %d attempts: %w", km.Offset, c.cfg.CommitMax, err)
}

func (c *Consumer) stopping(ctx context.Context) bool {
	return c.closed.Load() || ctx.Err() != nil
}

// Close stops the reader and leaves the group. Safe to call more than once.
func (c *Consumer) Close(_ context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		r := c.reader
		c.mu.Unlock()
		if r == nil {
			return
		}
		if err := r.Close(); err != nil {
			stopErr = fmt.Errorf("close reader: %w", err)
			return
		}
		c.log.Info("kafka consumer stopped")
	})
	return stopErr
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max {
		exp = max
	}
	// jitter up to 50%
	jitter := time.Duration(rand.Int63n(int64(exp) / 2))
	return exp - jitter
}

var _ bus.Source = (*Consumer)(nil)
