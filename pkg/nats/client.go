// Package nats implements the durable, explicitly acknowledged JetStream
// subscription that feeds the trip-update pipeline.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"GtfsRtFeed/pkg/bus"
	applogger "GtfsRtFeed/pkg/logger"
)

var (
	ErrNotConnected  = errors.New("not connected to NATS")
	ErrNotSubscribed = errors.New("consumer not provisioned")

	errConsumerGone = errors.New("durable consumer gone")
)

// maxConsecutiveErrors bounds how many unclassified iterator errors in a row
// are tolerated before the subscription is considered broken.
const maxConsecutiveErrors = 5

// AckRecorder receives acknowledgment outcomes.
type AckRecorder interface {
	RecordAck()
	RecordError(kind string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAck()         {}
func (noopRecorder) RecordError(string) {}

// Client owns one NATS connection, one stream and one durable consumer.
type Client struct {
	cfg      *Config
	log      *applogger.Logger
	recorder AckRecorder

	mu       sync.Mutex
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	iter     jetstream.MessagesContext

	closed     atomic.Bool
	closeOnce  sync.Once
	connClosed chan struct{}
	connOnce   sync.Once
}

// NewClient creates a JetStream client. Nothing is dialed until Open.
func NewClient(l *applogger.Logger, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("servers are required")
	}
	if cfg.Stream == "" || cfg.Subjects == "" {
		return nil, fmt.Errorf("stream and subjects are required")
	}
	if cfg.Durable == "" {
		return nil, fmt.Errorf("durable name is required")
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &Client{
		cfg:        cfg,
		log:        l.Named("nats"),
		recorder:   noopRecorder{},
		connClosed: make(chan struct{}),
	}, nil
}

// SetAckRecorder attaches a recorder for ack outcomes.
func (c *Client) SetAckRecorder(r AckRecorder) {
	if r != nil {
		c.recorder = r
	}
}

// Open connects to the NATS servers and initializes JetStream.
func (c *Client) Open(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	url := strings.Join(c.cfg.Servers, ",")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(url, c.connectOptions()...)
		done <- result{conn, err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", url, r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return fmt.Errorf("connecting to NATS at %s: %w", url, ctx.Err())
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("init jetstream: %w", err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		// Close ran while dialing and saw no connection to drain
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.log.Info("connected to NATS",
		applogger.String("url", conn.ConnectedUrlRedacted()),
		applogger.String("client_name", c.cfg.ClientName),
	)
	return nil
}

func (c *Client) connectOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("disconnected from NATS", applogger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.log.Info("reconnected to NATS", applogger.String("url", conn.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			c.connOnce.Do(func() { close(c.connClosed) })
			if c.closed.Load() {
				c.log.Debug("NATS connection closed")
				return
			}
			if err := conn.LastError(); err != nil {
				c.log.Error("NATS connection closed with error", applogger.Error(err))
				return
			}
			c.log.Warn("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.log.Warn("NATS async error", applogger.Error(err))
		}),
	}
	if c.cfg.User != "" {
		opts = append(opts, nats.UserInfo(c.cfg.User, c.cfg.Password))
	}
	return opts
}

// Subscribe provisions the stream and the durable consumer. Both steps are
// idempotent: existing resources are reused.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	js := c.js
	c.mu.Unlock()
	if js == nil {
		return ErrNotConnected
	}

	stream, err := c.ensureStream(ctx, js)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	return c.ensureConsumer(ctx)
}

func (c *Client) ensureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.CreateStream(ctx, c.cfg.streamConfig())
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		// exists with a different configuration: reuse as-is
		stream, err = js.Stream(ctx, c.cfg.Stream)
	}
	if err != nil {
		return nil, fmt.Errorf("provision stream %s: %w", c.cfg.Stream, err)
	}
	return stream, nil
}

func (c *Client) ensureConsumer(ctx context.Context) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return ErrNotSubscribed
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, c.cfg.consumerConfig())
	if err != nil {
		return fmt.Errorf("provision consumer %s: %w", c.cfg.Durable, err)
	}

	c.mu.Lock()
	c.consumer = cons
	c.mu.Unlock()

	c.log.Info("durable consumer ready",
		applogger.String("stream", c.cfg.Stream),
		applogger.String("durable", c.cfg.Durable),
		applogger.String("filter", c.cfg.Subjects),
		applogger.Duration("inactive_threshold", c.cfg.InactiveThreshold),
	)
	return nil
}

// Consume delivers messages to h one at a time until ctx is done or Close is
// called. A message is acknowledged only after h returns nil.
func (c *Client) Consume(ctx context.Context, h bus.Handler) error {
	for {
		iter, err := c.messages()
		if err != nil {
			return err
		}

		err = c.drain(ctx, iter, h)
		if !errors.Is(err, errConsumerGone) {
			return err
		}

		c.log.Warn("durable consumer disappeared, re-provisioning", applogger.String("durable", c.cfg.Durable))
		if err := c.ensureConsumer(ctx); err != nil {
			if c.stopping(ctx) {
				return nil
			}
			return err
		}
	}
}

func (c *Client) messages() (jetstream.MessagesContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, nil
	}
	if c.consumer == nil {
		return nil, ErrNotSubscribed
	}
	iter, err := c.consumer.Messages(jetstream.PullMaxMessages(c.cfg.MaxAckPending))
	if err != nil {
		return nil, fmt.Errorf("start message iterator: %w", err)
	}
	c.iter = iter
	return iter, nil
}

func (c *Client) drain(ctx context.Context, iter jetstream.MessagesContext, h bus.Handler) error {
	if iter == nil {
		return nil
	}
	defer iter.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			iter.Stop()
		case <-stop:
		}
	}()

	consecutive := 0
	for {
		msg, err := iter.Next()
		if err != nil {
			switch {
			case c.stopping(ctx):
				return nil
			case errors.Is(err, jetstream.ErrNoHeartbeat):
				c.log.Warn("missed consumer heartbeat", applogger.String("durable", c.cfg.Durable))
				continue
			case errors.Is(err, jetstream.ErrConsumerDeleted), errors.Is(err, jetstream.ErrConsumerNotFound):
				return errConsumerGone
			case errors.Is(err, jetstream.ErrMsgIteratorClosed):
				return fmt.Errorf("message iterator closed: %w", err)
			case c.isConnClosed():
				return fmt.Errorf("connection closed: %w", err)
			}
			consecutive++
			if consecutive >= maxConsecutiveErrors {
				return fmt.Errorf("consume %s: %w", c.cfg.Durable, err)
			}
			c.log.Warn("message iterator error", applogger.Error(err))
			continue
		}
		consecutive = 0
		c.dispatch(ctx, msg, h)
	}
}

func (c *Client) dispatch(ctx context.Context, msg jetstream.Msg, h bus.Handler) {
	m := &bus.Message{
		Subject:     msg.Subject(),
		Data:        msg.Data(),
		ContentType: msg.Headers().Get("Content-Type"),
		Received:    time.Now(),
	}
	if meta, err := msg.Metadata(); err == nil {
		m.Sequence = meta.Sequence.Stream
		m.Delivered = meta.NumDelivered
	}

	if err := h.Handle(ctx, m); err != nil {
		if m.Delivered >= uint64(c.cfg.MaxDeliver) {
			c.recorder.RecordError("dropped")
			c.log.Error("message dropped after final delivery attempt",
				applogger.String("subject", m.Subject),
				applogger.Uint64("sequence", m.Sequence),
				applogger.Uint64("delivered", m.Delivered),
				applogger.Error(err),
			)
			return
		}
		c.log.Warn("message not acknowledged",
			applogger.String("subject", m.Subject),
			applogger.Uint64("sequence", m.Sequence),
			applogger.Uint64("delivered", m.Delivered),
			applogger.Error(err),
		)
		return
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), c.cfg.AckWait)
	defer cancel()
	if err := msg.DoubleAck(ackCtx); err != nil {
		c.recorder.RecordError("ack")
		c.log.Warn("ack failed",
			applogger.String("subject", m.Subject),
			applogger.Uint64("sequence", m.Sequence),
			applogger.Error(err),
		)
		return
	}
	c.recorder.RecordAck()
}

func (c *Client) stopping(ctx context.Context) bool {
	return c.closed.Load() || ctx.Err() != nil
}

func (c *Client) isConnClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil || c.conn.IsClosed()
}

// ConsumerInfo returns the broker-side view of the durable consumer.
func (c *Client) ConsumerInfo(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	c.mu.Lock()
	cons := c.consumer
	c.mu.Unlock()
	if cons == nil {
		return nil, ErrNotSubscribed
	}
	return cons.Info(ctx)
}

// Close stops consumption and drains the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		iter := c.iter
		conn := c.conn
		c.mu.Unlock()

		if iter != nil {
			iter.Stop()
		}
		if conn == nil || conn.IsClosed() {
			return
		}

		// Drain is asynchronous; the closed handler fires once it completes.
		if err := conn.Drain(); err != nil {
			closeErr = fmt.Errorf("drain connection: %w", err)
		} else {
			select {
			case <-c.connClosed:
			case <-ctx.Done():
				closeErr = fmt.Errorf("drain connection: %w", ctx.Err())
			}
		}
		conn.Close()
		c.log.Info("NATS connection closed")
	})
	return closeErr
}

var _ bus.Source = (*Client)(nil)
