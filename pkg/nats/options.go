package nats

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Option configures Client.
type Option func(*Config)

// Config holds connection, stream and durable consumer settings.
type Config struct {
	Servers        []string
	User           string
	Password       string
	ClientName     string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration

	Stream   string
	Subjects string

	Durable           string
	InactiveThreshold time.Duration
	AckWait           time.Duration
	MaxAckPending     int
	MaxDeliver        int
}

func defaultConfig() *Config {
	return &Config{
		ConnectTimeout:    5 * time.Second,
		ReconnectWait:     time.Second,
		InactiveThreshold: 10 * time.Minute,
		AckWait:           30 * time.Second,
		MaxAckPending:     1,
		MaxDeliver:        5,
	}
}

func (c *Config) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:     c.Stream,
		Subjects: []string{c.Subjects},
		Storage:  jetstream.FileStorage,
	}
}

// consumerConfig describes the durable consumer: explicit acks, new messages
// only, reclaimed by the server after InactiveThreshold without a client.
// The server stops redelivering a message after MaxDeliver attempts.
func (c *Config) consumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:           c.Durable,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		FilterSubject:     c.Subjects,
		InactiveThreshold: c.InactiveThreshold,
		AckWait:           c.AckWait,
		MaxAckPending:     c.MaxAckPending,
		MaxDeliver:        c.MaxDeliver,
	}
}

// WithServers sets the NATS server URLs.
func WithServers(servers []string) Option {
	return func(c *Config) {
		c.Servers = servers
	}
}

// WithCredentials sets user/password authentication.
func WithCredentials(user, password string) Option {
	return func(c *Config) {
		c.User = user
		c.Password = password
	}
}

// WithClientName sets the name identifying this client to the server.
func WithClientName(name string) Option {
	return func(c *Config) {
		c.ClientName = name
	}
}

// WithTimeouts sets the dial timeout and the wait between reconnect attempts.
func WithTimeouts(connect, reconnectWait time.Duration) Option {
	return func(c *Config) {
		if connect > 0 {
			c.ConnectTimeout = connect
		}
		if reconnectWait > 0 {
			c.ReconnectWait = reconnectWait
		}
	}
}

// WithStream sets the stream name and the subject filter it collects.
func WithStream(name, subjects string) Option {
	return func(c *Config) {
		c.Stream = name
		c.Subjects = subjects
	}
}

// WithDurable sets the durable consumer name.
func WithDurable(name string) Option {
	return func(c *Config) {
		c.Durable = name
	}
}

// WithInactiveThreshold sets how long the server keeps an idle durable consumer.
func WithInactiveThreshold(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InactiveThreshold = d
		}
	}
}

// WithAckWait sets the redelivery timeout for unacknowledged messages.
func WithAckWait(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.AckWait = d
		}
	}
}

// WithMaxAckPending bounds unacknowledged in-flight messages.
func WithMaxAckPending(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAckPending = n
		}
	}
}

// WithMaxDeliver bounds delivery attempts per message.
func WithMaxDeliver(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxDeliver = n
		}
	}
}
