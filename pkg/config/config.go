package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gopkg.in/yaml.v3"
)

// ClientNamePrefix prefixes generated NATS client and durable consumer names.
const ClientNamePrefix = "gtfs-rt-feed-"

type Config struct {
	Environment string `yaml:"environment" default:"production" validate:"required"`
	Server      struct {
		Port            int           `yaml:"port" default:"3000" validate:"gt=0,lt=65536"`
		MetricsPort     int           `yaml:"metrics_port" default:"9323" validate:"gte=0,lt=65536"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"2s" validate:"gt=0"`
		ForceExitDelay  time.Duration `yaml:"force_exit_delay" default:"3s" validate:"gt=0"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
		Format string `yaml:"format" default:"json" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	Bus struct {
		Driver string `yaml:"driver" default:"nats" validate:"oneof=nats kafka"`
	} `yaml:"bus"`
	NATS struct {
		Servers           []string      `yaml:"servers" default:"[\"nats://localhost:4222\"]"`
		User              string        `yaml:"user"`
		Password          string        `yaml:"password"`
		ClientName        string        `yaml:"client_name"`
		Stream            string        `yaml:"stream" default:"TRIP_UPDATES" validate:"required,excludesall=.*>"`
		SubjectPrefix     string        `yaml:"subject_prefix" default:"trip_updates." validate:"required"`
		DurableName       string        `yaml:"durable_name" validate:"omitempty,excludesall=.*>"`
		InactiveThreshold time.Duration `yaml:"inactive_threshold" default:"10m" validate:"gt=0"`
		AckWait           time.Duration `yaml:"ack_wait" default:"30s" validate:"gt=0"`
		MaxAckPending     int           `yaml:"max_ack_pending" default:"1" validate:"gt=0"`
		MaxDeliver        int           `yaml:"max_deliver" default:"5" validate:"gt=0"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"5s"`
		ReconnectWait     time.Duration `yaml:"reconnect_wait" default:"1s"`
	} `yaml:"nats"`
	Kafka struct {
		Brokers     []string      `yaml:"brokers" default:"[\"localhost:9092\"]"`
		Topic       string        `yaml:"topic" default:"trip_updates"`
		GroupID     string        `yaml:"group_id"`
		MinBytes    int           `yaml:"min_bytes" default:"1"`
		MaxBytes    int           `yaml:"max_bytes" default:"10000000"`
		DialTimeout time.Duration `yaml:"dial_timeout" default:"5s" validate:"gt=0"`
	} `yaml:"kafka"`
	Feed struct {
		CoalesceWindow     time.Duration `yaml:"coalesce_window" default:"100ms" validate:"gt=0"`
		StalenessThreshold time.Duration `yaml:"staleness_threshold" default:"5m" validate:"gt=0"`
		EntityTTL          time.Duration `yaml:"entity_ttl" default:"5m" validate:"gt=0"`
		Compression        struct {
			BrotliMaxSize int `yaml:"brotli_max_size" default:"1048576" validate:"gte=0"`
			ZstdMaxSize   int `yaml:"zstd_max_size" default:"16777216" validate:"gte=0"`
			GzipMaxSize   int `yaml:"gzip_max_size" default:"20971520" validate:"gte=0"`
		} `yaml:"compression"`
	} `yaml:"feed"`
}

// env holds the environment overrides understood by LoadWithEnv.
type env struct {
	Environment string   `envconfig:"APP_ENV"`
	Port        int      `envconfig:"PORT"`
	MetricsPort int      `envconfig:"METRICS_PORT"`
	LogLevel    string   `envconfig:"LOG_LEVEL"`
	BusDriver   string   `envconfig:"BUS_DRIVER"`
	NATSServers []string `envconfig:"NATS_SERVERS"`
	NATSUser    string   `envconfig:"NATS_USER"`
	NATSPass    string   `envconfig:"NATS_PASSWORD"`
	ClientName  string   `envconfig:"NATS_CLIENT_NAME"`
	Stream      string   `envconfig:"NATS_STREAM"`
	DurableName string   `envconfig:"NATS_DURABLE_NAME"`
	KafkaBroker []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic  string   `envconfig:"KAFKA_TOPIC"`
}

var validate = validator.New()

// Default returns a configuration populated from struct defaults only.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	return &c, nil
}

// Load reads and parses a YAML configuration file on top of the defaults.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// Call Finalize once all overrides (e.g. CLI flags) have been applied.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	var e env
	if err := envconfig.Process("", &e); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if e.Environment != "" {
		c.Environment = e.Environment
	}
	if e.Port != 0 {
		c.Server.Port = e.Port
	}
	if e.MetricsPort != 0 {
		c.Server.MetricsPort = e.MetricsPort
	}
	if e.LogLevel != "" {
		c.Log.Level = strings.ToLower(e.LogLevel)
	}
	if e.BusDriver != "" {
		c.Bus.Driver = e.BusDriver
	}
	if len(e.NATSServers) > 0 {
		c.NATS.Servers = e.NATSServers
	}
	if e.NATSUser != "" {
		c.NATS.User = e.NATSUser
	}
	if e.NATSPass != "" {
		c.NATS.Password = e.NATSPass
	}
	if e.ClientName != "" {
		c.NATS.ClientName = e.ClientName
	}
	if e.Stream != "" {
		c.NATS.Stream = e.Stream
	}
	if e.DurableName != "" {
		c.NATS.DurableName = e.DurableName
	}
	if len(e.KafkaBroker) > 0 {
		c.Kafka.Brokers = e.KafkaBroker
	}
	if e.KafkaTopic != "" {
		c.Kafka.Topic = e.KafkaTopic
	}

	return c, nil
}

var durableUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Finalize fills derived values (client name, durable name, Kafka group)
// and validates the result.
func (c *Config) Finalize() error {
	if c.NATS.ClientName == "" {
		suffix, err := gonanoid.Generate("0123456789abcdef", 4)
		if err != nil {
			return fmt.Errorf("generate client name: %w", err)
		}
		c.NATS.ClientName = ClientNamePrefix + suffix
	}
	if c.NATS.DurableName == "" {
		c.NATS.DurableName = durableUnsafe.ReplaceAllString(c.NATS.ClientName, "_")
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = c.NATS.DurableName
	}
	if !strings.HasSuffix(c.NATS.SubjectPrefix, ".") {
		c.NATS.SubjectPrefix += "."
	}
	return c.Validate()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Bus.Driver {
	case "nats":
		if len(c.NATS.Servers) == 0 {
			return fmt.Errorf("nats.servers cannot be empty")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic are required")
		}
	}
	return nil
}

// Subjects returns the subject filter covering every update message.
func (c *Config) Subjects() string {
	return c.NATS.SubjectPrefix + ">"
}
