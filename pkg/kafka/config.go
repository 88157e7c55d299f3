package kafka

import (
	"errors"
	"fmt"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/ava-labs/kafka-pipeline/pkg/utils"
)

// Client drivers.
const (
	DriverConfluent = "confluent"
	DriverFranz     = "franz"
)

// Default timeout values for Kafka clients
const (
	DefaultSessionTimeout  = 45 * time.Second
	DefaultMaxPollInterval = 300 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultFlushTimeout    = 15 * time.Second
)

// ClientConfig holds the configuration shared by both client drivers.
// Fields are read from the environment with the KAFKA_ prefix.
type ClientConfig struct {
	Driver           string        `env:"DRIVER"            envDefault:"confluent"`      // Client library: "confluent" or "franz"
	BootstrapServers string        `env:"BOOTSTRAP_SERVERS" envDefault:"localhost:9092"` // Kafka broker addresses (comma-separated)
	GroupID          string        `env:"GROUP_ID"          envDefault:"kafka-pipeline"` // Consumer group ID for offset management
	ClientID         string        `env:"CLIENT_ID"         envDefault:"kafka-pipeline"` // Client id reported to brokers
	AutoOffsetReset  string        `env:"AUTO_OFFSET_RESET" envDefault:"earliest"`       // Offset reset strategy: "earliest" or "latest"
	EnableLogs       bool          `env:"ENABLE_LOGS"       envDefault:"false"`          // Forward client library logs to the application logger
	SessionTimeout   time.Duration `env:"SESSION_TIMEOUT"   envDefault:"45s"`
	MaxPollInterval  time.Duration `env:"MAX_POLL_INTERVAL" envDefault:"300s"`
	PollInterval     time.Duration `env:"POLL_INTERVAL"     envDefault:"100ms"`
	FlushTimeout     time.Duration `env:"FLUSH_TIMEOUT"     envDefault:"15s"` // Producer flush timeout on close
	SASL             SASLConfig    `envPrefix:"SASL_"`
}

// SASLConfig holds optional SASL authentication settings. Authentication is
// disabled when Username is empty.
type SASLConfig struct {
	Username         string `env:"USERNAME"`
	Password         string `env:"PASSWORD"`
	Mechanism        string `env:"MECHANISM"         envDefault:"SCRAM-SHA-512"` // SCRAM-SHA-256, SCRAM-SHA-512 or PLAIN
	SecurityProtocol string `env:"SECURITY_PROTOCOL" envDefault:"SASL_SSL"`      // SASL_SSL or SASL_PLAINTEXT
}

// Enabled reports whether SASL credentials were provided.
func (s SASLConfig) Enabled() bool {
	return s.Username != ""
}

// ApplyToConfigMap adds the SASL settings to a librdkafka config map.
func (s SASLConfig) ApplyToConfigMap(cm *cKafka.ConfigMap) {
	if !s.Enabled() {
		return
	}
	(*cm)["security.protocol"] = s.SecurityProtocol
	(*cm)["sasl.mechanisms"] = s.Mechanism
	(*cm)["sasl.username"] = s.Username
	(*cm)["sasl.password"] = s.Password
}

// WithDefaults returns a copy of the config with zero durations replaced by defaults.
// This method does not mutate the original config.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.Driver == "" {
		c.Driver = DriverConfluent
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.MaxPollInterval == 0 {
		c.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	return c
}

// Brokers splits BootstrapServers into trimmed, non-empty addresses.
func (c ClientConfig) Brokers() []string {
	return utils.SplitList(c.BootstrapServers)
}

// Validate checks the config can be used to build a client.
func (c ClientConfig) Validate() error {
	var errs []error
	switch c.Driver {
	case DriverConfluent, DriverFranz:
	default:
		errs = append(errs, fmt.Errorf("unknown kafka driver %q", c.Driver))
	}
	if len(c.Brokers()) == 0 {
		errs = append(errs, errors.New("bootstrap servers cannot be empty"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("group id cannot be empty"))
	}
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("auto offset reset must be earliest or latest, got %q", c.AutoOffsetReset))
	}
	if c.SASL.Enabled() {
		switch c.SASL.Mechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			errs = append(errs, fmt.Errorf("unsupported sasl mechanism %q", c.SASL.Mechanism))
		}
		switch c.SASL.SecurityProtocol {
		case "SASL_SSL", "SASL_PLAINTEXT":
		default:
			errs = append(errs, fmt.Errorf("unsupported security protocol %q", c.SASL.SecurityProtocol))
		}
	}
	return errors.Join(errs...)
}
