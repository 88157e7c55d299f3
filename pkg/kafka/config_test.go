package kafka

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfig_WithDefaults_EmptyConfig(t *testing.T) {
	cfg := ClientConfig{}.WithDefaults()

	assert.Equal(t, DriverConfluent, cfg.Driver)
	assert.Equal(t, DefaultSessionTimeout, cfg.SessionTimeout)
	assert.Equal(t, DefaultMaxPollInterval, cfg.MaxPollInterval)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultFlushTimeout, cfg.FlushTimeout)
}

func TestClientConfig_WithDefaults_KeepsCustomValues(t *testing.T) {
	cfg := ClientConfig{
		Driver:         DriverFranz,
		SessionTimeout: 5 * time.Minute,
		FlushTimeout:   30 * time.Second,
	}.WithDefaults()

	assert.Equal(t, DriverFranz, cfg.Driver)
	assert.Equal(t, 5*time.Minute, cfg.SessionTimeout, "SessionTimeout should keep custom value")
	assert.Equal(t, 30*time.Second, cfg.FlushTimeout, "FlushTimeout should keep custom value")
	assert.Equal(t, DefaultMaxPollInterval, cfg.MaxPollInterval, "MaxPollInterval should get default")
}

func TestClientConfig_FromEnv(t *testing.T) {
	t.Setenv("KAFKA_DRIVER", "franz")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "broker-1:9092, broker-2:9092")
	t.Setenv("KAFKA_SASL_USERNAME", "user")

	var cfg ClientConfig
	require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Prefix: "KAFKA_"}))

	assert.Equal(t, DriverFranz, cfg.Driver)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Brokers())
	assert.Equal(t, "kafka-pipeline", cfg.GroupID)
	assert.Equal(t, "earliest", cfg.AutoOffsetReset)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.SASL.Enabled())
	assert.Equal(t, "SCRAM-SHA-512", cfg.SASL.Mechanism)
	require.NoError(t, cfg.Validate())
}

func TestClientConfig_Validate(t *testing.T) {
	valid := ClientConfig{
		Driver:           DriverConfluent,
		BootstrapServers: "localhost:9092",
		GroupID:          "g",
		AutoOffsetReset:  "earliest",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ClientConfig)
	}{
		{"unknown driver", func(c *ClientConfig) { c.Driver = "sarama" }},
		{"no brokers", func(c *ClientConfig) { c.BootstrapServers = " , " }},
		{"no group", func(c *ClientConfig) { c.GroupID = "" }},
		{"bad offset reset", func(c *ClientConfig) { c.AutoOffsetReset = "none" }},
		{"bad sasl mechanism", func(c *ClientConfig) {
			c.SASL = SASLConfig{Username: "u", Mechanism: "GSSAPI", SecurityProtocol: "SASL_SSL"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSASLConfig_ApplyToConfigMap(t *testing.T) {
	cm := cKafka.ConfigMap{}
	SASLConfig{}.ApplyToConfigMap(&cm)
	assert.Empty(t, cm)

	SASLConfig{
		Username:         "user",
		Password:         "secret",
		Mechanism:        "PLAIN",
		SecurityProtocol: "SASL_PLAINTEXT",
	}.ApplyToConfigMap(&cm)
	assert.Equal(t, "SASL_PLAINTEXT", cm["security.protocol"])
	assert.Equal(t, "PLAIN", cm["sasl.mechanisms"])
	assert.Equal(t, "user", cm["sasl.username"])
	assert.Equal(t, "secret", cm["sasl.password"])
}
