package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientID(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		suffix string
		want   string
	}{
		{name: "no suffix", base: "kafka-pipeline", suffix: "", want: "kafka-pipeline"},
		{name: "blank suffix", base: "kafka-pipeline", suffix: "  ", want: "kafka-pipeline"},
		{name: "index", base: "kafka-pipeline", suffix: "3", want: "kafka-pipeline-3"},
		{name: "trimmed", base: "kafka-pipeline", suffix: " 0 ", want: "kafka-pipeline-0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClientID(tt.base, tt.suffix))
		})
	}
}

func TestInstanceClientID(t *testing.T) {
	t.Setenv(InstanceIndexEnv, "2")
	assert.Equal(t, "kafka-pipeline-2", InstanceClientID("kafka-pipeline"))

	t.Setenv(InstanceIndexEnv, "")
	assert.Equal(t, "kafka-pipeline", InstanceClientID("kafka-pipeline"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitList(" a:9092 , b:9092,"))
	assert.Nil(t, SplitList(""))
	assert.Nil(t, SplitList(" , "))
}

func TestNewSugaredLogger(t *testing.T) {
	for _, verbose := range []bool{true, false} {
		log, err := NewSugaredLogger(verbose)
		require.NoError(t, err)
		require.NotNil(t, log)
		assert.Equal(t, verbose, log.Desugar().Core().Enabled(-1))
		assert.Equal(t, LoggerName, log.Desugar().Name())
	}
}
