package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfig struct {
	system string
}

func (c stubConfig) GetPubSubSystem() string        { return c.system }
func (c stubConfig) GetKafkaBrokers() []string      { return nil }
func (c stubConfig) GetKafkaConsumerGroup() string  { return "" }
func (c stubConfig) GetKafkaSASLMechanism() string  { return "" }
func (c stubConfig) GetKafkaSASLUsername() string   { return "" }
func (c stubConfig) GetKafkaSASLPassword() string   { return "" }

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	built := false
	r.Register("test", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		built = true
		return Transport{}, nil
	})

	assert.True(t, r.Has("test"))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, []string{"test"}, r.Names())

	_, err := r.Build(context.Background(), stubConfig{system: "test"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.True(t, built)
}

func TestRegistryBuildUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(context.Background(), stubConfig{system: "nope"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "unknown transport")
}

func TestRegistryBuildNilConfig(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(context.Background(), nil, watermill.NopLogger{})
	assert.Error(t, err)
}
