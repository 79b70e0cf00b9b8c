package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/careflow/internal/runtime/config"
	"github.com/careflow/careflow/transport"
)

func TestChannelIsRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestBuildRoundTrip(t *testing.T) {
	cfg := config.Config{ServiceName: "test", PubSubSystem: "channel"}.WithDefaults()

	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, tr.Publisher)
	require.NotNil(t, tr.Subscriber)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := tr.Subscriber.Subscribe(ctx, "PatientEvent")
	require.NoError(t, err)

	sent := message.NewMessage(watermill.NewUUID(), []byte(`{"event":"admit"}`))
	sent.Metadata.Set("X-Correlation-Id", "abc")
	require.NoError(t, tr.Publisher.Publish("PatientEvent", sent))

	select {
	case received := <-messages:
		assert.Equal(t, sent.UUID, received.UUID)
		assert.Equal(t, sent.Payload, received.Payload)
		assert.Equal(t, "abc", received.Metadata.Get("X-Correlation-Id"))
		received.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}
