package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectWithoutURLIsNoop(t *testing.T) {
	bus := Connect("")

	assert.NoError(t, bus.PublishConfigChanged(context.Background(), ConfigChange{
		RecordType: "origin", RecordID: "o1", Action: "created",
	}))
	assert.NoError(t, bus.SubscribeConfigChanged(func(ConfigChange) {
		t.Fatal("noop bus must not deliver events")
	}))
	assert.NoError(t, bus.Close())
}

func TestDecodeChange(t *testing.T) {
	envelope := EventEnvelope{
		Type:          SubjectChanged,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: "corr-1",
		Payload:       ConfigChange{RecordType: "policy", RecordID: "p1", Action: "deleted"},
	}
	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	change, err := decodeChange(data)
	require.NoError(t, err)
	assert.Equal(t, ConfigChange{RecordType: "policy", RecordID: "p1", Action: "deleted"}, change)
}

func TestDecodeChangeRejectsGarbage(t *testing.T) {
	_, err := decodeChange([]byte("not json"))
	assert.Error(t, err)

	// Envelope whose payload is not a change record
	_, err = decodeChange([]byte(`{"type":"pxg.config.changed","payload":"just a string"}`))
	assert.Error(t, err)
}
