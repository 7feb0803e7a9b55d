package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEnvelopeMarshalJSON(t *testing.T) {
	id := uuid.New()
	conv := uuid.New()
	ts := strfmt.DateTime(time.Now().UTC().Truncate(time.Millisecond))
	env := Envelope{
		ID:             id,
		Topic:          TopicModeTransitionRequest,
		SchemaVersion:  1,
		ConversationID: conv,
		Timestamp:      ts,
		Payload:        ModeTransitionRequested{Target: "interactive", Source: "test"},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	result := gjson.ParseBytes(data)
	assert.Equal(t, id.String(), result.Get("id").String())
	assert.Equal(t, "mode/transition/request", result.Get("topic").String())
	assert.Equal(t, int64(1), result.Get("schema_version").Int())
	assert.Equal(t, conv.String(), result.Get("conversation_id").String())
	assert.Equal(t, "interactive", result.Get("payload.target").String())
	assert.Equal(t, "test", result.Get("payload.source").String())
}

func TestEnvelopeMarshalJSONOmitsZeroConversation(t *testing.T) {
	env := Envelope{
		ID:            uuid.New(),
		Topic:         TopicModeTransitionRequest,
		SchemaVersion: 1,
		Timestamp:     strfmt.DateTime(time.Now()),
		Payload:       ModeTransitionRequested{Target: "idle"},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(data, "conversation_id").Exists())
}

func TestDecodeEnvelope(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[ModeTransitionRequested](r, TopicModeTransitionRequest, 1))

	original := Envelope{
		ID:             uuid.New(),
		Topic:          TopicModeTransitionRequest,
		SchemaVersion:  1,
		ConversationID: uuid.New(),
		Timestamp:      strfmt.DateTime(time.Now().UTC().Truncate(time.Millisecond)),
		Payload:        ModeTransitionRequested{Target: "ambient"},
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := r.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Topic, decoded.Topic)
	assert.Equal(t, original.ConversationID, decoded.ConversationID)
	assert.Equal(t, original.Payload, decoded.Payload)
}

func TestConversationContext(t *testing.T) {
	t.Run("round-trips an ID", func(t *testing.T) {
		id := uuid.New()
		ctx := WithConversation(context.Background(), id)
		got, ok := ConversationFrom(ctx)
		require.True(t, ok)
		assert.Equal(t, id, got)
	})

	t.Run("absent by default", func(t *testing.T) {
		_, ok := ConversationFrom(context.Background())
		assert.False(t, ok)
	})

	t.Run("nil UUID reads as absent", func(t *testing.T) {
		ctx := WithConversation(context.Background(), uuid.Nil)
		_, ok := ConversationFrom(ctx)
		assert.False(t, ok)
	})
}

func TestPayloadValidation(t *testing.T) {
	tid := uuid.New()
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"status change ok", ServiceStatusChanged{Service: "stt", From: "created", To: "starting"}, false},
		{"status change same from/to", ServiceStatusChanged{Service: "stt", From: "running", To: "running"}, true},
		{"status change missing service", ServiceStatusChanged{From: "created", To: "starting"}, true},
		{"heartbeat ok", ServiceHeartbeat{Service: "stt", Status: "running", UptimeSeconds: 12.5}, false},
		{"heartbeat negative uptime", ServiceHeartbeat{Service: "stt", Status: "running", UptimeSeconds: -1}, true},
		{"handler failed ok", HandlerFailed{Topic: "ping", Subscription: "abc", Reason: "boom"}, false},
		{"handler failed missing reason", HandlerFailed{Topic: "ping", Subscription: "abc"}, true},
		{"transition started ok", ModeTransitionStarted{TransitionID: tid, From: "idle", To: "interactive"}, false},
		{"transition started nil id", ModeTransitionStarted{From: "idle", To: "interactive"}, true},
		{"transition failed missing reason", ModeTransitionFailed{TransitionID: tid, From: "idle", To: "interactive"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
