package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	ev := BroadcastEvent{
		ID:        "e-1",
		Type:      EventAgentStarted,
		Source:    "photo-agent",
		Timestamp: time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC),
		Payload: map[string]any{
			"agent_name": "photo-agent",
			"status":     "online",
			"nested":     map[string]any{"count": json.Number("3"), "tags": []any{"a", "b"}},
		},
	}
	data, err := Encode(Envelope{Event: &ev})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, env.Event)
	assert.Nil(t, env.Message)
	assert.Equal(t, ev, *env.Event)
}

func TestMessageRoundTrip(t *testing.T) {
	cases := map[string]DirectMessage{
		"task": {
			ID:        "m-1",
			Kind:      KindTaskRequest,
			From:      "orchestrator",
			To:        "crm-agent",
			Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
			Payload:   map[string]any{"type": "register_client", "client_data": map[string]any{"name": "Ana"}},
		},
		"generic": {
			Kind:      KindGeneric,
			From:      "marketing-agent",
			To:        "photo-agent",
			Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
			Payload:   map[string]any{"quantity": json.Number("10")},
		},
		"empty payload": {
			Kind:    KindTaskRequest,
			From:    "a",
			To:      "b",
			Payload: map[string]any{},
		},
		"nil payload": {
			Kind: KindGeneric,
			From: "a",
			To:   "b",
		},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := EncodeMessage(msg)
			require.NoError(t, err)
			env, err := Decode(data)
			require.NoError(t, err)
			require.NotNil(t, env.Message)
			assert.Equal(t, msg, *env.Message)
		})
	}
}

func TestLargeIntegersSurviveRoundTrip(t *testing.T) {
	const big = "9007199254740993"
	inputs := map[string]string{
		"event": `{"event_type":"task.completed","agent_source":"crm-agent","timestamp":"2024-05-01T12:00:00Z","data":{"id":` + big + `,"nested":{"ids":[` + big + `]}}}`,
		"task":  `{"type":"task_request","from":"orchestrator","to":"finance-agent","timestamp":"2024-05-01T12:00:00Z","task":{"type":"create_invoice","invoice_no":` + big + `}}`,
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			env, err := Decode([]byte(in))
			require.NoError(t, err)
			out, err := Encode(env)
			require.NoError(t, err)
			assert.Contains(t, string(out), big)
			assert.NotContains(t, string(out), "9007199254740992")

			again, err := Decode(out)
			require.NoError(t, err)
			assert.Equal(t, env, again)
		})
	}

	env, err := Decode([]byte(inputs["task"]))
	require.NoError(t, err)
	n, ok := Task(env.Message.Payload).Int("invoice_no")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), n)
}

func TestTaskNumbers(t *testing.T) {
	task := Task{"a": json.Number("2.5"), "b": 3.0, "c": 7, "d": "x", "e": 1.5}

	f, ok := task.Float("a")
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)
	_, ok = task.Float("d")
	assert.False(t, ok)

	n, ok := task.Int("b")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
	n, ok = task.Int("c")
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)
	_, ok = task.Int("a")
	assert.False(t, ok)
	_, ok = task.Int("e")
	assert.False(t, ok)
	_, ok = task.Int("missing")
	assert.False(t, ok)
}

func TestEncodeRejectsAmbiguousEnvelope(t *testing.T) {
	_, err := Encode(Envelope{})
	assert.Error(t, err)
	_, err = Encode(Envelope{Event: &BroadcastEvent{Type: "x"}, Message: &DirectMessage{Kind: KindGeneric}})
	assert.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"null",
		"[]",
		"42",
		`"string"`,
		"{",
		`{}`,
		`{"event_type": ""}`,
		`{"event_type": 7}`,
		`{"event_type": "agent.started", "data": "nope"}`,
		`{"event_type": "agent.started", "timestamp": "yesterday"}`,
		`{"type": "task_request", "task": [1, 2]}`,
		`{"type": ""}`,
		`{"type": "task_request", "timestamp": 12}`,
		"\xff\xfe",
	}
	for _, in := range inputs {
		_, err := Decode([]byte(in))
		require.Errorf(t, err, "input %q", in)
		assert.True(t, errors.Is(err, ErrMalformed), "input %q: %v", in, err)
		var de *DecodeError
		assert.True(t, errors.As(err, &de))
	}
}

func TestDecodeOriginalProducerShapes(t *testing.T) {
	env, err := Decode([]byte(`{"event_type":"agent.started","agent_source":"photo-agent"}`))
	require.NoError(t, err)
	require.NotNil(t, env.Event)
	assert.Equal(t, EventAgentStarted, env.Event.Type)
	assert.True(t, env.Event.Timestamp.IsZero())

	env, err = Decode([]byte(`{"type":"direct_message","from":"a","to":"b","timestamp":"2024-05-01T12:00:00.123456","data":{"k":"v"}}`))
	require.NoError(t, err)
	require.NotNil(t, env.Message)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC), env.Message.Timestamp)
	assert.Equal(t, "v", env.Message.Payload["k"])

	env, err = Decode([]byte(`{"type":"task_request","from":"a","to":"b","data":{"type":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, TaskType("x"), Task(env.Message.Payload).Type())
}

func TestTaskHelpers(t *testing.T) {
	task := NewTask("organize_photos", map[string]any{"path": "/p", "type": "ignored"})
	assert.Equal(t, TaskType("organize_photos"), task.Type())
	assert.Equal(t, "/p", task.String("path"))
	assert.Equal(t, map[string]any{"path": "/p"}, task.Params())

	res := Failure("boom").Map()
	assert.Equal(t, "error", res["status"])
	assert.Equal(t, "boom", res["message"])
}
