package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// timestamp layouts accepted on decode; producers without a zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

type wireEvent struct {
	ID        string         `json:"id,omitempty"`
	EventType string         `json:"event_type"`
	Source    string         `json:"agent_source"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type wireMessage struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Timestamp string         `json:"timestamp"`
	Task      map[string]any `json:"task"`
	Data      map[string]any `json:"data"`
}

// Encode serializes an envelope holding exactly one of Event or Message.
func Encode(env Envelope) ([]byte, error) {
	switch {
	case env.Event != nil && env.Message == nil:
		return EncodeEvent(*env.Event)
	case env.Message != nil && env.Event == nil:
		return EncodeMessage(*env.Message)
	}
	return nil, errors.New("envelope must hold exactly one of event or message")
}

// EncodeEvent serializes a broadcast event.
func EncodeEvent(ev BroadcastEvent) ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:        ev.ID,
		EventType: string(ev.Type),
		Source:    ev.Source,
		Timestamp: formatTime(ev.Timestamp),
		Data:      ev.Payload,
	})
}

// EncodeMessage serializes a direct message. Task requests carry their payload
// under "task", everything else under "data".
func EncodeMessage(m DirectMessage) ([]byte, error) {
	out := map[string]any{
		"type":      string(m.Kind),
		"from":      m.From,
		"to":        m.To,
		"timestamp": formatTime(m.Timestamp),
	}
	if m.ID != "" {
		out["id"] = m.ID
	}
	out[payloadKey(m.Kind)] = m.Payload
	return json.Marshal(out)
}

// Decode parses a wire payload. It never panics; every failure is a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, &DecodeError{Reason: "not a JSON object", Err: err}
	}
	if raw == nil {
		return Envelope{}, &DecodeError{Reason: "null envelope"}
	}
	if _, ok := raw["event_type"]; ok {
		ev, err := decodeEvent(data)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Event: &ev}, nil
	}
	if _, ok := raw["type"]; ok {
		msg, err := decodeMessage(data, raw)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Message: &msg}, nil
	}
	return Envelope{}, &DecodeError{Reason: "neither event_type nor type present"}
}

func decodeEvent(data []byte) (BroadcastEvent, error) {
	var w wireEvent
	if err := unmarshal(data, &w); err != nil {
		return BroadcastEvent{}, &DecodeError{Reason: "broadcast event", Err: err}
	}
	if w.EventType == "" {
		return BroadcastEvent{}, &DecodeError{Reason: "empty event_type"}
	}
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return BroadcastEvent{}, &DecodeError{Reason: "timestamp", Err: err}
	}
	return BroadcastEvent{
		ID:        w.ID,
		Type:      EventType(w.EventType),
		Source:    w.Source,
		Timestamp: ts,
		Payload:   w.Data,
	}, nil
}

func decodeMessage(data []byte, raw map[string]json.RawMessage) (DirectMessage, error) {
	var w wireMessage
	if err := unmarshal(data, &w); err != nil {
		return DirectMessage{}, &DecodeError{Reason: "direct message", Err: err}
	}
	if w.Type == "" {
		return DirectMessage{}, &DecodeError{Reason: "empty type"}
	}
	ts, err := parseTime(w.Timestamp)
	if err != nil {
		return DirectMessage{}, &DecodeError{Reason: "timestamp", Err: err}
	}
	kind := MessageKind(w.Type)
	payload := w.Data
	if _, ok := raw[payloadKey(kind)]; ok {
		if kind.IsTask() {
			payload = w.Task
		}
	} else if _, ok := raw["task"]; ok {
		payload = w.Task
	}
	return DirectMessage{
		ID:        w.ID,
		Kind:      kind,
		From:      w.From,
		To:        w.To,
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

// unmarshal decodes payload numbers as json.Number so integers beyond 2^53
// survive a decode/encode cycle unchanged.
func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func payloadKey(k MessageKind) string {
	if k.IsTask() {
		return "task"
	}
	return "data"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		t, err = time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}
