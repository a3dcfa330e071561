// Copyright (C) 2023 The CMIT Authors. All Rights Reserved.

package cmit

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// A Message is the atomic unit of a CMIT exchange: an opaque id, a
// creation timestamp, a routing topic, and a payload. The id, topic, and
// timestamp are fixed at construction; the payload may be replaced until
// the message is serialized.
//
// Topic and payload values are resolved once, at assignment, into
// canonical bytes. A topic may be a string, a []byte, or a func() string
// producer. A payload additionally accepts any JSON-marshalable value,
// which is stored as its JSON text.
type Message struct {
	id      string
	ts      time.Time
	topic   []byte
	payload []byte
	value   any // structured payload recovered during decode, if any
}

// NewMessage constructs a message with the given topic and id. The
// timestamp is the time of construction and the payload is empty.
func NewMessage(topic any, id string) (*Message, error) {
	t, err := resolveText(topic, "topic")
	if err != nil {
		return nil, err
	}
	return &Message{id: id, ts: time.Now().UTC(), topic: t}, nil
}

// NewID returns a fresh random 128-bit message id in hexadecimal.
func NewID() string {
	var buf [16]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// ID returns the message id.
func (m *Message) ID() string { return m.id }

// Timestamp returns the message creation time.
func (m *Message) Timestamp() time.Time { return m.ts }

// Topic returns the routing topic.
func (m *Message) Topic() string { return string(m.topic) }

// Payload returns the canonical payload text.
func (m *Message) Payload() string { return string(m.payload) }

// PayloadValue returns the structured payload value recovered when the
// message was decoded, if there is one; otherwise it returns the payload
// text.
func (m *Message) PayloadValue() any {
	if m.value != nil {
		return m.value
	}
	return string(m.payload)
}

// SetPayload resolves v into the canonical payload bytes. A string,
// []byte, or func() string is stored as-is; a nil value clears the
// payload; anything else is JSON-encoded, and SetPayload fails if the
// encoding does.
func (m *Message) SetPayload(v any) error {
	if v == nil {
		m.payload = nil
		return nil
	}
	if p, err := resolveText(v, "payload"); err == nil {
		m.payload = p
		return nil
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("payload must be a string, []byte, func() string, or a JSON value: %w", err)
	}
	m.payload = blob
	return nil
}

// resolveText resolves a topic or payload source into canonical bytes.
func resolveText(v any, name string) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	case func() string:
		if t == nil {
			return nil, fmt.Errorf("%s producer is nil", name)
		}
		return []byte(t()), nil
	default:
		return nil, fmt.Errorf("%s must be a string, []byte, or func() string, got %T", name, v)
	}
}

// wireMessage is the JSON object carried on a message line.
type wireMessage struct {
	ID        string  `json:"_id"`
	Timestamp float64 `json:"timestamp"` // POSIX seconds
	Topic     string  `json:"topic"`
	Payload   string  `json:"payload"`
}

// wireKeys are the members every encoded message object must carry.
var wireKeys = [...]string{"_id", "timestamp", "topic", "payload"}

// Encode renders m as one framed wire line: the base64 encoding of its
// JSON object followed by CRLF.
func (m *Message) Encode() []byte {
	blob, err := json.Marshal(wireMessage{
		ID:        m.id,
		Timestamp: float64(m.ts.UnixMicro()) / 1e6,
		Topic:     string(m.topic),
		Payload:   string(m.payload),
	})
	if err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return []byte(base64.StdEncoding.EncodeToString(blob) + "\r\n")
}

// DecodeMessage parses one message line. It reports a *FormatError if the
// line is not valid base64, the blob is not a JSON object, or any of the
// required members is absent. A payload whose text begins with "{" is
// re-parsed into a structured value, available from PayloadValue.
func DecodeMessage(line []byte) (*Message, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(line)))
	if err != nil {
		return nil, &FormatError{LineType: "message", Line: string(line), Reason: "invalid base64: " + err.Error()}
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(blob, &members); err != nil {
		return nil, &FormatError{LineType: "message", Line: string(blob), Reason: "invalid JSON: " + err.Error()}
	}
	var missing []string
	for _, key := range wireKeys {
		if _, ok := members[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) != 0 {
		return nil, &FormatError{
			LineType: "message", Line: string(blob),
			Reason: "keys missing from message: " + strings.Join(missing, ", "),
		}
	}
	var wm wireMessage
	if err := json.Unmarshal(blob, &wm); err != nil {
		return nil, &FormatError{LineType: "message", Line: string(blob), Reason: "invalid member: " + err.Error()}
	}

	m := &Message{
		id:      wm.ID,
		ts:      time.UnixMicro(int64(wm.Timestamp * 1e6)).UTC(),
		topic:   []byte(wm.Topic),
		payload: []byte(wm.Payload),
	}
	if strings.HasPrefix(wm.Payload, "{") {
		if err := json.Unmarshal([]byte(wm.Payload), &m.value); err != nil {
			return nil, &FormatError{LineType: "message", Line: wm.Payload, Reason: "invalid structured payload: " + err.Error()}
		}
	}
	return m, nil
}
