package link

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Message types on the device wire protocol.
const (
	TypeTelemetry    = "telemetry"
	TypeState        = "state"
	TypeCommand      = "command"
	TypeAck          = "ack"
	TypeHeartbeat    = "heartbeat"
	TypeAuthResponse = "auth_response"
)

// Auth response statuses.
const (
	AuthStatusOK     = "ok"
	AuthStatusDenied = "denied"
)

// envelopeKeys are stripped when a message without a payload object is
// read as a flat set of fields.
var envelopeKeys = map[string]struct{}{
	"type":     {},
	"deviceId": {},
	"token":    {},
}

// Message is a decoded JSON object from a device.
type Message struct {
	Type     string
	DeviceID string
	Token    string

	fields map[string]json.RawMessage
}

// DecodeMessage parses a JSON object. Anything other than an object returns
// ErrInvalidMessage. Non-string type, deviceId and token values are treated
// as absent.
func DecodeMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrInvalidMessage)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	return Message{
		Type:     stringField(fields, "type"),
		DeviceID: stringField(fields, "deviceId"),
		Token:    stringField(fields, "token"),
		fields:   fields,
	}, nil
}

// Payload returns the message body: the "payload" object when present,
// otherwise the top-level fields minus the envelope keys.
func (m Message) Payload() map[string]json.RawMessage {
	if raw, ok := m.fields["payload"]; ok {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
			return obj
		}
	}

	out := make(map[string]json.RawMessage, len(m.fields))
	for k, v := range m.fields {
		if _, skip := envelopeKeys[k]; skip || k == "payload" {
			continue
		}
		out[k] = v
	}
	return out
}

// Telemetry extracts numeric fields from the payload. Numbers and numeric
// strings are accepted; everything else (and NaN or infinities) is skipped.
func (m Message) Telemetry() map[string]float64 {
	out := make(map[string]float64)
	for k, raw := range m.Payload() {
		if isNull(raw) {
			continue
		}
		if v, ok := numberValue(raw); ok {
			out[k] = v
		}
	}
	return out
}

// RelayStates extracts relay states from the payload. Any non-zero number
// (or numeric string) and true mean on.
func (m Message) RelayStates() map[string]bool {
	out := make(map[string]bool)
	for k, raw := range m.Payload() {
		if isNull(raw) {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			out[k] = b
			continue
		}
		if v, ok := numberValue(raw); ok {
			out[k] = v != 0
		}
	}
	return out
}

// isNull reports a JSON null. Unmarshal accepts null into any type as a
// no-op, which would otherwise read as zero or false.
func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func numberValue(raw json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// authResponse is the server's reply to a handshake.
type authResponse struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// encodeAuthResponse returns the JSON auth_response body.
func encodeAuthResponse(ok bool) []byte {
	status := AuthStatusDenied
	if ok {
		status = AuthStatusOK
	}
	b, _ := json.Marshal(authResponse{Type: TypeAuthResponse, Status: status}) //nolint:errcheck // Fixed shape cannot fail
	return b
}
