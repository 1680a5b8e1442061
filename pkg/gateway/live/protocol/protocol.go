// Package protocol implements the two-layer frame codec spoken on the live
// socket: an Engine.IO v4 style transport envelope carrying Socket.IO v5
// style application packets.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EngineVersion is the only transport revision accepted in the handshake query.
const EngineVersion = "4"

// DefaultMaxPayload admits roughly 10 MB of audio once base64 encoded.
const DefaultMaxPayload = 12 << 20

// PacketType is the outer transport packet type.
type PacketType byte

const (
	PacketOpen PacketType = iota
	PacketClose
	PacketPing
	PacketPong
	PacketMessage
	PacketUpgrade
	PacketNoop
)

func (p PacketType) String() string {
	switch p {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	default:
		return "packet(" + strconv.Itoa(int(p)) + ")"
	}
}

// MessageType is the inner application packet type carried by PacketMessage.
type MessageType byte

const (
	MessageConnect MessageType = iota
	MessageDisconnect
	MessageEvent
	MessageAck
	MessageConnectError
	messageBinaryEvent
	messageBinaryAck
)

type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func decodeErr(code, format string, args ...any) *DecodeError {
	return &DecodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Frame is one decoded socket frame. Message fields are only meaningful
// when HasMessage is true.
type Frame struct {
	Packet     PacketType
	HasMessage bool
	Message    MessageType
	Namespace  string
	AckID      *int64
	Event      string
	Data       json.RawMessage
	// Payload is the raw body of non-message packets (open JSON, upgrade ping).
	Payload []byte
}

// OpenPayload is sent by the server right after the upgrade.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// ConnectAuth is the optional body of a client connect packet.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// Decode parses one frame. Errors are *DecodeError; callers log and drop.
func Decode(raw []byte, maxPayload int) (Frame, error) {
	if maxPayload > 0 && len(raw) > maxPayload {
		return Frame{}, decodeErr("payload_too_large", "frame of %d bytes exceeds %d", len(raw), maxPayload)
	}
	if len(raw) == 0 {
		return Frame{}, decodeErr("empty_frame", "empty frame")
	}
	if raw[0] < '0' || raw[0] > '6' {
		return Frame{}, decodeErr("unknown_packet", "unknown packet type %q", raw[0])
	}
	f := Frame{Packet: PacketType(raw[0] - '0')}
	rest := raw[1:]
	if f.Packet != PacketMessage {
		if len(rest) > 0 {
			f.Payload = append([]byte(nil), rest...)
		}
		return f, nil
	}

	if len(rest) == 0 || rest[0] < '0' || rest[0] > '6' {
		return Frame{}, decodeErr("unknown_message", "missing or unknown message type")
	}
	f.HasMessage = true
	f.Message = MessageType(rest[0] - '0')
	rest = rest[1:]
	if f.Message == messageBinaryEvent || f.Message == messageBinaryAck {
		return Frame{}, decodeErr("unknown_message", "binary attachments are not supported")
	}

	if len(rest) > 0 && rest[0] == '/' {
		idx := bytes.IndexByte(rest, ',')
		if idx < 0 {
			f.Namespace = string(rest)
			rest = nil
		} else {
			f.Namespace = string(rest[:idx])
			rest = rest[idx+1:]
		}
	}
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n > 0 {
		id, err := strconv.ParseInt(string(rest[:n]), 10, 64)
		if err != nil {
			return Frame{}, decodeErr("unknown_message", "invalid ack id")
		}
		f.AckID = &id
		rest = rest[n:]
	}

	switch f.Message {
	case MessageEvent:
		var parts []json.RawMessage
		if err := json.Unmarshal(rest, &parts); err != nil {
			return Frame{}, decodeErr("bad_event", "event body is not a JSON array: %v", err)
		}
		if len(parts) == 0 {
			return Frame{}, decodeErr("bad_event", "event array is empty")
		}
		if err := json.Unmarshal(parts[0], &f.Event); err != nil || strings.TrimSpace(f.Event) == "" {
			return Frame{}, decodeErr("bad_event", "event name must be a non-empty string")
		}
		if len(parts) > 1 {
			f.Data = parts[1]
		}
	default:
		if len(bytes.TrimSpace(rest)) > 0 {
			if !json.Valid(rest) {
				return Frame{}, decodeErr("bad_event", "message body is not valid JSON")
			}
			f.Data = append(json.RawMessage(nil), rest...)
		}
	}
	return f, nil
}

// EncodeEvent builds "42" + json([event, data]).
func EncodeEvent(event string, data any) ([]byte, error) {
	if strings.TrimSpace(event) == "" {
		return nil, fmt.Errorf("event name must not be empty")
	}
	body, err := json.Marshal([]any{event, data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, '0'+byte(PacketMessage), '0'+byte(MessageEvent))
	return append(out, body...), nil
}

func EncodeOpen(p OpenPayload) ([]byte, error) {
	if p.Upgrades == nil {
		p.Upgrades = []string{}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append([]byte{'0' + byte(PacketOpen)}, body...), nil
}

// EncodeConnect is the server's connect acknowledgement (or a client's connect with auth).
func EncodeConnect(body any) ([]byte, error) {
	out := []byte{'0' + byte(PacketMessage), '0' + byte(MessageConnect)}
	if body == nil {
		return out, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return append(out, raw...), nil
}

func EncodeConnectError(message string) []byte {
	raw, _ := json.Marshal(map[string]string{"message": message})
	return append([]byte{'0' + byte(PacketMessage), '0' + byte(MessageConnectError)}, raw...)
}

func EncodeDisconnect() []byte {
	return []byte{'0' + byte(PacketMessage), '0' + byte(MessageDisconnect)}
}

func EncodePing() []byte  { return []byte{'0' + byte(PacketPing)} }
func EncodePong() []byte  { return []byte{'0' + byte(PacketPong)} }
func EncodeClose() []byte { return []byte{'0' + byte(PacketClose)} }
func EncodeNoop() []byte  { return []byte{'0' + byte(PacketNoop)} }

// DecodeData unmarshals an event body into v. A missing body leaves v untouched.
func DecodeData(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return decodeErr("bad_event", "invalid event data: %v", err)
	}
	return nil
}
