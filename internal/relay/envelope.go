// Package relay owns the room registry and the clipboard fan-out between the
// devices of a room, together with the JSON envelope spoken on the wire.
package relay

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MessageType is the value of the "type" field of an envelope.
type MessageType string

// Inbound message types.
const (
	TypeJoin      MessageType = "join"
	TypeClipboard MessageType = "clipboard"
	TypePing      MessageType = "ping"
)

// Outbound message types. TypeClipboard is used in both directions.
const (
	TypeJoined       MessageType = "joined"
	TypeDeviceJoined MessageType = "device_joined"
	TypeDeviceLeft   MessageType = "device_left"
	TypePong         MessageType = "pong"
)

var (
	// ErrMalformed is returned for envelopes that cannot be parsed or lack a
	// required field.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType is returned for well-formed envelopes with a type the
	// relay does not handle.
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is a decoded inbound message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from,omitempty"`
}

type joinedMessage struct {
	Type    MessageType `json:"type"`
	Room    string      `json:"room"`
	Devices int         `json:"devices"`
}

type devicesMessage struct {
	Type    MessageType `json:"type"`
	Devices int         `json:"devices"`
}

type clipboardMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from,omitempty"`
}

type pongMessage struct {
	Type MessageType `json:"type"`
}

// Decode parses a raw inbound frame. Clipboard envelopes keep their payload
// as raw JSON so it is relayed byte for byte.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}

	switch env.Type {
	case "":
		return Envelope{}, errors.Wrap(ErrMalformed, "missing type")
	case TypeJoin:
		if env.Room == "" {
			return Envelope{}, errors.Wrap(ErrMalformed, "join without room")
		}
	case TypeClipboard, TypePing:
	default:
		return env, errors.Wrapf(ErrUnknownType, "%q", env.Type)
	}
	return env, nil
}

// EncodeJoined builds the acknowledgement sent to a device after it joins.
func EncodeJoined(room string, devices int) []byte {
	return mustMarshal(joinedMessage{Type: TypeJoined, Room: room, Devices: devices})
}

// EncodeDeviceJoined builds the notification sent to the other members of a
// room when a device joins it.
func EncodeDeviceJoined(devices int) []byte {
	return mustMarshal(devicesMessage{Type: TypeDeviceJoined, Devices: devices})
}

// EncodeDeviceLeft builds the notification sent to the remaining members of a
// room when a device leaves it.
func EncodeDeviceLeft(devices int) []byte {
	return mustMarshal(devicesMessage{Type: TypeDeviceLeft, Devices: devices})
}

// EncodeClipboard builds the frame relayed to the other members of a room.
// It fails only when payload is not valid JSON.
func EncodeClipboard(payload json.RawMessage, from string) ([]byte, error) {
	b, err := json.Marshal(clipboardMessage{Type: TypeClipboard, Payload: payload, From: from})
	if err != nil {
		return nil, errors.Wrap(err, "encoding clipboard envelope")
	}
	return b, nil
}

// EncodePong builds the reply to a ping.
func EncodePong() []byte {
	return mustMarshal(pongMessage{Type: TypePong})
}

// mustMarshal is only used for shapes made of strings and ints.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(errors.Wrap(err, "relay: encoding outbound envelope"))
	}
	return b
}
