package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type accepted from a stream node over the control channel.
const (
	TypeConnect              = "connect"
	TypeStreamerConnected    = "streamerConnected"
	TypeStreamerDisconnected = "streamerDisconnected"
	TypeClientConnected      = "clientConnected"
	TypeClientDisconnected   = "clientDisconnected"
	TypePing                 = "ping"
)

var (
	ErrMalformed   = errors.New("malformed control message")
	ErrUnknownType = errors.New("unknown control message type")
)

// Message is the JSON envelope exchanged on the node control channel.
// One message per TCP payload; no length prefix.
type Message struct {
	Type            string                 `json:"type"`
	Address         string                 `json:"address,omitempty"`
	Port            int                    `json:"port,omitempty"`
	HTTPS           bool                   `json:"https,omitempty"`
	Ready           bool                   `json:"ready,omitempty"`
	PlayerConnected bool                   `json:"playerConnected,omitempty"`
	ServerID        string                 `json:"serverId,omitempty"`
	ClientID        string                 `json:"clientId,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

var knownTypes = map[string]bool{
	TypeConnect:              true,
	TypeStreamerConnected:    true,
	TypeStreamerDisconnected: true,
	TypeClientConnected:      true,
	TypeClientDisconnected:   true,
	TypePing:                 true,
}

// Decode parses one control payload. Malformed JSON or an unknown type is
// an error; the caller closes the connection.
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !knownTypes[msg.Type] {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// ValidateConnect checks the fields a connect message must carry.
func ValidateConnect(msg Message) error {
	if msg.Type != TypeConnect {
		return fmt.Errorf("%w: first message must be connect", ErrMalformed)
	}
	if msg.Address == "" {
		return fmt.Errorf("%w: connect requires address", ErrMalformed)
	}
	if msg.Port <= 0 || msg.Port > 65535 {
		return fmt.Errorf("%w: connect requires a valid port", ErrMalformed)
	}
	return nil
}

// Encode serializes a message for the wire.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
