// Package control frames the messages exchanged on a connection's data channel.
package control

import (
	"encoding/json"
	"errors"
	"fmt"

	"meshcall/native/internal/domain"
)

// ErrUnknownMessageType is returned by Decode for unsupported discriminators.
var ErrUnknownMessageType = errors.New("unknown data channel message type")

// Type discriminates data-channel messages on the wire.
type Type int

const (
	TypeMuted Type = iota
	TypeUpdateParticipants
	TypeRelay
	TypeRelayed
	TypeHangedUp
)

func (t Type) String() string {
	switch t {
	case TypeMuted:
		return "Muted"
	case TypeUpdateParticipants:
		return "UpdateParticipants"
	case TypeRelay:
		return "Relay"
	case TypeRelayed:
		return "Relayed"
	case TypeHangedUp:
		return "HangedUp"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Message is one of the data-channel message structs below.
type Message interface {
	Type() Type
}

type envelope struct {
	Type       Type   `json:"messageType"`
	Serialized string `json:"serializedMessage"`
}

// Muted informs the peer of the sender's microphone state.
type Muted struct {
	Muted bool `json:"muted"`
}

// ParticipantInfo is one roster entry.
type ParticipantInfo struct {
	Identity        domain.PeerID          `json:"identity"`
	DisplayName     string                 `json:"displayName"`
	GatheringPolicy domain.GatheringPolicy `json:"gatheringPolicy"`
}

// UpdateParticipants carries the caller's full roster.
type UpdateParticipants struct {
	Participants []ParticipantInfo `json:"callParticipants"`
}

// Relay asks the caller to forward a signaling payload to To.
type Relay struct {
	To          domain.PeerID      `json:"to"`
	MessageType domain.MessageType `json:"relayedMessageType"`
	Payload     string             `json:"serializedMessagePayload"`
}

// Relayed is a payload forwarded by the caller on behalf of From.
type Relayed struct {
	From        domain.PeerID      `json:"from"`
	MessageType domain.MessageType `json:"relayedMessageType"`
	Payload     string             `json:"serializedMessagePayload"`
}

// HangedUp mirrors the out-of-band HangUp signaling message.
type HangedUp struct {
	Payload string `json:"payload,omitempty"`
}

func (Muted) Type() Type              { return TypeMuted }
func (UpdateParticipants) Type() Type { return TypeUpdateParticipants }
func (Relay) Type() Type              { return TypeRelay }
func (Relayed) Type() Type            { return TypeRelayed }
func (HangedUp) Type() Type           { return TypeHangedUp }

// Encode frames m for the data channel.
func Encode(m Message) ([]byte, error) {
	inner, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Serialized: string(inner)})
}

// Decode parses a framed data-channel message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var m Message
	switch env.Type {
	case TypeMuted:
		var v Muted
		if err := json.Unmarshal([]byte(env.Serialized), &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		m = v
	case TypeUpdateParticipants:
		var v UpdateParticipants
		if err := json.Unmarshal([]byte(env.Serialized), &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		m = v
	case TypeRelay:
		var v Relay
		if err := json.Unmarshal([]byte(env.Serialized), &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		m = v
	case TypeRelayed:
		var v Relayed
		if err := json.Unmarshal([]byte(env.Serialized), &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		m = v
	case TypeHangedUp:
		var v HangedUp
		if env.Serialized != "" {
			if err := json.Unmarshal([]byte(env.Serialized), &v); err != nil {
				return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
			}
		}
		m = v
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, int(env.Type))
	}
	return m, nil
}
