package domain

import (
	"encoding/json"
	"fmt"
)

// PeerID is the opaque identity of a call participant on the secure channel.
type PeerID string

// SDPType is the kind of a session description.
type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypeRollback SDPType = "rollback"
)

// SessionDescription is an SDP offer, answer or rollback.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// IceCandidate is the JSON structure for one ICE candidate.
type IceCandidate struct {
	SDP           string `json:"sdp"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// GatheringPolicy selects how local ICE candidates reach the remote peer.
type GatheringPolicy int

const (
	// GatherOnce bundles every local candidate into a single description.
	GatherOnce GatheringPolicy = 1
	// GatherContinually streams candidates as they are generated.
	GatherContinually GatheringPolicy = 2
)

func (p GatheringPolicy) String() string {
	switch p {
	case GatherOnce:
		return "once"
	case GatherContinually:
		return "continually"
	default:
		return fmt.Sprintf("GatheringPolicy(%d)", int(p))
	}
}

// ParseGatheringPolicy accepts "once" or "continually".
func ParseGatheringPolicy(s string) (GatheringPolicy, error) {
	switch s {
	case "once":
		return GatherOnce, nil
	case "continually", "":
		return GatherContinually, nil
	default:
		return 0, fmt.Errorf("unknown gathering policy %q", s)
	}
}

// MessageType discriminates the signaling payloads carried by the secure channel.
type MessageType int

const (
	MessageStartCall MessageType = iota
	MessageAnswer
	MessageReject
	MessageHangUp
	MessageRinging
	MessageBusy
	MessageReconnect
	MessageNewParticipantOffer
	MessageNewParticipantAnswer
	MessageKick
	MessageNewIceCandidate
	MessageRemoveIceCandidates
)

var messageTypeNames = map[MessageType]string{
	MessageStartCall:            "StartCall",
	MessageAnswer:               "Answer",
	MessageReject:               "Reject",
	MessageHangUp:               "HangUp",
	MessageRinging:              "Ringing",
	MessageBusy:                 "Busy",
	MessageReconnect:            "Reconnect",
	MessageNewParticipantOffer:  "NewParticipantOffer",
	MessageNewParticipantAnswer: "NewParticipantAnswer",
	MessageKick:                 "Kick",
	MessageNewIceCandidate:      "NewIceCandidate",
	MessageRemoveIceCandidates:  "RemoveIceCandidates",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Relayable reports whether the caller may forward this type between two
// participants that have no direct secure channel.
func (t MessageType) Relayable() bool {
	switch t {
	case MessageNewParticipantOffer, MessageNewParticipantAnswer, MessageReconnect,
		MessageNewIceCandidate, MessageRemoveIceCandidates, MessageHangUp:
		return true
	default:
		return false
	}
}

// SignalMessage is the envelope handed to the secure channel.
type SignalMessage struct {
	CallID  string          `json:"callId"`
	Type    MessageType     `json:"messageType"`
	Payload json.RawMessage `json:"payload"`
}

// NewSignalMessage marshals payload into an envelope.
func NewSignalMessage(callID string, t MessageType, payload any) (SignalMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	return SignalMessage{CallID: callID, Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", m.Type, err)
	}
	return nil
}

type StartCall struct {
	SDP             string          `json:"sdp"`
	SDPType         SDPType         `json:"sdpType"`
	TurnCredentials TurnCredentials `json:"turnCredentials"`
	GatheringPolicy GatheringPolicy `json:"gatheringPolicy"`
	Participants    int             `json:"participantCount,omitempty"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

type Ringing struct{}

type Busy struct{}

type Rejected struct{}

type Kick struct{}

type NewParticipantOffer struct {
	SDP             string          `json:"sdp"`
	SDPType         SDPType         `json:"sdpType"`
	GatheringPolicy GatheringPolicy `json:"gatheringPolicy"`
}

type NewParticipantAnswer struct {
	SDP string `json:"sdp"`
}

// Reconnect carries a renegotiation description. PeerReconnectCounterToOverride
// is -1 on answers.
type Reconnect struct {
	SDP                            string  `json:"sdp"`
	SDPType                        SDPType `json:"sdpType"`
	ReconnectCounter               int     `json:"reconnectCounter"`
	PeerReconnectCounterToOverride int     `json:"peerReconnectCounterToOverride"`
}

type NewIceCandidate = IceCandidate

type RemoveIceCandidates struct {
	Candidates []IceCandidate `json:"candidates"`
}

type HangUp struct {
	Payload string `json:"payload,omitempty"`
}
