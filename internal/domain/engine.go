package domain

import "fmt"

type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
	SignalingHaveLocalPranswer
	SignalingHaveRemotePranswer
	SignalingClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStable:
		return "stable"
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingHaveLocalPranswer:
		return "have-local-pranswer"
	case SignalingHaveRemotePranswer:
		return "have-remote-pranswer"
	case SignalingClosed:
		return "closed"
	default:
		return fmt.Sprintf("SignalingState(%d)", int(s))
	}
}

type ICEConnectionState int

const (
	ICENew ICEConnectionState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEFailed
	ICEDisconnected
	ICEClosed
)

func (s ICEConnectionState) String() string {
	switch s {
	case ICENew:
		return "new"
	case ICEChecking:
		return "checking"
	case ICEConnected:
		return "connected"
	case ICECompleted:
		return "completed"
	case ICEFailed:
		return "failed"
	case ICEDisconnected:
		return "disconnected"
	case ICEClosed:
		return "closed"
	default:
		return fmt.Sprintf("ICEConnectionState(%d)", int(s))
	}
}

// Up reports whether media can flow.
func (s ICEConnectionState) Up() bool {
	return s == ICEConnected || s == ICECompleted
}

type ICEGatheringState int

const (
	GatheringNew ICEGatheringState = iota
	GatheringInProgress
	GatheringComplete
)

type DataChannelState int

const (
	DataChannelConnecting DataChannelState = iota
	DataChannelOpen
	DataChannelClosing
	DataChannelClosed
)

// RemoteTrack describes a track received from a peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Codec    string
}

type EventKind int

const (
	EventSignalingState EventKind = iota + 1
	EventICEConnectionState
	EventICEGatheringState
	EventICECandidate
	EventICECandidatesRemoved
	EventNegotiationNeeded
	EventDataChannelState
	EventDataChannelMessage
	EventRemoteTrack
)

// Event is pushed by an engine connection. Only the fields matching Kind are set.
type Event struct {
	Kind EventKind

	SignalingState     SignalingState
	ICEConnectionState ICEConnectionState
	ICEGatheringState  ICEGatheringState
	Candidate          IceCandidate
	Candidates         []IceCandidate
	DataChannelState   DataChannelState
	Data               []byte
	Track              RemoteTrack
}
