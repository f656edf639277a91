package domain

import "context"

// TurnProvider issues TURN credentials for an outgoing call.
type TurnProvider interface {
	FetchTurnCredentials(ctx context.Context) (TurnCredentials, error)
}

// SecureChannel delivers signaling envelopes between identities. Delivery is
// reliable but not necessarily ordered.
type SecureChannel interface {
	Send(ctx context.Context, to PeerID, msg SignalMessage) error
}

// ConnectionConfig is what the negotiation layer asks of a new engine connection.
type ConnectionConfig struct {
	ICEServers      []ICEServer
	GatheringPolicy GatheringPolicy
	RelayOnly       bool
}

// EngineFactory creates engine connections. All connections of a factory share
// one serialization queue.
type EngineFactory interface {
	NewConnection(ctx context.Context, cfg ConnectionConfig) (EngineConnection, error)
}

// EngineConnection is the serialized wrapper around one native peer
// connection. Every method that takes a context is queued on the factory's
// serialization queue and awaited.
type EngineConnection interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	// LocalDescription includes the candidates gathered so far.
	LocalDescription(ctx context.Context) (SessionDescription, error)
	AddICECandidate(ctx context.Context, c IceCandidate) error
	RemoveICECandidates(ctx context.Context, cs []IceCandidate) error
	// RestartICE marks the next offer as an ICE restart and raises
	// EventNegotiationNeeded.
	RestartICE(ctx context.Context) error
	AddAudioTrack(ctx context.Context, enabled bool) error
	SetAudioEnabled(ctx context.Context, enabled bool) error
	OpenDataChannel(ctx context.Context) error
	SendData(ctx context.Context, data []byte) error
	Close(ctx context.Context) error

	SignalingState() SignalingState
	ICEConnectionState() ICEConnectionState

	// Events has a single consumer: the task owning the connection.
	Events() <-chan Event
}

// TrackRenderer is asked to present remote media.
type TrackRenderer interface {
	PresentRemoteTrack(peer PeerID, track RemoteTrack)
}
