// Package enginetest provides an in-memory engine for exercising the
// negotiation layer without a network.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"meshcall/native/internal/domain"
	"meshcall/native/internal/queue"
)

var (
	ErrClosed          = errors.New("enginetest: connection closed")
	ErrInvalidState    = errors.New("enginetest: invalid signaling state")
	ErrCreationRefused = errors.New("enginetest: connection creation refused")
	// ErrSDPMismatch mirrors engines that only accept the description they
	// created as the local one.
	ErrSDPMismatch         = errors.New("enginetest: local description differs from the one created")
	ErrRollbackUnsupported = errors.New("enginetest: rollback not supported")
)

// AudioSDP is the description body the fake produces for offers and answers.
const AudioSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0 8 9 13\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=AS:128\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtcp-fb:111 transport-cc\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:9 G722/8000\r\n" +
	"a=rtpmap:13 CN/8000\r\n" +
	"a=sendrecv\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=sctp-port:5000\r\n"

// Factory hands out fake connections and remembers them.
type Factory struct {
	mu    sync.Mutex
	conns []*Connection
	// Err, when set, makes NewConnection fail.
	Err error
	// OfferErr, when set, makes CreateOffer fail on new connections.
	OfferErr error
}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) NewConnection(_ context.Context, cfg domain.ConnectionConfig) (domain.EngineConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Connection{
		Config:   cfg,
		events:   queue.NewUnbounded[domain.Event](),
		offerErr: f.OfferErr,
	}
	f.conns = append(f.conns, c)
	return c, nil
}

// Connections returns every connection created so far, oldest first.
func (f *Factory) Connections() []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Connection(nil), f.conns...)
}

// Last returns the newest connection or nil.
func (f *Factory) Last() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Connection simulates the signaling state machine of a peer connection and
// records every operation applied to it. Like pion it has no rollback, only
// takes a remote offer while stable and only sets the exact description it
// created as the local one.
type Connection struct {
	Config domain.ConnectionConfig

	mu          sync.Mutex
	events      *queue.Unbounded[domain.Event]
	signaling   domain.SignalingState
	ice         domain.ICEConnectionState
	ops         []string
	local       []domain.SessionDescription
	remote      []domain.SessionDescription
	candidates  []domain.IceCandidate
	removed     []domain.IceCandidate
	gathered    []domain.IceCandidate
	sent        [][]byte
	audio       bool
	dataChannel bool
	restarts    int
	closeCount  int
	closed      bool
	sessionVer  int
	lastOffer   string
	lastAnswer  string
	offerErr    error
}

func (c *Connection) record(op string) {
	c.ops = append(c.ops, op)
}

func (c *Connection) setSignaling(s domain.SignalingState) {
	if c.signaling == s {
		return
	}
	c.signaling = s
	c.events.Push(domain.Event{Kind: domain.EventSignalingState, SignalingState: s})
}

func (c *Connection) newDescription(t domain.SDPType) domain.SessionDescription {
	c.sessionVer++
	return domain.SessionDescription{
		Type: t,
		SDP:  strings.Replace(AudioSDP, " 2 IN IP4", fmt.Sprintf(" %d IN IP4", c.sessionVer+1), 1),
	}
}

func (c *Connection) CreateOffer(context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create-offer")
	if c.closed {
		return domain.SessionDescription{}, ErrClosed
	}
	if c.offerErr != nil {
		return domain.SessionDescription{}, c.offerErr
	}
	desc := c.newDescription(domain.SDPTypeOffer)
	c.lastOffer = desc.SDP
	return desc, nil
}

func (c *Connection) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create-answer")
	if c.closed {
		return domain.SessionDescription{}, ErrClosed
	}
	if c.signaling != domain.SignalingHaveRemoteOffer {
		return domain.SessionDescription{}, ErrInvalidState
	}
	desc := c.newDescription(domain.SDPTypeAnswer)
	c.lastAnswer = desc.SDP
	return desc, nil
}

func (c *Connection) SetLocalDescription(_ context.Context, desc domain.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("set-local-" + string(desc.Type))
	if c.closed {
		return ErrClosed
	}
	switch desc.Type {
	case domain.SDPTypeOffer:
		if c.signaling != domain.SignalingStable {
			return ErrInvalidState
		}
		if desc.SDP != c.lastOffer {
			return ErrSDPMismatch
		}
		c.setSignaling(domain.SignalingHaveLocalOffer)
	case domain.SDPTypeAnswer:
		if c.signaling != domain.SignalingHaveRemoteOffer {
			return ErrInvalidState
		}
		if desc.SDP != c.lastAnswer {
			return ErrSDPMismatch
		}
		c.setSignaling(domain.SignalingStable)
	case domain.SDPTypeRollback:
		return ErrRollbackUnsupported
	default:
		return ErrInvalidState
	}
	c.local = append(c.local, desc)
	c.gathered = nil
	return nil
}

func (c *Connection) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("set-remote-" + string(desc.Type))
	if c.closed {
		return ErrClosed
	}
	switch desc.Type {
	case domain.SDPTypeOffer:
		if c.signaling != domain.SignalingStable {
			return ErrInvalidState
		}
		c.setSignaling(domain.SignalingHaveRemoteOffer)
	case domain.SDPTypeAnswer:
		if c.signaling != domain.SignalingHaveLocalOffer {
			return ErrInvalidState
		}
		c.setSignaling(domain.SignalingStable)
	case domain.SDPTypeRollback:
		return ErrRollbackUnsupported
	default:
		return ErrInvalidState
	}
	c.remote = append(c.remote, desc)
	return nil
}

// LocalDescription returns the current local description with the gathered
// candidates appended.
func (c *Connection) LocalDescription(context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.local) == 0 {
		return domain.SessionDescription{}, ErrInvalidState
	}
	desc := c.local[len(c.local)-1]
	var b strings.Builder
	b.WriteString(desc.SDP)
	for _, cand := range c.gathered {
		b.WriteString("a=" + cand.SDP + "\r\n")
	}
	desc.SDP = b.String()
	return desc, nil
}

func (c *Connection) AddICECandidate(_ context.Context, cand domain.IceCandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("add-candidate")
	if c.closed {
		return ErrClosed
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Connection) RemoveICECandidates(_ context.Context, cs []domain.IceCandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("remove-candidates")
	c.removed = append(c.removed, cs...)
	return nil
}

// RestartICE raises EventNegotiationNeeded like a real engine does.
func (c *Connection) RestartICE(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("restart-ice")
	if c.closed {
		return ErrClosed
	}
	c.restarts++
	c.events.Push(domain.Event{Kind: domain.EventNegotiationNeeded})
	return nil
}

// AddAudioTrack raises EventNegotiationNeeded like a real engine does.
func (c *Connection) AddAudioTrack(_ context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("add-audio")
	if c.closed {
		return ErrClosed
	}
	c.audio = enabled
	c.events.Push(domain.Event{Kind: domain.EventNegotiationNeeded})
	return nil
}

func (c *Connection) SetAudioEnabled(_ context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("set-audio")
	c.audio = enabled
	return nil
}

func (c *Connection) OpenDataChannel(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("open-data-channel")
	if c.closed {
		return ErrClosed
	}
	c.dataChannel = true
	return nil
}

func (c *Connection) SendData(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *Connection) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if c.closed {
		return nil
	}
	c.record("close")
	c.closed = true
	c.signaling = domain.SignalingClosed
	c.events.Close()
	return nil
}

func (c *Connection) SignalingState() domain.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Connection) ICEConnectionState() domain.ICEConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ice
}

func (c *Connection) Events() <-chan domain.Event {
	return c.events.Out()
}

// Emit pushes an arbitrary event.
func (c *Connection) Emit(ev domain.Event) {
	c.events.Push(ev)
}

// EmitICEState changes the ICE connection state and reports it.
func (c *Connection) EmitICEState(s domain.ICEConnectionState) {
	c.mu.Lock()
	c.ice = s
	c.mu.Unlock()
	c.events.Push(domain.Event{Kind: domain.EventICEConnectionState, ICEConnectionState: s})
}

// EmitCandidate reports a gathered local candidate.
func (c *Connection) EmitCandidate(cand domain.IceCandidate) {
	c.mu.Lock()
	c.gathered = append(c.gathered, cand)
	c.mu.Unlock()
	c.events.Push(domain.Event{Kind: domain.EventICECandidate, Candidate: cand})
}

func (c *Connection) EmitGathering(s domain.ICEGatheringState) {
	c.events.Push(domain.Event{Kind: domain.EventICEGatheringState, ICEGatheringState: s})
}

func (c *Connection) EmitDataChannel(s domain.DataChannelState) {
	c.events.Push(domain.Event{Kind: domain.EventDataChannelState, DataChannelState: s})
}

// EmitMessage delivers data as if it arrived on the data channel.
func (c *Connection) EmitMessage(data []byte) {
	c.events.Push(domain.Event{Kind: domain.EventDataChannelMessage, Data: data})
}

func (c *Connection) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *Connection) LocalDescriptions() []domain.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SessionDescription(nil), c.local...)
}

func (c *Connection) RemoteDescriptions() []domain.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SessionDescription(nil), c.remote...)
}

// Candidates returns the remote candidates applied to the connection.
func (c *Connection) Candidates() []domain.IceCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.IceCandidate(nil), c.candidates...)
}

func (c *Connection) RemovedCandidates() []domain.IceCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.IceCandidate(nil), c.removed...)
}

// Sent returns the data channel payloads written so far.
func (c *Connection) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Connection) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

func (c *Connection) HasDataChannel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataChannel
}

func (c *Connection) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// CloseCount counts Close calls, including repeated ones.
func (c *Connection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailOffers makes every later CreateOffer return err; nil clears it.
func (c *Connection) FailOffers(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offerErr = err
}

// SetSignalingState forces the signaling state without emitting an event.
func (c *Connection) SetSignalingState(s domain.SignalingState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signaling = s
}
