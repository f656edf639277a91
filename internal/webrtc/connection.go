package webrtc

import (
	"context"
	"errors"
	"fmt"

	"meshcall/native/internal/domain"
	"meshcall/native/internal/metrics"
	"meshcall/native/internal/queue"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	dataChannelLabel = "data0"
	dataChannelID    = uint16(1)
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNoDataChannel    = errors.New("data channel not opened")
	ErrNoAudioTrack     = errors.New("audio track not added")
	// ErrRollbackUnsupported is returned for rollback descriptions, which
	// pion does not implement.
	ErrRollbackUnsupported = errors.New("rollback not supported")
)

// Connection wraps a pion PeerConnection. Every operation runs on the
// factory's serialization queue; engine callbacks are turned into events.
type Connection struct {
	pc      *pion.PeerConnection
	serial  *Queue
	capture CaptureProvider
	events  *queue.Unbounded[domain.Event]
	log     zerolog.Logger

	// Only touched from the serialization queue.
	dc           *pion.DataChannel
	audioTrack   pion.TrackLocal
	audioSender  *pion.RTPSender
	audioEnabled bool
	iceRestart   bool
	closed       bool
}

func newConnection(pc *pion.PeerConnection, serial *Queue, capture CaptureProvider, log zerolog.Logger) *Connection {
	c := &Connection{
		pc:      pc,
		serial:  serial,
		capture: capture,
		events:  queue.NewUnbounded[domain.Event](),
		log:     log,
	}
	c.watch()
	return c
}

func (c *Connection) watch() {
	c.pc.OnSignalingStateChange(func(s pion.SignalingState) {
		c.log.Debug().Str("state", s.String()).Msg("signaling state")
		c.events.Push(domain.Event{Kind: domain.EventSignalingState, SignalingState: signalingState(s)})
	})
	c.pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		c.log.Debug().Str("state", s.String()).Msg("ICE connection state")
		c.events.Push(domain.Event{Kind: domain.EventICEConnectionState, ICEConnectionState: iceConnectionState(s)})
	})
	c.pc.OnICEGatheringStateChange(func(s pion.ICEGatheringState) {
		c.log.Debug().Str("state", s.String()).Msg("ICE gathering state")
		c.events.Push(domain.Event{Kind: domain.EventICEGatheringState, ICEGatheringState: iceGatheringState(s)})
	})
	c.pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		// nil marks the end of gathering, which the gathering state already reports.
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		ic := domain.IceCandidate{SDP: init.Candidate}
		if init.SDPMid != nil {
			ic.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			ic.SDPMLineIndex = *init.SDPMLineIndex
		}
		c.events.Push(domain.Event{Kind: domain.EventICECandidate, Candidate: ic})
	})
	c.pc.OnNegotiationNeeded(func() {
		c.events.Push(domain.Event{Kind: domain.EventNegotiationNeeded})
	})
	c.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Uint8("pt", uint8(codec.PayloadType)).
			Msg("remote track")
		c.events.Push(domain.Event{Kind: domain.EventRemoteTrack, Track: domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    codec.MimeType,
		}})

		// Keep reading so the interceptors and jitter buffers make progress.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

// Events delivers engine callbacks in the order the engine raised them.
func (c *Connection) Events() <-chan domain.Event {
	return c.events.Out()
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	var desc domain.SessionDescription
	err := c.serial.Do(ctx, func() error {
		if c.closed {
			return ErrConnectionClosed
		}
		var opts *pion.OfferOptions
		if c.iceRestart {
			opts = &pion.OfferOptions{ICERestart: true}
		}
		offer, err := c.pc.CreateOffer(opts)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		c.iceRestart = false
		desc = fromPion(offer)
		return nil
	})
	return desc, err
}

func (c *Connection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	var desc domain.SessionDescription
	err := c.serial.Do(ctx, func() error {
		if c.closed {
			return ErrConnectionClosed
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		desc = fromPion(answer)
		return nil
	})
	return desc, err
}

// SetLocalDescription only accepts the description CreateOffer or
// CreateAnswer returned, unmodified.
func (c *Connection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if desc.Type == domain.SDPTypeRollback {
		return ErrRollbackUnsupported
	}
	return c.serial.Do(ctx, func() error {
		if c.closed {
			return ErrConnectionClosed
		}
		if err := c.pc.SetLocalDescription(toPion(desc)); err != nil {
			return fmt.Errorf("set local %s: %w", desc.Type, err)
		}
		c.log.Debug().Str("type", string(desc.Type)).Msg("local description set")
		return nil
	})
}

func (c *Connection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if desc.Type == domain.SDPTypeRollback {
		return ErrRollbackUnsupported
	}
	return c.serial.Do(ctx, func() error {
		if c.closed {
			return ErrConnectionClosed
		}
		if err := c.pc.SetRemoteDescription(toPion(desc)); err != nil {
			return fmt.Errorf("set remote %s: %w", desc.Type, err)
		}
		c.log.Debug().Str("type", string(desc.Type)).Msg("remote description set")
		return nil
	})
}

func (c *Connection) LocalDescription(ctx context.Context) (domain.SessionDescription, error) {
	var desc domain.SessionDescription
	err := c.serial.Do(ctx, func() error {
		local := c.pc.LocalDescription()
		if local == nil {
			return errors.New("no local description")
		}
		desc = fromPion(*local)
		return nil
	})
	return desc, err
}

func (c *Connection) AddICECandidate(ctx context.Context, candidate domain.IceCandidate) error {
	return c.serial.Do(ctx, func() error {
		if c.closed {
			return ErrConnectionClosed
		}
		mid := candidate.SDPMid
		index := candidate.SDPMLineIndex
		init := pion.ICECandidateInit{
			Candidate:     candidate.SDP,
			SDPMid:        &mid,
			SDPMLineIndex: &index,
		}
		if err := c.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	})
}

// RemoveICECandidates is accepted but has no effect: pion cannot withdraw
// remote candidates once added.
func (c *Connection) RemoveICECandidates(ctx context.Context, candidates []domain.IceCandidate) error {
	return c.serial.Do(ctx, func() error {
		c.log.Debug().Int("count", len(candidates)).Msg("ignoring remote candidate removal")
		return nil
	})
}

func (c *Connection) RestartICE(ctx context.Context) error {
	err := c.serial.Do(ctx, func() error {
		if c.closed {
			return ErrConnectionClosed
		}
		c.iceRestart = true
		return nil
	})
	if err != nil {
		return err
	}
	c.events.Push(domain.Event{Kind: domain.EventNegotiationNeeded})
	return nil
}

func (c *Connection) AddAudioTrack(ctx context.Context, enabled bool) error {
	return c.serial.Do(ctx, func() error {
		if c.closed {
			return ErrConnectionClosed
		}
		track, err := c.capture.AudioTrack()
		if err != nil {
			return fmt.Errorf("create audio track: %w", err)
		}
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()

		c.audioTrack = track
		c.audioSender = sender
		c.audioEnabled = true
		if !enabled {
			if err := sender.ReplaceTrack(nil); err != nil {
				return fmt.Errorf("mute audio track: %w", err)
			}
			c.audioEnabled = false
		}
		return nil
	})
}

func (c *Connection) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return c.serial.Do(ctx, func() error {
		if c.audioSender == nil {
			return ErrNoAudioTrack
		}
		if enabled == c.audioEnabled {
			return nil
		}
		track := c.audioTrack
		if !enabled {
			track = nil
		}
		if err := c.audioSender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace audio track: %w", err)
		}
		c.audioEnabled = enabled
		return nil
	})
}

// OpenDataChannel creates the negotiated control channel. Both peers create it
// with the same id, so no in-band announcement is needed.
func (c *Connection) OpenDataChannel(ctx context.Context) error {
	return c.serial.Do(ctx, func() error {
		if c.closed {
			return ErrConnectionClosed
		}
		if c.dc != nil {
			return nil
		}
		ordered, negotiated, id := true, true, dataChannelID
		dc, err := c.pc.CreateDataChannel(dataChannelLabel, &pion.DataChannelInit{
			Ordered:    &ordered,
			Negotiated: &negotiated,
			ID:         &id,
		})
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}

		dc.OnOpen(func() {
			c.log.Debug().Msg("data channel opened")
			c.events.Push(domain.Event{Kind: domain.EventDataChannelState, DataChannelState: domain.DataChannelOpen})
		})
		dc.OnClose(func() {
			c.log.Debug().Msg("data channel closed")
			c.events.Push(domain.Event{Kind: domain.EventDataChannelState, DataChannelState: domain.DataChannelClosed})
		})
		dc.OnMessage(func(msg pion.DataChannelMessage) {
			data := make([]byte, len(msg.Data))
			copy(data, msg.Data)
			c.events.Push(domain.Event{Kind: domain.EventDataChannelMessage, Data: data})
		})
		c.dc = dc
		return nil
	})
}

func (c *Connection) SendData(ctx context.Context, data []byte) error {
	return c.serial.Do(ctx, func() error {
		if c.dc == nil {
			return ErrNoDataChannel
		}
		if err := c.dc.SendText(string(data)); err != nil {
			return fmt.Errorf("send on data channel: %w", err)
		}
		return nil
	})
}

// Close is idempotent.
func (c *Connection) Close(ctx context.Context) error {
	return c.serial.Do(ctx, func() error {
		if c.closed {
			return nil
		}
		c.closed = true
		metrics.ActiveConnections.Dec()

		if c.dc != nil {
			c.dc.Close()
		}
		err := c.pc.Close()
		c.events.Close()
		if err != nil {
			return fmt.Errorf("close peer connection: %w", err)
		}
		c.log.Debug().Msg("peer connection closed")
		return nil
	})
}

func (c *Connection) SignalingState() domain.SignalingState {
	return signalingState(c.pc.SignalingState())
}

func (c *Connection) ICEConnectionState() domain.ICEConnectionState {
	return iceConnectionState(c.pc.ICEConnectionState())
}

func toPion(desc domain.SessionDescription) pion.SessionDescription {
	return pion.SessionDescription{Type: pion.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromPion(desc pion.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func signalingState(s pion.SignalingState) domain.SignalingState {
	switch s {
	case pion.SignalingStateHaveLocalOffer:
		return domain.SignalingHaveLocalOffer
	case pion.SignalingStateHaveRemoteOffer:
		return domain.SignalingHaveRemoteOffer
	case pion.SignalingStateHaveLocalPranswer:
		return domain.SignalingHaveLocalPranswer
	case pion.SignalingStateHaveRemotePranswer:
		return domain.SignalingHaveRemotePranswer
	case pion.SignalingStateClosed:
		return domain.SignalingClosed
	default:
		return domain.SignalingStable
	}
}

func iceConnectionState(s pion.ICEConnectionState) domain.ICEConnectionState {
	switch s {
	case pion.ICEConnectionStateChecking:
		return domain.ICEChecking
	case pion.ICEConnectionStateConnected:
		return domain.ICEConnected
	case pion.ICEConnectionStateCompleted:
		return domain.ICECompleted
	case pion.ICEConnectionStateDisconnected:
		return domain.ICEDisconnected
	case pion.ICEConnectionStateFailed:
		return domain.ICEFailed
	case pion.ICEConnectionStateClosed:
		return domain.ICEClosed
	default:
		return domain.ICENew
	}
}

func iceGatheringState(s pion.ICEGatheringState) domain.ICEGatheringState {
	switch s {
	case pion.ICEGatheringStateGathering:
		return domain.GatheringInProgress
	case pion.ICEGatheringStateComplete:
		return domain.GatheringComplete
	default:
		return domain.GatheringNew
	}
}
