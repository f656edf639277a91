// Package peer negotiates one engine connection with one remote participant.
//
// A Holder is not safe for concurrent use. It belongs to the task of the
// participant that owns it and every method, including the callbacks it
// schedules, runs on that task.
package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcall/native/internal/control"
	"meshcall/native/internal/domain"
	"meshcall/native/internal/metrics"

	"github.com/rs/zerolog"
)

var (
	ErrNoTurnCredentials         = errors.New("no TURN credentials")
	ErrTurnCredentialsAlreadySet = errors.New("TURN credentials already set")
	ErrNoConnection              = errors.New("no peer connection available")
	ErrConnectionCreation        = errors.New("peer connection creation failed")
	// ErrNegotiation wraps engine failures while applying or producing a
	// session description.
	ErrNegotiation = errors.New("negotiation failed")
)

// Delegate receives what the holder produces.
type Delegate interface {
	// SendLocalDescription is called with the counters the description must
	// carry. peerReconnectCounterToOverride is -1 for answers.
	SendLocalDescription(ctx context.Context, desc domain.SessionDescription, reconnectCounter, peerReconnectCounterToOverride int)
	SendNewIceCandidate(ctx context.Context, candidate domain.IceCandidate)
	SendRemoveIceCandidates(ctx context.Context, candidates []domain.IceCandidate)
	// ConnectionStateChanged never reports a connected state while a
	// negotiation is in flight.
	ConnectionStateChanged(ctx context.Context, state domain.ICEConnectionState)
	DataChannelStateChanged(ctx context.Context, state domain.DataChannelState)
	DataChannelMessage(ctx context.Context, msg control.Message)
	RemoteTrack(ctx context.Context, track domain.RemoteTrack)
}

// Settings are the negotiation tunables.
type Settings struct {
	// MaxAverageBitrate caps audio, in bits per second.
	MaxAverageBitrate int
	// SettleDelay is how long GatherOnce waits after the first local
	// candidate before sending the bundled description.
	SettleDelay time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		MaxAverageBitrate: 32000,
		SettleDelay:       2 * time.Second,
	}
}

// Config wires a Holder to its owning task.
type Config struct {
	Factory  domain.EngineFactory
	Delegate Delegate
	// Schedule runs fn on the owning task after d unless the returned cancel
	// function is called first.
	Schedule func(d time.Duration, fn func(ctx context.Context)) (cancel func())

	GatheringPolicy domain.GatheringPolicy
	ShouldSendOffer bool
	// AwaitAcceptance defers connection creation until Accept.
	AwaitAcceptance bool
	// AllowDirect lifts the relay-only transport policy.
	AllowDirect bool

	Settings Settings
	Logger   zerolog.Logger
}

// Holder owns the engine connection for one remote participant and runs the
// offer/answer and ICE exchange over it.
type Holder struct {
	factory  domain.EngineFactory
	delegate Delegate
	schedule func(time.Duration, func(context.Context)) func()
	settings Settings
	log      zerolog.Logger

	policy          domain.GatheringPolicy
	shouldSendOffer bool
	awaitAcceptance bool
	allowDirect     bool

	turn          *domain.TurnCredentials
	pendingRemote *domain.SessionDescription
	conn          domain.EngineConnection
	events        <-chan domain.Event
	closed        bool
	audioEnabled  bool

	reconnectOfferCounter  int
	reconnectAnswerCounter int

	ready             bool
	pendingCandidates []domain.IceCandidate

	negotiated     bool
	restartPending bool
	// restartQueued is a restart requested while an offer was in flight.
	restartQueued bool
	// heldOffer is a peer restart offer waiting for our own offer to settle.
	heldOffer *heldOffer

	gathered     int
	bundleSent   bool
	cancelSettle func()
}

type heldOffer struct {
	desc    domain.SessionDescription
	counter int
}

func New(cfg Config) *Holder {
	policy := cfg.GatheringPolicy
	if policy == 0 {
		policy = domain.GatherContinually
	}
	return &Holder{
		factory:         cfg.Factory,
		delegate:        cfg.Delegate,
		schedule:        cfg.Schedule,
		settings:        cfg.Settings,
		log:             cfg.Logger.With().Str("component", "peer").Logger(),
		policy:          policy,
		shouldSendOffer: cfg.ShouldSendOffer,
		awaitAcceptance: cfg.AwaitAcceptance,
		allowDirect:     cfg.AllowDirect,
		audioEnabled:    true,
	}
}

func (h *Holder) GatheringPolicy() domain.GatheringPolicy { return h.policy }

func (h *Holder) ShouldSendOffer() bool { return h.shouldSendOffer }

// HasConnection reports whether the engine connection exists.
func (h *Holder) HasConnection() bool { return h.conn != nil }

func (h *Holder) Closed() bool { return h.closed }

// ReadyForCandidates reports whether remote candidates go straight to the engine.
func (h *Holder) ReadyForCandidates() bool { return h.ready }

// PendingCandidates returns a copy of the buffered remote candidates.
func (h *Holder) PendingCandidates() []domain.IceCandidate {
	return append([]domain.IceCandidate(nil), h.pendingCandidates...)
}

// Counters returns the reconnect offer and answer counters.
func (h *Holder) Counters() (offer, answer int) {
	return h.reconnectOfferCounter, h.reconnectAnswerCounter
}

// Events is nil until the connection exists and after its stream ends.
func (h *Holder) Events() <-chan domain.Event { return h.events }

// EventsDone is called by the owning task when Events is closed.
func (h *Holder) EventsDone() { h.events = nil }

// SetTurnCredentials records the credentials and creates the connection
// unless acceptance is still pending.
func (h *Holder) SetTurnCredentials(ctx context.Context, creds domain.TurnCredentials) error {
	if h.turn != nil {
		return ErrTurnCredentialsAlreadySet
	}
	h.turn = &creds
	if h.awaitAcceptance {
		return nil
	}
	return h.createConnection(ctx)
}

// Accept lifts the acceptance gate of an incoming call.
func (h *Holder) Accept(ctx context.Context) error {
	if h.turn == nil {
		return ErrNoTurnCredentials
	}
	h.awaitAcceptance = false
	return h.createConnection(ctx)
}

// ApplyOffer handles an invitation from a participant we answer: the offer is
// buffered, then the connection is created with the given credentials.
func (h *Holder) ApplyOffer(ctx context.Context, offer domain.SessionDescription, policy domain.GatheringPolicy, creds domain.TurnCredentials) error {
	if h.conn == nil && policy != 0 {
		h.policy = policy
	}
	if err := h.SetRemoteDescription(ctx, offer); err != nil {
		return err
	}
	if h.turn != nil {
		return h.createConnection(ctx)
	}
	return h.SetTurnCredentials(ctx, creds)
}

func (h *Holder) createConnection(ctx context.Context) error {
	if h.conn != nil || h.closed {
		return nil
	}
	if h.turn == nil {
		return ErrNoTurnCredentials
	}

	conn, err := h.factory.NewConnection(ctx, domain.ConnectionConfig{
		ICEServers:      h.turn.ICEServers(),
		GatheringPolicy: h.policy,
		RelayOnly:       !h.allowDirect,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionCreation, err)
	}
	h.conn = conn
	h.events = conn.Events()
	h.log.Info().Stringer("gathering", h.policy).Bool("offerer", h.shouldSendOffer).Msg("peer connection created")

	if err := conn.AddAudioTrack(ctx, h.audioEnabled); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	if err := conn.OpenDataChannel(ctx); err != nil {
		return fmt.Errorf("open data channel: %w", err)
	}

	if h.pendingRemote != nil {
		desc := *h.pendingRemote
		h.pendingRemote = nil
		if err := h.applyRemote(ctx, desc); err != nil {
			return err
		}
	}
	return nil
}

// SetRemoteDescription applies desc, or buffers it until the connection exists.
func (h *Holder) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if h.closed {
		return nil
	}
	if h.conn == nil {
		h.pendingRemote = &desc
		h.log.Debug().Str("type", string(desc.Type)).Msg("remote description buffered")
		return nil
	}
	return h.applyRemote(ctx, desc)
}

func (h *Holder) applyRemote(ctx context.Context, desc domain.SessionDescription) error {
	if err := h.conn.SetRemoteDescription(ctx, desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %w", ErrNegotiation, desc.Type, err)
	}
	h.markReady(ctx)
	if desc.Type == domain.SDPTypeOffer {
		return h.negotiate(ctx)
	}
	return nil
}

func (h *Holder) markReady(ctx context.Context) {
	if h.ready {
		return
	}
	h.ready = true

	pending := h.pendingCandidates
	h.pendingCandidates = nil
	for _, c := range pending {
		if err := h.conn.AddICECandidate(ctx, c); err != nil {
			h.log.Warn().Err(err).Msg("add buffered ICE candidate")
		}
	}
	if len(pending) > 0 {
		h.log.Debug().Int("count", len(pending)).Msg("drained buffered ICE candidates")
	}
}

// AddRemoteIceCandidate applies c, or queues it until a remote description
// has been set.
func (h *Holder) AddRemoteIceCandidate(ctx context.Context, c domain.IceCandidate) error {
	if h.closed {
		return nil
	}
	if h.policy != domain.GatherContinually {
		h.log.Warn().Msg("ignoring trickled ICE candidate under gather-once policy")
		return nil
	}
	if !h.ready {
		h.pendingCandidates = append(h.pendingCandidates, c)
		return nil
	}
	return h.conn.AddICECandidate(ctx, c)
}

func (h *Holder) RemoveRemoteIceCandidates(ctx context.Context, candidates []domain.IceCandidate) error {
	if h.closed {
		return nil
	}
	if !h.ready {
		h.pendingCandidates = removeCandidates(h.pendingCandidates, candidates)
		return nil
	}
	return h.conn.RemoveICECandidates(ctx, candidates)
}

func removeCandidates(from, removed []domain.IceCandidate) []domain.IceCandidate {
	kept := from[:0]
	for _, c := range from {
		drop := false
		for _, r := range removed {
			if c == r {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, c)
		}
	}
	return kept
}

// RestartICE starts a renegotiation with fresh ICE credentials. Only the
// designated offerer sends restart offers, so the two sides never race
// offers against each other; the other side waits for the peer's offer. A
// restart requested while an offer is in flight runs once signaling is
// stable again.
func (h *Holder) RestartICE(ctx context.Context) error {
	if h.closed {
		return nil
	}
	if h.conn == nil {
		return ErrNoConnection
	}
	if !h.shouldSendOffer {
		h.log.Info().Msg("waiting for the peer to restart ICE")
		return nil
	}
	if state := h.conn.SignalingState(); state != domain.SignalingStable {
		h.queueRestart(state)
		return nil
	}
	return h.restart(ctx)
}

func (h *Holder) queueRestart(state domain.SignalingState) {
	if !h.restartQueued {
		metrics.DeferredNegotiationsTotal.WithLabelValues("restart").Inc()
	}
	h.restartQueued = true
	h.log.Debug().Stringer("signaling", state).Msg("negotiation in flight, ICE restart queued")
}

func (h *Holder) restart(ctx context.Context) error {
	h.restartQueued = false
	h.restartPending = true
	metrics.ICERestartsTotal.Inc()
	h.log.Info().Msg("restarting ICE")
	return h.conn.RestartICE(ctx)
}

// HandleRestart applies a renegotiation description from the peer. Stale and
// duplicate descriptions are dropped without error. An offer that arrives
// while our own offer is in flight is held until that offer is answered.
func (h *Holder) HandleRestart(ctx context.Context, desc domain.SessionDescription, reconnectCounter, peerReconnectCounterToOverride int) error {
	if h.closed {
		return nil
	}
	if h.conn == nil {
		return ErrNoConnection
	}

	switch desc.Type {
	case domain.SDPTypeOffer:
		if reconnectCounter <= h.reconnectAnswerCounter {
			h.discard(desc, reconnectCounter, "stale offer")
			return nil
		}
		if state := h.conn.SignalingState(); state != domain.SignalingStable {
			if h.heldOffer != nil && h.heldOffer.counter >= reconnectCounter {
				h.discard(desc, reconnectCounter, "newer offer already held")
				return nil
			}
			if h.heldOffer == nil {
				metrics.DeferredNegotiationsTotal.WithLabelValues("offer").Inc()
			}
			h.heldOffer = &heldOffer{desc: desc, counter: reconnectCounter}
			h.log.Debug().
				Stringer("signaling", state).
				Int("counter", reconnectCounter).
				Int("override", peerReconnectCounterToOverride).
				Msg("holding restart offer until signaling is stable")
			return nil
		}
		h.reconnectAnswerCounter = reconnectCounter
		return h.applyRemote(ctx, desc)

	case domain.SDPTypeAnswer:
		if reconnectCounter != h.reconnectOfferCounter {
			h.discard(desc, reconnectCounter, "answer to an older offer")
			return nil
		}
		if h.conn.SignalingState() != domain.SignalingHaveLocalOffer {
			h.discard(desc, reconnectCounter, "no offer in flight")
			return nil
		}
		return h.applyRemote(ctx, desc)

	default:
		h.discard(desc, reconnectCounter, "unexpected type")
		return nil
	}
}

// settled runs what waited for a stable signaling state: a held peer offer
// first, then a queued restart of our own.
func (h *Holder) settled(ctx context.Context) error {
	if held := h.heldOffer; held != nil {
		h.heldOffer = nil
		if held.counter <= h.reconnectAnswerCounter {
			h.discard(held.desc, held.counter, "stale offer")
		} else {
			h.reconnectAnswerCounter = held.counter
			return h.applyRemote(ctx, held.desc)
		}
	}
	if h.restartQueued && h.shouldSendOffer {
		return h.restart(ctx)
	}
	return nil
}

func (h *Holder) discard(desc domain.SessionDescription, counter int, reason string) {
	metrics.RestartDescriptionsDiscardedTotal.WithLabelValues(string(desc.Type)).Inc()
	h.log.Warn().
		Str("type", string(desc.Type)).
		Int("counter", counter).
		Int("offer_counter", h.reconnectOfferCounter).
		Int("answer_counter", h.reconnectAnswerCounter).
		Str("reason", reason).
		Msg("discarding restart description")
}

// negotiate creates the local description the signaling state calls for and
// sets it unchanged. The copy sent to the peer carries the audio restrictions.
func (h *Holder) negotiate(ctx context.Context) error {
	if h.conn == nil || h.closed {
		return nil
	}

	var (
		desc domain.SessionDescription
		err  error
	)
	switch state := h.conn.SignalingState(); state {
	case domain.SignalingStable:
		h.reconnectOfferCounter++
		desc, err = h.conn.CreateOffer(ctx)
	case domain.SignalingHaveRemoteOffer:
		desc, err = h.conn.CreateAnswer(ctx)
	default:
		h.log.Debug().Stringer("signaling", state).Msg("nothing to negotiate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	if err := h.conn.SetLocalDescription(ctx, desc); err != nil {
		return fmt.Errorf("%w: set local %s: %w", ErrNegotiation, desc.Type, err)
	}
	h.negotiated = true

	if h.policy == domain.GatherOnce {
		h.resetGathering()
		return nil
	}
	h.sendLocal(ctx, desc)
	return nil
}

func (h *Holder) sendLocal(ctx context.Context, desc domain.SessionDescription) {
	restricted, err := RestrictAudio(desc, h.settings.MaxAverageBitrate)
	if err != nil {
		h.log.Warn().Err(err).Msg("sending local description without audio restrictions")
	} else {
		desc = restricted
	}
	switch desc.Type {
	case domain.SDPTypeOffer:
		h.delegate.SendLocalDescription(ctx, desc, h.reconnectOfferCounter, h.reconnectAnswerCounter)
	case domain.SDPTypeAnswer:
		h.delegate.SendLocalDescription(ctx, desc, h.reconnectAnswerCounter, -1)
	}
}

func (h *Holder) resetGathering() {
	if h.cancelSettle != nil {
		h.cancelSettle()
		h.cancelSettle = nil
	}
	h.gathered = 0
	h.bundleSent = false
}

func (h *Holder) onLocalCandidate(ctx context.Context, c domain.IceCandidate) {
	if h.policy == domain.GatherContinually {
		h.delegate.SendNewIceCandidate(ctx, c)
		return
	}
	if h.bundleSent {
		return
	}
	h.gathered++
	if h.gathered == 1 {
		h.cancelSettle = h.schedule(h.settings.SettleDelay, h.sendBundled)
	}
}

func (h *Holder) sendBundled(ctx context.Context) {
	h.cancelSettle = nil
	if h.bundleSent || h.conn == nil || h.closed {
		return
	}
	h.bundleSent = true

	desc, err := h.conn.LocalDescription(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("read bundled local description")
		return
	}
	h.log.Debug().Int("candidates", h.gathered).Msg("sending bundled local description")
	h.sendLocal(ctx, desc)
}

// HandleEvent processes one event from the connection's stream.
func (h *Holder) HandleEvent(ctx context.Context, ev domain.Event) error {
	if h.closed || h.conn == nil {
		return nil
	}

	switch ev.Kind {
	case domain.EventNegotiationNeeded:
		if !h.restartPending && h.negotiated {
			h.log.Debug().Msg("negotiation already done, ignoring")
			return nil
		}
		if h.restartPending {
			h.restartPending = false
			if state := h.conn.SignalingState(); state != domain.SignalingStable {
				h.queueRestart(state)
				return nil
			}
		}
		return h.negotiate(ctx)

	case domain.EventSignalingState:
		// Engine callbacks may arrive late; act on the current state.
		if h.conn.SignalingState() != domain.SignalingStable {
			return nil
		}
		if h.conn.ICEConnectionState().Up() {
			h.delegate.ConnectionStateChanged(ctx, domain.ICEConnected)
		}
		return h.settled(ctx)

	case domain.EventICEConnectionState:
		state := ev.ICEConnectionState
		if state.Up() {
			if h.conn.SignalingState() != domain.SignalingStable {
				h.log.Debug().Msg("ICE connected, waiting for stable signaling")
				return nil
			}
			state = domain.ICEConnected
		}
		h.delegate.ConnectionStateChanged(ctx, state)

	case domain.EventICEGatheringState:
		if ev.ICEGatheringState == domain.GatheringComplete && h.policy == domain.GatherOnce && h.gathered == 0 {
			h.log.Warn().Msg("ICE gathering completed without any candidate")
		}

	case domain.EventICECandidate:
		h.onLocalCandidate(ctx, ev.Candidate)

	case domain.EventICECandidatesRemoved:
		if h.policy == domain.GatherContinually {
			h.delegate.SendRemoveIceCandidates(ctx, ev.Candidates)
		}

	case domain.EventDataChannelState:
		h.delegate.DataChannelStateChanged(ctx, ev.DataChannelState)

	case domain.EventDataChannelMessage:
		msg, err := control.Decode(ev.Data)
		if err != nil {
			h.log.Warn().Err(err).Msg("dropping data channel message")
			return nil
		}
		h.delegate.DataChannelMessage(ctx, msg)

	case domain.EventRemoteTrack:
		h.delegate.RemoteTrack(ctx, ev.Track)
	}
	return nil
}

// SendControl writes msg on the data channel.
func (h *Holder) SendControl(ctx context.Context, msg control.Message) error {
	if h.conn == nil || h.closed {
		return ErrNoConnection
	}
	data, err := control.Encode(msg)
	if err != nil {
		return err
	}
	return h.conn.SendData(ctx, data)
}

// SetAudioEnabled applies now or, before the connection exists, on creation.
func (h *Holder) SetAudioEnabled(ctx context.Context, enabled bool) error {
	h.audioEnabled = enabled
	if h.conn == nil || h.closed {
		return nil
	}
	return h.conn.SetAudioEnabled(ctx, enabled)
}

func (h *Holder) AudioEnabled() bool { return h.audioEnabled }

// Close is idempotent and a no-op when no connection was ever created.
func (h *Holder) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.resetGathering()
	h.pendingCandidates = nil
	h.pendingRemote = nil
	h.heldOffer = nil
	h.restartQueued = false
	if h.conn == nil {
		return nil
	}
	h.log.Info().Msg("closing peer connection")
	return h.conn.Close(ctx)
}
