// Package participant drives the connection with one remote call participant.
//
// Each Participant runs its own task. The task owns the participant state and
// the peer.Holder; exported methods hand work to it and wait for the result.
package participant

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"meshcall/native/internal/control"
	"meshcall/native/internal/domain"
	"meshcall/native/internal/metrics"
	"meshcall/native/internal/peer"
	"meshcall/native/internal/queue"

	"github.com/rs/zerolog"
)

var ErrParticipantClosed = errors.New("participant closed")

// Delegate is the call-level side of a participant. It is invoked from the
// participant's task and must not call blocking Participant methods.
type Delegate interface {
	// SendSignal delivers a signaling payload to p, directly or through the caller.
	SendSignal(ctx context.Context, p *Participant, t domain.MessageType, payload any) error
	StateChanged(p *Participant, s State)
	MuteChanged(p *Participant, muted bool)
	DataChannelOpened(p *Participant)
	ParticipantsUpdated(p *Participant, participants []control.ParticipantInfo)
	RelayRequested(p *Participant, r control.Relay)
	Relayed(p *Participant, r control.Relayed)
	RemoteTrack(p *Participant, track domain.RemoteTrack)
}

type Settings struct {
	// ConnectingTimeout is the base watchdog delay while connecting or
	// reconnecting. The armed delay is randomized up to a third longer.
	ConnectingTimeout    time.Duration
	MaxReconnectAttempts int
	Peer                 peer.Settings
}

func DefaultSettings() Settings {
	return Settings{
		ConnectingTimeout:    15 * time.Second,
		MaxReconnectAttempts: 4,
		Peer:                 peer.DefaultSettings(),
	}
}

type Config struct {
	ID          domain.PeerID
	OwnID       domain.PeerID
	DisplayName string
	Kind        Kind

	GatheringPolicy domain.GatheringPolicy
	Factory         domain.EngineFactory
	Delegate        Delegate
	Settings        Settings
	Logger          zerolog.Logger
}

type Participant struct {
	id              domain.PeerID
	displayName     string
	kind            Kind
	shouldSendOffer bool

	delegate Delegate
	settings Settings
	log      zerolog.Logger
	holder   *peer.Holder

	mailbox   *queue.Unbounded[func(context.Context)]
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the task.
	state          State
	turn           *domain.TurnCredentials
	selfMuted      bool
	channelOpen    bool
	attempts       int
	cancelWatchdog func()

	mu          sync.Mutex
	published   State
	remoteMuted bool
}

// New starts the participant's task. Close must be called to stop it.
func New(cfg Config) *Participant {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Participant{
		id:              cfg.ID,
		displayName:     cfg.DisplayName,
		kind:            cfg.Kind,
		shouldSendOffer: cfg.OwnID > cfg.ID,
		delegate:        cfg.Delegate,
		settings:        cfg.Settings,
		log: cfg.Logger.With().
			Str("component", "participant").
			Str("participant", string(cfg.ID)).
			Logger(),
		mailbox: queue.NewUnbounded[func(context.Context)](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.holder = peer.New(peer.Config{
		Factory:         cfg.Factory,
		Delegate:        peerDelegate{p},
		Schedule:        p.schedule,
		GatheringPolicy: cfg.GatheringPolicy,
		ShouldSendOffer: p.shouldSendOffer,
		AwaitAcceptance: cfg.Kind.IsCaller(),
		Settings:        cfg.Settings.Peer,
		Logger:          p.log,
	})
	go p.run()
	return p
}

func (p *Participant) ID() domain.PeerID     { return p.id }
func (p *Participant) DisplayName() string   { return p.displayName }
func (p *Participant) Kind() Kind            { return p.kind }
func (p *Participant) ShouldSendOffer() bool { return p.shouldSendOffer }

// Done is closed once the participant's task has stopped.
func (p *Participant) Done() <-chan struct{} { return p.done }

func (p *Participant) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// RemoteMuted reports the last mute state announced by the remote participant.
func (p *Participant) RemoteMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteMuted
}

func (p *Participant) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.mailbox.Out():
			if !ok {
				return
			}
			fn(p.ctx)
		case ev, ok := <-p.holder.Events():
			if !ok {
				p.holder.EventsDone()
				continue
			}
			if p.state.Terminal() {
				continue
			}
			if err := p.holder.HandleEvent(p.ctx, ev); err != nil {
				p.handleError(p.ctx, "handle engine event", err)
			}
		}
	}
}

// do runs fn on the task and waits for it.
func (p *Participant) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	if !p.mailbox.Push(func(taskCtx context.Context) { errc <- fn(taskCtx) }) {
		return ErrParticipantClosed
	}
	select {
	case err := <-errc:
		return err
	case <-p.done:
		return ErrParticipantClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post runs fn on the task without waiting.
func (p *Participant) post(fn func(ctx context.Context)) bool {
	return p.mailbox.Push(fn)
}

func (p *Participant) schedule(d time.Duration, fn func(ctx context.Context)) func() {
	ctx, cancel := context.WithCancel(p.ctx)
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.post(func(taskCtx context.Context) {
				if ctx.Err() == nil {
					fn(taskCtx)
				}
			})
		case <-ctx.Done():
		}
	}()
	return cancel
}

// Start hands the call's TURN credentials to the participant. Participants
// we offer to connect right away; the others wait for an offer.
func (p *Participant) Start(ctx context.Context, creds domain.TurnCredentials) error {
	return p.do(ctx, func(ctx context.Context) error {
		if p.state.Terminal() {
			return nil
		}
		p.turn = &creds
		if p.kind.IsCaller() {
			return nil
		}
		if !p.kind.IsOutgoing() && !p.shouldSendOffer {
			return nil
		}
		if err := p.holder.SetTurnCredentials(ctx, creds); err != nil {
			p.fail(ctx, err)
			return err
		}
		return nil
	})
}

// Accept creates the connection of an incoming call and answers it.
func (p *Participant) Accept(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		if p.state.Terminal() {
			return nil
		}
		if err := p.holder.Accept(ctx); err != nil {
			p.fail(ctx, err)
			return err
		}
		return nil
	})
}

// Reject declines an incoming call.
func (p *Participant) Reject(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		if !p.kind.IsCaller() || p.state != Initial {
			return nil
		}
		err := p.send(ctx, domain.MessageReject, domain.Rejected{})
		p.setState(CallRejected)
		return err
	})
}

// Busy tells an incoming caller that we are in another call.
func (p *Participant) Busy(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		if !p.kind.IsCaller() || p.state != Initial {
			return nil
		}
		err := p.send(ctx, domain.MessageBusy, domain.Busy{})
		p.setState(Busy)
		return err
	})
}

// SendRinging tells an incoming caller that the call is being presented.
func (p *Participant) SendRinging(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		if !p.kind.IsCaller() || p.state.Terminal() {
			return nil
		}
		return p.send(ctx, domain.MessageRinging, domain.Ringing{})
	})
}

// HangUp ends our side of the connection and tells the peer.
func (p *Participant) HangUp(ctx context.Context, payload string) error {
	return p.do(ctx, func(ctx context.Context) error {
		if p.state.Finished() {
			return nil
		}
		var err error
		if p.channelOpen {
			err = p.holder.SendControl(ctx, control.HangedUp{Payload: payload})
		}
		if !p.channelOpen || err != nil {
			err = p.send(ctx, domain.MessageHangUp, domain.HangUp{Payload: payload})
		}
		p.setState(HangedUp)
		return err
	})
}

// Kick removes a participant we called.
func (p *Participant) Kick(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		if !p.kind.IsOutgoing() {
			return fmt.Errorf("kick %s participant", p.kind)
		}
		if p.state.Finished() {
			return nil
		}
		err := p.send(ctx, domain.MessageKick, domain.Kick{})
		p.setState(Kicked)
		return err
	})
}

// SetMuted mutes the local audio toward this participant and announces it.
func (p *Participant) SetMuted(ctx context.Context, muted bool) error {
	return p.do(ctx, func(ctx context.Context) error {
		p.selfMuted = muted
		if err := p.holder.SetAudioEnabled(ctx, !muted); err != nil {
			return err
		}
		if p.channelOpen {
			return p.holder.SendControl(ctx, control.Muted{Muted: muted})
		}
		return nil
	})
}

// Handle applies a signaling message received from this participant.
func (p *Participant) Handle(ctx context.Context, msg domain.SignalMessage) error {
	return p.do(ctx, func(ctx context.Context) error {
		return p.handleSignal(ctx, msg)
	})
}

// PostControl queues msg for the data channel without waiting. It reports
// false once the participant is closed.
func (p *Participant) PostControl(msg control.Message) bool {
	return p.post(func(ctx context.Context) {
		if p.state.Terminal() {
			return
		}
		if err := p.holder.SendControl(ctx, msg); err != nil {
			p.log.Warn().Err(err).Stringer("message", msg.Type()).Msg("data channel send failed")
		}
	})
}

// RestartICEIfAppropriate renegotiates after a local network change.
func (p *Participant) RestartICEIfAppropriate(ctx context.Context) error {
	return p.do(ctx, func(ctx context.Context) error {
		if p.state != Connected && p.state != Reconnecting {
			return nil
		}
		p.reconnect(ctx)
		return nil
	})
}

// Close closes the connection and stops the task. Safe to call more than once.
func (p *Participant) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		err = p.do(ctx, func(ctx context.Context) error {
			p.stopWatchdog()
			return p.holder.Close(ctx)
		})
		if errors.Is(err, ErrParticipantClosed) {
			err = nil
		}
		p.cancel()
		p.mailbox.Close()
		<-p.done
	})
	return err
}

func (p *Participant) handleSignal(ctx context.Context, msg domain.SignalMessage) error {
	if p.state.Terminal() {
		p.log.Debug().Stringer("type", msg.Type).Stringer("state", p.state).Msg("dropping message in terminal state")
		return nil
	}

	switch msg.Type {
	case domain.MessageStartCall:
		if !p.kind.IsCaller() {
			return p.violation("StartCall")
		}
		var sc domain.StartCall
		if err := msg.Decode(&sc); err != nil {
			return err
		}
		p.turn = &sc.TurnCredentials
		offer := domain.SessionDescription{Type: sdpType(sc.SDPType, domain.SDPTypeOffer), SDP: sc.SDP}
		return p.check(ctx, p.holder.ApplyOffer(ctx, offer, sc.GatheringPolicy, sc.TurnCredentials))

	case domain.MessageNewParticipantOffer:
		if p.kind.IsCaller() || p.kind.IsOutgoing() {
			return p.violation("NewParticipantOffer")
		}
		var npo domain.NewParticipantOffer
		if err := msg.Decode(&npo); err != nil {
			return err
		}
		if p.turn == nil {
			p.fail(ctx, peer.ErrNoTurnCredentials)
			return peer.ErrNoTurnCredentials
		}
		offer := domain.SessionDescription{Type: sdpType(npo.SDPType, domain.SDPTypeOffer), SDP: npo.SDP}
		return p.check(ctx, p.holder.ApplyOffer(ctx, offer, npo.GatheringPolicy, *p.turn))

	case domain.MessageAnswer, domain.MessageNewParticipantAnswer:
		var a domain.Answer
		if err := msg.Decode(&a); err != nil {
			return err
		}
		answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: a.SDP}
		if err := p.check(ctx, p.holder.SetRemoteDescription(ctx, answer)); err != nil {
			return err
		}
		if p.state == StartCallMessageSent || p.state == Ringing {
			p.setState(ConnectingToPeer)
		}

	case domain.MessageRinging:
		if p.state == StartCallMessageSent {
			p.setState(Ringing)
		}

	case domain.MessageBusy:
		if p.state == StartCallMessageSent {
			p.setState(Busy)
		}

	case domain.MessageReject:
		if p.state == StartCallMessageSent || p.state == Ringing {
			p.setState(CallRejected)
		}

	case domain.MessageHangUp:
		p.remoteHangUp()

	case domain.MessageKick:
		if !p.kind.IsCaller() {
			return p.violation("Kick")
		}
		p.setState(Kicked)

	case domain.MessageReconnect:
		var r domain.Reconnect
		if err := msg.Decode(&r); err != nil {
			return err
		}
		desc := domain.SessionDescription{Type: r.SDPType, SDP: r.SDP}
		return p.check(ctx, p.holder.HandleRestart(ctx, desc, r.ReconnectCounter, r.PeerReconnectCounterToOverride))

	case domain.MessageNewIceCandidate:
		var c domain.NewIceCandidate
		if err := msg.Decode(&c); err != nil {
			return err
		}
		return p.check(ctx, p.holder.AddRemoteIceCandidate(ctx, c))

	case domain.MessageRemoveIceCandidates:
		var r domain.RemoveIceCandidates
		if err := msg.Decode(&r); err != nil {
			return err
		}
		return p.check(ctx, p.holder.RemoveRemoteIceCandidates(ctx, r.Candidates))

	default:
		p.log.Warn().Stringer("type", msg.Type).Msg("unhandled signaling message")
	}
	return nil
}

func sdpType(t, fallback domain.SDPType) domain.SDPType {
	if t == "" {
		return fallback
	}
	return t
}

func (p *Participant) violation(message string) error {
	metrics.ProtocolViolationsTotal.WithLabelValues(message).Inc()
	p.log.Warn().Str("message", message).Stringer("kind", p.kind).Msg("message not allowed for this participant")
	return nil
}

// check makes configuration errors fatal for the participant and only logs
// negotiation errors once the first description is out.
func (p *Participant) check(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	p.handleError(ctx, "negotiation", err)
	return err
}

func (p *Participant) handleError(ctx context.Context, op string, err error) {
	if errors.Is(err, peer.ErrNoTurnCredentials) || errors.Is(err, peer.ErrConnectionCreation) {
		p.fail(ctx, err)
		return
	}
	// Nothing reached the peer yet, so no later exchange can repair this.
	if errors.Is(err, peer.ErrNegotiation) && p.state == Initial {
		p.fail(ctx, err)
		return
	}
	p.log.Error().Err(err).Str("op", op).Msg("negotiation error")
}

func (p *Participant) fail(_ context.Context, err error) {
	p.log.Error().Err(err).Msg("participant failed")
	p.setState(Failed)
}

func (p *Participant) remoteHangUp() {
	if p.state.Finished() {
		return
	}
	p.setState(HangedUp)
}

func (p *Participant) send(ctx context.Context, t domain.MessageType, payload any) error {
	if err := p.delegate.SendSignal(ctx, p, t, payload); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

func (p *Participant) setState(s State) {
	if s == p.state {
		return
	}
	if p.state.Terminal() {
		p.log.Debug().Stringer("state", p.state).Stringer("target", s).Msg("ignoring transition out of terminal state")
		return
	}

	prev := p.state
	p.state = s
	p.mu.Lock()
	p.published = s
	p.mu.Unlock()

	p.stopWatchdog()
	if s.watched() {
		p.armWatchdog()
	}
	if s == Connected {
		p.attempts = 0
	}

	metrics.ParticipantStateTransitionsTotal.WithLabelValues(s.String()).Inc()
	p.log.Info().Stringer("from", prev).Stringer("to", s).Msg("state changed")
	p.delegate.StateChanged(p, s)

	if s.Terminal() {
		p.post(func(ctx context.Context) {
			if err := p.holder.Close(ctx); err != nil {
				p.log.Warn().Err(err).Msg("close peer connection")
			}
		})
	}
}

func (p *Participant) armWatchdog() {
	d := p.settings.ConnectingTimeout
	if d <= 0 {
		return
	}
	if jitter := d / 3; jitter > 0 {
		d += rand.N(jitter)
	}
	p.cancelWatchdog = p.schedule(d, p.onWatchdog)
}

func (p *Participant) stopWatchdog() {
	if p.cancelWatchdog != nil {
		p.cancelWatchdog()
		p.cancelWatchdog = nil
	}
}

func (p *Participant) onWatchdog(ctx context.Context) {
	p.cancelWatchdog = nil
	if !p.state.watched() {
		return
	}
	p.attempts++
	if limit := p.settings.MaxReconnectAttempts; limit > 0 && p.attempts >= limit {
		p.log.Warn().Int("attempts", p.attempts).Msg("giving up reconnecting")
		p.setState(Failed)
		return
	}
	p.log.Info().Int("attempt", p.attempts).Stringer("state", p.state).Msg("connection watchdog fired")
	p.reconnect(ctx)
}

// reconnect moves through connectionTimeout into reconnecting and restarts ICE.
func (p *Participant) reconnect(ctx context.Context) {
	p.setState(ConnectionTimeout)
	p.setState(Reconnecting)
	if err := p.holder.RestartICE(ctx); err != nil {
		p.handleError(ctx, "restart ICE", err)
	}
}

func (p *Participant) sendLocalDescription(ctx context.Context, desc domain.SessionDescription, counter, override int) {
	if p.state.Finished() {
		return
	}

	var (
		err  error
		next State
	)
	switch {
	case p.state != Initial:
		err = p.send(ctx, domain.MessageReconnect, domain.Reconnect{
			SDP:                            desc.SDP,
			SDPType:                        desc.Type,
			ReconnectCounter:               counter,
			PeerReconnectCounterToOverride: override,
		})
		next = p.state
	case p.kind.IsOutgoing():
		if p.turn == nil {
			p.fail(ctx, peer.ErrNoTurnCredentials)
			return
		}
		err = p.send(ctx, domain.MessageStartCall, domain.StartCall{
			SDP:             desc.SDP,
			SDPType:         desc.Type,
			TurnCredentials: *p.turn,
			GatheringPolicy: p.holder.GatheringPolicy(),
		})
		next = StartCallMessageSent
	case p.kind.IsCaller():
		err = p.send(ctx, domain.MessageAnswer, domain.Answer{SDP: desc.SDP})
		next = ConnectingToPeer
	case p.shouldSendOffer:
		err = p.send(ctx, domain.MessageNewParticipantOffer, domain.NewParticipantOffer{
			SDP:             desc.SDP,
			SDPType:         desc.Type,
			GatheringPolicy: p.holder.GatheringPolicy(),
		})
		next = StartCallMessageSent
	default:
		err = p.send(ctx, domain.MessageNewParticipantAnswer, domain.NewParticipantAnswer{SDP: desc.SDP})
		next = ConnectingToPeer
	}
	if err != nil {
		p.fail(ctx, err)
		return
	}
	p.setState(next)
}

func (p *Participant) connectionStateChanged(ctx context.Context, s domain.ICEConnectionState) {
	switch {
	case s.Up():
		if p.state.linked() {
			p.setState(Connected)
		}
	case s == domain.ICEFailed || s == domain.ICEDisconnected:
		if p.state.linked() {
			p.log.Warn().Stringer("ice", s).Msg("connection lost")
			p.reconnect(ctx)
		}
	}
}

func (p *Participant) dataChannelStateChanged(ctx context.Context, s domain.DataChannelState) {
	switch s {
	case domain.DataChannelOpen:
		p.channelOpen = true
		p.delegate.DataChannelOpened(p)
		if err := p.holder.SendControl(ctx, control.Muted{Muted: p.selfMuted}); err != nil {
			p.log.Warn().Err(err).Msg("announce mute state")
		}
	case domain.DataChannelClosing, domain.DataChannelClosed:
		p.channelOpen = false
	}
}

func (p *Participant) dataChannelMessage(_ context.Context, msg control.Message) {
	switch m := msg.(type) {
	case control.Muted:
		p.mu.Lock()
		changed := p.remoteMuted != m.Muted
		p.remoteMuted = m.Muted
		p.mu.Unlock()
		if changed {
			p.delegate.MuteChanged(p, m.Muted)
		}
	case control.UpdateParticipants:
		if !p.kind.IsCaller() {
			p.violation("UpdateParticipants")
			return
		}
		p.delegate.ParticipantsUpdated(p, m.Participants)
	case control.Relay:
		if !p.kind.IsOutgoing() {
			p.violation("Relay")
			return
		}
		p.delegate.RelayRequested(p, m)
	case control.Relayed:
		if !p.kind.IsCaller() {
			p.violation("Relayed")
			return
		}
		p.delegate.Relayed(p, m)
	case control.HangedUp:
		p.remoteHangUp()
	}
}

// peerDelegate forwards holder callbacks to the participant. Every call
// already runs on the participant's task.
type peerDelegate struct {
	p *Participant
}

func (d peerDelegate) SendLocalDescription(ctx context.Context, desc domain.SessionDescription, counter, override int) {
	d.p.sendLocalDescription(ctx, desc, counter, override)
}

func (d peerDelegate) SendNewIceCandidate(ctx context.Context, c domain.IceCandidate) {
	if err := d.p.send(ctx, domain.MessageNewIceCandidate, c); err != nil {
		d.p.log.Warn().Err(err).Msg("send ICE candidate")
	}
}

func (d peerDelegate) SendRemoveIceCandidates(ctx context.Context, cs []domain.IceCandidate) {
	if err := d.p.send(ctx, domain.MessageRemoveIceCandidates, domain.RemoveIceCandidates{Candidates: cs}); err != nil {
		d.p.log.Warn().Err(err).Msg("send removed ICE candidates")
	}
}

func (d peerDelegate) ConnectionStateChanged(ctx context.Context, s domain.ICEConnectionState) {
	d.p.connectionStateChanged(ctx, s)
}

func (d peerDelegate) DataChannelStateChanged(ctx context.Context, s domain.DataChannelState) {
	d.p.dataChannelStateChanged(ctx, s)
}

func (d peerDelegate) DataChannelMessage(ctx context.Context, msg control.Message) {
	d.p.dataChannelMessage(ctx, msg)
}

func (d peerDelegate) RemoteTrack(_ context.Context, track domain.RemoteTrack) {
	d.p.delegate.RemoteTrack(d.p, track)
}
