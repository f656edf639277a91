package call

import (
	"context"
	"encoding/json"
	"fmt"

	"meshcall/native/internal/control"
	"meshcall/native/internal/domain"
	"meshcall/native/internal/metrics"
	"meshcall/native/internal/participant"
)

func (c *Call) deliver(ctx context.Context, from domain.PeerID, msg domain.SignalMessage) {
	if msg.CallID != c.id {
		c.log.Debug().Str("other_call", msg.CallID).Msg("ignoring message for another call")
		return
	}
	metrics.SignalMessagesTotal.WithLabelValues(msg.Type.String(), "in").Inc()
	c.log.Debug().Str("from", string(from)).Stringer("type", msg.Type).Msg("signaling message")

	if msg.Type == domain.MessageStartCall {
		c.startIncoming(ctx, from, msg)
		return
	}
	c.route(ctx, from, msg)
}

func (c *Call) startIncoming(ctx context.Context, from domain.PeerID, msg domain.SignalMessage) {
	if c.outgoing || from != c.callerID {
		c.log.Warn().Str("from", string(from)).Msg("unexpected StartCall")
		return
	}
	if c.lookup(from) != nil {
		c.log.Debug().Msg("duplicate StartCall")
		return
	}

	var sc domain.StartCall
	if err := msg.Decode(&sc); err != nil {
		c.log.Warn().Err(err).Msg("malformed StartCall")
		return
	}
	c.turn = &sc.TurnCredentials

	caller := c.addParticipant(ctx, from, c.invitees[0].DisplayName, participant.CallerOfIncomingCall{}, sc.GatheringPolicy)
	if err := caller.Handle(ctx, msg); err != nil {
		c.log.Error().Err(err).Msg("apply StartCall")
		c.end(ctx, "invalid StartCall")
		return
	}
	if err := caller.SendRinging(ctx); err != nil {
		c.log.Warn().Err(err).Msg("send ringing")
	}
	c.setState(Ringing)
	if c.cfg.RingingTimeout > 0 {
		c.cancelRinging = c.schedule(c.cfg.RingingTimeout, c.onRingingTimeout)
	}
}

// route hands msg to the participant it comes from. Messages from people the
// caller has not announced yet are kept until the roster names them.
func (c *Call) route(ctx context.Context, from domain.PeerID, msg domain.SignalMessage) {
	if p := c.lookup(from); p != nil {
		if err := p.Handle(ctx, msg); err != nil {
			c.log.Warn().Err(err).Str("from", string(from)).Stringer("type", msg.Type).Msg("handle signaling message")
		}
		return
	}
	if c.outgoing || !msg.Type.Relayable() || from == c.cfg.OwnID {
		c.log.Warn().Str("from", string(from)).Stringer("type", msg.Type).Msg("message from unknown participant dropped")
		return
	}
	c.pending[from] = append(c.pending[from], msg)
	metrics.RelayedMessagesTotal.WithLabelValues("buffered").Inc()
	c.log.Debug().Str("from", string(from)).Stringer("type", msg.Type).Msg("buffered message from unannounced participant")
}

// forward relays a signaling payload between two callees of our call.
func (c *Call) forward(from *participant.Participant, r control.Relay) {
	if !r.MessageType.Relayable() {
		metrics.ProtocolViolationsTotal.WithLabelValues("Relay").Inc()
		c.log.Warn().Str("from", string(from.ID())).Stringer("type", r.MessageType).Msg("refusing to relay message type")
		return
	}
	target := c.lookup(r.To)
	if target == nil || target == from {
		c.log.Warn().Str("from", string(from.ID())).Str("to", string(r.To)).Msg("relay target unknown")
		return
	}
	target.PostControl(control.Relayed{From: from.ID(), MessageType: r.MessageType, Payload: r.Payload})
	metrics.RelayedMessagesTotal.WithLabelValues("forwarded").Inc()
	c.log.Debug().Str("from", string(from.ID())).Str("to", string(r.To)).Stringer("type", r.MessageType).Msg("relayed message")
}

func (c *Call) receiveRelayed(ctx context.Context, r control.Relayed) {
	if !r.MessageType.Relayable() {
		metrics.ProtocolViolationsTotal.WithLabelValues("Relayed").Inc()
		c.log.Warn().Str("from", string(r.From)).Stringer("type", r.MessageType).Msg("relayed message type not allowed")
		return
	}
	metrics.RelayedMessagesTotal.WithLabelValues("received").Inc()
	c.route(ctx, r.From, domain.SignalMessage{
		CallID:  c.id,
		Type:    r.MessageType,
		Payload: json.RawMessage(r.Payload),
	})
}

func (c *Call) rosterFor(recipient domain.PeerID) control.UpdateParticipants {
	var list []control.ParticipantInfo
	for _, p := range c.members() {
		if p.ID() == recipient || p.State().Finished() {
			continue
		}
		list = append(list, control.ParticipantInfo{
			Identity:        p.ID(),
			DisplayName:     p.DisplayName(),
			GatheringPolicy: c.cfg.GatheringPolicy,
		})
	}
	return control.UpdateParticipants{Participants: list}
}

func (c *Call) sendRoster(p *participant.Participant) {
	p.PostControl(c.rosterFor(p.ID()))
}

func (c *Call) broadcastRoster() {
	for _, p := range c.members() {
		if c.openChannels[p.ID()] {
			c.sendRoster(p)
		}
	}
}

// updateRoster applies the caller's participant list.
func (c *Call) updateRoster(ctx context.Context, list []control.ParticipantInfo) {
	if c.turn == nil {
		c.log.Warn().Msg("roster received before TURN credentials")
		return
	}

	listed := make(map[domain.PeerID]bool, len(list))
	for _, info := range list {
		id := info.Identity
		if id == c.cfg.OwnID || id == c.callerID {
			continue
		}
		listed[id] = true
		if c.lookup(id) != nil {
			continue
		}

		known := c.cfg.IsKnown != nil && c.cfg.IsKnown(id)
		p := c.addParticipant(ctx, id, info.DisplayName, participant.OtherParticipantOfIncomingCall{IsKnown: known}, info.GatheringPolicy)
		if err := p.Start(ctx, *c.turn); err != nil {
			c.log.Error().Err(err).Str("participant", string(id)).Msg("start participant")
		}

		pending := c.pending[id]
		delete(c.pending, id)
		for _, msg := range pending {
			if err := p.Handle(ctx, msg); err != nil {
				c.log.Warn().Err(err).Str("from", string(id)).Stringer("type", msg.Type).Msg("replay buffered message")
			}
		}
	}

	for _, p := range c.members() {
		if p.Kind().IsCaller() || listed[p.ID()] {
			continue
		}
		c.log.Info().Str("participant", string(p.ID())).Msg("participant left the roster")
		c.evict(ctx, p)
	}
}

func (c *Call) participantState(ctx context.Context, p *participant.Participant, s participant.State) {
	if c.lookup(p.ID()) != p {
		return
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer.ParticipantStateChanged(c, p.ID(), s)
	}
	if s == participant.Connected {
		c.setState(InProgress)
	}
	if !s.Finished() {
		return
	}

	c.evict(ctx, p)
	switch {
	case !c.outgoing && p.Kind().IsCaller():
		c.end(ctx, "caller left")
	case len(c.members()) == 0:
		c.end(ctx, "everyone left")
	case c.outgoing:
		c.broadcastRoster()
	}
}

// participantEvents is the participant.Delegate of a call. Everything but
// SendSignal is handed over to the call's task.
type participantEvents struct {
	c *Call
}

func (e participantEvents) SendSignal(ctx context.Context, p *participant.Participant, t domain.MessageType, payload any) error {
	c := e.c
	msg, err := domain.NewSignalMessage(c.id, t, payload)
	if err != nil {
		return err
	}
	if p.Kind().Known() {
		metrics.SignalMessagesTotal.WithLabelValues(t.String(), "out").Inc()
		return c.cfg.Channel.Send(ctx, p.ID(), msg)
	}

	if !t.Relayable() {
		return fmt.Errorf("%s to %s cannot be relayed", t, p.ID())
	}
	caller := c.lookup(c.callerID)
	if caller == nil {
		return fmt.Errorf("relay to %s: %w", p.ID(), ErrUnknownParticipant)
	}
	if !caller.PostControl(control.Relay{To: p.ID(), MessageType: t, Payload: string(msg.Payload)}) {
		return participant.ErrParticipantClosed
	}
	metrics.RelayedMessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

func (e participantEvents) StateChanged(p *participant.Participant, s participant.State) {
	e.c.post(func(ctx context.Context) { e.c.participantState(ctx, p, s) })
}

func (e participantEvents) MuteChanged(p *participant.Participant, muted bool) {
	e.c.post(func(context.Context) {
		if e.c.cfg.Observer != nil {
			e.c.cfg.Observer.ParticipantMuteChanged(e.c, p.ID(), muted)
		}
	})
}

func (e participantEvents) DataChannelOpened(p *participant.Participant) {
	e.c.post(func(context.Context) {
		if e.c.lookup(p.ID()) != p {
			return
		}
		e.c.openChannels[p.ID()] = true
		if e.c.outgoing {
			e.c.sendRoster(p)
		}
	})
}

func (e participantEvents) ParticipantsUpdated(p *participant.Participant, list []control.ParticipantInfo) {
	e.c.post(func(ctx context.Context) {
		if p.ID() != e.c.callerID {
			return
		}
		e.c.updateRoster(ctx, list)
	})
}

func (e participantEvents) RelayRequested(p *participant.Participant, r control.Relay) {
	e.c.post(func(context.Context) {
		if !e.c.outgoing {
			return
		}
		e.c.forward(p, r)
	})
}

func (e participantEvents) Relayed(p *participant.Participant, r control.Relayed) {
	e.c.post(func(ctx context.Context) {
		if p.ID() != e.c.callerID {
			return
		}
		e.c.receiveRelayed(ctx, r)
	})
}

func (e participantEvents) RemoteTrack(p *participant.Participant, track domain.RemoteTrack) {
	if e.c.cfg.Renderer != nil {
		e.c.cfg.Renderer.PresentRemoteTrack(p.ID(), track)
	}
}
