package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"meshcall/native/internal/call"
	"meshcall/native/internal/domain"
	"meshcall/native/internal/participant"

	"github.com/rs/zerolog"
)

// phone owns at most one call at a time and routes inbound signaling to it.
type phone struct {
	base       call.Config
	autoAnswer bool
	muted      bool
	log        zerolog.Logger

	mu     sync.Mutex
	active *call.Call
}

func newPhone(base call.Config, autoAnswer, muted bool) *phone {
	ph := &phone{
		base:       base,
		autoAnswer: autoAnswer,
		muted:      muted,
		log:        base.Logger.With().Str("component", "phone").Logger(),
	}
	ph.base.Observer = ph
	ph.base.Renderer = ph
	return ph
}

// current returns the active call, if any.
func (ph *phone) current() *call.Call {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.active
}

// adopt makes c the active call and clears it once c ends.
func (ph *phone) adopt(c *call.Call) {
	ph.mu.Lock()
	ph.active = c
	ph.mu.Unlock()

	go func() {
		<-c.Done()
		ph.mu.Lock()
		if ph.active == c {
			ph.active = nil
		}
		ph.mu.Unlock()
	}()
}

// Dial places an outgoing call.
func (ph *phone) Dial(ctx context.Context, invitees []call.Invitee) (*call.Call, error) {
	if ph.current() != nil {
		return nil, errors.New("already in a call")
	}
	c := call.NewOutgoing(ph.base, invitees)
	ph.adopt(c)
	if err := c.SetMuted(ctx, ph.muted); err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// OnSignal is the secure channel handler. The channel calls it from a single
// goroutine.
func (ph *phone) OnSignal(from domain.PeerID, msg domain.SignalMessage) {
	active := ph.current()
	if msg.Type == domain.MessageStartCall && (active == nil || active.ID() != msg.CallID) {
		ph.ring(from, msg, active != nil)
		return
	}
	if active == nil || active.ID() != msg.CallID {
		ph.log.Debug().Str("from", string(from)).Str("call", msg.CallID).Stringer("type", msg.Type).Msg("no call for message")
		return
	}
	if err := active.Deliver(from, msg); err != nil {
		ph.log.Debug().Err(err).Msg("deliver")
	}
}

func (ph *phone) ring(from domain.PeerID, msg domain.SignalMessage, busy bool) {
	c := call.NewIncoming(ph.base, msg.CallID, call.Invitee{ID: from, DisplayName: string(from)})
	if !busy {
		ph.adopt(c)
	}
	if err := c.Deliver(from, msg); err != nil {
		ph.log.Warn().Err(err).Str("call", msg.CallID).Msg("deliver StartCall")
		return
	}

	log := ph.log.With().Str("from", string(from)).Str("call", msg.CallID).Logger()
	switch {
	case busy:
		log.Info().Msg("busy, declining incoming call")
		go ph.run(c.Busy)
	case ph.autoAnswer:
		log.Info().Msg("answering incoming call")
		go ph.run(func(ctx context.Context) error {
			if err := c.SetMuted(ctx, ph.muted); err != nil {
				return err
			}
			return c.Accept(ctx)
		})
	default:
		log.Info().Msg("incoming call ringing")
	}
}

func (ph *phone) run(op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := op(ctx); err != nil && !errors.Is(err, call.ErrCallEnded) {
		ph.log.Warn().Err(err).Msg("call operation failed")
	}
}

// HangUp leaves the active call, if any.
func (ph *phone) HangUp(ctx context.Context) {
	c := ph.current()
	if c == nil {
		return
	}
	if err := c.HangUp(ctx); err != nil && !errors.Is(err, call.ErrCallEnded) {
		ph.log.Warn().Err(err).Msg("hang up")
	}
}

func (ph *phone) CallStateChanged(c *call.Call, s call.State) {
	ph.log.Info().Str("call", c.ID()).Stringer("state", s).Msg("call state")
}

func (ph *phone) ParticipantStateChanged(c *call.Call, id domain.PeerID, s participant.State) {
	ph.log.Info().Str("call", c.ID()).Str("participant", string(id)).Stringer("state", s).Msg("participant state")
}

func (ph *phone) ParticipantMuteChanged(c *call.Call, id domain.PeerID, muted bool) {
	ph.log.Info().Str("call", c.ID()).Str("participant", string(id)).Bool("muted", muted).Msg("participant mute")
}

func (ph *phone) PresentRemoteTrack(id domain.PeerID, track domain.RemoteTrack) {
	ph.log.Info().
		Str("participant", string(id)).
		Str("kind", track.Kind).
		Str("codec", track.Codec).
		Str("track", track.ID).
		Msg("remote track")
}

// parseInvitee accepts "id" or "id=Display Name".
func parseInvitee(s string) call.Invitee {
	id, name, _ := strings.Cut(s, "=")
	if name == "" {
		name = id
	}
	return call.Invitee{ID: domain.PeerID(strings.TrimSpace(id)), DisplayName: strings.TrimSpace(name)}
}
