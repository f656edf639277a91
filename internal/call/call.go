// Package call coordinates the participants of one call: it routes signaling
// between the secure channel and the participants, keeps the roster, and
// relays signaling for participants that cannot reach each other directly.
package call

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"meshcall/native/internal/domain"
	"meshcall/native/internal/participant"
	"meshcall/native/internal/queue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrNotCaller          = errors.New("operation reserved to the caller")
	ErrCallEnded          = errors.New("call ended")
)

type State int

const (
	Initial State = iota
	Ringing
	Initializing
	InProgress
	Ended
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Ringing:
		return "ringing"
	case Initializing:
		return "initializing"
	case InProgress:
		return "inProgress"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Observer is notified from the call's task.
type Observer interface {
	CallStateChanged(c *Call, s State)
	ParticipantStateChanged(c *Call, id domain.PeerID, s participant.State)
	ParticipantMuteChanged(c *Call, id domain.PeerID, muted bool)
}

// Invitee identifies someone we call.
type Invitee struct {
	ID          domain.PeerID
	DisplayName string
}

type Config struct {
	OwnID    domain.PeerID
	Channel  domain.SecureChannel
	Turn     domain.TurnProvider
	Factory  domain.EngineFactory
	Renderer domain.TrackRenderer
	Observer Observer
	// IsKnown reports whether the secure channel reaches id directly.
	// Nil means nobody outside the caller is known.
	IsKnown func(id domain.PeerID) bool

	GatheringPolicy domain.GatheringPolicy
	Participant     participant.Settings
	// RingingTimeout rejects an incoming call nobody answered. Zero disables it.
	RingingTimeout time.Duration
	Logger         zerolog.Logger
}

// Summary is a snapshot of one participant.
type Summary struct {
	ID          domain.PeerID
	DisplayName string
	Kind        participant.Kind
	State       participant.State
	RemoteMuted bool
}

type Call struct {
	id       string
	cfg      Config
	outgoing bool
	callerID domain.PeerID
	invitees []Invitee
	log      zerolog.Logger

	mailbox *queue.Unbounded[func(context.Context)]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	roster map[domain.PeerID]*participant.Participant
	state  State

	// Owned by the task.
	turn          *domain.TurnCredentials
	started       bool
	muted         bool
	openChannels  map[domain.PeerID]bool
	pending       map[domain.PeerID][]domain.SignalMessage
	cancelRinging func()
}

// NewOutgoing prepares a call to invitees. Start places it.
func NewOutgoing(cfg Config, invitees []Invitee) *Call {
	c := newCall(cfg, uuid.NewString(), true)
	c.invitees = slices.Clone(invitees)
	return c
}

// NewIncoming prepares a call offered by caller. The StartCall message is
// expected through Deliver.
func NewIncoming(cfg Config, callID string, caller Invitee) *Call {
	c := newCall(cfg, callID, false)
	c.callerID = caller.ID
	c.invitees = []Invitee{caller}
	return c
}

func newCall(cfg Config, id string, outgoing bool) *Call {
	if cfg.GatheringPolicy == 0 {
		cfg.GatheringPolicy = domain.GatherContinually
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		id:           id,
		cfg:          cfg,
		outgoing:     outgoing,
		log:          cfg.Logger.With().Str("component", "call").Str("call", id).Logger(),
		mailbox:      queue.NewUnbounded[func(context.Context)](),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		roster:       make(map[domain.PeerID]*participant.Participant),
		openChannels: make(map[domain.PeerID]bool),
		pending:      make(map[domain.PeerID][]domain.SignalMessage),
	}
	go c.run()
	return c
}

func (c *Call) ID() string { return c.id }

func (c *Call) Outgoing() bool { return c.outgoing }

// Done is closed when the call has ended.
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Participants lists the current participants ordered by identity.
func (c *Call) Participants() []Summary {
	c.mu.Lock()
	ids := slices.Sorted(maps.Keys(c.roster))
	ps := make([]*participant.Participant, len(ids))
	for i, id := range ids {
		ps[i] = c.roster[id]
	}
	c.mu.Unlock()

	out := make([]Summary, len(ps))
	for i, p := range ps {
		out[i] = Summary{
			ID:          p.ID(),
			DisplayName: p.DisplayName(),
			Kind:        p.Kind(),
			State:       p.State(),
			RemoteMuted: p.RemoteMuted(),
		}
	}
	return out
}

func (c *Call) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn, ok := <-c.mailbox.Out():
			if !ok {
				return
			}
			fn(c.ctx)
		}
	}
}

func (c *Call) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	if !c.mailbox.Push(func(taskCtx context.Context) { errc <- fn(taskCtx) }) {
		return ErrCallEnded
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrCallEnded
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Call) post(fn func(ctx context.Context)) bool {
	return c.mailbox.Push(fn)
}

func (c *Call) schedule(d time.Duration, fn func(ctx context.Context)) func() {
	ctx, cancel := context.WithCancel(c.ctx)
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.post(func(taskCtx context.Context) {
				if ctx.Err() == nil {
					fn(taskCtx)
				}
			})
		case <-ctx.Done():
		}
	}()
	return cancel
}

// Start fetches TURN credentials and calls every invitee.
func (c *Call) Start(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if !c.outgoing {
			return ErrNotCaller
		}
		if c.started {
			return nil
		}
		c.started = true

		creds, err := c.cfg.Turn.FetchTurnCredentials(ctx)
		if err != nil {
			c.end(ctx, "no TURN credentials")
			return fmt.Errorf("fetch TURN credentials: %w", err)
		}
		c.turn = &creds
		c.setState(Initializing)
		c.log.Info().Int("invitees", len(c.invitees)).Msg("placing call")

		for _, inv := range c.invitees {
			c.invite(ctx, inv)
		}
		return nil
	})
}

// AddParticipants calls more people into a running outgoing call.
func (c *Call) AddParticipants(ctx context.Context, invitees []Invitee) error {
	return c.do(ctx, func(ctx context.Context) error {
		if !c.outgoing {
			return ErrNotCaller
		}
		if c.turn == nil {
			return errors.New("call not started")
		}
		for _, inv := range invitees {
			if c.lookup(inv.ID) != nil || inv.ID == c.cfg.OwnID {
				continue
			}
			c.invitees = append(c.invitees, inv)
			c.invite(ctx, inv)
		}
		c.broadcastRoster()
		return nil
	})
}

func (c *Call) invite(ctx context.Context, inv Invitee) {
	p := c.addParticipant(ctx, inv.ID, inv.DisplayName, participant.CalleeOfOutgoingCall{}, c.cfg.GatheringPolicy)
	if err := p.Start(ctx, *c.turn); err != nil {
		c.log.Error().Err(err).Str("participant", string(inv.ID)).Msg("start participant")
	}
}

// Accept answers an incoming call.
func (c *Call) Accept(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		caller, err := c.incomingCaller()
		if err != nil {
			return err
		}
		c.stopRinging()
		if err := caller.Accept(ctx); err != nil {
			return err
		}
		if c.stateNow() == Ringing {
			c.setState(Initializing)
		}
		return nil
	})
}

// Reject declines an incoming call and ends it.
func (c *Call) Reject(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		caller, err := c.incomingCaller()
		if err != nil {
			return err
		}
		err = caller.Reject(ctx)
		c.end(ctx, "rejected")
		return err
	})
}

// Busy declines an incoming call because we are in another one.
func (c *Call) Busy(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		caller, err := c.incomingCaller()
		if err != nil {
			return err
		}
		err = caller.Busy(ctx)
		c.end(ctx, "busy")
		return err
	})
}

// HangUp leaves the call.
func (c *Call) HangUp(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		var errs []error
		for _, p := range c.members() {
			if err := p.HangUp(ctx, ""); err != nil {
				errs = append(errs, err)
			}
		}
		c.end(ctx, "hung up")
		return errors.Join(errs...)
	})
}

// Kick removes a participant from an outgoing call.
func (c *Call) Kick(ctx context.Context, id domain.PeerID) error {
	return c.do(ctx, func(ctx context.Context) error {
		if !c.outgoing {
			return ErrNotCaller
		}
		p := c.lookup(id)
		if p == nil {
			return fmt.Errorf("kick %s: %w", id, ErrUnknownParticipant)
		}
		return p.Kick(ctx)
	})
}

// SetMuted mutes or unmutes the local audio toward every participant.
func (c *Call) SetMuted(ctx context.Context, muted bool) error {
	return c.do(ctx, func(ctx context.Context) error {
		c.muted = muted
		var errs []error
		for _, p := range c.members() {
			if err := p.SetMuted(ctx, muted); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// RestartICE renegotiates every connected participant, after a local
// network change.
func (c *Call) RestartICE(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		var errs []error
		for _, p := range c.members() {
			if err := p.RestartICEIfAppropriate(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Deliver queues a message received from the secure channel.
func (c *Call) Deliver(from domain.PeerID, msg domain.SignalMessage) error {
	if !c.post(func(ctx context.Context) { c.deliver(ctx, from, msg) }) {
		return ErrCallEnded
	}
	return nil
}

func (c *Call) incomingCaller() (*participant.Participant, error) {
	if c.outgoing {
		return nil, ErrNotCaller
	}
	p := c.lookup(c.callerID)
	if p == nil {
		return nil, fmt.Errorf("caller %s: %w", c.callerID, ErrUnknownParticipant)
	}
	return p, nil
}

func (c *Call) lookup(id domain.PeerID) *participant.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster[id]
}

func (c *Call) members() []*participant.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := slices.Sorted(maps.Keys(c.roster))
	out := make([]*participant.Participant, len(ids))
	for i, id := range ids {
		out[i] = c.roster[id]
	}
	return out
}

func (c *Call) stateNow() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == Ended {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.log.Info().Stringer("from", prev).Stringer("to", s).Msg("call state changed")
	if c.cfg.Observer != nil {
		c.cfg.Observer.CallStateChanged(c, s)
	}
}

func (c *Call) addParticipant(ctx context.Context, id domain.PeerID, name string, kind participant.Kind, policy domain.GatheringPolicy) *participant.Participant {
	if policy == 0 {
		policy = c.cfg.GatheringPolicy
	}
	p := participant.New(participant.Config{
		ID:              id,
		OwnID:           c.cfg.OwnID,
		DisplayName:     name,
		Kind:            kind,
		GatheringPolicy: policy,
		Factory:         c.cfg.Factory,
		Delegate:        participantEvents{c},
		Settings:        c.cfg.Participant,
		Logger:          c.log,
	})
	c.mu.Lock()
	c.roster[id] = p
	c.mu.Unlock()
	c.log.Info().Str("participant", string(id)).Stringer("kind", kind).Msg("participant added")

	if c.muted {
		if err := p.SetMuted(ctx, true); err != nil {
			c.log.Warn().Err(err).Msg("apply mute to new participant")
		}
	}
	return p
}

func (c *Call) evict(ctx context.Context, p *participant.Participant) {
	c.mu.Lock()
	if c.roster[p.ID()] != p {
		c.mu.Unlock()
		return
	}
	delete(c.roster, p.ID())
	c.mu.Unlock()
	delete(c.openChannels, p.ID())

	if err := p.Close(ctx); err != nil {
		c.log.Warn().Err(err).Str("participant", string(p.ID())).Msg("close participant")
	}
	c.log.Info().Str("participant", string(p.ID())).Stringer("state", p.State()).Msg("participant removed")
}

func (c *Call) stopRinging() {
	if c.cancelRinging != nil {
		c.cancelRinging()
		c.cancelRinging = nil
	}
}

func (c *Call) onRingingTimeout(ctx context.Context) {
	c.cancelRinging = nil
	if c.stateNow() != Ringing {
		return
	}
	c.log.Info().Dur("timeout", c.cfg.RingingTimeout).Msg("incoming call not answered")
	if caller := c.lookup(c.callerID); caller != nil {
		if err := caller.Reject(ctx); err != nil {
			c.log.Warn().Err(err).Msg("reject unanswered call")
		}
	}
	c.end(ctx, "not answered")
}

// end closes every participant and stops the task once the current job returns.
func (c *Call) end(ctx context.Context, reason string) {
	if c.stateNow() == Ended {
		return
	}
	c.stopRinging()
	for _, p := range c.members() {
		c.evict(ctx, p)
	}
	clear(c.pending)
	c.log.Info().Str("reason", reason).Msg("call ended")
	c.setState(Ended)
	c.cancel()
	c.mailbox.Close()
}
