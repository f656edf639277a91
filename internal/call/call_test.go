package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"meshcall/native/internal/control"
	"meshcall/native/internal/domain"
	"meshcall/native/internal/enginetest"
	"meshcall/native/internal/participant"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type sentMessage struct {
	to  domain.PeerID
	msg domain.SignalMessage
}

// fakeChannel records everything sent on the secure channel.
type fakeChannel struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeChannel) Send(_ context.Context, to domain.PeerID, msg domain.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to, msg})
	return nil
}

func (f *fakeChannel) to(id domain.PeerID, t domain.MessageType) []domain.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SignalMessage
	for _, s := range f.sent {
		if s.to == id && s.msg.Type == t {
			out = append(out, s.msg)
		}
	}
	return out
}

type fakeTurn struct {
	err error
}

func (f fakeTurn) FetchTurnCredentials(context.Context) (domain.TurnCredentials, error) {
	if f.err != nil {
		return domain.TurnCredentials{}, f.err
	}
	return domain.TurnCredentials{
		Username: "user",
		Password: "secret",
		Servers:  []string{"turn:turn.example.org:3478"},
	}, nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) CallStateChanged(_ *Call, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}
func (r *stateRecorder) ParticipantStateChanged(*Call, domain.PeerID, participant.State) {}
func (r *stateRecorder) ParticipantMuteChanged(*Call, domain.PeerID, bool)               {}

type harness struct {
	factory  *enginetest.Factory
	channel  *fakeChannel
	observer *stateRecorder
}

func newHarness() *harness {
	return &harness{
		factory:  enginetest.NewFactory(),
		channel:  &fakeChannel{},
		observer: &stateRecorder{},
	}
}

func (h *harness) config(own domain.PeerID) Config {
	return Config{
		OwnID:           own,
		Channel:         h.channel,
		Turn:            fakeTurn{},
		Factory:         h.factory,
		Observer:        h.observer,
		GatheringPolicy: domain.GatherContinually,
		Participant:     participant.DefaultSettings(),
		RingingTimeout:  time.Minute,
		Logger:          zerolog.Nop(),
	}
}

func encode(t *testing.T, m control.Message) []byte {
	t.Helper()
	data, err := control.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func signal(t *testing.T, callID string, typ domain.MessageType, payload any) domain.SignalMessage {
	t.Helper()
	msg, err := domain.NewSignalMessage(callID, typ, payload)
	if err != nil {
		t.Fatalf("NewSignalMessage: %v", err)
	}
	return msg
}

// sentControl decodes every data channel message written on conn.
func sentControl(t *testing.T, conn *enginetest.Connection) []control.Message {
	t.Helper()
	var out []control.Message
	for _, data := range conn.Sent() {
		m, err := control.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func startOutgoing(t *testing.T, h *harness, invitees ...domain.PeerID) *Call {
	t.Helper()
	var list []Invitee
	for _, id := range invitees {
		list = append(list, Invitee{ID: id, DisplayName: string(id)})
	}
	c := NewOutgoing(h.config("alice"), list)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	synctest.Wait()
	return c
}

func startIncoming(t *testing.T, h *harness) *Call {
	t.Helper()
	c := NewIncoming(h.config("carol"), "call-9", Invitee{ID: "alice", DisplayName: "Alice"})
	err := c.Deliver("alice", signal(t, "call-9", domain.MessageStartCall, domain.StartCall{
		SDP:     enginetest.AudioSDP,
		SDPType: domain.SDPTypeOffer,
		TurnCredentials: domain.TurnCredentials{
			Username: "user", Password: "secret", Servers: []string{"turn:turn.example.org:3478"},
		},
		GatheringPolicy: domain.GatherContinually,
	}))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	synctest.Wait()
	return c
}

func TestCall_OutgoingPlacesCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startOutgoing(t, h, "bob", "carol")
		defer c.HangUp(context.Background())

		if _, err := uuid.Parse(c.ID()); err != nil {
			t.Errorf("call id %q: %v", c.ID(), err)
		}
		for _, id := range []domain.PeerID{"bob", "carol"} {
			starts := h.channel.to(id, domain.MessageStartCall)
			if len(starts) != 1 {
				t.Fatalf("StartCall to %s sent %d times", id, len(starts))
			}
			if starts[0].CallID != c.ID() {
				t.Errorf("StartCall carries call id %q", starts[0].CallID)
			}
		}
		if c.State() != Initializing {
			t.Errorf("state = %v, want initializing", c.State())
		}
		if got := len(c.Participants()); got != 2 {
			t.Errorf("participants = %d, want 2", got)
		}
	})
}

func TestCall_TurnFailureEndsCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		cfg := h.config("alice")
		cfg.Turn = fakeTurn{err: errors.New("unauthorized")}
		c := NewOutgoing(cfg, []Invitee{{ID: "bob"}})

		if err := c.Start(context.Background()); err == nil {
			t.Error("expected an error")
		}
		<-c.Done()
		if c.State() != Ended {
			t.Errorf("state = %v, want ended", c.State())
		}
	})
}

func TestCall_ConnectedParticipantMakesCallInProgress(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startOutgoing(t, h, "bob")
		defer c.HangUp(context.Background())

		if err := c.Deliver("bob", signal(t, c.ID(), domain.MessageAnswer, domain.Answer{SDP: enginetest.AudioSDP})); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		synctest.Wait()
		h.factory.Last().EmitICEState(domain.ICEConnected)
		synctest.Wait()

		if c.State() != InProgress {
			t.Errorf("state = %v, want inProgress", c.State())
		}
		ps := c.Participants()
		if len(ps) != 1 || ps[0].State != participant.Connected {
			t.Errorf("participants = %+v", ps)
		}
		h.observer.mu.Lock()
		defer h.observer.mu.Unlock()
		if len(h.observer.states) != 2 || h.observer.states[0] != Initializing || h.observer.states[1] != InProgress {
			t.Errorf("call states = %v", h.observer.states)
		}
	})
}

func TestCall_RelayRoundTrip(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startOutgoing(t, h, "bob", "carol")
		defer c.HangUp(context.Background())
		conns := h.factory.Connections()
		bob, carol := conns[0], conns[1]

		payload := `{"sdp":"candidate:1 1 udp 1 10.0.0.1 1000 typ relay","sdpMLineIndex":0,"sdpMid":"0"}`
		bob.EmitMessage(encode(t, control.Relay{To: "carol", MessageType: domain.MessageNewIceCandidate, Payload: payload}))
		synctest.Wait()

		var relayed []control.Relayed
		for _, m := range sentControl(t, carol) {
			if r, ok := m.(control.Relayed); ok {
				relayed = append(relayed, r)
			}
		}
		if len(relayed) != 1 {
			t.Fatalf("carol received %d relayed messages, want 1", len(relayed))
		}
		got := relayed[0]
		if got.From != "bob" || got.MessageType != domain.MessageNewIceCandidate || got.Payload != payload {
			t.Errorf("relayed = %+v", got)
		}
	})
}

func TestCall_RelayRefusesNonRelayableTypes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startOutgoing(t, h, "bob", "carol")
		defer c.HangUp(context.Background())
		conns := h.factory.Connections()

		conns[0].EmitMessage(encode(t, control.Relay{To: "carol", MessageType: domain.MessageStartCall, Payload: "{}"}))
		conns[0].EmitMessage(encode(t, control.Relay{To: "nobody", MessageType: domain.MessageNewIceCandidate, Payload: "{}"}))
		synctest.Wait()

		if n := len(conns[1].Sent()); n != 0 {
			t.Errorf("carol received %d data channel messages", n)
		}
	})
}

func TestCall_RosterSentOnChannelOpen(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startOutgoing(t, h, "bob", "carol")
		defer c.HangUp(context.Background())
		bob := h.factory.Connections()[0]

		bob.EmitDataChannel(domain.DataChannelOpen)
		synctest.Wait()

		var rosters []control.UpdateParticipants
		for _, m := range sentControl(t, bob) {
			if u, ok := m.(control.UpdateParticipants); ok {
				rosters = append(rosters, u)
			}
		}
		if len(rosters) != 1 {
			t.Fatalf("bob received %d rosters, want 1", len(rosters))
		}
		list := rosters[0].Participants
		if len(list) != 1 || list[0].Identity != "carol" {
			t.Errorf("roster = %+v, want [carol]", list)
		}
	})
}

func TestCall_KickEndsLastParticipant(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startOutgoing(t, h, "bob")

		if err := c.Kick(context.Background(), "bob"); err != nil {
			t.Fatalf("Kick: %v", err)
		}
		synctest.Wait()

		if len(h.channel.to("bob", domain.MessageKick)) != 1 {
			t.Error("kick not sent")
		}
		if c.State() != Ended {
			t.Errorf("state = %v, want ended", c.State())
		}
		if err := c.Kick(context.Background(), "bob"); !errors.Is(err, ErrCallEnded) {
			t.Errorf("Kick after end = %v", err)
		}
	})
}

func TestCall_IncomingRingsAndAnswers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startIncoming(t, h)
		defer c.HangUp(context.Background())

		if len(h.channel.to("alice", domain.MessageRinging)) != 1 {
			t.Error("ringing not sent")
		}
		if c.State() != Ringing {
			t.Errorf("state = %v, want ringing", c.State())
		}
		if err := c.Kick(context.Background(), "alice"); !errors.Is(err, ErrNotCaller) {
			t.Errorf("Kick on incoming call = %v", err)
		}

		if err := c.Accept(context.Background()); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if len(h.channel.to("alice", domain.MessageAnswer)) != 1 {
			t.Error("answer not sent")
		}
		if c.State() != Initializing {
			t.Errorf("state = %v, want initializing", c.State())
		}

		h.factory.Last().EmitICEState(domain.ICEConnected)
		synctest.Wait()
		if c.State() != InProgress {
			t.Errorf("state = %v, want inProgress", c.State())
		}

		// Accepted calls do not time out.
		time.Sleep(2 * time.Minute)
		synctest.Wait()
		if c.State() == Ended {
			t.Error("accepted call ended by the ringing timeout")
		}
	})
}

func TestCall_RingingTimeoutRejects(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startIncoming(t, h)

		time.Sleep(59 * time.Second)
		synctest.Wait()
		if c.State() != Ringing {
			t.Fatalf("state = %v before timeout", c.State())
		}
		time.Sleep(time.Second)
		synctest.Wait()

		if len(h.channel.to("alice", domain.MessageReject)) != 1 {
			t.Error("reject not sent")
		}
		if c.State() != Ended {
			t.Errorf("state = %v, want ended", c.State())
		}
	})
}

func TestCall_CallerHangUpEndsCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startIncoming(t, h)
		if err := c.Accept(context.Background()); err != nil {
			t.Fatalf("Accept: %v", err)
		}

		if err := c.Deliver("alice", signal(t, "call-9", domain.MessageHangUp, domain.HangUp{})); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		synctest.Wait()

		if c.State() != Ended {
			t.Errorf("state = %v, want ended", c.State())
		}
		if !h.factory.Last().Closed() {
			t.Error("connection to the caller left open")
		}
	})
}

func TestCall_IgnoresOtherCalls(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startIncoming(t, h)
		defer c.HangUp(context.Background())

		if err := c.Deliver("alice", signal(t, "another-call", domain.MessageHangUp, domain.HangUp{})); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		synctest.Wait()
		if c.State() != Ringing {
			t.Errorf("state = %v, want ringing", c.State())
		}
	})
}

func TestCall_BuffersUntilRosterNamesSender(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startIncoming(t, h)
		defer c.HangUp(context.Background())
		if err := c.Accept(context.Background()); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		alice := h.factory.Last()

		offer, err := json.Marshal(domain.NewParticipantOffer{
			SDP:             enginetest.AudioSDP,
			SDPType:         domain.SDPTypeOffer,
			GatheringPolicy: domain.GatherContinually,
		})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		alice.EmitMessage(encode(t, control.Relayed{From: "dave", MessageType: domain.MessageNewParticipantOffer, Payload: string(offer)}))
		synctest.Wait()
		if got := len(c.Participants()); got != 1 {
			t.Fatalf("participants = %d before roster, want 1", got)
		}

		alice.EmitMessage(encode(t, control.UpdateParticipants{Participants: []control.ParticipantInfo{
			{Identity: "alice"},
			{Identity: "carol"},
			{Identity: "dave", DisplayName: "Dave", GatheringPolicy: domain.GatherContinually},
		}}))
		synctest.Wait()

		var dave *Summary
		for _, s := range c.Participants() {
			if s.ID == "dave" {
				dave = &s
			}
		}
		if dave == nil {
			t.Fatal("dave not added from the roster")
		}
		if dave.Kind.Known() || dave.Kind.IsCaller() {
			t.Errorf("dave kind = %v", dave.Kind)
		}
		if dave.State != participant.ConnectingToPeer {
			t.Errorf("dave state = %v, want connectingToPeer", dave.State)
		}

		var relays []control.Relay
		for _, m := range sentControl(t, alice) {
			if r, ok := m.(control.Relay); ok {
				relays = append(relays, r)
			}
		}
		if len(relays) != 1 || relays[0].To != "dave" || relays[0].MessageType != domain.MessageNewParticipantAnswer {
			t.Errorf("relays through caller = %+v", relays)
		}
	})
}

func TestCall_RosterRemovesDepartedParticipants(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness()
		c := startIncoming(t, h)
		defer c.HangUp(context.Background())
		if err := c.Accept(context.Background()); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		alice := h.factory.Last()

		alice.EmitMessage(encode(t, control.UpdateParticipants{Participants: []control.ParticipantInfo{{Identity: "dave"}}}))
		synctest.Wait()
		if got := len(c.Participants()); got != 2 {
			t.Fatalf("participants = %d, want 2", got)
		}

		alice.EmitMessage(encode(t, control.UpdateParticipants{}))
		synctest.Wait()
		ps := c.Participants()
		if len(ps) != 1 || ps[0].ID != "alice" {
			t.Errorf("participants = %+v, want only alice", ps)
		}
	})
}
