package main

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"meshcall/native/internal/call"
	"meshcall/native/internal/domain"
	"meshcall/native/internal/enginetest"
	"meshcall/native/internal/participant"

	"github.com/rs/zerolog"
)

type sent struct {
	to  domain.PeerID
	msg domain.SignalMessage
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeChannel) Send(_ context.Context, to domain.PeerID, msg domain.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to, msg})
	return nil
}

func (f *fakeChannel) count(to domain.PeerID, callID string, t domain.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.to == to && s.msg.CallID == callID && s.msg.Type == t {
			n++
		}
	}
	return n
}

type fakeTurn struct{}

func (fakeTurn) FetchTurnCredentials(context.Context) (domain.TurnCredentials, error) {
	return domain.TurnCredentials{Username: "u", Password: "p", Servers: []string{"turn:t:3478"}}, nil
}

func newTestPhone(autoAnswer bool) (*phone, *fakeChannel) {
	ch := &fakeChannel{}
	ph := newPhone(call.Config{
		OwnID:           "alice",
		Channel:         ch,
		Turn:            fakeTurn{},
		Factory:         enginetest.NewFactory(),
		GatheringPolicy: domain.GatherContinually,
		Participant:     participant.DefaultSettings(),
		RingingTimeout:  time.Minute,
		Logger:          zerolog.Nop(),
	}, autoAnswer, false)
	return ph, ch
}

func startCall(t *testing.T, callID string) domain.SignalMessage {
	t.Helper()
	msg, err := domain.NewSignalMessage(callID, domain.MessageStartCall, domain.StartCall{
		SDP:             enginetest.AudioSDP,
		SDPType:         domain.SDPTypeOffer,
		TurnCredentials: domain.TurnCredentials{Username: "u", Password: "p", Servers: []string{"turn:t:3478"}},
		GatheringPolicy: domain.GatherContinually,
	})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestPhone_AutoAnswersIncomingCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ph, ch := newTestPhone(true)
		defer ph.HangUp(context.Background())

		ph.OnSignal("bob", startCall(t, "call-1"))
		synctest.Wait()

		c := ph.current()
		if c == nil || c.ID() != "call-1" {
			t.Fatalf("active call = %v", c)
		}
		if ch.count("bob", "call-1", domain.MessageRinging) != 1 {
			t.Error("ringing not sent")
		}
		if ch.count("bob", "call-1", domain.MessageAnswer) != 1 {
			t.Error("answer not sent")
		}
	})
}

func TestPhone_DeclinesSecondCallAsBusy(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ph, ch := newTestPhone(false)

		first, err := ph.Dial(context.Background(), []call.Invitee{{ID: "bob", DisplayName: "Bob"}})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		synctest.Wait()
		if ch.count("bob", first.ID(), domain.MessageStartCall) != 1 {
			t.Fatal("StartCall not sent")
		}

		ph.OnSignal("zed", startCall(t, "call-2"))
		synctest.Wait()

		if ch.count("zed", "call-2", domain.MessageBusy) != 1 {
			t.Error("busy not sent")
		}
		if ph.current() != first {
			t.Error("incoming call replaced the active one")
		}
		if _, err := ph.Dial(context.Background(), nil); err == nil {
			t.Error("Dial while in a call succeeded")
		}

		ph.HangUp(context.Background())
		synctest.Wait()
		if ph.current() != nil {
			t.Error("active call not cleared after hang up")
		}
	})
}

func TestPhone_DropsMessagesForUnknownCalls(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ph, ch := newTestPhone(false)

		msg, _ := domain.NewSignalMessage("nope", domain.MessageHangUp, domain.HangUp{})
		ph.OnSignal("bob", msg)
		synctest.Wait()

		if ph.current() != nil {
			t.Error("non-StartCall message created a call")
		}
		if len(ch.sent) != 0 {
			t.Errorf("sent %d messages", len(ch.sent))
		}
	})
}

func TestParseInvitee(t *testing.T) {
	tests := []struct {
		in   string
		id   domain.PeerID
		name string
	}{
		{"bob", "bob", "bob"},
		{"carol=Carol C.", "carol", "Carol C."},
		{"dave=", "dave", "dave"},
	}
	for _, tt := range tests {
		got := parseInvitee(tt.in)
		if got.ID != tt.id || got.DisplayName != tt.name {
			t.Errorf("parseInvitee(%q) = %+v", tt.in, got)
		}
	}
}
