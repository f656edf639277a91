package participant

import "fmt"

// State is the connection state of one remote participant.
type State int

const (
	Initial State = iota
	StartCallMessageSent
	Ringing
	Busy
	ConnectingToPeer
	Connected
	ConnectionTimeout
	Reconnecting
	CallRejected
	HangedUp
	Kicked
	Failed
)

var stateNames = [...]string{
	Initial:              "initial",
	StartCallMessageSent: "startCallMessageSent",
	Ringing:              "ringing",
	Busy:                 "busy",
	ConnectingToPeer:     "connectingToPeer",
	Connected:            "connected",
	ConnectionTimeout:    "connectionTimeout",
	Reconnecting:         "reconnecting",
	CallRejected:         "callRejected",
	HangedUp:             "hangedUp",
	Kicked:               "kicked",
	Failed:               "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal states are sticky and close the connection.
func (s State) Terminal() bool {
	switch s {
	case CallRejected, HangedUp, Kicked, Failed:
		return true
	default:
		return false
	}
}

// Finished reports whether the participant no longer takes part in the call.
func (s State) Finished() bool {
	return s.Terminal() || s == Busy
}

func (s State) watched() bool {
	return s == ConnectingToPeer || s == Reconnecting
}

func (s State) linked() bool {
	return s == ConnectingToPeer || s == Connected || s == Reconnecting
}
