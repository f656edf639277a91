package participant

// Kind is the role of a remote participant relative to us.
type Kind interface {
	// IsCaller reports whether the remote participant called us.
	IsCaller() bool
	// IsOutgoing reports whether we called the remote participant.
	IsOutgoing() bool
	// Known reports whether we have a direct secure channel to the remote
	// participant. Unknown participants are reached through the caller.
	Known() bool
	String() string

	sealed()
}

// CallerOfIncomingCall is the participant who called us.
type CallerOfIncomingCall struct{}

// CalleeOfOutgoingCall is a participant we called.
type CalleeOfOutgoingCall struct{}

// OtherParticipantOfIncomingCall is another callee of the call we were invited to.
type OtherParticipantOfIncomingCall struct {
	IsKnown bool
}

func (CallerOfIncomingCall) IsCaller() bool   { return true }
func (CallerOfIncomingCall) IsOutgoing() bool { return false }
func (CallerOfIncomingCall) Known() bool      { return true }
func (CallerOfIncomingCall) String() string   { return "callerOfIncomingCall" }
func (CallerOfIncomingCall) sealed()          {}

func (CalleeOfOutgoingCall) IsCaller() bool   { return false }
func (CalleeOfOutgoingCall) IsOutgoing() bool { return true }
func (CalleeOfOutgoingCall) Known() bool      { return true }
func (CalleeOfOutgoingCall) String() string   { return "calleeOfOutgoingCall" }
func (CalleeOfOutgoingCall) sealed()          {}

func (OtherParticipantOfIncomingCall) IsCaller() bool   { return false }
func (OtherParticipantOfIncomingCall) IsOutgoing() bool { return false }
func (k OtherParticipantOfIncomingCall) Known() bool    { return k.IsKnown }
func (k OtherParticipantOfIncomingCall) String() string {
	if k.IsKnown {
		return "otherParticipant(known)"
	}
	return "otherParticipant(unknown)"
}
func (OtherParticipantOfIncomingCall) sealed() {}
