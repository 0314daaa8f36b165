package session

import (
	"time"
)

// Type distinguishes appointment-backed sessions from on-demand ones.
type Type string

const (
	TypeScheduled Type = "scheduled"
	TypeInstant   Type = "instant"
)

// Status is the lifecycle state stored on the session document.
type Status string

const (
	StatusWaiting             Status = "waiting"
	StatusWaitingForCounselor Status = "waiting_for_counselor"
	StatusActive              Status = "active"
	StatusRejected            Status = "rejected"
	StatusEnded               Status = "ended"
	StatusError               Status = "error"
)

// Terminal reports whether no further protocol activity is expected.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// Participant is the identity class of a call member.
type Participant string

const (
	ParticipantClient    Participant = "client"
	ParticipantCounselor Participant = "counselor"
)

// Side is the negotiation role, decided by arrival order.
type Side string

const (
	SideOfferer  Side = "offerer"
	SideAnswerer Side = "answerer"
)

// Relay names one of the two candidate logs nested under a session.
type Relay string

const (
	RelayOfferer  Relay = "offererCandidates"
	RelayAnswerer Relay = "answererCandidates"
)

// OwnRelay is the relay this side appends to.
func (s Side) OwnRelay() Relay {
	if s == SideOfferer {
		return RelayOfferer
	}
	return RelayAnswerer
}

// RemoteRelay is the relay this side reads from.
func (s Side) RemoteRelay() Relay {
	if s == SideOfferer {
		return RelayAnswerer
	}
	return RelayOfferer
}

// Description is an opaque session description ("offer" or "answer").
type Description struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Candidate is an opaque connectivity candidate trickled through a relay.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// RelayEntry is a candidate with its position in the relay. IDs are ordered
// by the store; callers treat them as opaque cursors.
type RelayEntry struct {
	ID        string    `json:"id"`
	Candidate Candidate `json:"candidate"`
}

// Message is a chat entry sharing the session document.
type Message struct {
	SenderID string    `json:"senderId"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}

// Renegotiation carries an in-call offer/answer round so the initial offer
// and answer stay write-once.
type Renegotiation struct {
	Round  int          `json:"round"`
	From   string       `json:"from"`
	Offer  *Description `json:"offer,omitempty"`
	Answer *Description `json:"answer,omitempty"`
}

// ErrorDetails is the diagnostic payload written with status=error.
type ErrorDetails struct {
	Reason  string    `json:"reason"`
	Message string    `json:"message,omitempty"`
	By      string    `json:"by,omitempty"`
	At      time.Time `json:"at"`
}

// CallSession is the shared document both peers rendezvous on.
type CallSession struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	AppointmentID string         `json:"appointmentId,omitempty"`
	ClientID      string         `json:"clientId,omitempty"`
	CounselorID   string         `json:"counselorId,omitempty"`
	Status        Status         `json:"status"`
	OffererID     string         `json:"offererId,omitempty"`
	Offer         *Description   `json:"offer,omitempty"`
	Answer        *Description   `json:"answer,omitempty"`
	Renegotiation *Renegotiation `json:"renegotiation,omitempty"`
	CreatedAt     *time.Time     `json:"createdAt,omitempty"`
	StartTime     *time.Time     `json:"startTime,omitempty"`
	EndTime       *time.Time     `json:"endTime,omitempty"`
	AcceptedAt    *time.Time     `json:"acceptedAt,omitempty"`
	RejectedBy    string         `json:"rejectedBy,omitempty"`
	RejectedAt    *time.Time     `json:"rejectedAt,omitempty"`
	ErrorDetails  *ErrorDetails  `json:"errorDetails,omitempty"`
	Messages      []Message      `json:"messages,omitempty"`
	Version       int64          `json:"version"`
}

// HasBothParticipants reports whether client and counselor are both known.
func (s *CallSession) HasBothParticipants() bool {
	return s.ClientID != "" && s.CounselorID != ""
}

// Claimable reports whether an instant request may still be claimed.
// A rejection by one counselor leaves the request open to the others.
func (s *CallSession) Claimable() bool {
	if s.Type != TypeInstant || s.CounselorID != "" {
		return false
	}
	return s.Status == StatusWaitingForCounselor || s.Status == StatusRejected
}

// ParticipantOf resolves a user id against the document.
func (s *CallSession) ParticipantOf(userID string) (Participant, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == s.CounselorID:
		return ParticipantCounselor, true
	case userID == s.ClientID:
		return ParticipantClient, true
	}
	return "", false
}
