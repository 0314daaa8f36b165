package lobby

import "time"

// Request is an open instant session as shown to counselors.
type Request struct {
	SessionID string     `json:"sessionId"`
	ClientID  string     `json:"clientId"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// Event is a request appearing or being withdrawn for one counselor.
type Event struct {
	Withdrawn bool
	Request   Request
}

// InboundMessage is the payload counselor browsers send to the lobby.
type InboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Available *bool  `json:"available,omitempty"`
}

// OutboundMessage is pushed to counselor browsers.
type OutboundMessage struct {
	Type        string   `json:"type"`
	CounselorID string   `json:"counselorId,omitempty"`
	Request     *Request `json:"request,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	Won         *bool    `json:"won,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Message types.
const (
	TypeWelcome          = "welcome"
	TypeInstantRequest   = "instant-request"
	TypeInstantWithdrawn = "instant-withdrawn"
	TypeClaim            = "claim"
	TypeClaimResult      = "claim-result"
	TypeReject           = "reject"
	TypeRejectResult     = "reject-result"
	TypeSetAvailability  = "set-availability"
	TypeError            = "error"
)
