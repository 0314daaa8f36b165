package errs

import "errors"

// Domain sentinel errors, mapped to HTTP codes in handlers and checked with errors.Is.
var (
	ErrNotParticipant      = errors.New("user is not a participant of this session")
	ErrNotCounselor        = errors.New("only the counselor can end the session")
	ErrSessionClosed       = errors.New("session is no longer open")
	ErrAlreadyNegotiated   = errors.New("session already has an offer and an answer")
	ErrNegotiationBusy     = errors.New("negotiation already in progress")
	ErrAnswerTimeout       = errors.New("no answer received in time")
	ErrOfferTimeout        = errors.New("no offer received in time")
	ErrUnclaimed           = errors.New("instant session was not claimed in time")
	ErrNotClaimable        = errors.New("instant session can no longer be claimed")
	ErrControlNotOpen      = errors.New("control channel is not open")
	ErrControlAlreadySent  = errors.New("end signal already sent")
	ErrControlClosed       = errors.New("control channel is closed")
	ErrControlNotPermitted = errors.New("only the counselor sends on the control channel")
	ErrTrackToggleFailed   = errors.New("track toggle failed")
)
