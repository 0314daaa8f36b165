package session

import "time"

// Record is the completed-session summary handed to the history recorder.
type Record struct {
	SessionID   string
	ClientID    string
	CounselorID string
	Start       time.Time
	End         time.Time
	Notes       string
	Type        Type
}

// RecordOf summarizes an ended session. The start falls back to the claim
// time and then to the end when the call never connected.
func RecordOf(s *CallSession, notes string) Record {
	r := Record{
		SessionID:   s.ID,
		ClientID:    s.ClientID,
		CounselorID: s.CounselorID,
		Notes:       notes,
		Type:        s.Type,
	}
	if s.EndTime != nil {
		r.End = *s.EndTime
	}
	switch {
	case s.StartTime != nil:
		r.Start = *s.StartTime
	case s.AcceptedAt != nil:
		r.Start = *s.AcceptedAt
	default:
		r.Start = r.End
	}
	return r
}
