package session

import (
	"encoding/json"
	"fmt"
)

// Document field names. They match the JSON tags on CallSession.
const (
	FieldID            = "id"
	FieldType          = "type"
	FieldAppointmentID = "appointmentId"
	FieldClientID      = "clientId"
	FieldCounselorID   = "counselorId"
	FieldStatus        = "status"
	FieldOffererID     = "offererId"
	FieldOffer         = "offer"
	FieldAnswer        = "answer"
	FieldRenegotiation = "renegotiation"
	FieldCreatedAt     = "createdAt"
	FieldStartTime     = "startTime"
	FieldEndTime       = "endTime"
	FieldAcceptedAt    = "acceptedAt"
	FieldRejectedBy    = "rejectedBy"
	FieldRejectedAt    = "rejectedAt"
	FieldErrorDetails  = "errorDetails"
	FieldMessages      = "messages"
	FieldVersion       = "version"
)

// Fields is a partial update keyed by document field name.
type Fields map[string]any

// Encode flattens a session into per-field JSON strings, the storage shape
// shared by every store. Messages and version are maintained separately.
func Encode(s *CallSession) (map[string]string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var parts map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(parts))
	for k, v := range parts {
		if k == FieldMessages || k == FieldVersion {
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}

// EncodeFields encodes a partial update the same way Encode does.
func EncodeFields(f Fields) (map[string]string, error) {
	out := make(map[string]string, len(f))
	for k, v := range f {
		if k == FieldVersion || k == FieldMessages {
			return nil, fmt.Errorf("session: field %q is store-managed", k)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("session: encode %s: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

// Decode rebuilds a session from stored fields.
func Decode(vals map[string]string, messages []Message) (*CallSession, error) {
	parts := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		if !json.Valid([]byte(v)) {
			return nil, fmt.Errorf("session: field %q is not valid JSON", k)
		}
		parts[k] = json.RawMessage(v)
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	var s CallSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if len(messages) > 0 {
		s.Messages = messages
	}
	return &s, nil
}
