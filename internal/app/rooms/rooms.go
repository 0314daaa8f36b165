package rooms

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

// Room is a scheduled session that both participants join via its code.
type Room struct {
	Code          string         `json:"code"`
	AppointmentID string         `json:"appointmentId,omitempty"`
	ClientID      string         `json:"clientId"`
	CounselorID   string         `json:"counselorId"`
	Status        session.Status `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Appointment is an accepted booking a room is opened for.
type Appointment struct {
	ID          string `json:"appointmentId"`
	ClientID    string `json:"clientId"`
	CounselorID string `json:"counselorId"`
}

// ErrNotFound is returned when a room code does not exist.
var ErrNotFound = errors.New("room not found")

// ErrInvalidAppointment is returned when an appointment lacks a participant.
var ErrInvalidAppointment = errors.New("appointment needs a client and a counselor")

// Service opens scheduled sessions on the session store.
type Service struct {
	store  sessionstore.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store sessionstore.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger.Named("rooms"), now: time.Now}
}

// Create generates a room code and stores a waiting scheduled session.
func (s *Service) Create(ctx context.Context, appt Appointment) (*Room, error) {
	appt.ClientID = strings.TrimSpace(appt.ClientID)
	appt.CounselorID = strings.TrimSpace(appt.CounselorID)
	if appt.ClientID == "" || appt.CounselorID == "" || appt.ClientID == appt.CounselorID {
		return nil, ErrInvalidAppointment
	}
	for i := 0; i < 5; i++ {
		now := s.now().UTC()
		doc := &session.CallSession{
			ID:            generateCode(),
			Type:          session.TypeScheduled,
			AppointmentID: strings.TrimSpace(appt.ID),
			ClientID:      appt.ClientID,
			CounselorID:   appt.CounselorID,
			Status:        session.StatusWaiting,
			CreatedAt:     &now,
		}
		err := s.store.Create(ctx, doc)
		if errors.Is(err, sessionstore.ErrExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("room created",
			zap.String("code", doc.ID),
			zap.String("appointment_id", doc.AppointmentID),
			zap.String("counselor_id", doc.CounselorID),
		)
		return roomOf(doc), nil
	}
	return nil, errors.New("failed to generate unique room code")
}

// Get fetches a room by code, returning ErrNotFound when missing.
func (s *Service) Get(ctx context.Context, code string) (*Room, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNotFound
	}
	doc, err := s.store.Get(ctx, code)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return roomOf(doc), nil
}

// Delete removes a room's session document. Participants still in the call
// observe the deletion and tear down.
func (s *Service) Delete(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrNotFound
	}
	if err := s.store.Delete(ctx, code); err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.logger.Info("room deleted", zap.String("code", code))
	return nil
}

func roomOf(doc *session.CallSession) *Room {
	r := &Room{
		Code:          doc.ID,
		AppointmentID: doc.AppointmentID,
		ClientID:      doc.ClientID,
		CounselorID:   doc.CounselorID,
		Status:        doc.Status,
	}
	if doc.CreatedAt != nil {
		r.CreatedAt = *doc.CreatedAt
	}
	return r
}

// generateCode produces a short, URL-safe room code.
func generateCode() string {
	// 6 bytes -> 8 chars when raw URL base64 encoded without padding.
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
