package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peercounsel/internal/app/history"
	"peercounsel/internal/app/profiles"
	"peercounsel/internal/app/rooms"
	"peercounsel/pkg/session"
)

const requestTimeout = 3 * time.Second

// Settings is what browsers need to set up a call.
type Settings struct {
	ICEMode       string
	ICEServers    []webrtc.ICEServer
	PublicWSURL   string
	AnswerTimeout time.Duration
	ReplaceTrack  string
}

// RoomService creates and looks up scheduled sessions.
type RoomService interface {
	Create(ctx context.Context, appt rooms.Appointment) (*rooms.Room, error)
	Get(ctx context.Context, code string) (*rooms.Room, error)
	Delete(ctx context.Context, code string) error
}

// InstantRequester opens instant sessions.
type InstantRequester interface {
	Request(ctx context.Context, clientID string) (*session.CallSession, error)
}

// HistoryLister lists a counselor's completed sessions.
type HistoryLister interface {
	ForCounselor(ctx context.Context, counselorID string, limit int) ([]history.CompletedSession, error)
}

// Deps holds every collaborator Register mounts. Nil fields skip their routes.
type Deps struct {
	Settings  Settings
	Rooms     RoomService
	Instant   InstantRequester
	Profiles  profiles.Store
	History   HistoryLister
	Lobby     http.Handler
	Metrics   http.Handler
	StaticDir string
	Logger    *zap.Logger
}

// Register mounts the API on mux.
func Register(mux *http.ServeMux, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	mux.Handle("/api/settings", SettingsHandler(d.Settings, logger))
	mux.Handle("/debug/ice", DebugICEHandler(d.Settings))
	if d.Rooms != nil {
		mux.Handle("/api/rooms", CreateRoomHandler(d.Rooms, logger))
		mux.Handle("/api/rooms/", RoomHandler(d.Rooms, logger))
	}
	if d.Instant != nil {
		mux.Handle("/api/instant", InstantHandler(d.Instant, logger))
	}
	if d.Profiles != nil {
		mux.Handle("/api/profiles/", ProfileHandler(d.Profiles, logger))
	}
	if d.History != nil {
		mux.Handle("/api/history/", HistoryHandler(d.History, logger))
	}
	if d.Lobby != nil {
		mux.Handle("/ws/lobby", d.Lobby)
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
	if d.StaticDir != "" {
		mux.Handle("/", SPAHandler(d.StaticDir))
	}
}

func SPAHandler(staticDir string) http.Handler {
	fs := http.FileServer(http.Dir(staticDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws") || strings.HasPrefix(r.URL.Path, "/api/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		path := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		index := filepath.Join(staticDir, "index.html")
		http.ServeFile(w, r, index)
	})
}

func DebugICEHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		})
	})
}

func SettingsHandler(settings Settings, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]interface{}{
			"lobbyURL":        resolveWSURL(settings, r),
			"iceMode":         settings.ICEMode,
			"iceServers":      settings.ICEServers,
			"answerTimeoutMs": settings.AnswerTimeout.Milliseconds(),
			"replaceTrack":    settings.ReplaceTrack,
		}
		if err := writeJSON(w, http.StatusOK, payload); err != nil {
			logger.Warn("settings encode error", zap.Error(err))
		}
	})
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}

	return fmt.Sprintf("%s://%s/ws/lobby", proto, host)
}

// CreateRoomHandler opens a scheduled session for an accepted appointment.
func CreateRoomHandler(svc RoomService, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var appt rooms.Appointment
		if err := json.NewDecoder(r.Body).Decode(&appt); err != nil {
			http.Error(w, "invalid appointment", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		room, err := svc.Create(ctx, appt)
		if err != nil {
			if errors.Is(err, rooms.ErrInvalidAppointment) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.Error("room create error", zap.Error(err))
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		_ = writeJSON(w, http.StatusCreated, map[string]interface{}{
			"code": room.Code,
			"url":  roomURL(r, room.Code),
		})
	})
}

// RoomHandler serves GET and DELETE on /api/rooms/{code}.
func RoomHandler(svc RoomService, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms/"), "/")
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		switch r.Method {
		case http.MethodGet:
			room, err := svc.Get(ctx, code)
			if err != nil {
				if errors.Is(err, rooms.ErrNotFound) {
					http.NotFound(w, r)
					return
				}
				logger.Error("room lookup error", zap.String("code", code), zap.Error(err))
				http.Error(w, "failed to lookup room", http.StatusInternalServerError)
				return
			}
			_ = writeJSON(w, http.StatusOK, map[string]interface{}{
				"room": room,
				"url":  roomURL(r, room.Code),
			})
		case http.MethodDelete:
			if err := svc.Delete(ctx, code); err != nil {
				if errors.Is(err, rooms.ErrNotFound) {
					http.NotFound(w, r)
					return
				}
				logger.Error("room delete error", zap.String("code", code), zap.Error(err))
				http.Error(w, "failed to delete room", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

type instantRequest struct {
	ClientID string `json:"clientId"`
}

// InstantHandler opens an instant session for the posting client.
func InstantHandler(requester InstantRequester, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req instantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ClientID) == "" {
			http.Error(w, "clientId is required", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		s, err := requester.Request(ctx, req.ClientID)
		if err != nil {
			logger.Error("instant request error", zap.String("client_id", req.ClientID), zap.Error(err))
			http.Error(w, "failed to request session", http.StatusInternalServerError)
			return
		}
		_ = writeJSON(w, http.StatusCreated, map[string]interface{}{
			"sessionId": s.ID,
			"status":    s.Status,
			"url":       roomURL(r, s.ID),
		})
	})
}

// ProfileHandler serves GET and PUT on /api/profiles/{id}.
func ProfileHandler(store profiles.Store, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/profiles/"), "/")
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		switch r.Method {
		case http.MethodGet:
			p, err := store.Profile(ctx, id)
			if err != nil {
				if errors.Is(err, profiles.ErrNotFound) {
					http.NotFound(w, r)
					return
				}
				logger.Error("profile lookup error", zap.String("id", id), zap.Error(err))
				http.Error(w, "failed to lookup profile", http.StatusInternalServerError)
				return
			}
			_ = writeJSON(w, http.StatusOK, p)
		case http.MethodPut:
			var p profiles.Profile
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				http.Error(w, "invalid profile", http.StatusBadRequest)
				return
			}
			p.ID = id
			if err := store.SetProfile(ctx, p); err != nil {
				logger.Error("profile update error", zap.String("id", id), zap.Error(err))
				http.Error(w, "failed to update profile", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

// HistoryHandler lists completed sessions on /api/history/{counselorId}.
func HistoryHandler(lister HistoryLister, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		counselorID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/history/"), "/")
		if counselorID == "" {
			http.Error(w, "missing counselor id", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		rows, err := lister.ForCounselor(ctx, counselorID, limit)
		if err != nil {
			logger.Error("history lookup error", zap.String("counselor_id", counselorID), zap.Error(err))
			http.Error(w, "failed to list history", http.StatusInternalServerError)
			return
		}
		_ = writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": rows})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func roomURL(r *http.Request, code string) string {
	proto := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}
	return fmt.Sprintf("%s://%s/rooms/%s", proto, host, code)
}
