package ice

import (
	"strings"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	ModeSTUNTURN = "stun-turn"
	ModeTURNOnly = "turn-only"
	ModeSTUNOnly = "stun-only"
)

var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Config holds the raw ICE settings.
//
// Env vars (read by internal/config):
// - STUN_URLS: comma-separated STUN URLs
// - TURN_URLS: comma-separated TURN URLs
// - TURN_USERNAME / TURN_PASSWORD: TURN credentials (if required)
// - ICE_MODE: stun-turn (default), turn-only, stun-only
type Config struct {
	Mode         string
	STUNURLs     string
	TURNURLs     string
	TURNUsername string
	TURNPassword string
}

// Servers resolves the ICE server list advertised to peers and used by
// local transports.
func Servers(cfg Config, logger *zap.Logger) (mode string, servers []webrtc.ICEServer) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode = strings.TrimSpace(cfg.Mode)
	if mode == "" {
		mode = ModeSTUNTURN
	}

	turnOnly := strings.EqualFold(mode, ModeTURNOnly)
	stunOnly := strings.EqualFold(mode, ModeSTUNOnly)

	if !turnOnly {
		if stunURLs := splitAndClean(cfg.STUNURLs); len(stunURLs) > 0 {
			servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
		} else {
			servers = append(servers, webrtc.ICEServer{URLs: defaultSTUN})
		}
	}

	if !stunOnly {
		if turnURLs := splitAndClean(cfg.TURNURLs); len(turnURLs) > 0 {
			servers = append(servers, webrtc.ICEServer{
				URLs:       turnURLs,
				Username:   strings.TrimSpace(cfg.TURNUsername),
				Credential: strings.TrimSpace(cfg.TURNPassword),
			})
		} else if !turnOnly {
			logger.Info("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		logger.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, webrtc.ICEServer{URLs: defaultSTUN})
	}

	logger.Info("ICE servers loaded", zap.String("mode", mode), zap.Int("servers", len(servers)))
	return mode, servers
}

// TURNConfigured reports whether any server carries credentials.
func TURNConfigured(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		if s.Username != "" || (s.Credential != nil && s.Credential != "") {
			return true
		}
	}
	return false
}

func splitAndClean(csv string) []string {
	parts := strings.Split(csv, ",")
	var out []string
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
