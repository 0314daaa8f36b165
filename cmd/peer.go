package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peercounsel/internal/app"
	"peercounsel/internal/call"
	"peercounsel/internal/config"
	"peercounsel/internal/instant"
	"peercounsel/internal/metrics"
	"peercounsel/pkg/ice"
	"peercounsel/pkg/rtc"
)

var peerFlags struct {
	sessionID string
	userID    string
	instant   bool
	claim     bool
	audioOnly bool
	endAfter  time.Duration
	notes     string
	say       string
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a session as a headless participant with synthetic media",
	Long: `Joins a call session over the shared store. A client may open an instant
request with --instant; a counselor may take the next request with --claim.
Requires the redis store so both peers see the same documents.`,
	RunE: runPeer,
}

func init() {
	f := peerCmd.Flags()
	f.StringVar(&peerFlags.sessionID, "session", "", "session (room) id to join")
	f.StringVar(&peerFlags.userID, "user", "", "local participant id")
	f.BoolVar(&peerFlags.instant, "instant", false, "open an instant request and wait for a counselor")
	f.BoolVar(&peerFlags.claim, "claim", false, "claim the next instant request")
	f.BoolVar(&peerFlags.audioOnly, "audio-only", false, "send audio only")
	f.DurationVar(&peerFlags.endAfter, "end-after", 0, "counselor ends the session after this long")
	f.StringVar(&peerFlags.notes, "notes", "", "session notes recorded when the counselor ends")
	f.StringVar(&peerFlags.say, "say", "", "chat message to send once joined")
	_ = peerCmd.MarkFlagRequired("user")
}

func runPeer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("memory store selected; the other peer must run in this process")
	}
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	m := metrics.New()
	coord := instant.New(instant.Options{
		Store:    stores.Sessions,
		Presence: stores.Presence,
		Metrics:  m,
		Logger:   logger,
	})

	sessionID := peerFlags.sessionID
	switch {
	case peerFlags.instant:
		sessionID, err = requestInstant(ctx, coord)
	case peerFlags.claim:
		sessionID, err = claimNext(ctx, coord)
	case sessionID == "":
		err = errors.New("one of --session, --instant or --claim is required")
	}
	if err != nil {
		return err
	}

	_, iceServers := ice.Servers(cfg.ICE, logger)
	media := []rtc.Kind{rtc.KindAudio, rtc.KindVideo}
	if peerFlags.audioOnly {
		media = []rtc.Kind{rtc.KindAudio}
	}

	c, err := call.Join(ctx, call.Deps{
		Store:    stores.Sessions,
		Presence: stores.Presence,
		History:  stores.History,
		NewTransport: func() (rtc.Transport, error) {
			return rtc.NewPionTransport(rtc.Options{
				ICEServers:          iceServers,
				DisableReplaceTrack: cfg.ReplaceTrack == config.ReplaceOff,
				Logger:              logger,
			})
		},
		Capturer: rtc.SyntheticCapturer{StreamID: peerFlags.userID},
		Metrics:  m,
		Logger:   logger,
	}, call.Options{
		SessionID:       sessionID,
		LocalID:         peerFlags.userID,
		Media:           media,
		AnswerTimeout:   cfg.AnswerTimeout,
		DisconnectGrace: cfg.DisconnectGrace,
		ReplaceTrack:    cfg.ReplaceTrack,
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", sessionID, err)
	}
	logger.Info("peer joined",
		zap.String("session_id", sessionID),
		zap.String("participant", string(c.Participant())),
		zap.String("side", string(c.Side())),
	)

	if peerFlags.say != "" {
		if err := c.SendMessage(ctx, peerFlags.say); err != nil {
			logger.Warn("send message failed", zap.Error(err))
		}
	}

	var endTimer <-chan time.Time
	if peerFlags.endAfter > 0 {
		endTimer = time.After(peerFlags.endAfter)
	}

	select {
	case <-c.Done():
	case <-endTimer:
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.End(endCtx, peerFlags.notes); err != nil {
			return err
		}
	case <-ctx.Done():
		leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Leave(leaveCtx); err != nil {
			logger.Warn("leave finished with errors", zap.Error(err))
		}
	}
	logger.Info("peer exited", zap.String("reason", string(c.Reason())))
	return nil
}

func requestInstant(ctx context.Context, coord *instant.Coordinator) (string, error) {
	s, err := coord.Request(ctx, peerFlags.userID)
	if err != nil {
		return "", err
	}
	logger.Info("waiting for a counselor", zap.String("session_id", s.ID), zap.Duration("timeout", cfg.InstantClaimTimeout))
	claimed, err := coord.AwaitClaim(ctx, s.ID, cfg.InstantClaimTimeout)
	if err != nil {
		return "", err
	}
	return claimed.ID, nil
}

func claimNext(ctx context.Context, coord *instant.Coordinator) (string, error) {
	w, err := coord.Watch(ctx, peerFlags.userID)
	if err != nil {
		return "", err
	}
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case u, ok := <-w.C():
			if !ok {
				return "", errors.New("instant watch closed")
			}
			if u.Kind != instant.Offered {
				continue
			}
			won, err := coord.Claim(ctx, u.SessionID, peerFlags.userID)
			if err != nil {
				return "", err
			}
			if won {
				return u.SessionID, nil
			}
			logger.Info("claim lost", zap.String("session_id", u.SessionID))
		}
	}
}
