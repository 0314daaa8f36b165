package mute

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"peercounsel/internal/errs"
	"peercounsel/pkg/rtc"
)

// Replace policies, matching REPLACE_TRACK.
const (
	ReplaceAuto = "auto"
	ReplaceOn   = "on"
	ReplaceOff  = "off"
)

// Options configures a Controller.
type Options struct {
	SessionID    string
	Transport    rtc.Transport
	Capturer     rtc.Capturer
	Renegotiator Renegotiator
	Audio        rtc.Track
	Video        rtc.Track
	// Replace overrides the transport's capability flag.
	Replace string
	Logger  *zap.Logger
}

// Controller toggles local audio and video during a call.
type Controller struct {
	strategy TrackMuteStrategy
	logger   *zap.Logger

	// videoMu serializes video toggles, which may span a renegotiation
	// round. mu guards the fields below and is never held across one.
	videoMu sync.Mutex
	m       media

	mu         sync.Mutex
	transport  rtc.Transport
	audio      rtc.Track
	video      rtc.Track
	audioMuted bool
	videoMuted bool
	stopped    bool
}

// New picks the video strategy once. The local tracks must already be
// attached to the transport.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Controller{
		strategy:  selectStrategy(opts.Replace, opts.Transport),
		transport: opts.Transport,
		audio:     opts.Audio,
		m: media{
			transport:    opts.Transport,
			capturer:     opts.Capturer,
			renegotiator: opts.Renegotiator,
			video:        opts.Video,
		},
		video:      opts.Video,
		videoMuted: opts.Video == nil,
	}
	if opts.Video != nil {
		c.m.sender = senderFor(opts.Transport, opts.Video.ID())
	}
	c.logger = opts.Logger.Named("mute").With(
		zap.String("session_id", opts.SessionID),
		zap.String("strategy", c.strategy.Name()),
	)
	return c
}

func selectStrategy(policy string, t rtc.Transport) TrackMuteStrategy {
	switch policy {
	case ReplaceOn:
		return replaceStrategy{}
	case ReplaceOff:
		return renegotiateStrategy{}
	}
	if t != nil && t.CanReplaceTrack() {
		return replaceStrategy{}
	}
	return renegotiateStrategy{}
}

func senderFor(t rtc.Transport, trackID string) rtc.Sender {
	if t == nil {
		return nil
	}
	for _, s := range t.Senders() {
		if tr := s.Track(); tr != nil && tr.ID() == trackID {
			return s
		}
	}
	return nil
}

// Strategy names the video strategy in use.
func (c *Controller) Strategy() string { return c.strategy.Name() }

// SetAudioEnabled flips the enabled flag on the local audio track and on
// every outbound audio track. It never stops a track or renegotiates.
func (c *Controller) SetAudioEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio != nil {
		c.audio.SetEnabled(enabled)
	}
	if c.transport != nil {
		for _, s := range c.transport.Senders() {
			if tr := s.Track(); tr != nil && tr.Kind() == rtc.KindAudio {
				tr.SetEnabled(enabled)
			}
		}
	}
	c.audioMuted = !enabled
	c.logger.Debug("audio toggled", zap.Bool("enabled", enabled))
}

// SetVideoEnabled turns local video off or on. A failed enable leaves
// video muted and returns an error wrapping errs.ErrTrackToggleFailed.
// Audio toggles are not blocked while a video toggle renegotiates.
func (c *Controller) SetVideoEnabled(ctx context.Context, enabled bool) error {
	c.videoMu.Lock()
	defer c.videoMu.Unlock()

	c.mu.Lock()
	muted, stopped := c.videoMuted, c.stopped
	c.mu.Unlock()
	if stopped {
		return fmt.Errorf("%w: media stopped", errs.ErrTrackToggleFailed)
	}
	if enabled == !muted {
		return nil
	}

	if !enabled {
		err := c.strategy.DisableVideo(&c.m)
		c.publishVideo(true)
		if err != nil {
			c.logger.Warn("video disable incomplete", zap.Error(err))
			return fmt.Errorf("%w: %v", errs.ErrTrackToggleFailed, err)
		}
		c.logger.Debug("video disabled")
		return nil
	}

	if err := c.strategy.EnableVideo(ctx, &c.m); err != nil {
		c.publishVideo(true)
		c.logger.Warn("video enable failed, staying muted", zap.Error(err))
		return fmt.Errorf("%w: %v", errs.ErrTrackToggleFailed, err)
	}
	if !c.publishVideo(false) {
		return fmt.Errorf("%w: media stopped", errs.ErrTrackToggleFailed)
	}
	c.logger.Debug("video enabled")
	return nil
}

// publishVideo records the strategy's video track. A track brought up
// after Stop is stopped at once and reported as false.
func (c *Controller) publishVideo(muted bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		if c.m.video != nil {
			c.m.video.Stop()
		}
		c.video = nil
		c.videoMuted = true
		return false
	}
	c.video = c.m.video
	c.videoMuted = muted
	return true
}

func (c *Controller) AudioMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioMuted
}

func (c *Controller) VideoMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoMuted
}

// Stop ends every local capture track. Used by call teardown.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio != nil {
		c.audio.Stop()
	}
	if c.video != nil {
		c.video.Stop()
	}
	c.stopped = true
}
