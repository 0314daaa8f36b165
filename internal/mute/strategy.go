package mute

import (
	"context"
	"fmt"

	"peercounsel/pkg/rtc"
)

// Renegotiator runs one fresh offer/answer round.
type Renegotiator interface {
	Renegotiate(ctx context.Context) error
}

// media is the local video state a strategy works on. Callers hold the
// controller's video lock.
type media struct {
	transport    rtc.Transport
	capturer     rtc.Capturer
	renegotiator Renegotiator
	video        rtc.Track
	sender       rtc.Sender
}

// TrackMuteStrategy turns local video off and on. It is chosen once per
// session from the engine's ability to swap tracks on a live sender.
type TrackMuteStrategy interface {
	Name() string
	DisableVideo(m *media) error
	EnableVideo(ctx context.Context, m *media) error
}

const (
	StrategyReplace     = "replace"
	StrategyRenegotiate = "renegotiate"
)

// replaceStrategy keeps the sender attached and swaps its track in place.
type replaceStrategy struct{}

func (replaceStrategy) Name() string { return StrategyReplace }

func (replaceStrategy) DisableVideo(m *media) error {
	if m.video != nil {
		m.video.SetEnabled(false)
		m.video.Stop()
		m.video = nil
	}
	if m.sender == nil {
		return nil
	}
	return m.sender.ReplaceTrack(nil)
}

func (replaceStrategy) EnableVideo(ctx context.Context, m *media) error {
	if m.sender == nil {
		return fmt.Errorf("no video sender to replace on")
	}
	track, err := m.capturer.Acquire(ctx, rtc.KindVideo)
	if err != nil {
		return fmt.Errorf("acquire video: %w", err)
	}
	if err := m.sender.ReplaceTrack(track); err != nil {
		track.Stop()
		return fmt.Errorf("replace video track: %w", err)
	}
	m.video = track
	return nil
}

// renegotiateStrategy discards the track on disable and needs a full
// offer/answer round to bring a new one up.
type renegotiateStrategy struct{}

func (renegotiateStrategy) Name() string { return StrategyRenegotiate }

func (renegotiateStrategy) DisableVideo(m *media) error {
	if m.video != nil {
		m.video.SetEnabled(false)
		m.video.Stop()
		m.video = nil
	}
	return nil
}

func (renegotiateStrategy) EnableVideo(ctx context.Context, m *media) error {
	if m.renegotiator == nil {
		return fmt.Errorf("no renegotiator configured")
	}
	track, err := m.capturer.Acquire(ctx, rtc.KindVideo)
	if err != nil {
		return fmt.Errorf("acquire video: %w", err)
	}

	sender := m.sender
	var prev rtc.Track
	replaced := false
	if sender != nil {
		prev = sender.Track()
		replaced = sender.ReplaceTrack(track) == nil
	}
	if !replaced {
		if sender, err = m.transport.AddTrack(track); err != nil {
			track.Stop()
			return fmt.Errorf("attach video track: %w", err)
		}
	}

	if err := m.renegotiator.Renegotiate(ctx); err != nil {
		track.Stop()
		// Put the senders back the way they were before this attempt.
		var undo error
		if replaced {
			undo = sender.ReplaceTrack(prev)
		} else {
			undo = m.transport.RemoveTrack(sender)
		}
		if undo != nil {
			return fmt.Errorf("renegotiate: %w (rollback: %v)", err, undo)
		}
		return fmt.Errorf("renegotiate: %w", err)
	}
	m.video = track
	m.sender = sender
	return nil
}
