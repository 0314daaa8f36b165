package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// LocalTrack is a sample-fed outbound track. Samples written while the track
// is disabled or stopped are dropped.
type LocalTrack struct {
	static  *webrtc.TrackLocalStaticSample
	kind    Kind
	enabled atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewLocalTrack creates an enabled track of the given kind.
func NewLocalTrack(kind Kind, streamID string) (*LocalTrack, error) {
	capability := opusCapability
	if kind == KindVideo {
		capability = vp8Capability
	}
	static, err := webrtc.NewTrackLocalStaticSample(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{static: static, kind: kind, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string { return t.static.ID() }

func (t *LocalTrack) Kind() Kind { return t.kind }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *LocalTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		close(t.done)
	})
}

func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// Done is closed when the track is stopped.
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// WriteSample forwards a sample unless the track is muted or stopped.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.Enabled() || t.Stopped() {
		return nil
	}
	return t.static.WriteSample(s)
}

// SyntheticCapturer produces placeholder media at a fixed frame rate. It
// stands in for device capture in headless peers.
type SyntheticCapturer struct {
	StreamID string
}

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

func (c SyntheticCapturer) Acquire(ctx context.Context, kind Kind) (Track, error) {
	streamID := c.StreamID
	if streamID == "" {
		streamID = "local"
	}
	t, err := NewLocalTrack(kind, streamID)
	if err != nil {
		return nil, err
	}
	interval, payload := audioFrame, make([]byte, 160)
	if kind == KindVideo {
		interval, payload = videoFrame, make([]byte, 1200)
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.Done():
				return
			case <-ticker.C:
				_ = t.WriteSample(media.Sample{Data: payload, Duration: interval})
			}
		}
	}()
	return t, nil
}
