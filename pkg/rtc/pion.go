package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peercounsel/pkg/session"
)

const (
	controlChannelLabel = "control"
	rtcpBufferSize      = 1500
)

// Options configures a PionTransport.
type Options struct {
	ICEServers []webrtc.ICEServer
	// DisableReplaceTrack forces the renegotiating mute strategy.
	DisableReplaceTrack bool
	Logger              *zap.Logger
}

// NewMediaEngine registers the codecs local capture tracks are created with.
func NewMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: vp8Capability,
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	return m, nil
}

// PionTransport implements Transport on a pion PeerConnection.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	senders []*pionSender
	control *pionChannel
	closed  bool
}

// NewPionTransport builds a peer connection with the configured ICE servers.
func NewPionTransport(opts Options) (*PionTransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := NewMediaEngine()
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &PionTransport{pc: pc, opts: opts, logger: logger.Named("transport")}
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		t.logger.Debug("signaling state changed", zap.String("state", s.String()))
	})
	return t, nil
}

func (t *PionTransport) CreateOffer() (session.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return session.Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return session.Description{}, fmt.Errorf("set local offer: %w", err)
	}
	return session.Description{Type: offer.Type.String(), Payload: offer.SDP}, nil
}

func (t *PionTransport) CreateAnswer() (session.Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return session.Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return session.Description{}, fmt.Errorf("set local answer: %w", err)
	}
	return session.Description{Type: answer.Type.String(), Payload: answer.SDP}, nil
}

func (t *PionTransport) SetRemoteDescription(d session.Description) error {
	var typ webrtc.SDPType
	switch d.Type {
	case "offer":
		typ = webrtc.SDPTypeOffer
	case "answer":
		typ = webrtc.SDPTypeAnswer
	case "pranswer":
		typ = webrtc.SDPTypePranswer
	default:
		return fmt.Errorf("unsupported description type %q", d.Type)
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: d.Payload})
}

func (t *PionTransport) AddICECandidate(c session.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *PionTransport) OnICECandidate(fn func(session.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(session.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *PionTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(fromPeerConnectionState(s))
	})
}

func (t *PionTransport) OnICEConnectionStateChange(fn func(ConnectionState)) {
	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		fn(fromICEConnectionState(s))
	})
}

func fromPeerConnectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func fromICEConnectionState(s webrtc.ICEConnectionState) ConnectionState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return StateConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func (t *PionTransport) AddTrack(track Track) (Sender, error) {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("unsupported track type %T", track)
	}
	rtpSender, err := t.pc.AddTrack(lt.static)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", lt.Kind(), err)
	}
	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, rtcpBufferSize)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()
	s := &pionSender{rtp: rtpSender, track: lt}
	t.mu.Lock()
	t.senders = append(t.senders, s)
	t.mu.Unlock()
	return s, nil
}

func (t *PionTransport) RemoveTrack(s Sender) error {
	ps, ok := s.(*pionSender)
	if !ok {
		return fmt.Errorf("unsupported sender type %T", s)
	}
	if err := t.pc.RemoveTrack(ps.rtp); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.senders {
		if cur == ps {
			t.senders = append(t.senders[:i], t.senders[i+1:]...)
			break
		}
	}
	return nil
}

func (t *PionTransport) Senders() []Sender {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sender, 0, len(t.senders))
	for _, s := range t.senders {
		out = append(out, s)
	}
	return out
}

func (t *PionTransport) ControlChannel() (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.control != nil {
		return t.control, nil
	}
	negotiated := true
	ordered := true
	// Fixed id: both sides open the channel pre-negotiated.
	id := uint16(0)
	dc, err := t.pc.CreateDataChannel(controlChannelLabel, &webrtc.DataChannelInit{
		ID:         &id,
		Negotiated: &negotiated,
		Ordered:    &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("create control channel: %w", err)
	}
	t.control = &pionChannel{dc: dc}
	return t.control, nil
}

func (t *PionTransport) CanReplaceTrack() bool {
	return !t.opts.DisableReplaceTrack
}

// SignalingStable reports whether no offer/answer exchange is in flight.
func (t *PionTransport) SignalingStable() bool {
	return t.pc.SignalingState() == webrtc.SignalingStateStable
}

func (t *PionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

type pionSender struct {
	mu    sync.Mutex
	rtp   *webrtc.RTPSender
	track *LocalTrack
}

func (s *pionSender) Track() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil
	}
	return s.track
}

func (s *pionSender) ReplaceTrack(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if track == nil {
		if err := s.rtp.ReplaceTrack(nil); err != nil {
			return err
		}
		s.track = nil
		return nil
	}
	lt, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("unsupported track type %T", track)
	}
	if err := s.rtp.ReplaceTrack(lt.static); err != nil {
		return err
	}
	s.track = lt
	return nil
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) OnOpen(fn func()) { c.dc.OnOpen(fn) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) SendText(text string) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("control channel is not open")
	}
	return c.dc.SendText(text)
}

func (c *pionChannel) Close() error { return c.dc.Close() }
