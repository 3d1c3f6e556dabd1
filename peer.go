package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const DefaultNegotiationTimeout = 5 * time.Second

type TrackRemoteHandler func(ctx context.Context, track *webrtc.TrackRemote)
type DataChannelHandler func(dc *webrtc.DataChannel)

// AudioCapture is an open microphone.
type AudioCapture interface {
	// Stream pumps encoded audio into track until ctx is done or the
	// capture is stopped.
	Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample)
	Stop() error
}

// AudioSource opens the device microphone. Implementations must request
// audio only.
type AudioSource interface {
	Open(ctx context.Context) (AudioCapture, error)
}

// ConnState is the lifecycle of one connection attempt.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateMediaReady
	ConnStateOfferCreated
	ConnStateAnswerApplied
	ConnStateConnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateMediaReady:
		return "media-ready"
	case ConnStateOfferCreated:
		return "offer-created"
	case ConnStateAnswerApplied:
		return "answer-applied"
	case ConnStateConnected:
		return "connected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// NewWebRTCAPI builds a pion API with the default codecs and interceptors.
// settings tune the SettingEngine, e.g. to allow loopback candidates.
func NewWebRTCAPI(settings ...func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}
	s := webrtc.SettingEngine{}
	for _, apply := range settings {
		apply(&s)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	), nil
}

// LocalMediaStream is the microphone attached to a connection.
type LocalMediaStream struct {
	Track   *webrtc.TrackLocalStaticSample
	sender  *webrtc.RTPSender
	capture AudioCapture
	stopped atomic.Bool
}

// Stop releases the microphone. Safe to call more than once.
func (s *LocalMediaStream) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	return s.capture.Stop()
}

func (s *LocalMediaStream) Stopped() bool {
	return s.stopped.Load()
}

// RemoteMediaStream accumulates the audio tracks the remote peer sends.
type RemoteMediaStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteMediaStream) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, t)
}

func (r *RemoteMediaStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

type channelEntry struct {
	dc     *webrtc.DataChannel
	closed bool
}

type PeerOptions struct {
	// API defaults to NewWebRTCAPI().
	API                *webrtc.API
	Configuration      webrtc.Configuration
	NegotiationTimeout time.Duration
	OnTrack            TrackRemoteHandler
	OnDataChannel      DataChannelHandler
}

// PeerManager hands out at most one active PeerConnection at a time.
type PeerManager struct {
	logger shared.LoggerAdapter
	opts   PeerOptions

	mu     sync.Mutex
	active *PeerConnection
}

func NewPeerManager(logger shared.LoggerAdapter, opts PeerOptions) (*PeerManager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.API == nil {
		api, err := NewWebRTCAPI(func(s *webrtc.SettingEngine) {
			s.LoggerFactory = shared.NewPionLoggerFactory(logger.With(zap.String("component", "pion")))
		})
		if err != nil {
			return nil, err
		}
		opts.API = api
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return &PeerManager{
		logger: logger.With(zap.String("component", "peer")),
		opts:   opts,
	}, nil
}

// Create allocates a new connection. The connection is bound to ctx: when
// ctx ends the connection reports Done.
func (m *PeerManager) Create(ctx context.Context) (*PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, fmt.Errorf("creating peer connection while one is active: %w", shared.ErrInvalidState)
	}
	pc, err := m.opts.API.NewPeerConnection(m.opts.Configuration)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	p := &PeerConnection{
		logger:             m.logger,
		pc:                 pc,
		remote:             new(RemoteMediaStream),
		onTrack:            m.opts.OnTrack,
		onDataChannel:      m.opts.OnDataChannel,
		negotiationTimeout: m.opts.NegotiationTimeout,
		connected:          make(chan struct{}),
		ctx:                ctx,
		cancel:             cancel,
		release:            m.release,
	}
	p.listen()
	m.active = p
	m.logger.Debug("peer connection created")
	return p, nil
}

func (m *PeerManager) Active() *PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close closes the active connection, if any.
func (m *PeerManager) Close() error {
	if p := m.Active(); p != nil {
		return p.Close()
	}
	return nil
}

func (m *PeerManager) release(p *PeerConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == p {
		m.active = nil
	}
}

// PeerConnection is one negotiated transport to the realtime endpoint.
type PeerConnection struct {
	logger             shared.LoggerAdapter
	pc                 *webrtc.PeerConnection
	remote             *RemoteMediaStream
	onTrack            TrackRemoteHandler
	onDataChannel      DataChannelHandler
	negotiationTimeout time.Duration
	release            func(*PeerConnection)

	mu        sync.Mutex
	state     ConnState
	transport webrtc.PeerConnectionState
	local     []*LocalMediaStream
	channels  []*channelEntry

	connected     chan struct{}
	connectedOnce sync.Once
	closeOnce     sync.Once
	ctx           context.Context
	cancel        context.CancelCauseFunc
}

func (p *PeerConnection) listen() {
	p.pc.OnConnectionStateChange(p.handleConnectionState)
	p.pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		p.logger.Trace("ice gathering state changed", zap.String("state", s.String()))
	})
	p.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		p.logger.Trace("signaling state changed", zap.String("state", s.String()))
	})
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		p.remote.add(track)
		if p.onTrack != nil {
			go p.onTrack(p.ctx, track)
		}
	})
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.logger.Info("remote data channel received", zap.String("label", dc.Label()))
		p.mu.Lock()
		if p.state == ConnStateClosed {
			p.mu.Unlock()
			_ = dc.Close()
			return
		}
		p.channels = append(p.channels, &channelEntry{dc: dc})
		p.mu.Unlock()
		if p.onDataChannel != nil {
			p.onDataChannel(dc)
		}
	})
}

func (p *PeerConnection) handleConnectionState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	prev := p.transport
	p.transport = s
	closed := p.state == ConnStateClosed
	p.mu.Unlock()
	p.logger.Trace("peer connection state changed",
		zap.String("prev", prev.String()),
		zap.String("new", s.String()),
	)
	if closed {
		return
	}

	switch s {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		p.state = ConnStateConnected
		local := append([]*LocalMediaStream(nil), p.local...)
		p.mu.Unlock()
		p.connectedOnce.Do(func() {
			close(p.connected)
			for _, l := range local {
				go l.capture.Stream(p.ctx, l.Track)
			}
		})
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		p.mu.Lock()
		p.state = ConnStateFailed
		p.mu.Unlock()
		p.cancel(fmt.Errorf("%w: peer connection is %s", shared.ErrTransport, s))
	}
}

// AttachLocalAudio opens src and sends its audio on the connection.
func (p *PeerConnection) AttachLocalAudio(ctx context.Context, src AudioSource) (*LocalMediaStream, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no audio source", shared.ErrMediaAccess)
	}
	p.mu.Lock()
	if p.state != ConnStateNew {
		state := p.state
		p.mu.Unlock()
		return nil, fmt.Errorf("attaching local audio in state %s: %w", state, shared.ErrInvalidState)
	}
	p.mu.Unlock()

	capture, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrMediaAccess, err)
	}
	stream := &LocalMediaStream{capture: capture}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ConnStateNew {
		_ = stream.Stop()
		return nil, fmt.Errorf("attaching local audio in state %s: %w", p.state, shared.ErrInvalidState)
	}
	stream.Track, err = webrtc.NewTrackLocalStaticSample(opusCapability, "audio", "mic")
	if err != nil {
		_ = stream.Stop()
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	stream.sender, err = p.pc.AddTrack(stream.Track)
	if err != nil {
		_ = stream.Stop()
		return nil, fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	p.local = append(p.local, stream)
	p.state = ConnStateMediaReady
	p.logger.Info("local audio attached")
	return stream, nil
}

// CreateControlChannel opens the data channel used for session control.
func (p *PeerConnection) CreateControlChannel(label string) (*webrtc.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ConnStateClosed || p.state == ConnStateFailed {
		return nil, fmt.Errorf("creating data channel in state %s: %w", p.state, shared.ErrInvalidState)
	}
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	p.channels = append(p.channels, &channelEntry{dc: dc})
	return dc, nil
}

// Negotiate creates the local offer and waits, bounded, for ICE gathering so
// the returned description carries the candidates.
func (p *PeerConnection) Negotiate(ctx context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.state != ConnStateNew && p.state != ConnStateMediaReady {
		state := p.state
		p.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("negotiating in state %s: %w", state, shared.ErrInvalidState)
	}
	p.mu.Unlock()

	if !p.hasAudioTransceiver() {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("adding audio transceiver: %w", err)
		}
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}

	timer := time.NewTimer(p.negotiationTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: ICE gathering incomplete after %s", shared.ErrNegotiationTimeout, p.negotiationTimeout)
	case <-ctx.Done():
		return webrtc.SessionDescription{}, context.Cause(ctx)
	case <-p.ctx.Done():
		return webrtc.SessionDescription{}, p.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ConnStateNew && p.state != ConnStateMediaReady {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiating in state %s: %w", p.state, shared.ErrInvalidState)
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("local description vanished after gathering")
	}
	p.state = ConnStateOfferCreated
	p.logger.Debug("offer created", zap.Int("bytes", len(local.SDP)))
	return *local, nil
}

func (p *PeerConnection) hasAudioTransceiver() bool {
	for _, t := range p.pc.GetTransceivers() {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return true
		}
	}
	return false
}

// ApplyRemoteAnswer sets answerSDP verbatim as the remote description.
func (p *PeerConnection) ApplyRemoteAnswer(answerSDP string) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	switch state {
	case ConnStateOfferCreated:
	case ConnStateClosed, ConnStateFailed:
		return &SignalingError{Message: "peer connection is " + state.String()}
	default:
		return fmt.Errorf("applying remote answer in state %s: %w", state, shared.ErrInvalidState)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(answerSDP)); err != nil {
		return &SignalingError{Message: "malformed answer", Err: err}
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return &SignalingError{Message: "setting remote description", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ConnStateOfferCreated {
		p.state = ConnStateAnswerApplied
	}
	p.logger.Debug("remote answer applied", zap.Int("media", len(parsed.MediaDescriptions)))
	return nil
}

// Close stops local tracks, closes data channels and the transport.
// Safe to call more than once and from any state.
func (p *PeerConnection) Close() (err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = ConnStateClosed
		local := p.local
		channels := p.channels
		for _, c := range channels {
			c.closed = true
		}
		p.mu.Unlock()

		p.cancel(fmt.Errorf("%w: peer connection closed", shared.ErrSessionClosed))
		for _, l := range local {
			if stopErr := l.Stop(); stopErr != nil {
				p.logger.Error("stopping local audio", stopErr)
			}
		}
		for _, c := range channels {
			if closeErr := c.dc.Close(); closeErr != nil {
				p.logger.Error("closing data channel", closeErr, zap.String("label", c.dc.Label()))
			}
		}
		if err = p.pc.Close(); err != nil {
			p.logger.Error("closing peer connection failed", err)
		}
		if p.release != nil {
			p.release(p)
		}
		p.logger.Info("peer connection closed")
	})
	return err
}

func (p *PeerConnection) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerConnection) TransportState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

// Connected is closed once the transport itself reports connected.
func (p *PeerConnection) Connected() <-chan struct{} {
	return p.connected
}

// Done is closed when the connection failed or was closed.
func (p *PeerConnection) Done() <-chan struct{} {
	return p.ctx.Done()
}

func (p *PeerConnection) Err() error {
	return context.Cause(p.ctx)
}

func (p *PeerConnection) Remote() *RemoteMediaStream {
	return p.remote
}

func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

// OpenTracks counts local tracks whose capture is still running.
func (p *PeerConnection) OpenTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, l := range p.local {
		if !l.Stopped() {
			n++
		}
	}
	return n
}

// OpenChannels counts data channels not yet closed.
func (p *PeerConnection) OpenChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.channels {
		if !c.closed && c.dc.ReadyState() != webrtc.DataChannelStateClosed {
			n++
		}
	}
	return n
}
