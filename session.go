package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultConnectTimeout = 15 * time.Second

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAcquiringCredential
	PhaseMediaSetup
	PhaseNegotiating
	PhaseSignaling
	PhaseConnected
	PhaseClosed
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAcquiringCredential:
		return "acquiring-credential"
	case PhaseMediaSetup:
		return "media-setup"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseSignaling:
		return "signaling"
	case PhaseConnected:
		return "connected"
	case PhaseClosed:
		return "closed"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether a new attempt may start from p.
func (p Phase) Terminal() bool {
	return p == PhaseIdle || p == PhaseClosed || p == PhaseError
}

// State is a snapshot of a session. Channel is only set while connected,
// Credential only once it was acquired.
type State struct {
	Phase      Phase
	Kind       ErrorKind
	Err        error
	Transcript string
	Credential *Credential
	Peer       *PeerConnection
	Channel    *ControlChannel
}

type CredentialSource interface {
	AcquireCredential(ctx context.Context) (*Credential, error)
}

type Signaler interface {
	Exchange(ctx context.Context, offerSDP string, cred *Credential) (string, error)
}

type StateHandler func(state State)

type Options struct {
	Credentials  CredentialSource
	Signaler     Signaler
	Peers        *PeerManager
	Audio        AudioSource
	Session      SessionConfig
	ChannelLabel string
	// Bounds the wait between applying the answer and the transport
	// reporting connected.
	ConnectTimeout time.Duration
	OnState        StateHandler
	OnEvent        EventHandler
	Metrics        *shared.Metrics
	Now            func() time.Time
}

// Session drives one user facing voice session. It owns its peer
// connection exclusively; create one Session per client.
type Session struct {
	id     string
	logger shared.LoggerAdapter
	opts   Options

	mu      sync.Mutex
	state   State
	attempt uint64
	cancel  context.CancelCauseFunc

	// Snapshots waiting for OnState, queued under mu in the order taken.
	pending    []State
	delivering bool
}

func NewSession(logger shared.LoggerAdapter, opts Options) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Credentials == nil || opts.Signaler == nil || opts.Peers == nil {
		return nil, shared.ErrClientNotInitialized
	}
	if opts.ChannelLabel == "" {
		opts.ChannelLabel = DefaultChannelLabel
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		logger: logger.With(zap.String("session_id", id)),
		opts:   opts,
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect runs a fresh attempt and blocks until the transport is connected
// or the attempt failed. ctx bounds the connect phase only; once connected
// the session lives until Close or transport loss.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.Phase.Terminal() || s.cancel != nil {
		phase := s.state.Phase
		s.mu.Unlock()
		return fmt.Errorf("connecting in phase %s: %w", phase, shared.ErrInvalidState)
	}
	s.attempt++
	id := s.attempt
	actx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.state = State{Phase: PhaseIdle}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	defer stop()

	if s.opts.Metrics != nil {
		s.opts.Metrics.Attempts.Inc()
	}
	s.logger.Info("connecting", zap.Uint64("attempt", id))
	started := s.opts.Now()

	pc, err := s.run(actx, id)
	if err != nil {
		s.fail(id, err)
		return err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.NegotiationTime.Observe(s.opts.Now().Sub(started).Seconds())
	}
	go s.watch(actx, id, pc)
	return nil
}

func (s *Session) run(ctx context.Context, id uint64) (*PeerConnection, error) {
	if err := s.advance(ctx, id, PhaseAcquiringCredential, nil); err != nil {
		return nil, err
	}
	cred, err := s.opts.Credentials.AcquireCredential(ctx)
	if err != nil {
		if abandoned := s.check(ctx, id); abandoned != nil {
			return nil, abandoned
		}
		return nil, ensureKind(err, shared.ErrCredential)
	}

	if err := s.advance(ctx, id, PhaseMediaSetup, func(st *State) { st.Credential = cred }); err != nil {
		return nil, err
	}
	pc, err := s.opts.Peers.Create(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.advance(ctx, id, PhaseMediaSetup, func(st *State) { st.Peer = pc }); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AttachLocalAudio(ctx, s.opts.Audio); err != nil {
		return nil, err
	}

	if err := s.advance(ctx, id, PhaseNegotiating, nil); err != nil {
		return nil, err
	}
	dc, err := pc.CreateControlChannel(s.opts.ChannelLabel)
	if err != nil {
		return nil, err
	}
	channel := NewControlChannel(s.logger, dc, ControlOptions{
		Session:      s.opts.Session,
		OnTranscript: func(t string) { s.setTranscript(id, t) },
		OnEvent:      s.opts.OnEvent,
		Metrics:      s.opts.Metrics,
	})
	offer, err := pc.Negotiate(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.advance(ctx, id, PhaseSignaling, nil); err != nil {
		return nil, err
	}
	if cred.Expired(s.opts.Now()) {
		return nil, &CredentialError{Message: "credential expired before signaling"}
	}
	answer, err := s.opts.Signaler.Exchange(ctx, offer.SDP, cred)
	if err != nil {
		if abandoned := s.check(ctx, id); abandoned != nil {
			return nil, abandoned
		}
		return nil, ensureKind(err, shared.ErrSignaling)
	}
	// A late answer must not resurrect a closed session.
	if err := s.check(ctx, id); err != nil {
		return nil, err
	}
	if err := pc.ApplyRemoteAnswer(answer); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-pc.Connected():
	case <-pc.Done():
		return nil, pc.Err()
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-timer.C:
		return nil, fmt.Errorf("%w: transport not connected after %s", shared.ErrNegotiationTimeout, s.opts.ConnectTimeout)
	}

	if err := s.advance(ctx, id, PhaseConnected, func(st *State) { st.Channel = channel }); err != nil {
		return nil, err
	}
	return pc, nil
}

// watch turns a transport loss after connect into a session error.
func (s *Session) watch(ctx context.Context, id uint64, pc *PeerConnection) {
	select {
	case <-ctx.Done():
	case <-pc.Done():
		err := pc.Err()
		if !errors.Is(err, shared.ErrTransport) {
			err = fmt.Errorf("%w: %w", shared.ErrTransport, err)
		}
		s.fail(id, err)
	}
}

func (s *Session) check(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(ctx, id)
}

func (s *Session) checkLocked(ctx context.Context, id uint64) error {
	if s.attempt != id || s.state.Phase == PhaseClosed || s.state.Phase == PhaseError {
		return fmt.Errorf("%w: attempt %d abandoned", shared.ErrSessionClosed, id)
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (s *Session) advance(ctx context.Context, id uint64, phase Phase, mutate func(*State)) error {
	s.mu.Lock()
	if err := s.checkLocked(ctx, id); err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.state.Phase
	s.state.Phase = phase
	if mutate != nil {
		mutate(&s.state)
	}
	s.enqueueLocked()
	s.mu.Unlock()

	if prev != phase {
		s.logger.Info("phase changed", zap.Stringer("prev", prev), zap.Stringer("phase", phase))
		if s.opts.Metrics != nil {
			s.opts.Metrics.PhaseTransitions.WithLabelValues(phase.String()).Inc()
			if phase == PhaseConnected {
				s.opts.Metrics.Connected.Set(1)
			}
		}
	}
	s.notify()
	return nil
}

// fail records err and tears the attempt down. Failures of an attempt the
// session already left behind are dropped.
func (s *Session) fail(id uint64, err error) {
	s.mu.Lock()
	if s.attempt != id || s.state.Phase == PhaseClosed || s.state.Phase == PhaseError {
		s.mu.Unlock()
		s.logger.Debug("discarding result of abandoned attempt", zap.Uint64("attempt", id), zap.Error(err))
		return
	}
	prev := s.state.Phase
	peer := s.state.Peer
	cancel := s.cancel
	s.cancel = nil
	s.state = State{
		Phase:      PhaseError,
		Kind:       KindOf(err),
		Err:        err,
		Transcript: s.state.Transcript,
	}
	snapshot := s.state
	s.enqueueLocked()
	s.mu.Unlock()

	s.logger.Error("session failed", err,
		zap.Stringer("phase", prev),
		zap.String("kind", string(snapshot.Kind)),
	)
	if cancel != nil {
		cancel(err)
	}
	s.teardown(peer)
	if s.opts.Metrics != nil {
		s.opts.Metrics.Failures.WithLabelValues(string(snapshot.Kind)).Inc()
		s.opts.Metrics.PhaseTransitions.WithLabelValues(PhaseError.String()).Inc()
		s.opts.Metrics.Connected.Set(0)
	}
	s.notify()
}

// Close abandons any in-flight attempt and releases every resource. A failed
// session stays in the error phase until the next Connect.
func (s *Session) Close() error {
	s.mu.Lock()
	phase := s.state.Phase
	peer := s.state.Peer
	cancel := s.cancel
	s.cancel = nil
	changed := false
	if phase != PhaseClosed && phase != PhaseError {
		s.state = State{Phase: PhaseClosed, Transcript: s.state.Transcript}
		changed = true
		s.enqueueLocked()
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel(shared.ErrSessionClosed)
	}
	err := s.teardown(peer)
	if changed {
		s.logger.Info("session closed", zap.Stringer("prev", phase))
		if s.opts.Metrics != nil {
			s.opts.Metrics.PhaseTransitions.WithLabelValues(PhaseClosed.String()).Inc()
			s.opts.Metrics.Connected.Set(0)
		}
		s.notify()
	}
	return err
}

func (s *Session) teardown(peer *PeerConnection) error {
	if peer == nil {
		return nil
	}
	if err := peer.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

// Send delivers event on the control channel of a connected session.
func (s *Session) Send(event *Event) error {
	s.mu.Lock()
	phase := s.state.Phase
	channel := s.state.Channel
	s.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("sending %s in phase %s: %w", event.Type, phase, shared.ErrChannelClosed)
	}
	return channel.Send(event)
}

// SendMessage is Send(NewMessageCreate(content, role)).
func (s *Session) SendMessage(content, role string) error {
	return s.Send(NewMessageCreate(content, role))
}

func (s *Session) setTranscript(id uint64, transcript string) {
	s.mu.Lock()
	if s.attempt != id || s.state.Phase == PhaseClosed || s.state.Phase == PhaseError {
		s.mu.Unlock()
		return
	}
	s.state.Transcript = transcript
	s.enqueueLocked()
	s.mu.Unlock()
	s.logger.Debug("transcript updated", zap.Int("chars", len(transcript)))
	s.notify()
}

func (s *Session) enqueueLocked() {
	if s.opts.OnState != nil {
		s.pending = append(s.pending, s.state)
	}
}

// notify hands queued snapshots to OnState one at a time, in order, without
// holding mu. A caller that finds delivery already running leaves its
// snapshot to the running loop, so OnState may call back into the session.
func (s *Session) notify() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.opts.OnState(next)
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// ensureKind makes sure err carries one of the session failure kinds.
func ensureKind(err, kind error) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
