package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend serves the credential endpoint and the realtime SDP endpoint,
// answering offers with an in-process pion peer.
type backend struct {
	srv      *httptest.Server
	answerer *answerer

	credCalls   atomic.Int32
	signalCalls atomic.Int32

	mu     sync.Mutex
	cred   http.HandlerFunc
	signal http.HandlerFunc
}

func newBackend(t *testing.T) *backend {
	b := &backend{answerer: newAnswerer(t)}
	mux := http.NewServeMux()
	mux.HandleFunc("/connectToOpenAI", func(w http.ResponseWriter, r *http.Request) {
		b.credCalls.Add(1)
		b.mu.Lock()
		h := b.cred
		b.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"client_secret":{"value":"tok_abc"}}`))
	})
	mux.HandleFunc("/v1/realtime", func(w http.ResponseWriter, r *http.Request) {
		b.signalCalls.Add(1)
		b.mu.Lock()
		h := b.signal
		b.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		b.answer(w, r)
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) answer(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok_abc" {
		http.Error(w, `{"error":{"message":"unauthorized"}}`, http.StatusUnauthorized)
		return
	}
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := b.answerer.answer(string(offer))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(answer))
}

func (b *backend) setCredential(h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cred = h
}

func (b *backend) setSignal(h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signal = h
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

// phases returns the observed phases with consecutive repeats collapsed.
func (r *stateRecorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, s := range r.states {
		if len(out) == 0 || out[len(out)-1] != s.Phase {
			out = append(out, s.Phase)
		}
	}
	return out
}

func (r *stateRecorder) peers() []*PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PeerConnection
	for _, s := range r.states {
		if s.Peer != nil && (len(out) == 0 || out[len(out)-1] != s.Peer) {
			out = append(out, s.Peer)
		}
	}
	return out
}

type sessionFixture struct {
	session  *Session
	peers    *PeerManager
	audio    *fakeAudioSource
	states   *stateRecorder
	metrics  *shared.Metrics
	registry *prometheus.Registry
}

func newSessionFixture(t *testing.T, b *backend, mutate ...func(*Options)) *sessionFixture {
	t.Helper()
	logger := shared.NewNopLogger()
	creds, err := NewCredentialClient(logger, b.srv.URL, 5*time.Second)
	require.NoError(t, err)
	signaler, err := NewSignalingClient(logger, SignalingOptions{BaseURL: b.srv.URL + "/v1", Timeout: 10 * time.Second})
	require.NoError(t, err)

	f := &sessionFixture{
		peers:    newTestPeerManager(t),
		audio:    new(fakeAudioSource),
		states:   new(stateRecorder),
		registry: prometheus.NewRegistry(),
	}
	f.metrics = shared.NewMetrics(f.registry)
	opts := Options{
		Credentials:    creds,
		Signaler:       signaler,
		Peers:          f.peers,
		Audio:          f.audio,
		Session:        SessionConfig{Modalities: []string{"text", "audio"}, Instructions: "be brief"},
		ConnectTimeout: 10 * time.Second,
		OnState:        f.states.record,
		Metrics:        f.metrics,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.session, err = NewSession(logger, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.session.Close() })
	return f
}

// assertReleased checks that nothing of an attempt outlives it.
func (f *sessionFixture) assertReleased(t *testing.T) {
	t.Helper()
	assert.Nil(t, f.peers.Active())
	for _, pc := range f.states.peers() {
		assert.Equal(t, ConnStateClosed, pc.State())
		assert.Zero(t, pc.OpenTracks())
		assert.Zero(t, pc.OpenChannels())
	}
	for _, c := range f.audio.opened() {
		assert.Equal(t, int32(1), c.stops.Load())
	}
}

func TestSessionConnect(t *testing.T) {
	b := newBackend(t)
	b.answerer.onOpen = func(dc *webrtc.DataChannel) {
		_ = dc.SendText(`{"type":"session.created"}`)
		_ = dc.SendText(`{"type":"response.audio_transcript.done","transcript":"hello"}`)
	}
	var events atomic.Int32
	f := newSessionFixture(t, b, func(o *Options) {
		o.OnEvent = func(*Event) { events.Add(1) }
	})

	require.NoError(t, f.session.Connect(context.Background()))
	state := f.session.State()
	assert.Equal(t, PhaseConnected, state.Phase)
	assert.Equal(t, KindNone, state.Kind)
	require.NotNil(t, state.Channel)
	require.NotNil(t, state.Credential)
	assert.Equal(t, "tok_abc", state.Credential.Value)
	// A transcript arriving on the channel goroutine may be delivering the
	// connected snapshot.
	require.Eventually(t, func() bool {
		return len(f.states.phases()) == 5
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Phase{
		PhaseAcquiringCredential,
		PhaseMediaSetup,
		PhaseNegotiating,
		PhaseSignaling,
		PhaseConnected,
	}, f.states.phases())

	require.Eventually(t, func() bool {
		return f.session.State().Transcript == "hello"
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return events.Load() == 2 }, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, state.Channel.IsOpen, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, f.session.SendMessage("hi there", "user"))
	require.Eventually(t, func() bool {
		frames := b.answerer.frames()
		return len(frames) == 2 &&
			strings.Contains(frames[0], `"type":"session.update"`) &&
			strings.Contains(frames[1], `"type":"message.create"`)
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, f.session.Close())
	assert.Equal(t, PhaseClosed, f.session.State().Phase)
	assert.Equal(t, "hello", f.session.State().Transcript)
	err := f.session.SendMessage("too late", "user")
	assert.ErrorIs(t, err, shared.ErrChannelClosed)
	f.assertReleased(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PhaseTransitions.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PhaseTransitions.WithLabelValues("closed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Connected))
	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.NegotiationTime))
}

func TestSessionMediaDenied(t *testing.T) {
	b := newBackend(t)
	f := newSessionFixture(t, b)
	f.audio.err = errors.New("permission denied")

	err := f.session.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrMediaAccess)

	state := f.session.State()
	assert.Equal(t, PhaseError, state.Phase)
	assert.Equal(t, KindMediaAccess, state.Kind)
	assert.NotContains(t, f.states.phases(), PhaseNegotiating)
	assert.Zero(t, b.signalCalls.Load())
	f.assertReleased(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Failures.WithLabelValues(string(KindMediaAccess))))
}

func TestSessionNoAudioSource(t *testing.T) {
	b := newBackend(t)
	f := newSessionFixture(t, b, func(o *Options) { o.Audio = nil })

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, shared.ErrMediaAccess)
	assert.Equal(t, KindMediaAccess, f.session.State().Kind)
}

func TestSessionCredentialFailure(t *testing.T) {
	b := newBackend(t)
	b.setCredential(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"backend down"}`, http.StatusServiceUnavailable)
	})
	f := newSessionFixture(t, b)

	err := f.session.Connect(context.Background())
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, http.StatusServiceUnavailable, credErr.StatusCode)

	state := f.session.State()
	assert.Equal(t, PhaseError, state.Phase)
	assert.Equal(t, KindCredential, state.Kind)
	assert.Nil(t, state.Credential)
	assert.Empty(t, f.states.peers())
	assert.Empty(t, f.audio.opened())
	f.assertReleased(t)
}

func TestSessionSignalingRejected(t *testing.T) {
	b := newBackend(t)
	b.setSignal(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid offer"}}`, http.StatusBadRequest)
	})
	f := newSessionFixture(t, b)

	err := f.session.Connect(context.Background())
	var sigErr *SignalingError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, http.StatusBadRequest, sigErr.StatusCode)
	assert.Equal(t, "invalid offer", sigErr.Message)

	state := f.session.State()
	assert.Equal(t, PhaseError, state.Phase)
	assert.Equal(t, KindSignaling, state.Kind)
	assert.Nil(t, state.Peer)
	require.Len(t, f.states.peers(), 1)
	f.assertReleased(t)
}

func TestSessionMalformedAnswer(t *testing.T) {
	b := newBackend(t)
	b.setSignal(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("this is not sdp"))
	})
	f := newSessionFixture(t, b)

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, shared.ErrSignaling)
	assert.Equal(t, KindSignaling, f.session.State().Kind)
	f.assertReleased(t)
}

func TestSessionExpiredCredential(t *testing.T) {
	b := newBackend(t)
	b.setCredential(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"client_secret":{"value":"tok_abc","expires_at":1700000000}}`))
	})
	f := newSessionFixture(t, b, func(o *Options) {
		o.Now = func() time.Time { return time.Unix(1700000100, 0) }
	})

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, shared.ErrCredential)
	assert.Equal(t, KindCredential, f.session.State().Kind)
	assert.Zero(t, b.signalCalls.Load())
	f.assertReleased(t)
}

func TestSessionCloseWhileSignaling(t *testing.T) {
	b := newBackend(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b.setSignal(func(w http.ResponseWriter, r *http.Request) {
		<-release
		b.answer(w, r)
	})
	f := newSessionFixture(t, b)

	errC := make(chan error, 1)
	go func() { errC <- f.session.Connect(context.Background()) }()
	require.Eventually(t, func() bool {
		return b.signalCalls.Load() == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, PhaseSignaling, f.session.State().Phase)

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	require.NoError(t, f.session.Close())
	select {
	case err := <-errC:
		assert.ErrorIs(t, err, shared.ErrSessionClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("connect did not return after close")
	}
	assert.Equal(t, PhaseClosed, f.session.State().Phase)
	f.assertReleased(t)
}

func TestSessionCallerCancel(t *testing.T) {
	b := newBackend(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b.setSignal(func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	f := newSessionFixture(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() { errC <- f.session.Connect(ctx) }()
	require.Eventually(t, func() bool {
		return b.signalCalls.Load() == 1
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errC:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("connect did not return after cancel")
	}
	assert.Equal(t, PhaseError, f.session.State().Phase)
	f.assertReleased(t)
}

func TestSessionRetry(t *testing.T) {
	b := newBackend(t)
	var fail atomic.Bool
	fail.Store(true)
	b.setCredential(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"client_secret":{"value":"tok_abc"}}`))
	})
	f := newSessionFixture(t, b)

	require.Error(t, f.session.Connect(context.Background()))
	assert.Equal(t, KindCredential, f.session.State().Kind)

	fail.Store(false)
	require.NoError(t, f.session.Connect(context.Background()))
	state := f.session.State()
	assert.Equal(t, PhaseConnected, state.Phase)
	assert.Equal(t, KindNone, state.Kind)
	assert.Nil(t, state.Err)
	assert.Equal(t, int32(2), b.credCalls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Connected))

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, shared.ErrInvalidState)

	require.NoError(t, f.session.Close())
	f.assertReleased(t)
}

func TestSessionTransportLoss(t *testing.T) {
	b := newBackend(t)
	f := newSessionFixture(t, b)
	require.NoError(t, f.session.Connect(context.Background()))

	b.answerer.mu.Lock()
	remote := b.answerer.pcs[0]
	b.answerer.mu.Unlock()
	require.NoError(t, remote.Close())

	require.Eventually(t, func() bool {
		return f.session.State().Phase == PhaseError
	}, 20*time.Second, 50*time.Millisecond)
	state := f.session.State()
	assert.Equal(t, KindTransport, state.Kind)
	assert.ErrorIs(t, state.Err, shared.ErrTransport)
	f.assertReleased(t)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Connected))
}

func TestSessionCloseFromStateHandler(t *testing.T) {
	b := newBackend(t)
	b.answerer.onOpen = func(dc *webrtc.DataChannel) {
		_ = dc.SendText(`{"type":"response.audio_transcript.done","transcript":"hello"}`)
	}
	var (
		session atomic.Pointer[Session]
		once    sync.Once
		states  = new(stateRecorder)
		closed  = make(chan error, 1)
	)
	f := newSessionFixture(t, b, func(o *Options) {
		o.OnState = func(st State) {
			states.record(st)
			if st.Phase == PhaseConnected && st.Transcript == "hello" {
				once.Do(func() { closed <- session.Load().Close() })
			}
		}
	})
	f.states = states
	session.Store(f.session)

	require.NoError(t, f.session.Connect(context.Background()))
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Close called from the state handler did not return")
	}
	require.Eventually(t, func() bool {
		phases := states.phases()
		return len(phases) > 0 && phases[len(phases)-1] == PhaseClosed
	}, 10*time.Second, 10*time.Millisecond)

	state := f.session.State()
	assert.Equal(t, PhaseClosed, state.Phase)
	assert.Equal(t, "hello", state.Transcript)
	assert.Equal(t, []Phase{
		PhaseAcquiringCredential,
		PhaseMediaSetup,
		PhaseNegotiating,
		PhaseSignaling,
		PhaseConnected,
		PhaseClosed,
	}, states.phases())
	f.assertReleased(t)
}

func TestSessionCloseFromStateHandlerWhileConnecting(t *testing.T) {
	b := newBackend(t)
	var (
		session atomic.Pointer[Session]
		states  = new(stateRecorder)
	)
	f := newSessionFixture(t, b, func(o *Options) {
		o.OnState = func(st State) {
			states.record(st)
			if st.Phase == PhaseNegotiating {
				_ = session.Load().Close()
			}
		}
	})
	f.states = states
	session.Store(f.session)

	errC := make(chan error, 1)
	go func() { errC <- f.session.Connect(context.Background()) }()
	select {
	case err := <-errC:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("connect did not return after close")
	}
	assert.Equal(t, PhaseClosed, f.session.State().Phase)
	assert.Equal(t, []Phase{
		PhaseAcquiringCredential,
		PhaseMediaSetup,
		PhaseNegotiating,
		PhaseClosed,
	}, states.phases())
	assert.Zero(t, b.signalCalls.Load())
	f.assertReleased(t)
}

func TestSessionIgnoresUnusableFrames(t *testing.T) {
	b := newBackend(t)
	b.answerer.onOpen = func(dc *webrtc.DataChannel) {
		_ = dc.SendText(`{"type":"response.audio_transcript.done","transcript":"hello"}`)
		_ = dc.SendText(`not json at all`)
		_ = dc.SendText(`{"type":"foo"}`)
		_ = dc.SendText(`{"type":"session.created"}`)
	}
	var (
		mu    sync.Mutex
		types []EventType
	)
	f := newSessionFixture(t, b, func(o *Options) {
		o.OnEvent = func(e *Event) {
			mu.Lock()
			defer mu.Unlock()
			types = append(types, e.Type)
		}
	})

	require.NoError(t, f.session.Connect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 3
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []EventType{"response.audio_transcript.done", "foo", "session.created"}, types)
	mu.Unlock()
	state := f.session.State()
	assert.Equal(t, PhaseConnected, state.Phase)
	assert.Equal(t, KindNone, state.Kind)
	assert.Equal(t, "hello", state.Transcript)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InboundFrames.WithLabelValues("malformed")))
}

func TestSessionCloseIdle(t *testing.T) {
	f := newSessionFixture(t, newBackend(t))
	require.NoError(t, f.session.Close())
	require.NoError(t, f.session.Close())
	assert.Equal(t, PhaseClosed, f.session.State().Phase)
	assert.Equal(t, []Phase{PhaseClosed}, f.states.phases())
}

func TestNewSession(t *testing.T) {
	_, err := NewSession(nil, Options{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewSession(shared.NewNopLogger(), Options{})
	assert.ErrorIs(t, err, shared.ErrClientNotInitialized)
}
