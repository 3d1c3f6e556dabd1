package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	pkg "github.com/bt-bridge/realtime-voice"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/goccy/go-yaml"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const quitCommand = "/quit"

// Messenger is the part of a session the chat loop needs.
type Messenger interface {
	SendMessage(content, role string) error
	Send(event *pkg.Event) error
}

type AgentOptions struct {
	Audio   pkg.AudioSource
	OnTrack pkg.TrackRemoteHandler
	Metrics *shared.Metrics
	// API overrides the pion API, e.g. to allow loopback candidates.
	API *webrtc.API
}

type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session *pkg.Session

	mu             sync.Mutex
	lastPhase      pkg.Phase
	lastTranscript string
	connected      bool

	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

func NewCLIAgent(logger shared.LoggerAdapter, printer *shared.Printer) (*CLIAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	return &CLIAgent{
		logger:  logger.With(zap.String("component", "agent")),
		printer: printer,
		done:    make(chan struct{}),
	}, nil
}

// Spawn builds a session from cfg and connects it.
func (a *CLIAgent) Spawn(ctx context.Context, cfg *shared.Config, opts AgentOptions) error {
	if cfg == nil {
		return shared.ErrNoConfig
	}
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	a.println("📋 Config\n", 0)
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		a.logger.Error("marshaling config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing config", err)
	}
	a.println("", 0)

	session, err := NewSession(a.logger, cfg, opts, a.onState)
	if err != nil {
		a.logger.Error("creating session", err)
		return err
	}
	a.session = session

	a.println("🔌 Connecting...", 0)
	if err := a.session.Connect(ctx); err != nil {
		a.logger.Error("connecting session", err)
		a.printFailure(err)
		a.markDone()
		return err
	}
	a.println("✅ Connected. Type a message and press enter, "+quitCommand+" to leave.\n", 0)
	return nil
}

// NewSession wires the credential client, signaling client and peer
// manager described by cfg into a session.
func NewSession(logger shared.LoggerAdapter, cfg *shared.Config, opts AgentOptions, onState pkg.StateHandler) (*pkg.Session, error) {
	creds, err := pkg.NewCredentialClient(logger, cfg.CredentialURL, cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("creating credential client: %w", err)
	}
	sigOpts := pkg.SignalingOptions{
		BaseURL: cfg.RealtimeURL,
		Model:   cfg.Model,
		Timeout: cfg.RequestTimeout,
	}
	if cfg.SignalingMode == "calls" {
		sigOpts.Session = SessionParams(cfg)
	}
	signaler, err := pkg.NewSignalingClient(logger, sigOpts)
	if err != nil {
		return nil, fmt.Errorf("creating signaling client: %w", err)
	}
	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	peers, err := pkg.NewPeerManager(logger, pkg.PeerOptions{
		API:                opts.API,
		Configuration:      webrtc.Configuration{ICEServers: iceServers},
		NegotiationTimeout: cfg.NegotiationTimeout,
		OnTrack:            opts.OnTrack,
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer manager: %w", err)
	}
	return pkg.NewSession(logger, pkg.Options{
		Credentials: creds,
		Signaler:    signaler,
		Peers:       peers,
		Audio:       opts.Audio,
		Session: pkg.SessionConfig{
			Modalities:   cfg.Modalities,
			Instructions: cfg.Instructions,
		},
		ChannelLabel:   cfg.ChannelLabel,
		ConnectTimeout: cfg.ConnectTimeout,
		OnState:        onState,
		Metrics:        opts.Metrics,
	})
}

// SessionParams is the session posted alongside the offer in calls mode.
func SessionParams(cfg *shared.Config) *realtime.RealtimeSessionCreateRequestParam {
	session := &realtime.RealtimeSessionCreateRequestParam{
		Model: realtime.RealtimeSessionCreateRequestModel(cfg.Model),
		Audio: realtime.RealtimeAudioConfigParam{
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(cfg.Voice),
			},
		},
	}
	if cfg.Instructions != "" {
		session.Instructions = param.NewOpt(cfg.Instructions)
	}
	return session
}

func (a *CLIAgent) onState(state pkg.State) {
	a.mu.Lock()
	phaseChanged := state.Phase != a.lastPhase
	a.lastPhase = state.Phase
	transcriptChanged := state.Transcript != "" && state.Transcript != a.lastTranscript
	if transcriptChanged {
		a.lastTranscript = state.Transcript
	}
	if state.Phase == pkg.PhaseConnected {
		a.connected = true
	}
	wasConnected := a.connected
	a.mu.Unlock()

	if phaseChanged {
		a.println("· "+state.Phase.String(), 1)
	}
	if transcriptChanged {
		a.println("🗣  "+state.Transcript, 0)
	}
	if wasConnected && state.Phase.Terminal() {
		if state.Phase == pkg.PhaseError {
			a.printFailure(state.Err)
		}
		a.markDone()
	}
}

func (a *CLIAgent) printFailure(err error) {
	switch pkg.KindOf(err) {
	case pkg.KindMediaAccess:
		a.println("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.\n", 0)
	case pkg.KindCredential:
		a.println("❌ Could not get a session credential from the backend.\n", 0)
	case pkg.KindSignaling:
		a.println("❌ The realtime endpoint rejected the connection.\n", 0)
	case pkg.KindTransport:
		a.println("❌ Connection lost.\n", 0)
	default:
		a.println(fmt.Sprintf("❌ %v\n", err), 0)
	}
}

// Chat sends every line read from r as a user message followed by a
// response request. It returns when r ends, ctx is done or the user quits.
func Chat(ctx context.Context, logger shared.LoggerAdapter, printer *shared.Printer, m Messenger, r io.Reader) error {
	lines := make(chan string)
	errC := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errC <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errC:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case quitCommand:
				return nil
			}
			if err := m.SendMessage(line, "user"); err != nil {
				logger.Error("sending message", err)
				_ = printer.Writef(0, "⚠️  not sent: %v", err)
				continue
			}
			if err := m.Send(pkg.NewResponseCreate("")); err != nil {
				logger.Error("requesting response", err)
			}
		}
	}
}

// Run chats over r until the session ends or the user quits.
func (a *CLIAgent) Run(ctx context.Context, r io.Reader) error {
	if a.session == nil {
		return shared.ErrClientNotInitialized
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return Chat(ctx, a.logger, a.printer, a.session, r)
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() (err error) {
	a.closeOnce.Do(func() {
		a.logger.Info("closing CLI agent")
		if a.session != nil {
			err = a.session.Close()
		}
		a.println("👋 Bye.", 0)
		a.markDone()
	})
	return err
}

func (a *CLIAgent) markDone() {
	a.doneOnce.Do(func() { close(a.done) })
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}
