package realtime

import (
	"fmt"
	"sync"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const DefaultChannelLabel = "oai-events"

// dataChannel is the part of *webrtc.DataChannel the control channel needs.
type dataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	SendText(s string) error
	Close() error
}

var _ dataChannel = (*webrtc.DataChannel)(nil)

type EventHandler func(event *Event)
type TranscriptHandler func(transcript string)

type ControlOptions struct {
	Session      SessionConfig
	OnOpen       func()
	OnTranscript TranscriptHandler
	// OnEvent receives every well-formed inbound event, recognized or not.
	OnEvent EventHandler
	Metrics *shared.Metrics
}

// ControlChannel carries session control events over a data channel once
// negotiation succeeded.
type ControlChannel struct {
	logger shared.LoggerAdapter
	dc     dataChannel
	opts   ControlOptions

	mu         sync.Mutex
	configured bool
}

func NewControlChannel(logger shared.LoggerAdapter, dc dataChannel, opts ControlOptions) *ControlChannel {
	c := &ControlChannel{
		logger: logger.With(zap.String("component", "control"), zap.String("label", dc.Label())),
		dc:     dc,
		opts:   opts,
	}
	dc.OnOpen(c.handleOpen)
	dc.OnClose(func() {
		c.logger.Info("data channel closed")
	})
	dc.OnMessage(c.handleMessage)
	return c
}

func (c *ControlChannel) handleOpen() {
	c.mu.Lock()
	if c.configured {
		c.mu.Unlock()
		c.logger.Warn("data channel reported open twice, configuration already sent")
		return
	}
	c.configured = true
	c.mu.Unlock()

	if err := c.Send(NewSessionUpdate(c.opts.Session)); err != nil {
		c.logger.Error("sending session configuration", err)
	} else {
		c.logger.Info("data channel opened and session configuration sent")
	}
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
}

// handleMessage never lets a bad frame escape: protocol noise is logged and
// dropped.
func (c *ControlChannel) handleMessage(msg webrtc.DataChannelMessage) {
	event := new(Event)
	if err := event.UnmarshalJSON(msg.Data); err != nil {
		c.logger.Warn("dropping malformed frame",
			zap.Error(err),
			zap.Bool("is_string", msg.IsString),
			zap.ByteString("data", msg.Data),
		)
		c.count("malformed")
		return
	}
	c.logger.Debug("received event",
		zap.String("type", string(event.Type)),
		zap.String("event_id", event.EventID),
	)

	switch {
	case event.Type == ServerEventTypeError:
		text, _ := event.ErrorMessage()
		c.logger.Warn("remote reported error", zap.String("message", text))
		c.count("error")
	default:
		if transcript, ok := event.Transcript(); ok {
			c.count("transcript")
			if c.opts.Metrics != nil {
				c.opts.Metrics.TranscriptsDone.Inc()
			}
			if c.opts.OnTranscript != nil {
				c.opts.OnTranscript(transcript)
			}
		} else {
			c.count("other")
		}
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(event)
	}
}

// Send delivers event, or fails with shared.ErrChannelClosed when the channel
// is not open. It never drops silently.
func (c *ControlChannel) Send(event *Event) error {
	if state := c.dc.ReadyState(); state != webrtc.DataChannelStateOpen {
		return fmt.Errorf("sending %s on %s channel: %w", event.Type, state, shared.ErrChannelClosed)
	}
	event.ensureID()
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", event.Type, err)
	}
	if err := c.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("%w: sending %s: %w", shared.ErrChannelClosed, event.Type, err)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.OutboundFrames.Inc()
	}
	c.logger.Debug("sent event", zap.String("type", string(event.Type)), zap.String("event_id", event.EventID))
	return nil
}

func (c *ControlChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *ControlChannel) Close() error {
	return c.dc.Close()
}

func (c *ControlChannel) count(outcome string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.InboundFrames.WithLabelValues(outcome).Inc()
	}
}
