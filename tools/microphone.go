package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	realtime "github.com/bt-bridge/realtime-voice"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// Microphone captures the default input device through mediadevices. A
// driver must be registered by importing
// github.com/pion/mediadevices/pkg/driver/microphone.
type Microphone struct {
	logger     shared.LoggerAdapter
	sampleRate int
	channels   int
	opusParams opus.Params
}

var _ realtime.AudioSource = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter, sampleRate, channels int) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	params, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	return &Microphone{
		logger:     logger.With(zap.String("component", "microphone")),
		sampleRate: sampleRate,
		channels:   channels,
		opusParams: params,
	}, nil
}

// Open asks for audio only; video stays disabled for voice sessions.
func (m *Microphone) Open(ctx context.Context) (realtime.AudioCapture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(m.sampleRate)
			c.ChannelCount = prop.Int(m.channels)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&m.opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio track found in microphone stream")
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	m.logger.Info("microphone opened", zap.String("track", tracks[0].ID()))
	return &micCapture{
		logger:        m.logger,
		track:         tracks[0],
		frameDuration: time.Duration(m.opusParams.Latency),
	}, nil
}

type micCapture struct {
	logger        shared.LoggerAdapter
	track         mediadevices.Track
	frameDuration time.Duration
	stopOnce      sync.Once
}

func (c *micCapture) Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	StreamLocalAudio(ctx, c.logger, track, c.track, c.frameDuration)
}

func (c *micCapture) Stop() (err error) {
	c.stopOnce.Do(func() {
		err = c.track.Close()
		c.logger.Info("microphone released")
	})
	return err
}

// StreamLocalAudio copies encoded microphone frames into track until ctx is
// done or the media track ends.
func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample, mediaTrack mediadevices.Track, frameDuration time.Duration) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	defer func() { _ = reader.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			logger.Error("reading from media track", err)
			return
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Warn("writing sample to track", zap.Error(err))
		}
	}
}
