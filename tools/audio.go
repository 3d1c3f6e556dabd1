package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	realtime "github.com/bt-bridge/realtime-voice"
	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// AudioBuffer is a bounded PCM queue between the RTP reader and the
// player. When full the oldest bytes are dropped.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		ab.buffer = ab.buffer[over:]
		dropped += over
	}
	ab.buffer = append(ab.buffer, data...)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is available. After Close it drains what is left
// and then returns io.EOF.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for len(ab.buffer) == 0 {
		if ab.closed {
			return 0, io.EOF
		}
		ab.cond.Wait()
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// Speaker plays remote audio on the default output device. oto allows a
// single context per process, so the first track fixes the output format.
type Speaker struct {
	logger        shared.LoggerAdapter
	bufferLatency time.Duration
	ringSeconds   int

	once    sync.Once
	otoCtx  *oto.Context
	format  oto.NewContextOptions
	initErr error
}

func NewSpeaker(logger shared.LoggerAdapter, bufferLatency time.Duration, ringSeconds int) *Speaker {
	return &Speaker{
		logger:        logger.With(zap.String("component", "speaker")),
		bufferLatency: bufferLatency,
		ringSeconds:   ringSeconds,
	}
}

// Handler adapts the speaker to a peer connection's remote track callback.
func (s *Speaker) Handler() realtime.TrackRemoteHandler {
	return func(ctx context.Context, track *webrtc.TrackRemote) {
		codec := track.Codec()
		channels := int(codec.Channels)
		if channels == 0 {
			channels = 1
		}
		otoCtx, err := s.context(int(codec.ClockRate), channels)
		if err != nil {
			s.logger.Error("creating oto context", err)
			return
		}
		PlayRemoteAudio(ctx, s.logger, track, otoCtx, s.ringSeconds)
	}
}

func (s *Speaker) context(sampleRate, channels int) (*oto.Context, error) {
	s.once.Do(func() {
		s.format = oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   s.bufferLatency,
		}
		var ready chan struct{}
		s.otoCtx, ready, s.initErr = oto.NewContext(&s.format)
		if s.initErr == nil {
			<-ready
		}
	})
	if s.initErr != nil {
		return nil, s.initErr
	}
	if s.format.SampleRate != sampleRate || s.format.ChannelCount != channels {
		return nil, fmt.Errorf("output opened at %d Hz/%d ch, track is %d Hz/%d ch",
			s.format.SampleRate, s.format.ChannelCount, sampleRate, channels)
	}
	return s.otoCtx, nil
}

// PlayRemoteAudio decodes the Opus track into otoCtx until ctx is done or
// the track ends.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, otoCtx *oto.Context, ringSeconds int) {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	if channels == 0 {
		channels = 1
	}
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		logger.Error("creating Opus decoder", err)
		return
	}

	audioBuffer := NewAudioBuffer(PCMBytes(time.Duration(ringSeconds)*time.Second, sampleRate, channels))
	// Opus frames are at most 120 ms.
	pcm := make([]int16, FrameSamples(120*time.Millisecond, sampleRate, channels))
	player := otoCtx.NewPlayer(audioBuffer)
	player.Play()
	defer func() {
		_ = audioBuffer.Close()
		_ = player.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			logger.Warn("decoding Opus", zap.Error(err))
			continue
		}
		samples := pcm[:n*channels]
		pcmBytes := make([]byte, len(samples)*bytesPerSample)
		for i, v := range samples {
			binary.LittleEndian.PutUint16(pcmBytes[i*2:], uint16(v))
		}
		if dropped := audioBuffer.Write(pcmBytes); dropped > 0 {
			logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}
