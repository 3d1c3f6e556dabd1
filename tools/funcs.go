package tools

import "time"

const bytesPerSample = 2

// FrameSamples is the number of interleaved samples in duration of audio.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// PCMBytes is the size of duration of 16-bit PCM audio.
func PCMBytes(duration time.Duration, rate, channels int) int {
	return FrameSamples(duration, rate, channels) * bytesPerSample
}
