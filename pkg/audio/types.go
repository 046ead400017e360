package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// pipeline. Frames are the atomic unit of audio transport — captured from
// the media WebSocket or RTP plane, resampled, and forwarded to or received
// from a provider adapter.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the media leg, 24000 for OpenAI output).
	SampleRate int

	// Channels: always 1 (mono) on this codebase's call legs.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
