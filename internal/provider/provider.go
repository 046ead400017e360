// Package provider defines the uniform realtime conversational-AI adapter
// surface and its normalised event taxonomy, plus the four concrete
// adapters (OpenAI Realtime, ElevenLabs Conversational, Gemini Live, and a
// locally composed STT+LLM+TTS pipeline) that sit behind it.
//
// Every adapter speaks a different wire protocol but exposes the same
// Go-level contract: Connect, Configure, SendAudio, SendText, Interrupt,
// SendFunctionResult, Events, Disconnect. The session package never knows
// which concrete adapter it is driving.
package provider

import (
	"context"
	"errors"
)

// EventType enumerates the normalised event taxonomy every adapter must
// translate its wire protocol into.
type EventType int

const (
	EventAudioDelta EventType = iota
	EventAudioDone
	EventTranscriptDelta
	EventTranscriptDone
	EventUserTranscript
	EventSpeechStarted
	EventSpeechStopped
	EventResponseStarted
	EventResponseDone
	EventFunctionCall
	EventInterrupt
	EventRateLimited
	EventError
	EventSessionEnded
)

// String returns the event's wire-agnostic name, used in log lines.
func (t EventType) String() string {
	switch t {
	case EventAudioDelta:
		return "audio_delta"
	case EventAudioDone:
		return "audio_done"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventTranscriptDone:
		return "transcript_done"
	case EventUserTranscript:
		return "user_transcript"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventResponseStarted:
		return "response_started"
	case EventResponseDone:
		return "response_done"
	case EventFunctionCall:
		return "function_call"
	case EventInterrupt:
		return "interrupt"
	case EventRateLimited:
		return "rate_limited"
	case EventError:
		return "error"
	case EventSessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

// Event is the normalised, provider-independent message an adapter emits on
// its Events channel. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType

	// audio_delta
	Audio []byte

	// transcript_delta / transcript_done / user_transcript
	Text string

	// response_done
	Status string

	// function_call
	FunctionName string
	FunctionArgs string
	CallID       string

	// rate_limited
	RetryAfterSeconds int

	// error
	Code    string
	Message string

	// session_ended
	Reason string
}

// VADMode selects how an adapter detects end-of-turn. Only OpenAI Realtime
// distinguishes all three; other adapters that have no concept of
// push-to-talk treat VADServer as their only mode.
type VADMode int

const (
	VADServer VADMode = iota
	VADSemantic
	VADPushToTalk
)

// SemanticEagerness tunes VADSemantic responsiveness.
type SemanticEagerness int

const (
	EagernessLow SemanticEagerness = iota
	EagernessMedium
	EagernessHigh
)

// TurnDetection configures the VAD behaviour an adapter applies to decide
// when the caller has finished speaking.
type TurnDetection struct {
	Mode VADMode

	// Server-VAD tuning.
	Threshold           float64
	PrefixPaddingMs      int
	SilenceDurationMs    int

	// Semantic-VAD tuning.
	Eagerness SemanticEagerness
}

// ToolDefinition describes a function the provider may call mid-session.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Config is the session configuration handed to Configure. It is immutable
// for the lifetime of the adapter session — mid-session changes go through
// SendText / function-result plumbing instead, matching the spec's
// "configuration objects are immutable across a session" invariant.
type Config struct {
	Instructions  string
	Greeting      string
	VoiceID       string
	LanguageTag   string
	Tools         []ToolDefinition
	TurnDetection TurnDetection

	// Provider-specific free-form extras (model name, agent id, region, ...).
	Extra map[string]string
}

// Adapter is the uniform surface every realtime provider backend
// implements. Implementations must tolerate concurrent SendAudio/SendText
// calls while the receive loop backing Events is running, and must be
// resilient to partial messages, unexpected closure, and parse errors, per
// the common adapter contract.
type Adapter interface {
	// Connect opens the underlying transport (WebSocket, or for the
	// pipeline adapter, the component chain) and blocks until ready or
	// ctx expires.
	Connect(ctx context.Context) error

	// Configure applies prompt, voice, VAD mode, and tool definitions.
	// Must be called once, after Connect, before audio is sent.
	Configure(ctx context.Context, cfg Config) error

	// SendAudio forwards a chunk of caller PCM16LE audio, already resampled
	// to InputSampleRate.
	SendAudio(pcm []byte) error

	// SendText injects a text utterance as if spoken by the assistant (used
	// for handoff announcements and function-call farewells).
	SendText(text string) error

	// Interrupt asks the provider to stop the current response and discard
	// any buffered, not-yet-emitted audio (barge-in).
	Interrupt() error

	// SendFunctionResult returns the result of a function_call event back
	// to the provider, keyed by the call id the event carried.
	SendFunctionResult(name, result, callID string) error

	// Events returns the channel of normalised events. Closed when the
	// adapter disconnects; EventSessionEnded is always the last event sent
	// before close when the cause is known.
	Events() <-chan Event

	// Disconnect tears down the transport. Idempotent.
	Disconnect() error

	// InputSampleRate and OutputSampleRate declare the adapter's expected
	// PCM rates so the session can compose a ResamplerPair.
	InputSampleRate() int
	OutputSampleRate() int
}

// ErrNotConnected is returned by adapter methods invoked before Connect
// completes or after Disconnect.
var ErrNotConnected = errors.New("provider: adapter not connected")

// ErrUnsupported is returned for operations a given provider's wire
// protocol does not offer (e.g. Gemini has no interrupt message).
var ErrUnsupported = errors.New("provider: operation not supported by this adapter")

// Name identifies which concrete backend an adapter implements, used for
// metrics attributes and fallback-list configuration.
type Name string

const (
	NameOpenAI      Name = "openai"
	NameElevenLabs  Name = "elevenlabs"
	NameGemini      Name = "gemini"
	NamePipeline    Name = "pipeline"
)

// Factory constructs a fresh Adapter instance for a given provider name,
// used by the session when rebinding to a fallback provider.
type Factory func(name Name) (Adapter, error)
