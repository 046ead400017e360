package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/llm"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/stt"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/tts"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/vad"
	"github.com/tenvoicebridge/realtime-bridge/pkg/types"
)

// Compile-time assertion that PipelineAdapter satisfies Adapter.
var _ Adapter = (*PipelineAdapter)(nil)

const (
	pipelineSampleRate  = 16000
	pipelineFrameSizeMs = 20
)

// PipelineAdapter composes a VAD engine, an STT provider, an LLM provider,
// and a TTS provider into a single Adapter, for deployments where a cloud
// realtime voice API is unavailable or too costly. Unlike the other three
// adapters it has no single socket: Connect wires the component chain,
// SendAudio feeds the VAD, and speech segments drive STT -> LLM -> TTS in
// turn.
type PipelineAdapter struct {
	vadEngine vad.Engine
	sttProv   stt.Provider
	llmProv   llm.Provider
	ttsProv   tts.Provider

	vadSession vad.SessionHandle
	sttSession stt.SessionHandle

	cfg Config

	events chan Event

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	speaking    bool
	segmentBuf  []byte
	history     []types.Message
}

// NewPipelineAdapter builds a pipeline adapter from its four component
// backends.
func NewPipelineAdapter(v vad.Engine, s stt.Provider, l llm.Provider, t tts.Provider) *PipelineAdapter {
	return &PipelineAdapter{
		vadEngine: v,
		sttProv:   s,
		llmProv:   l,
		ttsProv:   t,
		events:    make(chan Event, 64),
	}
}

func (p *PipelineAdapter) InputSampleRate() int  { return pipelineSampleRate }
func (p *PipelineAdapter) OutputSampleRate() int { return pipelineSampleRate }

// Connect creates the VAD session; STT/LLM/TTS component sessions are
// opened lazily per speech turn since they are request-scoped, not
// connection-scoped.
func (p *PipelineAdapter) Connect(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(context.Background())
	p.ctx = sessCtx
	p.cancel = cancel

	session, err := p.vadEngine.NewSession(vad.Config{
		SampleRate:       pipelineSampleRate,
		FrameSizeMs:      pipelineFrameSizeMs,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("pipeline: vad session: %w", err)
	}
	p.vadSession = session
	return nil
}

// Configure stores instructions/tools for the LLM requests issued per turn
// and speaks the greeting, if any, as the first assistant turn.
func (p *PipelineAdapter) Configure(ctx context.Context, cfg Config) error {
	p.cfg = cfg
	if cfg.Instructions != "" {
		p.history = append(p.history, types.Message{Role: "system", Content: cfg.Instructions})
	}
	if cfg.Greeting != "" {
		go p.runAssistantTurn(cfg.Greeting, true)
	}
	return nil
}

// SendAudio feeds a PCM16 @16kHz frame to the VAD session, accumulating
// speech segments and dispatching them to STT once a segment ends.
func (p *PipelineAdapter) SendAudio(pcm []byte) error {
	if p.vadSession == nil {
		return ErrNotConnected
	}
	evt, err := p.vadSession.ProcessFrame(pcm)
	if err != nil {
		return fmt.Errorf("pipeline: vad: %w", err)
	}

	switch evt.Type {
	case types.VADSpeechStart:
		p.mu.Lock()
		wasSpeaking := p.speaking
		p.speaking = true
		p.segmentBuf = p.segmentBuf[:0]
		p.mu.Unlock()
		if !wasSpeaking {
			p.emit(Event{Type: EventSpeechStarted})
		}
		p.appendSegment(pcm)
	case types.VADSpeechContinue:
		p.appendSegment(pcm)
	case types.VADSpeechEnd:
		p.appendSegment(pcm)
		p.mu.Lock()
		p.speaking = false
		segment := p.segmentBuf
		p.segmentBuf = nil
		p.mu.Unlock()
		p.emit(Event{Type: EventSpeechStopped})
		if len(segment) > 0 {
			go p.transcribeAndRespond(segment)
		}
	}
	return nil
}

func (p *PipelineAdapter) appendSegment(pcm []byte) {
	p.mu.Lock()
	p.segmentBuf = append(p.segmentBuf, pcm...)
	p.mu.Unlock()
}

// transcribeAndRespond runs one STT -> LLM -> TTS turn for an accumulated
// speech segment.
func (p *PipelineAdapter) transcribeAndRespond(segment []byte) {
	sttSess, err := p.sttProv.StartStream(p.ctx, stt.StreamConfig{
		SampleRate: pipelineSampleRate,
		Channels:   1,
		Language:   p.cfg.LanguageTag,
	})
	if err != nil {
		p.emit(Event{Type: EventError, Message: "pipeline: stt start: " + err.Error()})
		return
	}
	defer sttSess.Close()

	if err := sttSess.SendAudio(segment); err != nil {
		p.emit(Event{Type: EventError, Message: "pipeline: stt send: " + err.Error()})
		return
	}
	sttSess.Close() // signal end-of-audio; final arrives on Finals()

	var final types.Transcript
	select {
	case final = <-sttSess.Finals():
	case <-p.ctx.Done():
		return
	}
	if final.Text == "" {
		return
	}

	p.emit(Event{Type: EventUserTranscript, Text: final.Text})
	p.mu.Lock()
	p.history = append(p.history, types.Message{Role: "user", Content: final.Text})
	p.mu.Unlock()

	p.runAssistantTurn(final.Text, false)
}

// runAssistantTurn streams an LLM completion (or, for a fixed greeting,
// skips the LLM and speaks the text directly) through TTS and emits audio
// deltas.
func (p *PipelineAdapter) runAssistantTurn(userText string, isGreeting bool) {
	p.emit(Event{Type: EventResponseStarted})

	var fullText string
	if isGreeting {
		fullText = userText
		p.emit(Event{Type: EventTranscriptDelta, Text: fullText})
	} else {
		p.mu.Lock()
		msgs := append([]types.Message(nil), p.history...)
		p.mu.Unlock()

		chunks, err := p.llmProv.StreamCompletion(p.ctx, llm.CompletionRequest{
			Messages:     msgs,
			SystemPrompt: p.cfg.Instructions,
		})
		if err != nil {
			p.emit(Event{Type: EventError, Message: "pipeline: llm: " + err.Error()})
			p.emit(Event{Type: EventResponseDone, Status: "failed"})
			return
		}
		for chunk := range chunks {
			if chunk.Text != "" {
				fullText += chunk.Text
				p.emit(Event{Type: EventTranscriptDelta, Text: chunk.Text})
			}
			if chunk.FinishReason == "tool_calls" {
				for _, tc := range chunk.ToolCalls {
					p.emit(Event{Type: EventFunctionCall, FunctionName: tc.Name, FunctionArgs: tc.Arguments, CallID: tc.ID})
				}
			}
		}
	}

	p.emit(Event{Type: EventTranscriptDone, Text: fullText})
	p.mu.Lock()
	p.history = append(p.history, types.Message{Role: "assistant", Content: fullText})
	p.mu.Unlock()

	if fullText == "" {
		p.emit(Event{Type: EventResponseDone, Status: "completed"})
		return
	}

	textCh := make(chan string, 1)
	textCh <- fullText
	close(textCh)

	audioCh, err := p.ttsProv.SynthesizeStream(p.ctx, textCh, types.VoiceProfile{ID: p.cfg.VoiceID})
	if err != nil {
		p.emit(Event{Type: EventError, Message: "pipeline: tts: " + err.Error()})
		p.emit(Event{Type: EventResponseDone, Status: "failed"})
		return
	}
	for pcm := range audioCh {
		p.emit(Event{Type: EventAudioDelta, Audio: pcm})
	}
	p.emit(Event{Type: EventAudioDone})
	p.emit(Event{Type: EventResponseDone, Status: "completed"})
}

// SendText injects an assistant utterance directly (used for handoff
// announcements) by speaking it through TTS without an LLM round-trip.
func (p *PipelineAdapter) SendText(text string) error {
	go p.runAssistantTurn(text, true)
	return nil
}

// Interrupt returns nil without cancelling anything. Pipeline turns run on
// detached goroutines with no per-turn cancel, so an in-flight turn keeps
// emitting its transcript and EventAudioDelta events until it finishes.
func (p *PipelineAdapter) Interrupt() error {
	return nil
}

// SendFunctionResult is appended to history as a tool message and picked up
// on the next runAssistantTurn call triggered by the session.
func (p *PipelineAdapter) SendFunctionResult(name, result, callID string) error {
	p.mu.Lock()
	p.history = append(p.history, types.Message{Role: "tool", Content: result, ToolCallID: callID, Name: name})
	p.mu.Unlock()
	go p.runAssistantTurn("", false)
	return nil
}

func (p *PipelineAdapter) Events() <-chan Event { return p.events }

func (p *PipelineAdapter) emit(e Event) {
	select {
	case p.events <- e:
	case <-p.ctx.Done():
	}
}

// Disconnect releases the VAD session and closes the events channel.
// Idempotent.
func (p *PipelineAdapter) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	if p.vadSession != nil {
		p.vadSession.Close()
	}
	p.closeOnce.Do(func() { close(p.events) })
	return nil
}
