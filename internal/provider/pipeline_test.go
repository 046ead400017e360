package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/llm"
	llmmock "github.com/tenvoicebridge/realtime-bridge/pkg/provider/llm/mock"
	sttmock "github.com/tenvoicebridge/realtime-bridge/pkg/provider/stt/mock"
	ttsmock "github.com/tenvoicebridge/realtime-bridge/pkg/provider/tts/mock"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/vad"
	"github.com/tenvoicebridge/realtime-bridge/pkg/types"
)

// sequenceVADSession is a vad.SessionHandle fake that returns a fixed
// sequence of events, one per ProcessFrame call, then repeats the last one —
// the buffered mock.Session returns only a single fixed EventResult, which
// cannot model a speech-start-then-end turn.
type sequenceVADSession struct {
	mu     sync.Mutex
	events []types.VADEvent
	i      int
}

func (s *sequenceVADSession) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt := s.events[s.i]
	if s.i < len(s.events)-1 {
		s.i++
	}
	return evt, nil
}
func (s *sequenceVADSession) Reset()       {}
func (s *sequenceVADSession) Close() error { return nil }

var _ vad.SessionHandle = (*sequenceVADSession)(nil)

func collectEvents(t *testing.T, ch <-chan Event, n int, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed early, got %d of %d events", len(got), n)
			}
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d of %d: %+v", len(got), n, got)
		}
	}
	return got
}

func TestPipelineAdapter_Configure_GreetingSpeaksThroughTTS(t *testing.T) {
	vadEngine := &vadEngineStub{session: &sequenceVADSession{events: []types.VADEvent{{Type: types.VADSilence}}}}
	sttProv := &sttmock.Provider{}
	llmProv := &llmmock.Provider{}
	ttsProv := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("hello-audio")}}

	p := NewPipelineAdapter(vadEngine, sttProv, llmProv, ttsProv)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Disconnect()

	if err := p.Configure(context.Background(), Config{Greeting: "Welcome!"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	events := collectEvents(t, p.Events(), 5, 2*time.Second)
	wantTypes := []EventType{
		EventResponseStarted,
		EventTranscriptDelta,
		EventTranscriptDone,
		EventAudioDelta,
		EventAudioDone,
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event[%d].Type = %v, want %v", i, events[i].Type, want)
		}
	}
	if events[1].Text != "Welcome!" || events[2].Text != "Welcome!" {
		t.Errorf("greeting text not carried through transcript events: %+v", events[1:3])
	}
	if string(events[3].Audio) != "hello-audio" {
		t.Errorf("audio delta = %q, want %q", events[3].Audio, "hello-audio")
	}
}

func TestPipelineAdapter_SendAudio_FullTurnTranscribesAndResponds(t *testing.T) {
	finals := make(chan types.Transcript, 1)
	finals <- types.Transcript{Text: "what time is it", IsFinal: true}
	close(finals)
	sttSess := &sttmock.Session{
		PartialsCh: make(chan types.Transcript),
		FinalsCh:   finals,
	}
	sttProv := &sttmock.Provider{Session: sttSess}

	llmProv := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "It's ", FinishReason: ""}, {Text: "3pm.", FinishReason: "stop"}},
	}
	ttsProv := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("answer-audio")}}

	vadEngine := &vadEngineStub{session: &sequenceVADSession{events: []types.VADEvent{
		{Type: types.VADSpeechStart},
		{Type: types.VADSpeechEnd},
	}}}

	p := NewPipelineAdapter(vadEngine, sttProv, llmProv, ttsProv)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Disconnect()
	if err := p.Configure(context.Background(), Config{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	frame := make([]byte, 640) // 20ms @ 16kHz mono 16-bit
	if err := p.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio (start): %v", err)
	}
	if err := p.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio (end): %v", err)
	}

	events := collectEvents(t, p.Events(), 9, 2*time.Second)
	wantTypes := []EventType{
		EventSpeechStarted,
		EventSpeechStopped,
		EventUserTranscript,
		EventResponseStarted,
		EventTranscriptDelta,
		EventTranscriptDelta,
		EventTranscriptDone,
		EventAudioDelta,
		EventAudioDone,
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event[%d].Type = %v, want %v (all: %+v)", i, events[i].Type, want, events)
		}
	}
	if events[2].Text != "what time is it" {
		t.Errorf("user transcript = %q", events[2].Text)
	}
	if events[6].Text != "It's 3pm." {
		t.Errorf("assistant transcript = %q, want %q", events[6].Text, "It's 3pm.")
	}

	if len(sttProv.StartStreamCalls) != 1 {
		t.Errorf("stt StartStream called %d times, want 1", len(sttProv.StartStreamCalls))
	}
}

func TestPipelineAdapter_SendFunctionResult_AppendsToolMessageAndRespondsAgain(t *testing.T) {
	sttProv := &sttmock.Provider{}
	llmProv := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "done", FinishReason: "stop"}}}
	ttsProv := &ttsmock.Provider{}
	vadEngine := &vadEngineStub{session: &sequenceVADSession{events: []types.VADEvent{{Type: types.VADSilence}}}}

	p := NewPipelineAdapter(vadEngine, sttProv, llmProv, ttsProv)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Disconnect()
	if err := p.Configure(context.Background(), Config{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := p.SendFunctionResult("get_weather", `{"temp":72}`, "call-1"); err != nil {
		t.Fatalf("SendFunctionResult: %v", err)
	}

	_ = collectEvents(t, p.Events(), 5, 2*time.Second) // response_started, transcript_delta, transcript_done, audio_done, response_done

	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for _, m := range p.history {
		if m.Role == "tool" && m.ToolCallID == "call-1" && m.Content == `{"temp":72}` {
			found = true
		}
	}
	if !found {
		t.Errorf("tool result not appended to history: %+v", p.history)
	}
}

func TestPipelineAdapter_Disconnect_ClosesEventsAndIsIdempotent(t *testing.T) {
	sess := &sequenceVADSession{events: []types.VADEvent{{Type: types.VADSilence}}}
	vadEngine := &vadEngineStub{session: sess}
	p := NewPipelineAdapter(vadEngine, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := p.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := p.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	if _, ok := <-p.Events(); ok {
		t.Error("expected events channel to be closed after Disconnect")
	}
}

func TestPipelineAdapter_SendAudio_BeforeConnectReturnsErrNotConnected(t *testing.T) {
	p := NewPipelineAdapter(&vadEngineStub{}, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	if err := p.SendAudio(make([]byte, 640)); err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestPipelineAdapter_SampleRates(t *testing.T) {
	p := NewPipelineAdapter(&vadEngineStub{}, &sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	if p.InputSampleRate() != pipelineSampleRate || p.OutputSampleRate() != pipelineSampleRate {
		t.Errorf("sample rates = %d/%d, want %d", p.InputSampleRate(), p.OutputSampleRate(), pipelineSampleRate)
	}
}

// vadEngineStub is a vad.Engine fake returning a preset session, since
// pkg/provider/vad/mock's Engine always returns its own zero-state Session.
type vadEngineStub struct {
	session vad.SessionHandle
}

func (e *vadEngineStub) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return e.session, nil
}

var _ vad.Engine = (*vadEngineStub)(nil)
