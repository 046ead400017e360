package callsession

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/provider"
	"github.com/tenvoicebridge/realtime-bridge/pkg/audio"
)

// receiveLoop drains one provider adapter's Events channel for the
// lifetime of the session's binding to that adapter, dispatching each
// event per the table in §4.7.3. It exits (closing done) when the
// channel closes, which happens on Disconnect or the adapter's own
// connection loss.
func (s *Session) receiveLoop(adapter provider.Adapter, done chan struct{}) {
	defer close(done)
	for ev := range adapter.Events() {
		s.handleProviderEvent(s.callCtx, ev)
	}
}

func (s *Session) handleProviderEvent(ctx context.Context, ev provider.Event) {
	s.touch()
	switch ev.Type {
	case provider.EventResponseStarted:
		s.mu.Lock()
		if s.warmup != nil {
			s.warmup.Reset()
		}
		s.turnText.Reset()
		s.mu.Unlock()

	case provider.EventAudioDelta:
		s.handleAudioDelta(ev.Audio)

	case provider.EventAudioDone:
		s.mu.Lock()
		s.assistantSpeaking = false
		var residual []byte
		if s.warmup != nil {
			residual = s.warmup.Flush()
		}
		s.mu.Unlock()
		if len(residual) > 0 {
			s.emitProviderAudio(residual)
		}

	case provider.EventTranscriptDelta:
		s.mu.Lock()
		s.turnText.WriteString(ev.Text)
		s.mu.Unlock()

	case provider.EventTranscriptDone:
		s.mu.Lock()
		text := s.turnText.String()
		s.turnText.Reset()
		s.turnsCompleted++
		s.mu.Unlock()
		if text == "" {
			text = ev.Text
		}
		s.commitTranscript("assistant", text)

	case provider.EventUserTranscript:
		s.commitTranscript("user", ev.Text)
		s.checkHandoffTriggers(ctx, ev.Text)

	case provider.EventSpeechStarted:
		s.mu.Lock()
		s.userSpeaking = true
		speaking := s.assistantSpeaking
		s.lastSpeechAt = time.Now()
		s.mu.Unlock()
		if speaking {
			s.bargeIn(ctx)
		}

	case provider.EventSpeechStopped:
		s.mu.Lock()
		s.userSpeaking = false
		s.mu.Unlock()

	case provider.EventResponseDone:
		s.mu.Lock()
		since := s.lastSpeechAt
		s.mu.Unlock()
		if !since.IsZero() {
			d := time.Since(since)
			s.mu.Lock()
			s.latencies = append(s.latencies, d)
			s.mu.Unlock()
			s.mgr.metrics.ResponseLatency(s.TenantID, d)
		}

	case provider.EventFunctionCall:
		s.dispatchFunctionCall(ctx, ev)

	case provider.EventRateLimited, provider.EventError, provider.EventSessionEnded:
		s.handleFatalEvent(ctx, ev)

	case provider.EventInterrupt:
		// Provider-originated interrupt notice; no session-side action needed
		// beyond the activity touch already applied above.

	default:
		slog.Debug("callsession: unhandled provider event", "call", s.CallID, "type", ev.Type.String())
	}
}

func (s *Session) handleAudioDelta(pcm []byte) {
	s.mu.Lock()
	s.assistantSpeaking = true
	s.bytesOut += len(pcm)
	s.chunksOut++
	resamplers := s.resamplers
	warmup := s.warmup
	echo := s.echo
	s.mu.Unlock()

	frame := audio.AudioFrame{Data: pcm, SampleRate: s.adapterOutputRate()}
	if resamplers != nil {
		frame = resamplers.ToMedia(frame)
	}

	var toEmit []byte
	if warmup != nil {
		toEmit = warmup.Push(frame.Data)
	} else {
		toEmit = frame.Data
	}
	if len(toEmit) == 0 {
		return
	}
	if echo != nil {
		echo.PushReference(toEmit)
	}
	s.emitProviderAudio(toEmit)
}

func (s *Session) adapterOutputRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		return s.adapter.OutputSampleRate()
	}
	return 16000
}

func (s *Session) emitProviderAudio(pcm []byte) {
	s.mgr.metrics.AudioBytes(s.TenantID, 0, len(pcm))
	s.emitFrame(pcm)
}

// bargeIn implements §5's barge-in rule: interrupt the provider, ask the
// media layer to break current playback, and count it. The warmup buffer
// reset on the next response_started implicitly drops anything buffered.
func (s *Session) bargeIn(ctx context.Context) {
	s.mu.Lock()
	adapter := s.adapter
	breakCB := s.onBreakPlayback
	s.bargeIns++
	s.mu.Unlock()

	if adapter != nil {
		if err := adapter.Interrupt(); err != nil && err != provider.ErrUnsupported {
			slog.Warn("callsession: interrupt failed", "call", s.CallID, "err", err)
		}
	}
	if breakCB != nil {
		breakCB()
	}
	s.mgr.metrics.BargeIn(s.TenantID)
}

// handleFatalEvent attempts provider fallback per §4.7.5; if the fallback
// list is exhausted, the session transitions to Ending.
func (s *Session) handleFatalEvent(ctx context.Context, ev provider.Event) {
	reason := ev.Type.String()
	slog.Info("callsession: fatal provider event", "call", s.CallID, "type", reason)

	s.mu.Lock()
	fb := s.fallback
	oldAdapter := s.adapter
	s.mu.Unlock()

	if fb == nil || len(s.fallbackNames()) < 2 {
		if ev.Type == provider.EventRateLimited {
			// §8 boundary behavior: rate_limited with no fallback configured
			// ends the session with this specific reason, not the raw event name.
			reason = "provider_rate_limited"
		}
		s.stop(ctx, reason)
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	newAdapter, name, err := fb.Connect(connectCtx, s.buildProviderConfig())
	cancel()
	if err != nil {
		slog.Warn("callsession: provider fallback exhausted", "call", s.CallID, "err", err)
		s.stop(ctx, "provider_unavailable")
		return
	}

	if oldAdapter != nil {
		oldAdapter.Disconnect() // invariant 2/4: old closes before new audio flows
	}

	s.mu.Lock()
	s.adapter = newAdapter
	s.adapterName = name
	s.resamplers = audio.NewResamplerPair(s.mediaSampleRate(), newAdapter.InputSampleRate(), newAdapter.OutputSampleRate())
	if s.warmup != nil {
		s.warmup = audio.NewWarmupBuffer(newAdapter.OutputSampleRate(), s.warmup.Window)
	}
	if s.echo != nil {
		s.echo.Reset()
	}
	s.recvDone = make(chan struct{})
	done := s.recvDone
	s.mu.Unlock()

	go s.receiveLoop(newAdapter, done)
	slog.Info("callsession: rebound to fallback provider", "call", s.CallID, "provider", name)
}
