package callsession

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/config"
	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
	"github.com/tenvoicebridge/realtime-bridge/internal/provider"
	"github.com/tenvoicebridge/realtime-bridge/internal/wsmedia"
	"github.com/tenvoicebridge/realtime-bridge/pkg/audio"
)

// Session is the central live-call entity: one per call id, owning exactly
// one provider connection and the audio-plane state bridging it to either
// the WebSocket media server or the RTP media plane. Every exported method
// here exists to satisfy wsmedia.Session / wsmedia.Outbound. The
// eslrelay.SessionSink / eslrelay.MediaSink methods live on the Manager,
// which looks the Session up by call id and forwards to its unexported
// counterparts below.
type Session struct {
	mgr *Manager

	// identity
	CallID      string
	TenantID    string
	SecretaryID string
	CallerID    string

	cfg config.SecretaryConfig

	mu sync.Mutex

	// provider handle, owned exclusively (invariant 2 and 4 of §3)
	fallback     *provider.Fallback
	adapter      provider.Adapter
	adapterName  provider.Name
	recvDone     chan struct{}

	// callCtx is cancelled the moment stop() begins, so that any in-flight
	// a-leg-driven operation (attended/announced transfer's originate and
	// monitor phases, in particular) observes the caller hangup immediately
	// instead of running to its own unrelated timeout.
	callCtx    context.Context
	callCancel context.CancelFunc

	// audio-plane state
	resamplers        *audio.ResamplerPair
	warmup            *audio.WarmupBuffer
	echo              *audio.EchoCanceller
	assistantSpeaking bool
	userSpeaking      bool
	turnText          strings.Builder

	// transcript (invariant 5: append-only, monotonic timestamps)
	transcript []TranscriptEntry

	// counters
	turnsCompleted int
	bytesIn        int
	bytesOut       int
	chunksIn       int
	chunksOut      int
	underruns      int
	bargeIns       int
	latencies      []time.Duration
	lastSpeechAt   time.Time

	// lifecycle
	state        State
	startedAt    time.Time
	lastActivity time.Time
	stopReason   string
	stopOnce     sync.Once
	ended        chan struct{}

	// handoff state (§4.9, at-most-once)
	handoffTriggered bool
	handoffResult    *HandoffResult

	// active-transfer state
	bLegCallUUID string

	// ESL command surface
	commander    esl.Commander       // whatever RegisterCommander handed us (outbound socket, typically)
	advCommander esl.AdvancedCommander // hybrid of the above + the shared inbound client, for transfer

	// wsmedia outbound sink
	outFrames chan []byte

	onTranscript    func(TranscriptEntry)
	onBreakPlayback func()
}

func newSession(mgr *Manager, tenantID, callID, secretaryID, callerID string, cfg config.SecretaryConfig) *Session {
	now := time.Now()
	callCtx, callCancel := context.WithCancel(context.Background())
	return &Session{
		mgr:          mgr,
		CallID:       callID,
		TenantID:     tenantID,
		SecretaryID:  secretaryID,
		CallerID:     callerID,
		cfg:          cfg,
		state:        Starting,
		startedAt:    now,
		lastActivity: now,
		ended:        make(chan struct{}),
		outFrames:    make(chan []byte, 32),
		callCtx:      callCtx,
		callCancel:   callCancel,
	}
}

// start connects the provider (through its fallback chain), transitions to
// Active, and kicks off the provider receive loop and idle watchdog. Called
// by the Manager immediately after a session is created.
func (s *Session) start(ctx context.Context) error {
	names := s.fallbackNames()
	fb, err := provider.NewFallback(s.mgr.factory, names...)
	if err != nil {
		s.fail(ctx, "error")
		return err
	}
	s.fallback = fb

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	adapter, name, err := fb.Connect(connectCtx, s.buildProviderConfig())
	if err != nil {
		s.fail(ctx, "error")
		return err
	}

	s.mu.Lock()
	s.adapter = adapter
	s.adapterName = name
	s.resamplers = audio.NewResamplerPair(s.mediaSampleRate(), adapter.InputSampleRate(), adapter.OutputSampleRate())
	s.warmup = audio.NewWarmupBuffer(adapter.OutputSampleRate(), s.warmupWindow())
	if s.cfg.Audio.EchoCancelEnabled {
		s.echo = audio.NewEchoCanceller(s.mediaSampleRate())
	}
	s.state = Active
	s.recvDone = make(chan struct{})
	s.mu.Unlock()

	go s.receiveLoop(s.adapter, s.recvDone)
	go s.idleWatchdog(ctx)

	s.mgr.metrics.CallStarted(s.TenantID)
	return nil
}

func (s *Session) fallbackNames() []provider.Name {
	names := []provider.Name{provider.Name(s.cfg.Provider)}
	for _, extra := range s.cfg.FallbackProviders {
		n := provider.Name(extra)
		if n == names[0] {
			continue
		}
		names = append(names, n)
	}
	return names
}

func (s *Session) mediaSampleRate() int {
	return 16000 // FreeSWITCH-negotiated default per §4.6; tenant overrides arrive via AudioTuning in future work
}

func (s *Session) warmupWindow() time.Duration {
	ms := s.cfg.Audio.WarmupMs
	if ms <= 0 {
		ms = 300
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Session) buildProviderConfig() provider.Config {
	return provider.Config{
		Instructions: s.cfg.SystemPrompt,
		Greeting:     s.cfg.Greeting,
		VoiceID:      s.cfg.ProviderVoiceID,
		LanguageTag:  s.cfg.LanguageTag,
		Tools:        builtinTools(),
		TurnDetection: provider.TurnDetection{
			Mode: provider.VADServer,
		},
	}
}

// elapsed is the monotonic offset from session start used for transcript
// timestamps.
func (s *Session) elapsed() time.Duration {
	return time.Since(s.startedAt)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// commitTranscript appends an entry, preserving invariant 5 (monotonic,
// append-only) by construction: the slice is only ever appended to under
// the session lock.
func (s *Session) commitTranscript(role, text string) {
	entry := TranscriptEntry{Role: role, Text: text, Timestamp: s.elapsed()}
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	cb := s.onTranscript
	s.mu.Unlock()
	if cb != nil {
		cb(entry)
	}
}

// ---- wsmedia.Session ----

func (s *Session) HandleMetadata(callerID string) {
	s.touch()
	if callerID == "" {
		return
	}
	s.mu.Lock()
	if s.CallerID == "" {
		s.CallerID = callerID
	}
	s.mu.Unlock()
}

// HandleAudio is the inbound media entry point shared by the WebSocket
// media server and the RTP media plane (via WriteMediaFrame); per §5 it
// runs inline on the caller's delivery path, never via an extra goroutine,
// so frame order is preserved without additional synchronisation.
func (s *Session) HandleAudio(pcm []byte) {
	s.touch()
	s.mu.Lock()
	adapter := s.adapter
	resamplers := s.resamplers
	echo := s.echo
	active := s.state == Active
	s.mu.Unlock()
	if !active || adapter == nil {
		return
	}

	if echo != nil {
		pcm = echo.Cancel(pcm)
	}
	frame := audio.AudioFrame{Data: pcm, SampleRate: s.mediaSampleRate(), Channels: 1}
	if resamplers != nil {
		frame = resamplers.ToProvider(frame)
	}
	if len(frame.Data) == 0 {
		return
	}

	s.mu.Lock()
	s.bytesIn += len(frame.Data)
	s.chunksIn++
	s.mu.Unlock()

	if err := adapter.SendAudio(frame.Data); err != nil {
		slog.Warn("callsession: send audio failed", "call", s.CallID, "err", err)
	}
}

func (s *Session) HandleDTMF(digit string) {
	s.touch()
	slog.Debug("callsession: dtmf", "call", s.CallID, "digit", digit)
}

func (s *Session) HandleHangup() {
	s.stop(context.Background(), "caller_hangup")
}

func (s *Session) Closed(reason string) {
	s.stop(context.Background(), reason)
}

// ---- wsmedia.Outbound ----

func (s *Session) Frames() <-chan []byte { return s.outFrames }

func (s *Session) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resamplers != nil {
		return s.resamplers.OutputRate()
	}
	return s.mediaSampleRate()
}

func (s *Session) emitFrame(pcm []byte) {
	select {
	case s.outFrames <- pcm:
	default:
		s.mu.Lock()
		s.underruns++
		s.mu.Unlock()
		slog.Warn("callsession: outbound frame dropped, consumer too slow", "call", s.CallID)
	}
}

// ---- eslrelay sink (forwarded from Manager by call id) ----

func (s *Session) registerCommander(cmd esl.Commander) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commander = cmd
	if out, ok := cmd.(*esl.OutboundAdapter); ok && s.mgr.inbound != nil {
		s.advCommander = esl.NewHybrid(out, s.mgr.inbound)
	} else if s.mgr.inbound != nil {
		s.advCommander = s.mgr.inbound
	}
}

func (s *Session) channelAnswered() {
	s.touch()
}

func (s *Session) dtmfReceived(digit string) {
	s.HandleDTMF(digit)
}

func (s *Session) channelEnded(reason string) {
	s.stop(context.Background(), reason)
}

// writeMediaFramePCMU decodes an RTP-mode PCMU frame and routes it through
// the same inline path HandleAudio uses.
func (s *Session) writeMediaFramePCMU(pcmu []byte) {
	s.HandleAudio(audio.MuLawDecode(pcmu))
}

// fail transitions a session that never reached Active straight to Ending
// with reason "error" per §4.7.2's start-failure rule.
func (s *Session) fail(ctx context.Context, reason string) {
	s.mu.Lock()
	s.state = Ending
	s.mu.Unlock()
	s.stop(ctx, reason)
}

// stop drives Active/Starting/Ending -> Ended: cancels the provider
// connection, runs persistence, and is safe to call more than once or
// concurrently (caller hangup and a timer firing in the same instant both
// race stop() harmlessly).
func (s *Session) stop(ctx context.Context, reason string) {
	s.stopOnce.Do(func() {
		s.callCancel()

		s.mu.Lock()
		s.state = Ending
		s.stopReason = reason
		adapter := s.adapter
		recvDone := s.recvDone
		s.mu.Unlock()

		if adapter != nil {
			adapter.Disconnect()
		}
		if recvDone != nil {
			select {
			case <-recvDone:
			case <-time.After(2 * time.Second):
			}
		}

		close(s.outFrames)

		s.persist(ctx)

		s.mu.Lock()
		s.state = Ended
		s.mu.Unlock()
		close(s.ended)

		s.mgr.metrics.CallEnded(s.TenantID, reason)
		s.mgr.remove(s.CallID)
	})
}

func (s *Session) persist(ctx context.Context) {
	if s.mgr.store == nil {
		return
	}
	s.mu.Lock()
	rec := ConversationRecord{
		CallUUID:    s.CallID,
		TenantID:    s.TenantID,
		SecretaryID: s.SecretaryID,
		Caller:      s.CallerID,
		Start:       s.startedAt,
		End:         time.Now(),
		FinalAction: s.stopReason,
		Mode:        string(s.cfg.Mode),
		Messages:    append([]TranscriptEntry(nil), s.transcript...),
	}
	s.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.mgr.store.SaveConversation(writeCtx, rec); err != nil {
		slog.Error("callsession: persisting conversation failed", "call", s.CallID, "err", err)
	}
}

var (
	_ wsmedia.Session  = (*Session)(nil)
	_ wsmedia.Outbound = (*Session)(nil)
)

func builtinTools() []provider.ToolDefinition {
	return []provider.ToolDefinition{
		{
			Name:        "transfer_call",
			Description: "Transfer the caller to a human department or agent",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"destination": map[string]any{"type": "string"},
					"department":  map[string]any{"type": "string"},
					"reason":      map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        "end_call",
			Description: "End the call with the caller",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        "request_handoff",
			Description: "Escalate the call to a human agent",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}
