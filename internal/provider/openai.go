package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Compile-time assertion that OpenAIAdapter satisfies Adapter.
var _ Adapter = (*OpenAIAdapter)(nil)

const (
	openAIDefaultBaseURL = "wss://api.openai.com/v1/realtime"
	openAISampleRate     = 24000

	// openAISessionCeiling is the provider-imposed hard session length; an
	// expiry-warning event is synthesised at openAIExpiryWarning before it.
	openAISessionCeiling = 60 * time.Minute
	openAIExpiryWarning  = 60 * time.Second
)

// openAIBenignErrorCodes are suppressed rather than surfaced as Event
// errors, per the common adapter contract's tolerance for expected races
// (e.g. cancelling a response that already finished).
var openAIBenignErrorCodes = map[string]bool{
	"response_cancel_not_active":             true,
	"conversation_already_has_active_response": true,
}

// OpenAIAdapter implements Adapter for the OpenAI Realtime API.
type OpenAIAdapter struct {
	apiKey  string
	model   string
	baseURL string

	conn   *websocket.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	connectedAt time.Time

	currentAssistantText string
	closeOnce            sync.Once
}

// NewOpenAIAdapter creates an adapter for the given API key and model.
func NewOpenAIAdapter(apiKey, model string) *OpenAIAdapter {
	if model == "" {
		model = "gpt-4o-realtime-preview"
	}
	return &OpenAIAdapter{
		apiKey:  apiKey,
		model:   model,
		baseURL: openAIDefaultBaseURL,
		events:  make(chan Event, 64),
	}
}

func (a *OpenAIAdapter) InputSampleRate() int  { return openAISampleRate }
func (a *OpenAIAdapter) OutputSampleRate() int { return openAISampleRate }

// Connect dials the Realtime WebSocket and waits for session.created.
func (a *OpenAIAdapter) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s?model=%s", a.baseURL, a.model)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai: dial: %w", err)
	}
	a.conn = conn

	sessCtx, cancel := context.WithCancel(context.Background())
	a.ctx = sessCtx
	a.cancel = cancel

	// Wait for session.created before proceeding.
	if err := a.waitForType(ctx, "session.created"); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "no session.created")
		return fmt.Errorf("openai: waiting for session.created: %w", err)
	}

	a.connectedAt = time.Now()
	go a.receiveLoop()
	go a.expiryWatchdog()
	return nil
}

// waitForType blocks until a message of the given type arrives or ctx
// expires. Used only during the initial handshake, before receiveLoop
// starts.
func (a *OpenAIAdapter) waitForType(ctx context.Context, typ string) error {
	for {
		_, data, err := a.conn.Read(ctx)
		if err != nil {
			return err
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Type == typ {
			return nil
		}
	}
}

type oaiTurnDetection struct {
	Type               string  `json:"type"`
	Threshold          float64 `json:"threshold,omitempty"`
	PrefixPaddingMs    int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs  int     `json:"silence_duration_ms,omitempty"`
	Eagerness          string  `json:"eagerness,omitempty"`
}

type oaiSessionUpdate struct {
	Type    string         `json:"type"`
	Session oaiSessionBody `json:"session"`
}

type oaiSessionBody struct {
	Modalities              []string          `json:"modalities"`
	Instructions            string            `json:"instructions,omitempty"`
	Voice                   string            `json:"voice,omitempty"`
	InputAudioFormat        string            `json:"input_audio_format"`
	OutputAudioFormat       string            `json:"output_audio_format"`
	InputAudioTranscription map[string]string `json:"input_audio_transcription,omitempty"`
	TurnDetection           *oaiTurnDetection `json:"turn_detection"`
	Tools                   []oaiTool         `json:"tools,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Configure sends session.update with the normalised Config translated to
// the Realtime API's turn-detection/voice/tools shape.
func (a *OpenAIAdapter) Configure(ctx context.Context, cfg Config) error {
	body := oaiSessionBody{
		Modalities:        []string{"audio", "text"},
		Instructions:      cfg.Instructions,
		Voice:             cfg.VoiceID,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}

	switch cfg.TurnDetection.Mode {
	case VADPushToTalk:
		body.TurnDetection = nil
	case VADSemantic:
		eagerness := "medium"
		switch cfg.TurnDetection.Eagerness {
		case EagernessLow:
			eagerness = "low"
		case EagernessHigh:
			eagerness = "high"
		}
		body.TurnDetection = &oaiTurnDetection{Type: "semantic_vad", Eagerness: eagerness}
	default:
		body.InputAudioTranscription = map[string]string{"model": "whisper-1"}
		body.TurnDetection = &oaiTurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMs:   cfg.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: cfg.TurnDetection.SilenceDurationMs,
		}
	}

	if cfg.TurnDetection.Mode != VADPushToTalk {
		body.InputAudioTranscription = map[string]string{"model": "whisper-1"}
	}

	for _, t := range cfg.Tools {
		body.Tools = append(body.Tools, oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	return a.writeJSON(oaiSessionUpdate{Type: "session.update", Session: body})
}

func (a *OpenAIAdapter) writeJSON(v any) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return a.conn.Write(a.ctx, websocket.MessageText, data)
}

// SendAudio appends a PCM16 chunk to the input buffer.
func (a *OpenAIAdapter) SendAudio(pcm []byte) error {
	return a.writeJSON(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText injects an assistant-role message and triggers a response.
func (a *OpenAIAdapter) SendText(text string) error {
	if err := a.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return a.writeJSON(map[string]string{"type": "response.create"})
}

// Interrupt cancels the current in-flight response.
func (a *OpenAIAdapter) Interrupt() error {
	return a.writeJSON(map[string]string{"type": "response.cancel"})
}

// SendFunctionResult returns a tool's output and triggers the next turn.
func (a *OpenAIAdapter) SendFunctionResult(name, result, callID string) error {
	if err := a.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]string{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  result,
		},
	}); err != nil {
		return err
	}
	return a.writeJSON(map[string]string{"type": "response.create"})
}

func (a *OpenAIAdapter) Events() <-chan Event { return a.events }

type oaiServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Response   *struct {
		Status string `json:"status"`
	} `json:"response,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *OpenAIAdapter) receiveLoop() {
	defer a.closeEvents()

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.emit(Event{Type: EventSessionEnded, Reason: "closed"})
			return
		}

		var evt oaiServerEvent
		if json.Unmarshal(data, &evt) != nil {
			continue // parse error: drop the event, keep going
		}
		a.handle(&evt)
	}
}

func (a *OpenAIAdapter) handle(evt *oaiServerEvent) {
	switch evt.Type {
	case "response.created":
		a.mu.Lock()
		a.currentAssistantText = ""
		a.mu.Unlock()
		a.emit(Event{Type: EventResponseStarted})

	case "response.output_audio.delta", "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		a.emit(Event{Type: EventAudioDelta, Audio: pcm})

	case "response.output_audio.done", "response.audio.done":
		a.emit(Event{Type: EventAudioDone})

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		a.emit(Event{Type: EventTranscriptDelta, Text: evt.Delta})

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		a.emit(Event{Type: EventTranscriptDone, Text: evt.Transcript})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		a.emit(Event{Type: EventUserTranscript, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		a.emit(Event{Type: EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		a.emit(Event{Type: EventSpeechStopped})

	case "response.done":
		status := ""
		if evt.Response != nil {
			status = evt.Response.Status
		}
		a.emit(Event{Type: EventResponseDone, Status: status})

	case "response.function_call_arguments.done":
		a.emit(Event{
			Type:         EventFunctionCall,
			FunctionName: evt.Name,
			FunctionArgs: evt.Arguments,
			CallID:       evt.CallID,
		})

	case "error":
		if evt.Error == nil {
			return
		}
		if openAIBenignErrorCodes[evt.Error.Code] {
			return
		}
		a.emit(Event{Type: EventError, Code: evt.Error.Code, Message: evt.Error.Message})
	}
}

// expiryWatchdog emits session_ended with reason "session_expiring" 60 s
// ahead of the provider's 60-minute session ceiling. The session handles
// it like any other fatal provider event: it reconnects through its
// fallback list when one is configured, and otherwise stops.
func (a *OpenAIAdapter) expiryWatchdog() {
	warnAt := openAISessionCeiling - openAIExpiryWarning
	timer := time.NewTimer(warnAt)
	defer timer.Stop()

	select {
	case <-a.ctx.Done():
		return
	case <-timer.C:
		a.emit(Event{Type: EventSessionEnded, Reason: "session_expiring"})
	}
}

func (a *OpenAIAdapter) emit(e Event) {
	select {
	case a.events <- e:
	case <-a.ctx.Done():
	}
}

func (a *OpenAIAdapter) closeEvents() {
	a.closeOnce.Do(func() { close(a.events) })
}

// Disconnect tears down the WebSocket. Idempotent.
func (a *OpenAIAdapter) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	if a.conn != nil {
		a.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}
