package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Compile-time assertion that ElevenLabsAdapter satisfies Adapter.
var _ Adapter = (*ElevenLabsAdapter)(nil)

const (
	elevenLabsDefaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"
	elevenLabsSampleRate     = 16000
)

// ElevenLabsAdapter implements Adapter for ElevenLabs Conversational AI.
type ElevenLabsAdapter struct {
	apiKey  string
	agentID string
	baseURL string

	conn   *websocket.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewElevenLabsAdapter creates an adapter for the given agent.
func NewElevenLabsAdapter(apiKey, agentID string) *ElevenLabsAdapter {
	return &ElevenLabsAdapter{
		apiKey:  apiKey,
		agentID: agentID,
		baseURL: elevenLabsDefaultBaseURL,
		events:  make(chan Event, 64),
	}
}

func (a *ElevenLabsAdapter) InputSampleRate() int  { return elevenLabsSampleRate }
func (a *ElevenLabsAdapter) OutputSampleRate() int { return elevenLabsSampleRate }

// Connect dials the conversation WebSocket and requires the first inbound
// message to be conversation_initiation_metadata, per spec §4.2.
func (a *ElevenLabsAdapter) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s?agent_id=%s", a.baseURL, a.agentID)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{a.apiKey}},
	})
	if err != nil {
		return fmt.Errorf("elevenlabs: dial: %w", err)
	}
	a.conn = conn

	sessCtx, cancel := context.WithCancel(context.Background())
	a.ctx = sessCtx
	a.cancel = cancel

	_, data, err := conn.Read(ctx)
	if err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("elevenlabs: reading initiation metadata: %w", err)
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &envelope) != nil || envelope.Type != "conversation_initiation_metadata" {
		cancel()
		conn.Close(websocket.StatusProtocolError, "unexpected first message")
		return fmt.Errorf("elevenlabs: expected conversation_initiation_metadata, got %q", envelope.Type)
	}

	go a.receiveLoop()
	return nil
}

type elevenLabsConfigOverride struct {
	Type                      string `json:"type"`
	ConversationConfigOverride struct {
		Agent struct {
			Prompt struct {
				Prompt string `json:"prompt,omitempty"`
			} `json:"prompt"`
			FirstMessage string `json:"first_message,omitempty"`
			Language     string `json:"language,omitempty"`
		} `json:"agent"`
		TTS struct {
			VoiceID string `json:"voice_id,omitempty"`
		} `json:"tts"`
	} `json:"conversation_config_override"`
}

// Configure sends conversation_config_override with prompt, first message,
// voice, and language.
func (a *ElevenLabsAdapter) Configure(ctx context.Context, cfg Config) error {
	var msg elevenLabsConfigOverride
	msg.Type = "conversation_initiation_client_data"
	msg.ConversationConfigOverride.Agent.Prompt.Prompt = cfg.Instructions
	msg.ConversationConfigOverride.Agent.FirstMessage = cfg.Greeting
	msg.ConversationConfigOverride.Agent.Language = cfg.LanguageTag
	msg.ConversationConfigOverride.TTS.VoiceID = cfg.VoiceID
	return a.writeJSON(msg)
}

func (a *ElevenLabsAdapter) writeJSON(v any) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	return a.conn.Write(a.ctx, websocket.MessageText, data)
}

// SendAudio forwards base64 PCM16 @16kHz audio.
func (a *ElevenLabsAdapter) SendAudio(pcm []byte) error {
	return a.writeJSON(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText sends text as a Convai user_message, a user-role turn, unlike
// the OpenAI and Gemini adapters, which inject it as assistant speech.
func (a *ElevenLabsAdapter) SendText(text string) error {
	return a.writeJSON(map[string]any{
		"type": "user_message",
		"text": text,
	})
}

// Interrupt has no dedicated Convai message; the protocol relies on the
// agent detecting interruption from the inbound audio stream itself.
func (a *ElevenLabsAdapter) Interrupt() error {
	return ErrUnsupported
}

// SendFunctionResult returns a client_tool_result for a prior tool_use call.
func (a *ElevenLabsAdapter) SendFunctionResult(name, result, callID string) error {
	return a.writeJSON(map[string]any{
		"type": "client_tool_result",
		"tool_call_id": callID,
		"result":       result,
	})
}

func (a *ElevenLabsAdapter) Events() <-chan Event { return a.events }

type elevenLabsServerMessage struct {
	Type          string `json:"type"`
	AudioEvent    *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	ClientToolCallEvent *struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call,omitempty"`
}

func (a *ElevenLabsAdapter) receiveLoop() {
	defer a.closeOnce.Do(func() { close(a.events) })

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.emit(Event{Type: EventSessionEnded, Reason: "closed"})
			return
		}

		var msg elevenLabsServerMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		a.handle(&msg)
	}
}

func (a *ElevenLabsAdapter) handle(msg *elevenLabsServerMessage) {
	switch msg.Type {
	case "audio":
		if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil || len(pcm) == 0 {
			return
		}
		a.emit(Event{Type: EventAudioDelta, Audio: pcm})

	case "agent_response":
		if msg.AgentResponseEvent == nil {
			return
		}
		a.emit(Event{Type: EventTranscriptDone, Text: msg.AgentResponseEvent.AgentResponse})

	case "agent_response_started":
		a.emit(Event{Type: EventResponseStarted})

	case "agent_response_done":
		a.emit(Event{Type: EventAudioDone})
		a.emit(Event{Type: EventResponseDone, Status: "completed"})

	case "user_transcript":
		if msg.UserTranscriptionEvent == nil {
			return
		}
		a.emit(Event{Type: EventUserTranscript, Text: msg.UserTranscriptionEvent.UserTranscript})

	case "interruption":
		a.emit(Event{Type: EventSpeechStarted})

	case "tool_use":
		if msg.ClientToolCallEvent == nil {
			return
		}
		argsJSON, _ := json.Marshal(msg.ClientToolCallEvent.Parameters)
		a.emit(Event{
			Type:         EventFunctionCall,
			FunctionName: msg.ClientToolCallEvent.ToolName,
			FunctionArgs: string(argsJSON),
			CallID:       msg.ClientToolCallEvent.ToolCallID,
		})

	case "conversation_ended":
		a.emit(Event{Type: EventSessionEnded, Reason: "conversation_ended"})

	case "error":
		a.emit(Event{Type: EventError, Message: "elevenlabs: protocol error"})
	}
}

func (a *ElevenLabsAdapter) emit(e Event) {
	select {
	case a.events <- e:
	case <-a.ctx.Done():
	}
}

// Disconnect tears down the WebSocket. Idempotent.
func (a *ElevenLabsAdapter) Disconnect() error {
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
