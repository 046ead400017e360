package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Compile-time assertion that GeminiAdapter satisfies Adapter.
var _ Adapter = (*GeminiAdapter)(nil)

const (
	geminiDefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	geminiInputRate      = 16000
	geminiOutputRate     = 24000
	geminiSetupTimeout   = 10 * time.Second
)

// GeminiAdapter implements Adapter for Google's Gemini Live API.
type GeminiAdapter struct {
	apiKey  string
	model   string
	baseURL string

	conn   *websocket.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewGeminiAdapter creates an adapter for the given model.
func NewGeminiAdapter(apiKey, model string) *GeminiAdapter {
	if model == "" {
		model = "gemini-2.0-flash-live-001"
	}
	return &GeminiAdapter{
		apiKey:  apiKey,
		model:   model,
		baseURL: geminiDefaultBaseURL,
		events:  make(chan Event, 64),
	}
}

func (a *GeminiAdapter) InputSampleRate() int  { return geminiInputRate }
func (a *GeminiAdapter) OutputSampleRate() int { return geminiOutputRate }

// Connect dials the BidiGenerateContent WebSocket; Configure then sends the
// setup message and waits for setupComplete.
func (a *GeminiAdapter) Connect(ctx context.Context) error {
	url := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		a.baseURL, a.apiKey,
	)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("gemini: dial: %w", err)
	}
	a.conn = conn
	sessCtx, cancel := context.WithCancel(context.Background())
	a.ctx = sessCtx
	a.cancel = cancel
	return nil
}

type geminiSetupMessage struct {
	Setup geminiSetupConfig `json:"setup"`
}

type geminiSetupConfig struct {
	Model             string                `json:"model"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	SystemInstruction *geminiSystemInstr     `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecl       `json:"tools,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities"`
	SpeechConfig       *geminiSpeechCfg   `json:"speechConfig,omitempty"`
	Temperature        float64            `json:"temperature,omitempty"`
	MaxOutputTokens    int                `json:"maxOutputTokens,omitempty"`
}

type geminiSpeechCfg struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type geminiSystemInstr struct {
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiToolDecl struct {
	FunctionDeclarations []struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"functionDeclarations"`
}

// Configure sends the setup message and blocks until setupComplete arrives
// or geminiSetupTimeout elapses.
func (a *GeminiAdapter) Configure(ctx context.Context, cfg Config) error {
	msg := geminiSetupMessage{
		Setup: geminiSetupConfig{
			Model: "models/" + a.model,
			GenerationConfig: geminiGenerationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &geminiSystemInstr{
			Parts: []struct {
				Text string `json:"text"`
			}{{Text: cfg.Instructions}},
		}
	}
	if cfg.VoiceID != "" {
		sc := &geminiSpeechCfg{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.VoiceID
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}
	if len(cfg.Tools) > 0 {
		decl := geminiToolDecl{}
		for _, t := range cfg.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, struct {
				Name        string         `json:"name"`
				Description string         `json:"description,omitempty"`
				Parameters  map[string]any `json:"parameters,omitempty"`
			}{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		msg.Setup.Tools = []geminiToolDecl{decl}
	}

	if err := a.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: sending setup: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, geminiSetupTimeout)
	defer cancel()
	if err := a.waitSetupComplete(setupCtx); err != nil {
		return fmt.Errorf("gemini: waiting for setupComplete: %w", err)
	}

	go a.receiveLoop()
	return nil
}

func (a *GeminiAdapter) waitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := a.conn.Read(ctx)
		if err != nil {
			return err
		}
		var probe struct {
			SetupComplete json.RawMessage `json:"setupComplete"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.SetupComplete != nil {
			return nil
		}
	}
}

func (a *GeminiAdapter) writeJSON(ctx context.Context, v any) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return a.conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio forwards a realtimeInput.audio message with PCM16 @16kHz.
func (a *GeminiAdapter) SendAudio(pcm []byte) error {
	return a.writeJSON(a.ctx, map[string]any{
		"realtimeInput": map[string]any{
			"audio": map[string]string{
				"mimeType": "audio/pcm;rate=16000",
				"data":     base64.StdEncoding.EncodeToString(pcm),
			},
		},
	})
}

// SendText injects a clientContent turn with an assistant/model role.
func (a *GeminiAdapter) SendText(text string) error {
	return a.writeJSON(a.ctx, map[string]any{
		"clientContent": map[string]any{
			"turns": []map[string]any{
				{"role": "model", "parts": []map[string]string{{"text": text}}},
			},
			"turnComplete": true,
		},
	})
}

// Interrupt ends the current activity via realtimeInput.activityEnd.
func (a *GeminiAdapter) Interrupt() error {
	return a.writeJSON(a.ctx, map[string]any{
		"realtimeInput": map[string]any{"activityEnd": map[string]any{}},
	})
}

// SendFunctionResult returns a toolResponse.functionResponses entry.
func (a *GeminiAdapter) SendFunctionResult(name, result, callID string) error {
	var respObj map[string]any
	if json.Unmarshal([]byte(result), &respObj) != nil {
		respObj = map[string]any{"output": result}
	}
	return a.writeJSON(a.ctx, map[string]any{
		"toolResponse": map[string]any{
			"functionResponses": []map[string]any{
				{"id": callID, "name": name, "response": respObj},
			},
		},
	})
}

func (a *GeminiAdapter) Events() <-chan Event { return a.events }

type geminiServerMessage struct {
	ServerContent *struct {
		ModelTurn *struct {
			Parts []struct {
				Text       string `json:"text,omitempty"`
				InlineData *struct {
					MIMEType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData,omitempty"`
			} `json:"parts"`
		} `json:"modelTurn,omitempty"`
		TurnComplete        bool `json:"turnComplete,omitempty"`
		Interrupted         bool `json:"interrupted,omitempty"`
		InputTranscription  *struct {
			Text string `json:"text"`
		} `json:"inputTranscription,omitempty"`
	} `json:"serverContent,omitempty"`
	ToolCall *struct {
		FunctionCalls []struct {
			ID   string         `json:"id"`
			Name string         `json:"name"`
			Args map[string]any `json:"args"`
		} `json:"functionCalls"`
	} `json:"toolCall,omitempty"`
	GoAway *struct {
		TimeLeft string `json:"timeLeft,omitempty"`
	} `json:"goAway,omitempty"`
}

func (a *GeminiAdapter) receiveLoop() {
	defer a.closeOnce.Do(func() { close(a.events) })

	a.emit(Event{Type: EventResponseStarted})
	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.emit(Event{Type: EventSessionEnded, Reason: "closed"})
			return
		}

		var msg geminiServerMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		a.handle(&msg)
	}
}

func (a *GeminiAdapter) handle(msg *geminiServerMessage) {
	if msg.GoAway != nil {
		a.emit(Event{Type: EventSessionEnded, Reason: "goAway"})
		return
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			argsJSON, _ := json.Marshal(fc.Args)
			a.emit(Event{Type: EventFunctionCall, FunctionName: fc.Name, FunctionArgs: string(argsJSON), CallID: fc.ID})
		}
	}
	if msg.ServerContent == nil {
		return
	}
	sc := msg.ServerContent
	if sc.Interrupted {
		a.emit(Event{Type: EventSpeechStarted})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		a.emit(Event{Type: EventUserTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err == nil && len(pcm) > 0 {
					a.emit(Event{Type: EventAudioDelta, Audio: pcm})
				}
			}
			if p.Text != "" {
				a.emit(Event{Type: EventTranscriptDelta, Text: p.Text})
			}
		}
	}
	if sc.TurnComplete {
		a.emit(Event{Type: EventAudioDone})
		a.emit(Event{Type: EventTranscriptDone})
		a.emit(Event{Type: EventResponseDone, Status: "completed"})
		a.emit(Event{Type: EventResponseStarted})
	}
}

func (a *GeminiAdapter) emit(e Event) {
	select {
	case a.events <- e:
	case <-a.ctx.Done():
	}
}

// Disconnect tears down the WebSocket. Idempotent.
func (a *GeminiAdapter) Disconnect() error {
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
