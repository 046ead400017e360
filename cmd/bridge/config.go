package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/config"
)

// AudioMode selects how inbound/outbound call audio is carried, per §6.
type AudioMode string

const (
	AudioModeWebSocket AudioMode = "websocket"
	AudioModeRTP       AudioMode = "rtp"
	AudioModeESL       AudioMode = "esl"
	AudioModeDual      AudioMode = "dual"
)

// BridgeConfig is the process-wide configuration read from the
// environment at startup, the 12-factor analog of a static config.yaml
// document.
type BridgeConfig struct {
	RealtimeHost string
	RealtimePort int
	AdminPort    int // serves /healthz, /readyz, /metrics

	ESLServerHost string // outbound-socket listener, bound to FreeSWITCH's "socket" dialplan app
	ESLServerPort int

	ESLHost     string // inbound connection, for API/originate commands
	ESLPort     int
	ESLPassword string

	AudioMode AudioMode

	MaxSessionsPerDomain int
	MaxTotalSessions     int

	ConfigPath     string // path to the static YAML tenant config document
	PostgresDSN    string // empty disables conversation persistence

	OpenAIAPIKey       string
	ElevenLabsAPIKey   string
	ElevenLabsAgentID  string
	GeminiAPIKey       string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string // {PUBLIC_URL} in §6's recording object URL

	OmniplayAPIURL string
	OmniplayAPIKey string

	HandoffKeywords []string
	DevTestNumber   string

	TransferDefaultTimeout time.Duration
	TransferMusicOnHold    string

	RateLimitPerMinute int

	LocalMediaIP string // UDP bind address used in rtp/dual audio modes

	// Pipeline* configure the custom STT+LLM+TTS adapter (provider "pipeline"
	// in §4.2), selected when a tenant's secretary config names it instead of
	// one of the three cloud realtime providers.
	PipelineSTT       string // "deepgram" | "whisper"
	PipelineLLM       string // "openai" | "anyllm"
	PipelineTTS       string // "elevenlabs" | "coqui"
	DeepgramAPIKey    string
	WhisperServerURL  string
	PipelineLLMModel  string
	PipelineLLMAPIKey string
	CoquiServerURL    string
}

// loadBridgeConfig reads and validates process configuration from the
// environment. An unknown AUDIO_MODE is a fatal configuration error (§6:
// "unknown AUDIO_MODE exits non-zero").
func loadBridgeConfig() (BridgeConfig, error) {
	cfg := BridgeConfig{
		RealtimeHost:  getenv("REALTIME_HOST", "0.0.0.0"),
		RealtimePort:  getenvInt("REALTIME_PORT", 8080),
		AdminPort:     getenvInt("ADMIN_PORT", 9090),
		ESLServerHost: getenv("ESL_SERVER_HOST", "0.0.0.0"),
		ESLServerPort: getenvInt("ESL_SERVER_PORT", 8084),
		ESLHost:       getenv("ESL_HOST", "127.0.0.1"),
		ESLPort:       getenvInt("ESL_PORT", 8021),
		ESLPassword:   os.Getenv("ESL_PASSWORD"),

		AudioMode: AudioMode(getenv("AUDIO_MODE", string(AudioModeDual))),

		MaxSessionsPerDomain: getenvInt("MAX_SESSIONS_PER_DOMAIN", 10),
		MaxTotalSessions:     getenvInt("MAX_TOTAL_SESSIONS", 100),

		ConfigPath:  getenv("BRIDGE_CONFIG_PATH", "config/tenants.yaml"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),

		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsAgentID: os.Getenv("ELEVENLABS_AGENT_ID"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getenv("MINIO_BUCKET", "bridge-recordings"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", true),
		MinioPublicURL: os.Getenv("MINIO_PUBLIC_URL"),

		OmniplayAPIURL: os.Getenv("OMNIPLAY_API_URL"),
		OmniplayAPIKey: os.Getenv("OMNIPLAY_API_KEY"),

		HandoffKeywords: config.ParseIntentKeywords(getenv("HANDOFF_KEYWORDS", "human,representative,agent")),
		DevTestNumber:   os.Getenv("DEV_TEST_NUMBER"),

		TransferDefaultTimeout: time.Duration(getenvInt("TRANSFER_DEFAULT_TIMEOUT", 20)) * time.Second,
		TransferMusicOnHold:    os.Getenv("TRANSFER_MUSIC_ON_HOLD"),

		RateLimitPerMinute: getenvInt("RATE_LIMIT_PER_MINUTE", 60),

		LocalMediaIP: getenv("LOCAL_MEDIA_IP", "0.0.0.0"),

		PipelineSTT:       getenv("PIPELINE_STT_PROVIDER", "deepgram"),
		PipelineLLM:       getenv("PIPELINE_LLM_PROVIDER", "anyllm"),
		PipelineTTS:       getenv("PIPELINE_TTS_PROVIDER", "elevenlabs"),
		DeepgramAPIKey:    os.Getenv("DEEPGRAM_API_KEY"),
		WhisperServerURL:  os.Getenv("WHISPER_SERVER_URL"),
		PipelineLLMModel:  getenv("PIPELINE_LLM_MODEL", "gpt-4o-mini"),
		PipelineLLMAPIKey: os.Getenv("PIPELINE_LLM_API_KEY"),
		CoquiServerURL:    os.Getenv("COQUI_SERVER_URL"),
	}

	switch cfg.AudioMode {
	case AudioModeWebSocket, AudioModeRTP, AudioModeESL, AudioModeDual:
	default:
		return BridgeConfig{}, fmt.Errorf("bridge: unknown AUDIO_MODE %q (want one of websocket, rtp, esl, dual)", cfg.AudioMode)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
