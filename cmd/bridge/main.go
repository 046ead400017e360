// Command bridge is the process entry point for the realtime voice-AI
// telephony bridge: it wires the ESL outbound relay, the WebSocket media
// server, the session manager, and their supporting config/provider/
// store/metrics collaborators, then serves until signalled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/tenvoicebridge/realtime-bridge/internal/callsession"
	"github.com/tenvoicebridge/realtime-bridge/internal/config"
	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
	"github.com/tenvoicebridge/realtime-bridge/internal/eslrelay"
	"github.com/tenvoicebridge/realtime-bridge/internal/handoff"
	"github.com/tenvoicebridge/realtime-bridge/internal/health"
	"github.com/tenvoicebridge/realtime-bridge/internal/metrics"
	"github.com/tenvoicebridge/realtime-bridge/internal/provider"
	"github.com/tenvoicebridge/realtime-bridge/internal/resilience"
	"github.com/tenvoicebridge/realtime-bridge/internal/store"
	"github.com/tenvoicebridge/realtime-bridge/internal/transfer"
	"github.com/tenvoicebridge/realtime-bridge/internal/wsmedia"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/llm"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/llm/anyllm"
	openaillm "github.com/tenvoicebridge/realtime-bridge/pkg/provider/llm/openai"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/stt"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/stt/deepgram"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/stt/whisper"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/tts"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/tts/coqui"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/tts/elevenlabs"
	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadBridgeConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return 1
	}

	slog.Info("bridge starting",
		"audio_mode", cfg.AudioMode,
		"realtime_addr", fmt.Sprintf("%s:%d", cfg.RealtimeHost, cfg.RealtimePort),
		"esl_server_addr", fmt.Sprintf("%s:%d", cfg.ESLServerHost, cfg.ESLServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("bridge ready — press Ctrl+C to shut down")

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		app.Shutdown(context.Background())
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// application owns every long-running collaborator and the order they
// must be torn down in, following a closers-in-reverse-order shutdown
// lifecycle.
type application struct {
	cfg BridgeConfig

	metricsShutdown func(context.Context) error
	sessionMgr      *callsession.Manager
	inbound         *esl.InboundClient
	convStore       *store.Store

	mediaSrv  *wsmedia.Server
	relaySrv  *eslrelay.Server
	adminSrv  *http.Server

	closers []func(context.Context) error
}

func newApplication(ctx context.Context, cfg BridgeConfig) (*application, error) {
	app := &application{cfg: cfg}

	metricsShutdown, err := metrics.InitProvider(ctx, metrics.ProviderConfig{
		ServiceName:    "realtime-bridge",
		ServiceVersion: "dev",
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: init metrics provider: %w", err)
	}
	app.metricsShutdown = metricsShutdown
	app.addCloser(func(context.Context) error { return metricsShutdown(context.Background()) })

	m, err := metrics.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("bridge: new metrics: %w", err)
	}
	rateLimiter := metrics.NewRateLimiter(metrics.RateLimiterConfig{
		Limit:  cfg.RateLimitPerMinute,
		Window: time.Minute,
	})

	configStore, err := config.LoadYAMLStore(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("bridge: load config store: %w", err)
	}
	configCache := config.NewCache(configStore)

	factory := buildProviderFactory(cfg)

	var sessionStore callsession.Store
	if cfg.PostgresDSN != "" {
		convStore, err := store.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("bridge: connect conversation store: %w", err)
		}
		app.convStore = convStore
		sessionStore = convStore
		app.addCloser(func(context.Context) error { convStore.Close(); return nil })
	} else {
		slog.Warn("bridge: POSTGRES_DSN not set — conversation persistence disabled")
	}

	transferMgr := transfer.NewManager(configCache,
		transfer.WithAcceptTimeout(cfg.TransferDefaultTimeout),
	)

	var orchestrator handoff.AgentOrchestrator
	if cfg.OmniplayAPIURL != "" {
		orchestrator = handoff.NewHTTPOrchestrator(cfg.OmniplayAPIURL, cfg.OmniplayAPIKey)
	}
	handoffOpts := []handoff.Option{}
	if cfg.MinioEndpoint != "" {
		recorder, err := handoff.NewHTTPRecorder(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioPublicURL, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("bridge: new recording uploader: %w", err)
		}
		handoffOpts = append(handoffOpts, handoff.WithRecorder(recorder))
	} else {
		slog.Warn("bridge: MINIO_ENDPOINT not set — recording upload on handoff disabled")
	}
	handoffMgr := handoff.NewManager(configCache, orchestrator, handoffOpts...)

	inbound, err := esl.Dial(ctx, esl.InboundConfig{
		Addr:     fmt.Sprintf("%s:%d", cfg.ESLHost, cfg.ESLPort),
		Password: cfg.ESLPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: dial inbound ESL: %w", err)
	}
	app.inbound = inbound
	app.addCloser(func(context.Context) error { return inbound.Close() })

	sessionOpts := []callsession.Option{
		callsession.WithTenantCap(cfg.MaxSessionsPerDomain),
		callsession.WithGlobalCap(cfg.MaxTotalSessions),
		callsession.WithTransferManager(transferMgr),
		callsession.WithHandoffManager(handoffMgr),
		callsession.WithInboundClient(inbound),
		callsession.WithMetrics(m),
		callsession.WithRateLimiter(rateLimiter),
	}
	if sessionStore != nil {
		sessionOpts = append(sessionOpts, callsession.WithStore(sessionStore))
	}
	sessionMgr := callsession.NewManager(configCache, factory, sessionOpts...)
	app.sessionMgr = sessionMgr

	mediaSrv := wsmedia.NewServer(wsmedia.ServerConfig{
		Addr: fmt.Sprintf("%s:%d", cfg.RealtimeHost, cfg.RealtimePort),
	}, sessionMgr)
	app.mediaSrv = mediaSrv

	dispatcher := newSessionCreatingDispatcher(sessionMgr, selectDispatcher(cfg, sessionMgr))
	relaySrv := eslrelay.NewServer(eslrelay.ServerConfig{
		Addr: fmt.Sprintf("%s:%d", cfg.ESLServerHost, cfg.ESLServerPort),
	}, dispatcher)
	app.relaySrv = relaySrv
	app.addCloser(func(context.Context) error { return relaySrv.Close() })

	healthHandler := health.New(
		health.Checker{Name: "esl_inbound", Check: func(ctx context.Context) error {
			_, err := inbound.ExecuteAPI(ctx, "status")
			return err
		}},
		health.Checker{Name: "config_store", Check: func(ctx context.Context) error {
			_, err := configCache.Secretary(ctx, "healthcheck", "healthcheck")
			if config.IsNotFound(err) {
				return nil
			}
			return err
		}},
	)
	adminMux := http.NewServeMux()
	healthHandler.Register(adminMux)
	adminMux.Handle("/metrics", metrics.Middleware(m)(promhttp.Handler()))
	app.adminSrv = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.RealtimeHost, cfg.AdminPort), Handler: adminMux}
	app.addCloser(func(ctx context.Context) error { return app.adminSrv.Shutdown(ctx) })

	return app, nil
}

func (a *application) addCloser(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Run blocks serving the media server, the ESL relay, and the admin HTTP
// server until one exits or ctx is cancelled.
func (a *application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.mediaSrv.Serve(gctx) })
	g.Go(func() error { return a.relaySrv.Serve(gctx) })
	g.Go(func() error {
		err := a.adminSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	<-gctx.Done()
	return g.Wait()
}

// Shutdown closes every collaborator in reverse registration order, best
// effort: a single failing closer does not prevent the rest from running.
func (a *application) Shutdown(ctx context.Context) error {
	a.sessionMgr.StopAll(ctx, "shutdown")

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// selectDispatcher builds the eslrelay.Dispatcher matching cfg.AudioMode.
// "esl" mode relays events only, same as "dual" from the dispatcher's
// point of view — the distinction between esl/dual/websocket audio modes
// is in how the session layer sources audio, not in event relaying, so
// both map to the dual-mode (event-only) dispatcher.
func selectDispatcher(cfg BridgeConfig, sessionMgr *callsession.Manager) eslrelay.Dispatcher {
	switch cfg.AudioMode {
	case AudioModeRTP:
		return eslrelay.NewRTPModeDispatcher(sessionMgr, cfg.LocalMediaIP, eslrelay.JitterConfig{})
	default:
		return eslrelay.NewDualModeDispatcher(sessionMgr)
	}
}

// sessionCreatingDispatcher adapts a callsession.Manager and an inner
// eslrelay.Dispatcher into a single Dispatcher: the session must exist
// before any event reaches it, so this wrapper calls Manager.Create on
// accept (reusing a session the media WebSocket already created for the
// same call) and only then hands the call to the wrapped event/media relay.
type sessionCreatingDispatcher struct {
	sessionMgr *callsession.Manager
	inner      eslrelay.Dispatcher
}

func newSessionCreatingDispatcher(sessionMgr *callsession.Manager, inner eslrelay.Dispatcher) *sessionCreatingDispatcher {
	return &sessionCreatingDispatcher{sessionMgr: sessionMgr, inner: inner}
}

func (d *sessionCreatingDispatcher) Dispatch(ctx context.Context, call eslrelay.CallContext) {
	if _, err := d.sessionMgr.Create(ctx, call.TenantID, call.CallUUID, call.SecretaryID, call.CallerID); err != nil && !errors.Is(err, callsession.ErrDuplicateCall) {
		slog.Warn("bridge: rejecting call", "call", call.CallUUID, "tenant", call.TenantID, "err", err)
		call.Adapter.Close()
		return
	}
	d.inner.Dispatch(ctx, call)
}

// buildProviderFactory closes over the process-level provider API keys
// (§6: "provider API keys per provider") since provider.Factory carries
// no tenant/request context to source them from per call.
func buildProviderFactory(cfg BridgeConfig) provider.Factory {
	return func(name provider.Name) (provider.Adapter, error) {
		switch name {
		case provider.NameOpenAI:
			if cfg.OpenAIAPIKey == "" {
				return nil, fmt.Errorf("bridge: provider %q not configured: OPENAI_API_KEY unset", name)
			}
			return provider.NewOpenAIAdapter(cfg.OpenAIAPIKey, "gpt-4o-realtime-preview"), nil
		case provider.NameElevenLabs:
			if cfg.ElevenLabsAPIKey == "" {
				return nil, fmt.Errorf("bridge: provider %q not configured: ELEVENLABS_API_KEY unset", name)
			}
			return provider.NewElevenLabsAdapter(cfg.ElevenLabsAPIKey, cfg.ElevenLabsAgentID), nil
		case provider.NameGemini:
			if cfg.GeminiAPIKey == "" {
				return nil, fmt.Errorf("bridge: provider %q not configured: GEMINI_API_KEY unset", name)
			}
			return provider.NewGeminiAdapter(cfg.GeminiAPIKey, "gemini-2.0-flash-exp"), nil
		case provider.NamePipeline:
			return buildPipelineAdapter(cfg)
		default:
			return nil, fmt.Errorf("bridge: unknown provider %q", name)
		}
	}
}

// buildPipelineAdapter wires the custom STT+LLM+TTS pipeline (§4.2 "Custom
// pipeline") from whichever concrete component backends the deployment
// selected via PIPELINE_*_PROVIDER. VAD has no cloud backend in this stack —
// it always runs the dependency-free energy-based detector.
func buildPipelineAdapter(cfg BridgeConfig) (provider.Adapter, error) {
	sttProv, err := buildSTTProvider(cfg)
	if err != nil {
		return nil, err
	}
	llmProv, err := buildLLMProvider(cfg)
	if err != nil {
		return nil, err
	}
	ttsProv, err := buildTTSProvider(cfg)
	if err != nil {
		return nil, err
	}
	return provider.NewPipelineAdapter(energy.New(), sttProv, llmProv, ttsProv), nil
}

// buildSTTProvider builds the configured primary STT backend and, when the
// credentials for the other known backend are also present, wraps it in a
// [resilience.STTFallback] so a transient outage of the primary (deepgram's
// hosted endpoint, typically) fails over to the self-hosted whisper server
// rather than ending every in-flight pipeline call.
func buildSTTProvider(cfg BridgeConfig) (stt.Provider, error) {
	newWhisper := func() (stt.Provider, error) {
		if cfg.WhisperServerURL == "" {
			return nil, fmt.Errorf("bridge: pipeline stt %q not configured: WHISPER_SERVER_URL unset", "whisper")
		}
		return whisper.New(cfg.WhisperServerURL)
	}
	newDeepgram := func() (stt.Provider, error) {
		if cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("bridge: pipeline stt %q not configured: DEEPGRAM_API_KEY unset", "deepgram")
		}
		return deepgram.New(cfg.DeepgramAPIKey)
	}

	switch cfg.PipelineSTT {
	case "whisper":
		primary, err := newWhisper()
		if err != nil {
			return nil, err
		}
		if cfg.DeepgramAPIKey == "" {
			return primary, nil
		}
		fallback, err := newDeepgram()
		if err != nil {
			return primary, nil
		}
		fb := resilience.NewSTTFallback(primary, "whisper", resilience.FallbackConfig{})
		fb.AddFallback("deepgram", fallback)
		return fb, nil
	case "deepgram", "":
		primary, err := newDeepgram()
		if err != nil {
			return nil, err
		}
		if cfg.WhisperServerURL == "" {
			return primary, nil
		}
		fallback, err := newWhisper()
		if err != nil {
			return primary, nil
		}
		fb := resilience.NewSTTFallback(primary, "deepgram", resilience.FallbackConfig{})
		fb.AddFallback("whisper", fallback)
		return fb, nil
	default:
		return nil, fmt.Errorf("bridge: unknown pipeline stt provider %q", cfg.PipelineSTT)
	}
}

// buildLLMProvider mirrors [buildSTTProvider]'s auto-fallback wiring for the
// two LLM backends: any-llm-go's multi-provider client and a direct OpenAI
// chat-completions client.
func buildLLMProvider(cfg BridgeConfig) (llm.Provider, error) {
	newAnyLLM := func() (llm.Provider, error) {
		if cfg.PipelineLLMAPIKey != "" {
			return anyllm.NewOpenAI(cfg.PipelineLLMModel, anyllmlib.WithAPIKey(cfg.PipelineLLMAPIKey))
		}
		return anyllm.NewOpenAI(cfg.PipelineLLMModel)
	}
	newDirectOpenAI := func() (llm.Provider, error) {
		if cfg.PipelineLLMAPIKey == "" {
			return nil, fmt.Errorf("bridge: pipeline llm %q not configured: PIPELINE_LLM_API_KEY unset", "openai")
		}
		return openaillm.New(cfg.PipelineLLMAPIKey, cfg.PipelineLLMModel)
	}

	switch cfg.PipelineLLM {
	case "anyllm", "":
		primary, err := newAnyLLM()
		if err != nil {
			return nil, err
		}
		if cfg.PipelineLLMAPIKey == "" {
			return primary, nil
		}
		fallback, err := newDirectOpenAI()
		if err != nil {
			return primary, nil
		}
		fb := resilience.NewLLMFallback(primary, "anyllm", resilience.FallbackConfig{})
		fb.AddFallback("openai-direct", fallback)
		return fb, nil
	case "openai":
		return newDirectOpenAI()
	default:
		return nil, fmt.Errorf("bridge: unknown pipeline llm provider %q", cfg.PipelineLLM)
	}
}

// buildTTSProvider mirrors [buildSTTProvider]'s auto-fallback wiring for the
// two TTS backends: ElevenLabs' hosted synthesis API and a self-hosted Coqui
// server.
func buildTTSProvider(cfg BridgeConfig) (tts.Provider, error) {
	newCoqui := func() (tts.Provider, error) {
		if cfg.CoquiServerURL == "" {
			return nil, fmt.Errorf("bridge: pipeline tts %q not configured: COQUI_SERVER_URL unset", "coqui")
		}
		return coqui.New(cfg.CoquiServerURL)
	}
	newElevenLabs := func() (tts.Provider, error) {
		if cfg.ElevenLabsAPIKey == "" {
			return nil, fmt.Errorf("bridge: pipeline tts %q not configured: ELEVENLABS_API_KEY unset", "elevenlabs")
		}
		return elevenlabs.New(cfg.ElevenLabsAPIKey)
	}

	switch cfg.PipelineTTS {
	case "coqui":
		primary, err := newCoqui()
		if err != nil {
			return nil, err
		}
		if cfg.ElevenLabsAPIKey == "" {
			return primary, nil
		}
		fallback, err := newElevenLabs()
		if err != nil {
			return primary, nil
		}
		fb := resilience.NewTTSFallback(primary, "coqui", resilience.FallbackConfig{})
		fb.AddFallback("elevenlabs", fallback)
		return fb, nil
	case "elevenlabs", "":
		primary, err := newElevenLabs()
		if err != nil {
			return nil, err
		}
		if cfg.CoquiServerURL == "" {
			return primary, nil
		}
		fallback, err := newCoqui()
		if err != nil {
			return primary, nil
		}
		fb := resilience.NewTTSFallback(primary, "elevenlabs", resilience.FallbackConfig{})
		fb.AddFallback("coqui", fallback)
		return fb, nil
	default:
		return nil, fmt.Errorf("bridge: unknown pipeline tts provider %q", cfg.PipelineTTS)
	}
}

func printStartupSummary(cfg BridgeConfig) {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║     realtime-bridge — startup summary          ║")
	fmt.Println("╠═══════════════════════════════════════════════╣")
	fmt.Printf("║  Audio mode       : %-26s ║\n", cfg.AudioMode)
	fmt.Printf("║  Realtime addr    : %-26s ║\n", fmt.Sprintf("%s:%d", cfg.RealtimeHost, cfg.RealtimePort))
	fmt.Printf("║  ESL relay addr   : %-26s ║\n", fmt.Sprintf("%s:%d", cfg.ESLServerHost, cfg.ESLServerPort))
	fmt.Printf("║  Max per tenant   : %-26d ║\n", cfg.MaxSessionsPerDomain)
	fmt.Printf("║  Max total        : %-26d ║\n", cfg.MaxTotalSessions)
	persisted := "disabled"
	if cfg.PostgresDSN != "" {
		persisted = "enabled"
	}
	fmt.Printf("║  Conversation log : %-26s ║\n", persisted)
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
