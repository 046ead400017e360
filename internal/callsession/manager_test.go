package callsession

import (
	"context"
	"testing"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/config"
	"github.com/tenvoicebridge/realtime-bridge/internal/provider"
)

type fakeConfigStore struct {
	cfg config.SecretaryConfig
}

func (f *fakeConfigStore) FetchSecretary(ctx context.Context, tenantID, secretaryID string) (config.SecretaryConfig, error) {
	return f.cfg, nil
}
func (f *fakeConfigStore) FetchProviderCredentials(ctx context.Context, tenantID, providerType, name string) (config.ProviderCredentials, error) {
	return config.ProviderCredentials{}, config.NewNotFoundError("credentials")
}
func (f *fakeConfigStore) FetchTransferRules(ctx context.Context, tenantID, secretaryID string) ([]config.TransferRule, error) {
	return nil, nil
}

type fakeAdapter struct {
	events    chan provider.Event
	input     int
	output    int
	sentAudio [][]byte
	sentText  []string
	results   []string
}

func newFakeAdapter(input, output int) *fakeAdapter {
	return &fakeAdapter{events: make(chan provider.Event, 16), input: input, output: output}
}

func (a *fakeAdapter) Connect(ctx context.Context) error                  { return nil }
func (a *fakeAdapter) Configure(ctx context.Context, cfg provider.Config) error { return nil }
func (a *fakeAdapter) SendAudio(pcm []byte) error {
	a.sentAudio = append(a.sentAudio, pcm)
	return nil
}
func (a *fakeAdapter) SendText(text string) error { a.sentText = append(a.sentText, text); return nil }
func (a *fakeAdapter) Interrupt() error            { return nil }
func (a *fakeAdapter) SendFunctionResult(name, result, callID string) error {
	a.results = append(a.results, result)
	return nil
}
func (a *fakeAdapter) Events() <-chan provider.Event { return a.events }
func (a *fakeAdapter) Disconnect() error             { close(a.events); return nil }
func (a *fakeAdapter) InputSampleRate() int          { return a.input }
func (a *fakeAdapter) OutputSampleRate() int         { return a.output }

var _ provider.Adapter = (*fakeAdapter)(nil)

func testManager(t *testing.T, cfg config.SecretaryConfig, adapter *fakeAdapter) (*Manager, *fakeAdapter) {
	t.Helper()
	cache := config.NewCache(&fakeConfigStore{cfg: cfg})
	factory := func(name provider.Name) (provider.Adapter, error) { return adapter, nil }
	return NewManager(cache, factory), adapter
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		s.mu.Lock()
		got := s.state
		s.mu.Unlock()
		if got == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, last seen %v", want, got)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManagerCreateActivatesSessionAndEmitsAudio(t *testing.T) {
	cfg := config.SecretaryConfig{TenantID: "t1", SecretaryID: "s1", Provider: "mock"}
	adapter := newFakeAdapter(16000, 16000)
	mgr, _ := testManager(t, cfg, adapter)

	sess, err := mgr.Create(context.Background(), "t1", "call-1", "s1", "+15551234567")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForState(t, sess, Active)

	// 9600 bytes = 300 ms of 16 kHz PCM16, enough to cross the default
	// warmup window so the delta is released as an outbound frame.
	adapter.events <- provider.Event{Type: provider.EventAudioDelta, Audio: make([]byte, 9600)}

	select {
	case frame := <-sess.Frames():
		if len(frame) == 0 {
			t.Fatal("expected non-empty outbound frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound audio frame")
	}
}

func TestManagerTenantCapReached(t *testing.T) {
	cfg := config.SecretaryConfig{TenantID: "t1", SecretaryID: "s1", Provider: "mock"}
	adapter := newFakeAdapter(16000, 16000)
	mgr, _ := testManager(t, cfg, adapter)
	mgr.tenantCap = 1

	if _, err := mgr.Create(context.Background(), "t1", "call-1", "s1", ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := mgr.Create(context.Background(), "t1", "call-2", "s1", ""); err != ErrTenantCapReached {
		t.Fatalf("expected ErrTenantCapReached, got %v", err)
	}
}

func TestManagerDuplicateCallRejected(t *testing.T) {
	cfg := config.SecretaryConfig{TenantID: "t1", SecretaryID: "s1", Provider: "mock"}
	adapter := newFakeAdapter(16000, 16000)
	mgr, _ := testManager(t, cfg, adapter)

	if _, err := mgr.Create(context.Background(), "t1", "call-1", "s1", ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := mgr.Create(context.Background(), "t1", "call-1", "s1", ""); err != ErrDuplicateCall {
		t.Fatalf("expected ErrDuplicateCall, got %v", err)
	}
}

func TestSessionStopRemovesFromManager(t *testing.T) {
	cfg := config.SecretaryConfig{TenantID: "t1", SecretaryID: "s1", Provider: "mock"}
	adapter := newFakeAdapter(16000, 16000)
	mgr, _ := testManager(t, cfg, adapter)

	sess, err := mgr.Create(context.Background(), "t1", "call-1", "s1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForState(t, sess, Active)

	sess.stop(context.Background(), "caller_hangup")
	waitForState(t, sess, Ended)

	if got := mgr.Get("call-1"); got != nil {
		t.Fatal("expected session to be removed after stop")
	}
	stats := mgr.Stats()
	if stats.ActiveSessions != 0 {
		t.Fatalf("ActiveSessions = %d, want 0", stats.ActiveSessions)
	}
}

func TestCleanupExpiredStopsIdleSession(t *testing.T) {
	cfg := config.SecretaryConfig{TenantID: "t1", SecretaryID: "s1", Provider: "mock", IdleTimeoutSec: 0}
	adapter := newFakeAdapter(16000, 16000)
	mgr, _ := testManager(t, cfg, adapter)

	// idleTimeout() falls back to 30s default on 0; exercise cleanup sweep
	// directly instead of waiting on the watchdog's real ticker.
	sess, err := mgr.Create(context.Background(), "t1", "call-1", "s1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForState(t, sess, Active)

	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	mgr.CleanupExpired(context.Background())
	waitForState(t, sess, Ended)
	if sess.stopReason != "idle_timeout" {
		t.Fatalf("stopReason = %q, want idle_timeout", sess.stopReason)
	}
}
