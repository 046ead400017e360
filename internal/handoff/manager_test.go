package handoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/callsession"
	"github.com/tenvoicebridge/realtime-bridge/internal/config"
	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
)

type fakeConfigStore struct {
	secretary config.SecretaryConfig
}

func (f *fakeConfigStore) FetchSecretary(ctx context.Context, tenantID, secretaryID string) (config.SecretaryConfig, error) {
	return f.secretary, nil
}
func (f *fakeConfigStore) FetchProviderCredentials(ctx context.Context, tenantID, providerType, name string) (config.ProviderCredentials, error) {
	return config.ProviderCredentials{}, errors.New("not used")
}
func (f *fakeConfigStore) FetchTransferRules(ctx context.Context, tenantID, secretaryID string) ([]config.TransferRule, error) {
	return nil, nil
}

type fakeOrchestrator struct {
	online       OnlineAgentsResult
	onlineErr    error
	ticket       TicketResult
	ticketErr    error
	ticketCalled bool
	lastTicket   TicketRequest
}

func (f *fakeOrchestrator) OnlineAgents(ctx context.Context, queueID string) (OnlineAgentsResult, error) {
	return f.online, f.onlineErr
}
func (f *fakeOrchestrator) CreateTicket(ctx context.Context, req TicketRequest) (TicketResult, error) {
	f.ticketCalled = true
	f.lastTicket = req
	return f.ticket, f.ticketErr
}

var _ AgentOrchestrator = (*fakeOrchestrator)(nil)

type fakeRecorder struct {
	uploaded bool
	url      string
	err      error
}

func (f *fakeRecorder) Upload(ctx context.Context, objectPath string, data []byte, metadata map[string]string) (string, error) {
	f.uploaded = true
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type fakeRecordingSource struct{ data []byte }

func (f fakeRecordingSource) Recording(callUUID string) ([]byte, bool) {
	if f.data == nil {
		return nil, false
	}
	return f.data, true
}

type fakeCommander struct {
	originateErr error
	bridgeErr    error
	calls        []string
}

func (f *fakeCommander) record(name string) { f.calls = append(f.calls, name) }

func (f *fakeCommander) ExecuteAPI(ctx context.Context, command string) (esl.Message, error) {
	return esl.Message{}, nil
}
func (f *fakeCommander) UUIDKill(ctx context.Context, uuid string) error {
	f.record("UUIDKill")
	return nil
}
func (f *fakeCommander) UUIDHold(ctx context.Context, uuid string, on bool) error { return nil }
func (f *fakeCommander) UUIDBreak(ctx context.Context, uuid string) error        { return nil }
func (f *fakeCommander) UUIDBroadcast(ctx context.Context, uuid, path, flags string) error {
	return nil
}
func (f *fakeCommander) UUIDExists(ctx context.Context, uuid string) (bool, error) { return true, nil }
func (f *fakeCommander) Originate(ctx context.Context, vars map[string]string, dialString string) (esl.Message, error) {
	f.record("Originate")
	return esl.Message{}, f.originateErr
}
func (f *fakeCommander) UUIDBridge(ctx context.Context, aLeg, bLeg string) error {
	f.record("UUIDBridge")
	return f.bridgeErr
}
func (f *fakeCommander) UUIDSetVar(ctx context.Context, uuid, name, value string) error {
	f.record("UUIDSetVar:" + name)
	return nil
}
func (f *fakeCommander) SubscribeEvents(ctx context.Context, names ...string) error { return nil }
func (f *fakeCommander) WaitForEvent(ctx context.Context, eventName string, match func(esl.Message) bool) (esl.Message, error) {
	return esl.Message{}, nil
}

var _ esl.AdvancedCommander = (*fakeCommander)(nil)

func baseRequest() callsession.HandoffRequest {
	return callsession.HandoffRequest{
		TenantID:    "t1",
		SecretaryID: "s1",
		CallUUID:    "call-1",
		CallerID:    "+15551234567",
		Transcript: []callsession.TranscriptEntry{
			{Role: "user", Text: "I need to talk to someone"},
			{Role: "assistant", Text: "Let me connect you"},
		},
		Reason: "keyword",
	}
}

func TestHandleTransfersToOnlineAgent(t *testing.T) {
	cache := config.NewCache(&fakeConfigStore{})
	orch := &fakeOrchestrator{online: OnlineAgentsResult{HasOnlineAgents: true, DialString: "user/1001@ctx"}}
	mgr := NewManager(cache, orch)
	cmd := &fakeCommander{}

	req := baseRequest()
	req.Commander = cmd

	result, err := mgr.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != "transferred" {
		t.Fatalf("outcome = %q, want transferred", result.Outcome)
	}
	if orch.ticketCalled {
		t.Fatal("expected no ticket to be created on a successful transfer")
	}
}

func TestHandleFallsBackToTicketWhenNoAgents(t *testing.T) {
	cache := config.NewCache(&fakeConfigStore{})
	orch := &fakeOrchestrator{online: OnlineAgentsResult{HasOnlineAgents: false}, ticket: TicketResult{TicketID: "tk-1"}}
	rec := &fakeRecorder{url: "https://cdn.example.com/bucket/company_t1/voice/2026/07/31/call-1.mp3"}
	mgr := NewManager(cache, orch, WithRecorder(rec), WithRecordingSource(fakeRecordingSource{data: []byte("mp3-bytes")}),
		WithClock(func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }))

	result, err := mgr.Handle(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != "ticketed" || result.TicketID != "tk-1" {
		t.Fatalf("result = %+v, want ticketed/tk-1", result)
	}
	if !rec.uploaded {
		t.Fatal("expected the recording to be uploaded before filing the ticket")
	}
	if orch.lastTicket.RecordingURL == "" {
		t.Fatal("expected the ticket to carry the uploaded recording URL")
	}
}

func TestHandleTicketsWithoutRecordingWhenUnavailable(t *testing.T) {
	cache := config.NewCache(&fakeConfigStore{})
	orch := &fakeOrchestrator{ticket: TicketResult{TicketID: "tk-2"}}
	rec := &fakeRecorder{}
	mgr := NewManager(cache, orch, WithRecorder(rec))

	result, err := mgr.Handle(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != "ticketed" {
		t.Fatalf("outcome = %q, want ticketed", result.Outcome)
	}
	if rec.uploaded {
		t.Fatal("expected no upload attempt when the recording source reports unavailable")
	}
}

func TestHandleFallsThroughToTicketOnTransferFailure(t *testing.T) {
	cache := config.NewCache(&fakeConfigStore{})
	orch := &fakeOrchestrator{
		online: OnlineAgentsResult{HasOnlineAgents: true, DialString: "user/1001@ctx"},
		ticket: TicketResult{TicketID: "tk-3"},
	}
	mgr := NewManager(cache, orch)
	cmd := &fakeCommander{originateErr: errors.New("originate failed: USER_BUSY")}

	req := baseRequest()
	req.Commander = cmd

	result, err := mgr.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != "ticketed" || result.TicketID != "tk-3" {
		t.Fatalf("result = %+v, want a ticket fallback", result)
	}
	if !orch.ticketCalled {
		t.Fatal("expected the ticket path to run after the transfer attempt failed")
	}
}

func TestHandleAbortsForInternalExtensionWithoutDevTestNumber(t *testing.T) {
	cache := config.NewCache(&fakeConfigStore{secretary: config.SecretaryConfig{DevTestNumber: ""}})
	orch := &fakeOrchestrator{}
	mgr := NewManager(cache, orch)

	req := baseRequest()
	req.CallerID = "1001"

	result, err := mgr.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != "aborted" {
		t.Fatalf("outcome = %q, want aborted", result.Outcome)
	}
	if orch.ticketCalled {
		t.Fatal("expected handoff to abort before reaching the orchestrator")
	}
}

func TestHandleSubstitutesDevTestNumberForInternalExtension(t *testing.T) {
	cache := config.NewCache(&fakeConfigStore{secretary: config.SecretaryConfig{DevTestNumber: "+15559990000"}})
	orch := &fakeOrchestrator{ticket: TicketResult{TicketID: "tk-4"}}
	mgr := NewManager(cache, orch)

	req := baseRequest()
	req.CallerID = "1001"

	result, err := mgr.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != "ticketed" {
		t.Fatalf("outcome = %q, want ticketed", result.Outcome)
	}
}

func TestNormalizeE164(t *testing.T) {
	cases := map[string]string{
		"5551234567":     "+15551234567",
		"15551234567":    "+15551234567",
		"+15551234567":   "+15551234567",
		"+44 20 7946 0958": "+442079460958",
		"(555) 123-4567": "+15551234567",
	}
	for in, want := range cases {
		if got := NormalizeE164(in); got != want {
			t.Errorf("NormalizeE164(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsInternalExtension(t *testing.T) {
	cases := map[string]bool{
		"1001":        true,
		"99":          true,
		"+15551234567": false,
		"55512":       false,
		"":            false,
	}
	for in, want := range cases {
		if got := IsInternalExtension(in); got != want {
			t.Errorf("IsInternalExtension(%q) = %v, want %v", in, got, want)
		}
	}
}
