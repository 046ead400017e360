package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/tenvoicebridge/realtime-bridge/internal/callsession"
	"github.com/tenvoicebridge/realtime-bridge/internal/config"
	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
)

type fakeConfigStore struct {
	rules []config.TransferRule
}

func (f *fakeConfigStore) FetchSecretary(ctx context.Context, tenantID, secretaryID string) (config.SecretaryConfig, error) {
	return config.SecretaryConfig{}, errors.New("not used")
}
func (f *fakeConfigStore) FetchProviderCredentials(ctx context.Context, tenantID, providerType, name string) (config.ProviderCredentials, error) {
	return config.ProviderCredentials{}, errors.New("not used")
}
func (f *fakeConfigStore) FetchTransferRules(ctx context.Context, tenantID, secretaryID string) ([]config.TransferRule, error) {
	return f.rules, nil
}

// fakeCommander scripts Originate's outcome and records every call it
// receives, so tests can assert the attended-transfer protocol's ordering.
type fakeCommander struct {
	originateMsg esl.Message
	originateErr error
	bridgeErr    error
	waitErr      error

	calls []string
}

func (f *fakeCommander) record(name string) { f.calls = append(f.calls, name) }

func (f *fakeCommander) ExecuteAPI(ctx context.Context, command string) (esl.Message, error) {
	f.record("ExecuteAPI:" + command)
	return esl.Message{}, nil
}
func (f *fakeCommander) UUIDKill(ctx context.Context, uuid string) error {
	f.record("UUIDKill")
	return nil
}
func (f *fakeCommander) UUIDHold(ctx context.Context, uuid string, on bool) error { return nil }
func (f *fakeCommander) UUIDBreak(ctx context.Context, uuid string) error {
	f.record("UUIDBreak")
	return nil
}
func (f *fakeCommander) UUIDBroadcast(ctx context.Context, uuid, path, flags string) error {
	f.record("UUIDBroadcast:" + flags)
	return nil
}
func (f *fakeCommander) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	return true, nil
}
func (f *fakeCommander) Originate(ctx context.Context, vars map[string]string, dialString string) (esl.Message, error) {
	f.record("Originate")
	return f.originateMsg, f.originateErr
}
func (f *fakeCommander) UUIDBridge(ctx context.Context, aLeg, bLeg string) error {
	f.record("UUIDBridge")
	return f.bridgeErr
}
func (f *fakeCommander) UUIDSetVar(ctx context.Context, uuid, name, value string) error {
	f.record("UUIDSetVar:" + name)
	return nil
}
func (f *fakeCommander) SubscribeEvents(ctx context.Context, names ...string) error {
	f.record("SubscribeEvents")
	return nil
}
func (f *fakeCommander) WaitForEvent(ctx context.Context, eventName string, match func(esl.Message) bool) (esl.Message, error) {
	f.record("WaitForEvent")
	return esl.Message{}, f.waitErr
}

var _ esl.AdvancedCommander = (*fakeCommander)(nil)

func TestTransferSuccessfulAttendedTransfer(t *testing.T) {
	cache := config.NewCache(&fakeConfigStore{rules: []config.TransferRule{billingRuleQueue()}})
	mgr := NewManager(cache)
	cmd := &fakeCommander{}

	result, err := mgr.Transfer(context.Background(), cmd, callsession.TransferCall{
		TenantID: "t1", SecretaryID: "s1", CallUUID: "a-leg-1", DestinationHint: "billing",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if result.Status != "success" {
		t.Fatalf("status = %q, want success", result.Status)
	}
	if result.BLegCallUUID == "" {
		t.Fatal("expected a b-leg call uuid")
	}

	assertCallOrder(t, cmd.calls, "UUIDBreak", "UUIDBroadcast:aleg", "SubscribeEvents", "Originate", "UUIDSetVar:hangup_after_bridge", "UUIDBridge")
}

func TestTransferBusyRetriesThenFails(t *testing.T) {
	rule := billingRuleQueue()
	rule.MaxRetries = 2
	cache := config.NewCache(&fakeConfigStore{rules: []config.TransferRule{rule}})
	mgr := NewManager(cache)
	cmd := &fakeCommander{originateErr: errors.New("originate failed: USER_BUSY")}

	result, err := mgr.Transfer(context.Background(), cmd, callsession.TransferCall{
		TenantID: "t1", SecretaryID: "s1", CallUUID: "a-leg-1", DestinationHint: "billing",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if result.Status != "busy" {
		t.Fatalf("status = %q, want busy", result.Status)
	}

	originates := 0
	for _, c := range cmd.calls {
		if c == "Originate" {
			originates++
		}
	}
	if originates != 3 {
		t.Fatalf("originate attempts = %d, want 3 (1 + 2 retries)", originates)
	}
}

func TestTransferNoMatchReturnsUnavailable(t *testing.T) {
	cache := config.NewCache(&fakeConfigStore{rules: []config.TransferRule{billingRuleQueue()}})
	mgr := NewManager(cache)
	cmd := &fakeCommander{}

	result, err := mgr.Transfer(context.Background(), cmd, callsession.TransferCall{
		TenantID: "t1", SecretaryID: "s1", CallUUID: "a-leg-1", DestinationHint: "completely unrelated nonsense",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if result.Status != "unavailable" {
		t.Fatalf("status = %q, want unavailable", result.Status)
	}
	if len(cmd.calls) != 0 {
		t.Fatalf("expected no ESL commands issued for an unmatched destination, got %v", cmd.calls)
	}
}

func TestTransferAnnouncedRejectedByDTMF(t *testing.T) {
	rule := config.TransferRule{
		TenantID: "t1", Department: "billing", DestinationType: "extension",
		DestinationID: "201", Enabled: true, Priority: 1, Message: "they're not available",
	}
	cache := config.NewCache(&fakeConfigStore{rules: []config.TransferRule{rule}})
	mgr := NewManager(cache, WithAcceptTimeout(0))
	cmd := &fakeCommander{waitErr: nil} // nil error = DTMF "2" matched before timeout

	result, err := mgr.Transfer(context.Background(), cmd, callsession.TransferCall{
		TenantID: "t1", SecretaryID: "s1", CallUUID: "a-leg-1", DestinationHint: "billing",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if result.Status != "rejected" {
		t.Fatalf("status = %q, want rejected", result.Status)
	}

	assertContains(t, cmd.calls, "WaitForEvent")
	assertContains(t, cmd.calls, "UUIDKill")
}

func billingRuleQueue() config.TransferRule {
	return config.TransferRule{
		TenantID: "t1", Department: "billing", DestinationType: "queue",
		DestinationID: "100", Enabled: true, Priority: 1,
	}
}

func assertCallOrder(t *testing.T, calls []string, want ...string) {
	t.Helper()
	idx := 0
	for _, c := range calls {
		if idx < len(want) && c == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Fatalf("calls %v did not contain the expected subsequence %v", calls, want)
	}
}

func assertContains(t *testing.T, calls []string, want string) {
	t.Helper()
	for _, c := range calls {
		if c == want {
			return
		}
	}
	t.Fatalf("calls %v did not contain %q", calls, want)
}
