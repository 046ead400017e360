package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tenvoicebridge/realtime-bridge/internal/callsession"
	"github.com/tenvoicebridge/realtime-bridge/internal/config"
	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
)

const (
	defaultAcceptTimeout = 5 * time.Second
	defaultRingTimeout   = 30 * time.Second
)

// Manager resolves a destination from free-form caller text and drives the
// attended/announced transfer ESL protocol of §4.8.2/§4.8.3.
type Manager struct {
	configCache   *config.Cache
	resolver      *Resolver
	acceptTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithAcceptTimeout overrides the ~5s announced-transfer accept window.
func WithAcceptTimeout(d time.Duration) Option {
	return func(m *Manager) { m.acceptTimeout = d }
}

// WithResolver overrides the default Resolver, primarily for tests.
func WithResolver(r *Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// NewManager builds a Manager over configCache, which supplies the
// tenant/secretary transfer rule set.
func NewManager(configCache *config.Cache, opts ...Option) *Manager {
	m := &Manager{
		configCache:   configCache,
		resolver:      New(),
		acceptTimeout: defaultAcceptTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ callsession.TransferManager = (*Manager)(nil)

// Transfer implements callsession.TransferManager: it resolves a
// destination from call.DestinationHint/Department and, once resolved,
// drives the attended-transfer state machine against cmd.
func (m *Manager) Transfer(ctx context.Context, cmd esl.AdvancedCommander, call callsession.TransferCall) (callsession.TransferResult, error) {
	rules, err := m.configCache.TransferRules(ctx, call.TenantID, call.SecretaryID)
	if err != nil {
		return callsession.TransferResult{Status: "failed", Message: "transfer is unavailable right now"}, fmt.Errorf("transfer: loading rules: %w", err)
	}

	hint := call.DestinationHint
	if hint == "" {
		hint = call.Department
	}

	tenantDefault, hasDefault := lowestPriorityRule(rules)
	res := m.resolver.Resolve(hint, rules, tenantDefault, hasDefault)

	if !res.Matched {
		return callsession.TransferResult{
			Status:  "unavailable",
			Message: unavailableMessage(res.Available),
		}, nil
	}
	if res.Closed {
		return callsession.TransferResult{
			Status:  "unavailable",
			Message: "That department is closed right now. " + unavailableMessage(nil),
		}, nil
	}

	// An extension destination reaches a human who may not want the
	// call; announce first and give them a chance to reject (§4.8.3).
	// Every other destination type (queue/ring-group/voicemail/external)
	// bridges immediately once it answers (§4.8.2).
	if res.Rule.DestinationType == "extension" {
		return m.announcedTransfer(ctx, cmd, call, res.Rule)
	}
	return m.attendedTransfer(ctx, cmd, call, res.Rule)
}

func unavailableMessage(departments []string) string {
	if len(departments) == 0 {
		return "I couldn't find a matching department to transfer you to."
	}
	msg := "I couldn't find that department. Available departments: "
	for i, d := range departments {
		if i > 0 {
			msg += ", "
		}
		msg += d
	}
	return msg
}

// lowestPriorityRule picks the tenant-wide catch-all destination: the
// enabled rule with the highest priority number (i.e. lowest precedence),
// preferring a queue or ring-group destination type on ties.
func lowestPriorityRule(rules []config.TransferRule) (config.TransferRule, bool) {
	var best config.TransferRule
	found := false
	for _, r := range rules {
		if !found || r.Priority > best.Priority ||
			(r.Priority == best.Priority && isCatchAllType(r.DestinationType) && !isCatchAllType(best.DestinationType)) {
			best = r
			found = true
		}
	}
	return best, found
}

func isCatchAllType(t string) bool {
	return t == "queue" || t == "ring-group"
}

// attendedTransfer implements §4.8.2's protocol end to end, including the
// bounded-retry-on-busy loop of step 5.
func (m *Manager) attendedTransfer(ctx context.Context, cmd esl.AdvancedCommander, call callsession.TransferCall, rule config.TransferRule) (callsession.TransferResult, error) {
	ringTimeout := defaultRingTimeout
	if rule.RingTimeoutSec > 0 {
		ringTimeout = time.Duration(rule.RingTimeoutSec) * time.Second
	}
	maxRetries := rule.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	if err := cmd.UUIDBreak(ctx, call.CallUUID); err != nil {
		slog.Warn("transfer: uuid_break failed", "call", call.CallUUID, "err", err)
	}
	if err := cmd.UUIDBroadcast(ctx, call.CallUUID, "local_stream://moh", "aleg"); err != nil {
		slog.Warn("transfer: starting hold music failed", "call", call.CallUUID, "err", err)
	}
	if err := cmd.SubscribeEvents(ctx, "CHANNEL_ANSWER", "CHANNEL_HANGUP", "CHANNEL_PROGRESS", "CHANNEL_PROGRESS_MEDIA"); err != nil {
		slog.Warn("transfer: event subscription failed", "call", call.CallUUID, "err", err)
	}

	var lastResult callsession.TransferResult
	attempts := maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		result := m.originateAndBridge(ctx, cmd, call, rule, ringTimeout)
		lastResult = result
		if result.Status != "busy" {
			break
		}
	}

	m.stopHoldMusic(ctx, cmd, call.CallUUID)
	return lastResult, nil
}

func (m *Manager) originateAndBridge(ctx context.Context, cmd esl.AdvancedCommander, call callsession.TransferCall, rule config.TransferRule, ringTimeout time.Duration) callsession.TransferResult {
	bLegUUID, failure := m.originate(ctx, cmd, call, rule, ringTimeout)
	if failure != nil {
		return *failure
	}
	return m.bridge(ctx, cmd, call.CallUUID, bLegUUID)
}

// originate places the b-leg and blocks until FreeSWITCH's synchronous
// API-originate returns, per §4.8.2 step 3. A non-nil failure result means
// the caller should stop; a nil failure means the b-leg has answered and
// bLegUUID is ready to bridge or announce to.
func (m *Manager) originate(ctx context.Context, cmd esl.AdvancedCommander, call callsession.TransferCall, rule config.TransferRule, ringTimeout time.Duration) (string, *callsession.TransferResult) {
	bLegUUID := uuid.NewString()
	dial := dialString(rule.DestinationType, rule.DestinationID, rule.RoutingContext)

	vars := map[string]string{
		"origination_uuid":            bLegUUID,
		"ignore_early_media":          "true",
		"hangup_after_bridge":         "true",
		"origination_caller_id_number": call.CallerID,
	}

	originateCtx, cancel := context.WithTimeout(ctx, ringTimeout)
	msg, err := cmd.Originate(originateCtx, vars, dial)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// §4.8.2 step 6: the caller (a-leg) hung up while the b-leg was
			// still ringing/connecting. ctx is already done, so the b-leg
			// kill runs on a detached context rather than the one that just
			// expired — otherwise the cleanup call would fail immediately too.
			killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.killBLeg(killCtx, cmd, bLegUUID)
			killCancel()
			return bLegUUID, &callsession.TransferResult{Status: "cancelled", Message: "Transfer cancelled.", BLegCallUUID: bLegUUID}
		}
		cause := msg.Get("Hangup-Cause")
		if cause == "" {
			cause = causeFromErrorText(err.Error())
		}
		status := statusForHangupCause(cause)
		m.killBLeg(ctx, cmd, bLegUUID)
		return bLegUUID, &callsession.TransferResult{Status: status, Message: rule.Message, BLegCallUUID: bLegUUID}
	}
	return bLegUUID, nil
}

// bridge implements §4.8.2 step 4: stop MOH is the caller's responsibility
// (attendedTransfer/announcedTransfer handle that), set hangup_after_bridge
// on the a-leg strictly before uuid_bridge (§9 Open Question #2), then
// bridge atomically.
func (m *Manager) bridge(ctx context.Context, cmd esl.AdvancedCommander, aLegUUID, bLegUUID string) callsession.TransferResult {
	if err := cmd.UUIDSetVar(ctx, aLegUUID, "hangup_after_bridge", "true"); err != nil {
		slog.Warn("transfer: setting hangup_after_bridge on a-leg failed", "call", aLegUUID, "err", err)
	}
	if err := cmd.UUIDBridge(ctx, aLegUUID, bLegUUID); err != nil {
		m.killBLeg(ctx, cmd, bLegUUID)
		return callsession.TransferResult{Status: "failed", Message: "The transfer could not be completed.", BLegCallUUID: bLegUUID}
	}
	return callsession.TransferResult{Status: "success", Message: "Transferring you now.", BLegCallUUID: bLegUUID}
}

// announcedTransfer implements §4.8.3: everything of the attended flow
// through origination, then an announcement and a short accept window
// before bridging.
func (m *Manager) announcedTransfer(ctx context.Context, cmd esl.AdvancedCommander, call callsession.TransferCall, rule config.TransferRule) (callsession.TransferResult, error) {
	ringTimeout := defaultRingTimeout
	if rule.RingTimeoutSec > 0 {
		ringTimeout = time.Duration(rule.RingTimeoutSec) * time.Second
	}

	if err := cmd.UUIDBreak(ctx, call.CallUUID); err != nil {
		slog.Warn("transfer: uuid_break failed", "call", call.CallUUID, "err", err)
	}
	if err := cmd.UUIDBroadcast(ctx, call.CallUUID, "local_stream://moh", "aleg"); err != nil {
		slog.Warn("transfer: starting hold music failed", "call", call.CallUUID, "err", err)
	}
	if err := cmd.SubscribeEvents(ctx, "CHANNEL_ANSWER", "CHANNEL_HANGUP", "CHANNEL_PROGRESS", "CHANNEL_PROGRESS_MEDIA", "DTMF"); err != nil {
		slog.Warn("transfer: event subscription failed", "call", call.CallUUID, "err", err)
	}

	bLegUUID, failure := m.originate(ctx, cmd, call, rule, ringTimeout)
	if failure != nil {
		m.stopHoldMusic(ctx, cmd, call.CallUUID)
		return *failure, nil
	}

	if err := cmd.UUIDBroadcast(ctx, bLegUUID, "say:Transfer incoming. Press 2 to reject, or wait to accept.", "bleg"); err != nil {
		slog.Warn("transfer: playing announcement failed", "b_leg", bLegUUID, "err", err)
	}

	acceptCtx, cancel := context.WithTimeout(ctx, m.acceptTimeout)
	_, err := cmd.WaitForEvent(acceptCtx, "DTMF", func(msg esl.Message) bool {
		return msg.Get("Unique-ID") == bLegUUID && msg.Get("DTMF-Digit") == "2"
	})
	cancel()

	m.stopHoldMusic(ctx, cmd, call.CallUUID)

	if err == nil {
		// Digit 2 arrived before the timeout: rejected.
		m.killBLeg(ctx, cmd, bLegUUID)
		return callsession.TransferResult{Status: "rejected", Message: rule.Message, BLegCallUUID: bLegUUID}, nil
	}

	if exists, existsErr := cmd.UUIDExists(ctx, bLegUUID); existsErr == nil && !exists {
		// The b-leg hung up instead of accepting or rejecting.
		return callsession.TransferResult{Status: "rejected", Message: rule.Message, BLegCallUUID: bLegUUID}, nil
	}

	// Timeout with the b-leg still up: treat as accepted.
	return m.bridge(ctx, cmd, call.CallUUID, bLegUUID), nil
}

func (m *Manager) killBLeg(ctx context.Context, cmd esl.AdvancedCommander, bLegUUID string) {
	if exists, err := cmd.UUIDExists(ctx, bLegUUID); err == nil && exists {
		if err := cmd.UUIDKill(ctx, bLegUUID); err != nil {
			slog.Warn("transfer: killing b-leg failed", "b_leg", bLegUUID, "err", err)
		}
	}
}

func (m *Manager) stopHoldMusic(ctx context.Context, cmd esl.AdvancedCommander, callUUID string) {
	if err := cmd.UUIDBroadcast(ctx, callUUID, "local_stream://moh", "aleg stop"); err != nil {
		slog.Warn("transfer: stopping hold music failed", "call", callUUID, "err", err)
	}
}

// causeFromErrorText extracts a FreeSWITCH hangup cause token from an
// originate error's text when no Hangup-Cause header is present, since
// some -ERR replies embed the cause directly in the body.
func causeFromErrorText(text string) string {
	for _, cause := range []string{
		"USER_BUSY", "NO_ANSWER", "ALLOTTED_TIMEOUT", "SUBSCRIBER_ABSENT",
		"USER_NOT_REGISTERED", "CALL_REJECTED", "DO_NOT_DISTURB",
		"DESTINATION_OUT_OF_ORDER", "TEMPORARY_FAILURE", "MEDIA_TIMEOUT",
		"GATEWAY_DOWN", "NORMAL_CLEARING",
	} {
		if strings.Contains(text, cause) {
			return cause
		}
	}
	return ""
}
