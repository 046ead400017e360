// Package handoff implements the §4.9 human-handoff decision: given a
// triggered session, check for an online human agent and bridge to them,
// or fall back to uploading the call recording and filing a ticket.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tenvoicebridge/realtime-bridge/internal/callsession"
	"github.com/tenvoicebridge/realtime-bridge/internal/config"
)

const defaultBridgeTimeout = 30 * time.Second

// Manager implements callsession.HandoffManager.
type Manager struct {
	configCache     *config.Cache
	orchestrator    AgentOrchestrator
	recorder        Recorder
	recordingSource RecordingSource
	now             func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder overrides the default no-op Recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithRecordingSource overrides the default (always-unavailable) recording
// source.
func WithRecordingSource(s RecordingSource) Option {
	return func(m *Manager) { m.recordingSource = s }
}

// WithClock overrides the time source, for deterministic recording-path
// tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager dispatching online-agent checks and tickets
// through orchestrator, and persisting recordings through whatever
// Recorder/RecordingSource options are supplied.
func NewManager(configCache *config.Cache, orchestrator AgentOrchestrator, opts ...Option) *Manager {
	m := &Manager{
		configCache:     configCache,
		orchestrator:    orchestrator,
		recordingSource: noopRecordingSource{},
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ callsession.HandoffManager = (*Manager)(nil)

// Handle implements §4.9's four-step handoff protocol.
func (m *Manager) Handle(ctx context.Context, req callsession.HandoffRequest) (callsession.HandoffResult, error) {
	secretary, err := m.configCache.Secretary(ctx, req.TenantID, req.SecretaryID)
	if err != nil {
		return callsession.HandoffResult{}, fmt.Errorf("handoff: loading secretary config: %w", err)
	}

	callerID, ok := resolveCallerID(req.CallerID, secretary.DevTestNumber)
	if !ok {
		return callsession.HandoffResult{Outcome: "aborted", Message: "handoff is unavailable for internal calls"}, nil
	}

	online, err := m.orchestrator.OnlineAgents(ctx, req.QueueID)
	if err != nil {
		slog.Warn("handoff: online-agents check failed", "call", req.CallUUID, "err", err)
	} else if online.HasOnlineAgents && online.DialString != "" {
		if req.Commander != nil {
			if result, ok := m.transferToAgent(ctx, req, online.DialString); ok {
				return result, nil
			}
			// Transfer attempt failed; fall through to the ticket path.
		}
	}

	return m.ticketFallback(ctx, req, callerID)
}

// transferToAgent places a b-leg at dialString and bridges it to the
// a-leg, the same Originate/UUIDSetVar/UUIDBridge sequence as an attended
// transfer, without the hold-music/retry machinery a department transfer
// needs since this is a best-effort direct handoff.
func (m *Manager) transferToAgent(ctx context.Context, req callsession.HandoffRequest, dialString string) (callsession.HandoffResult, bool) {
	cmd := req.Commander
	bLegUUID := uuid.NewString()

	originateCtx, cancel := context.WithTimeout(ctx, defaultBridgeTimeout)
	_, err := cmd.Originate(originateCtx, map[string]string{
		"origination_uuid":   bLegUUID,
		"ignore_early_media": "true",
	}, dialString)
	cancel()
	if err != nil {
		slog.Warn("handoff: agent originate failed", "call", req.CallUUID, "err", err)
		return callsession.HandoffResult{}, false
	}

	if err := cmd.UUIDSetVar(ctx, req.CallUUID, "hangup_after_bridge", "true"); err != nil {
		slog.Warn("handoff: setting hangup_after_bridge failed", "call", req.CallUUID, "err", err)
	}
	if err := cmd.UUIDBridge(ctx, req.CallUUID, bLegUUID); err != nil {
		slog.Warn("handoff: agent bridge failed", "call", req.CallUUID, "err", err)
		if exists, existsErr := cmd.UUIDExists(ctx, bLegUUID); existsErr == nil && exists {
			_ = cmd.UUIDKill(ctx, bLegUUID)
		}
		return callsession.HandoffResult{}, false
	}

	return callsession.HandoffResult{Outcome: "transferred", Message: "I'm transferring you now."}, true
}

// ticketFallback implements §4.9 step 3: upload the recording if one is
// available, then file a pending ticket carrying the transcript and call
// metadata.
func (m *Manager) ticketFallback(ctx context.Context, req callsession.HandoffRequest, callerID string) (callsession.HandoffResult, error) {
	var recordingURL string
	if data, ok := m.recordingSource.Recording(req.CallUUID); ok && m.recorder != nil {
		objectPath := recordingObjectPath(req.TenantID, m.now(), req.CallUUID)
		url, err := m.recorder.Upload(ctx, objectPath, data, map[string]string{
			"call_uuid": req.CallUUID,
			"tenant_id": req.TenantID,
			"caller_id": callerID,
		})
		if err != nil {
			slog.Warn("handoff: recording upload failed", "call", req.CallUUID, "err", err)
		} else {
			recordingURL = url
		}
	}

	ticket, err := m.orchestrator.CreateTicket(ctx, TicketRequest{
		TenantID:     req.TenantID,
		SecretaryID:  req.SecretaryID,
		CallUUID:     req.CallUUID,
		Summary:      summarize(req.Transcript),
		Transcript:   renderTranscript(req.Transcript),
		Provider:     req.Provider,
		DurationSec:  req.DurationSec,
		AvgLatencyMs: req.AvgLatencyMs,
		Reason:       req.Reason,
		QueueID:      req.QueueID,
		RecordingURL: recordingURL,
	})
	if err != nil {
		return callsession.HandoffResult{Outcome: "aborted", Message: "I wasn't able to file a ticket for this call."}, fmt.Errorf("handoff: creating ticket: %w", err)
	}

	return callsession.HandoffResult{
		Outcome:  "ticketed",
		TicketID: ticket.TicketID,
		Message:  "No agents are available right now; we'll follow up with you shortly.",
	}, nil
}

func renderTranscript(entries []callsession.TranscriptEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Role, e.Text))
	}
	return lines
}

// summarize produces a short, caller-facing-free summary from the last
// few user turns, since the external ticket API expects a one-line gist
// rather than the full transcript.
func summarize(entries []callsession.TranscriptEntry) string {
	var userLines []string
	for _, e := range entries {
		if e.Role == "user" && strings.TrimSpace(e.Text) != "" {
			userLines = append(userLines, e.Text)
		}
	}
	if len(userLines) == 0 {
		return "Caller requested human assistance."
	}
	const maxLines = 3
	if len(userLines) > maxLines {
		userLines = userLines[len(userLines)-maxLines:]
	}
	return strings.Join(userLines, " / ")
}
