// Package callsession implements the central live-call entity and its
// manager: the state machine driving one call from the moment its media
// WebSocket or ESL outbound socket is bound through to persisted
// transcript, wiring together the provider adapters, audio primitives,
// and ESL command surface the rest of the tree exposes.
package callsession

import (
	"context"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
)

// TranscriptEntry is one committed turn of the call's transcript.
type TranscriptEntry struct {
	Role      string // "user" | "assistant" | "system"
	Text      string
	Timestamp time.Duration // monotonic, relative to session start
}

// TransferCall carries everything the transfer manager needs to place a
// b-leg and bridge it to the a-leg already identified by CallUUID.
type TransferCall struct {
	TenantID    string
	SecretaryID string
	CallUUID    string
	CallerID    string

	DestinationHint string // free-form caller utterance, e.g. "sales"
	Department      string
	Reason          string
}

// TransferResult is the outcome of a transfer attempt, in the
// hangup-cause-derived vocabulary of §4.8.2.
type TransferResult struct {
	Status       string // success | busy | no_answer | offline | rejected | dnd | failed | unavailable | cancelled
	Message      string // caller-facing, spoken via provider.SendText
	BLegCallUUID string
}

// TransferManager resolves a destination from free-form text and drives
// the attended-transfer ESL protocol. Implemented by internal/transfer;
// declared here so callsession depends on the narrow surface it needs
// rather than the other package's concrete types.
type TransferManager interface {
	Transfer(ctx context.Context, cmd esl.AdvancedCommander, call TransferCall) (TransferResult, error)
}

// HandoffRequest carries the call context a handoff decision is made from.
type HandoffRequest struct {
	TenantID     string
	SecretaryID  string
	CallUUID     string
	CallerID     string
	Transcript   []TranscriptEntry
	Provider     string
	DurationSec  float64
	AvgLatencyMs float64
	Reason       string
	QueueID      string

	// Commander is the a-leg's ESL command surface, used to place and
	// bridge an attended transfer when an online agent is found. Nil on a
	// websocket-only session (no FreeSWITCH channel to bridge), in which
	// case a handoff can only ever fall through to a ticket.
	Commander esl.AdvancedCommander
}

// HandoffResult is the outcome of a handoff attempt.
type HandoffResult struct {
	Outcome  string // transferred | ticketed | aborted
	TicketID string
	Message  string // spoken to the caller via provider.SendText
}

// HandoffManager implements the online-agents-check / ticket-fallback
// decision of §4.9. Implemented by internal/handoff.
type HandoffManager interface {
	Handle(ctx context.Context, req HandoffRequest) (HandoffResult, error)
}

// ConversationRecord is the single-transaction persistence unit written on
// Ending, mirroring the conversations/messages tables of §6.
type ConversationRecord struct {
	CallUUID    string
	TenantID    string
	SecretaryID string
	Caller      string
	Start       time.Time
	End         time.Time
	FinalAction string
	Mode        string
	Messages    []TranscriptEntry
}

// Store persists a finished call's transcript. Implemented by
// internal/store; a nil Store is tolerated (persistence is skipped, not a
// fatal condition, matching §4.7.7's "write failure is logged but does not
// block shutdown").
type Store interface {
	SaveConversation(ctx context.Context, rec ConversationRecord) error
}

// Metrics receives lifecycle and audio-plane counters. All methods are
// optional; a nil *Metrics-shaped field is never dereferenced because
// callers always go through the nilMetrics fallback in metrics.go.
type Metrics interface {
	CallStarted(tenantID string)
	CallEnded(tenantID, reason string)
	AudioBytes(tenantID string, in, out int)
	AudioChunks(tenantID string, in, out int)
	ResponseLatency(tenantID string, d time.Duration)
	BargeIn(tenantID string)
	ActiveSessions(n int)
}

// RateLimiter admits or rejects an event for a sliding-window key
// (typically tenant+endpoint, per §4.10). Implemented by
// internal/metrics.RateLimiter; a nil RateLimiter means admission control
// is left entirely to the tenant/global session caps.
type RateLimiter interface {
	Allow(key string) bool
}
