package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/provider"
)

// dispatchFunctionCall resolves the built-in function vocabulary of
// §4.7.4. Results are always reported back to the provider via
// SendFunctionResult, even on internal failure, so the conversation isn't
// left hanging on an unanswered tool call.
func (s *Session) dispatchFunctionCall(ctx context.Context, ev provider.Event) {
	result := s.runFunction(ctx, ev.FunctionName, ev.FunctionArgs)

	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"error":"internal"}`)
	}

	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter == nil {
		return
	}
	if err := adapter.SendFunctionResult(ev.FunctionName, string(payload), ev.CallID); err != nil {
		slog.Warn("callsession: send function result failed", "call", s.CallID, "fn", ev.FunctionName, "err", err)
	}
}

func (s *Session) runFunction(ctx context.Context, name, rawArgs string) map[string]any {
	switch name {
	case "transfer_call":
		return s.runTransferCall(ctx, rawArgs)
	case "end_call":
		return s.runEndCall(ctx, rawArgs)
	case "request_handoff":
		return s.runRequestHandoff(ctx, "function_call")
	default:
		return map[string]any{"error": fmt.Sprintf("unknown function %q", name)}
	}
}

func (s *Session) runTransferCall(ctx context.Context, rawArgs string) map[string]any {
	var args struct {
		Destination string `json:"destination"`
		Department  string `json:"department"`
		Reason      string `json:"reason"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)

	if s.mgr.transferMgr == nil {
		return map[string]any{"error": "transfer not available"}
	}
	s.mu.Lock()
	cmd := s.advCommander
	s.mu.Unlock()
	if cmd == nil {
		return map[string]any{"error": "no call control available"}
	}

	result, err := s.mgr.transferMgr.Transfer(ctx, cmd, TransferCall{
		TenantID:        s.TenantID,
		SecretaryID:     s.SecretaryID,
		CallUUID:        s.CallID,
		CallerID:        s.CallerID,
		DestinationHint: args.Destination,
		Department:      args.Department,
		Reason:          args.Reason,
	})
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	s.mu.Lock()
	s.bLegCallUUID = result.BLegCallUUID
	s.mu.Unlock()

	if result.Status == "success" {
		s.stop(ctx, "transferred")
	}
	return map[string]any{"status": result.Status, "message": result.Message}
}

func (s *Session) runEndCall(ctx context.Context, rawArgs string) map[string]any {
	var args struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)
	reason := args.Reason
	if reason == "" {
		reason = "end_call"
	}
	// Delay so the provider's farewell audio finishes rendering and is
	// flushed to the media leg before the connection tears down.
	go func() {
		time.Sleep(2 * time.Second)
		s.stop(context.Background(), reason)
	}()
	return map[string]any{"status": "ending"}
}

func (s *Session) runRequestHandoff(ctx context.Context, reason string) map[string]any {
	result := s.triggerHandoff(ctx, reason)
	if result == nil {
		return map[string]any{"status": "unavailable"}
	}
	return map[string]any{"status": result.Outcome, "message": result.Message}
}

// checkHandoffTriggers runs the keyword scan and turn-counter check of
// §4.9 against a freshly committed user transcript entry.
func (s *Session) checkHandoffTriggers(ctx context.Context, text string) {
	s.mu.Lock()
	already := s.handoffTriggered
	turns := s.turnsCompleted
	keywords := s.cfg.HandoffKeywords
	maxTurns := s.cfg.MaxAITurns
	s.mu.Unlock()
	if already {
		return
	}

	if matchesHandoffKeyword(text, keywords) {
		s.triggerHandoff(ctx, "keyword")
		return
	}
	if maxTurns > 0 && turns >= maxTurns {
		s.triggerHandoff(ctx, "turn_limit")
	}
}

func matchesHandoffKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// triggerHandoff enforces at-most-once delivery and, on success, speaks
// the outcome message back to the caller via provider.SendText.
func (s *Session) triggerHandoff(ctx context.Context, reason string) *HandoffResult {
	s.mu.Lock()
	if s.handoffTriggered || s.mgr.handoffMgr == nil {
		s.mu.Unlock()
		return nil
	}
	s.handoffTriggered = true
	transcript := append([]TranscriptEntry(nil), s.transcript...)
	adapter := s.adapter
	providerName := string(s.adapterName)
	advCommander := s.advCommander
	queueID := s.cfg.HandoffQueueID
	var avgLatency time.Duration
	if n := len(s.latencies); n > 0 {
		var sum time.Duration
		for _, d := range s.latencies {
			sum += d
		}
		avgLatency = sum / time.Duration(n)
	}
	s.mu.Unlock()

	result, err := s.mgr.handoffMgr.Handle(ctx, HandoffRequest{
		TenantID:     s.TenantID,
		SecretaryID:  s.SecretaryID,
		CallUUID:     s.CallID,
		CallerID:     s.CallerID,
		Transcript:   transcript,
		Provider:     providerName,
		DurationSec:  time.Since(s.startedAt).Seconds(),
		AvgLatencyMs: float64(avgLatency.Milliseconds()),
		Reason:       reason,
		QueueID:      queueID,
		Commander:    advCommander,
	})
	if err != nil {
		slog.Warn("callsession: handoff failed", "call", s.CallID, "err", err)
		s.mu.Lock()
		s.handoffResult = &HandoffResult{Outcome: "aborted", Message: "handoff unavailable"}
		r := s.handoffResult
		s.mu.Unlock()
		return r
	}

	s.mu.Lock()
	s.handoffResult = &result
	s.mu.Unlock()

	if adapter != nil && result.Message != "" {
		if err := adapter.SendText(result.Message); err != nil {
			slog.Warn("callsession: speaking handoff result failed", "call", s.CallID, "err", err)
		}
	}
	switch result.Outcome {
	case "transferred":
		s.stop(ctx, "handoff_transferred")
	case "ticketed":
		s.stop(ctx, "handoff_ticket_created")
	}
	return &result
}
