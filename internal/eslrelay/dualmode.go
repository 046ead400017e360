package eslrelay

import (
	"context"
	"log/slog"

	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
)

// SessionSink is implemented by the session layer so the relay can push
// ESL events into the matching WebSocket-owned session without eslrelay
// importing it back (callsession depends on eslrelay's CallContext type,
// not the reverse).
type SessionSink interface {
	// RegisterCommander makes a call's ESL command surface available to
	// the session owning that call (used by the transfer manager and
	// function-call dispatch).
	RegisterCommander(callUUID string, cmd esl.Commander)

	// ChannelAnswered is called once FreeSWITCH confirms the a-leg
	// answered.
	ChannelAnswered(callUUID string)

	// DTMFReceived forwards a single DTMF digit event for the call.
	DTMFReceived(callUUID, digit string)

	// ChannelEnded signals the outbound socket closed or the channel
	// hung up, terminating the session with the given reason.
	ChannelEnded(callUUID, reason string)
}

// DualModeDispatcher registers each call's commander with the session
// layer and relays CHANNEL_ANSWER/CHANNEL_HANGUP/DTMF events into it.
// Media is not touched in this mode — it travels over the WebSocket media
// server.
type DualModeDispatcher struct {
	sink SessionSink
}

// NewDualModeDispatcher builds a Dispatcher in dual mode.
func NewDualModeDispatcher(sink SessionSink) *DualModeDispatcher {
	return &DualModeDispatcher{sink: sink}
}

func (d *DualModeDispatcher) Dispatch(ctx context.Context, call CallContext) {
	d.sink.RegisterCommander(call.CallUUID, call.Adapter)

	for {
		select {
		case msg, ok := <-call.Adapter.Events():
			if !ok {
				d.sink.ChannelEnded(call.CallUUID, "connection_closed")
				return
			}
			d.handleEvent(call.CallUUID, msg)
		case <-call.Adapter.Closed():
			d.sink.ChannelEnded(call.CallUUID, "connection_closed")
			return
		case <-ctx.Done():
			call.Adapter.Close()
			return
		}
	}
}

func (d *DualModeDispatcher) handleEvent(callUUID string, msg esl.Message) {
	switch msg.Headers.Get("Event-Name") {
	case "CHANNEL_ANSWER":
		d.sink.ChannelAnswered(callUUID)
	case "CHANNEL_HANGUP", "CHANNEL_HANGUP_COMPLETE":
		d.sink.ChannelEnded(callUUID, "caller_hangup")
	case "DTMF":
		digit := msg.Headers.Get("DTMF-Digit")
		if digit == "" {
			digit = msg.Get("DTMF-Digit")
		}
		d.sink.DTMFReceived(callUUID, digit)
	default:
		slog.Debug("eslrelay: unhandled event", "call", callUUID, "event", msg.Headers.Get("Event-Name"))
	}
}

var _ Dispatcher = (*DualModeDispatcher)(nil)
