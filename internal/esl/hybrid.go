package esl

import "context"

// Hybrid prefers a call's own outbound socket for the basic Commander
// surface (no extra connection) and falls back to a shared inbound client
// when the outbound socket can't serve the op, isn't connected, or the op
// is one of the advanced operations the spec reserves for inbound
// (originate, uuid_bridge, subscribe, wait).
type Hybrid struct {
	outbound *OutboundAdapter // may be nil
	inbound  *InboundClient
}

// NewHybrid builds a Hybrid commander. inbound must not be nil; outbound
// may be nil if no outbound socket is attached to this call (e.g. RTP-only
// mode), in which case every op routes through inbound.
func NewHybrid(outbound *OutboundAdapter, inbound *InboundClient) *Hybrid {
	return &Hybrid{outbound: outbound, inbound: inbound}
}

func (h *Hybrid) outboundAvailable() bool {
	if h.outbound == nil {
		return false
	}
	select {
	case <-h.outbound.Closed():
		return false
	default:
		return true
	}
}

func (h *Hybrid) ExecuteAPI(ctx context.Context, command string) (Message, error) {
	if h.outboundAvailable() {
		if msg, err := h.outbound.ExecuteAPI(ctx, command); err == nil {
			return msg, nil
		}
	}
	return h.inbound.ExecuteAPI(ctx, command)
}

func (h *Hybrid) UUIDKill(ctx context.Context, uuid string) error {
	if h.outboundAvailable() {
		if err := h.outbound.UUIDKill(ctx, uuid); err == nil {
			return nil
		}
	}
	return h.inbound.UUIDKill(ctx, uuid)
}

func (h *Hybrid) UUIDHold(ctx context.Context, uuid string, on bool) error {
	if h.outboundAvailable() {
		if err := h.outbound.UUIDHold(ctx, uuid, on); err == nil {
			return nil
		}
	}
	return h.inbound.UUIDHold(ctx, uuid, on)
}

func (h *Hybrid) UUIDBreak(ctx context.Context, uuid string) error {
	if h.outboundAvailable() {
		if err := h.outbound.UUIDBreak(ctx, uuid); err == nil {
			return nil
		}
	}
	return h.inbound.UUIDBreak(ctx, uuid)
}

func (h *Hybrid) UUIDBroadcast(ctx context.Context, uuid, path, flags string) error {
	if h.outboundAvailable() {
		if err := h.outbound.UUIDBroadcast(ctx, uuid, path, flags); err == nil {
			return nil
		}
	}
	return h.inbound.UUIDBroadcast(ctx, uuid, path, flags)
}

func (h *Hybrid) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	if h.outboundAvailable() {
		if ok, err := h.outbound.UUIDExists(ctx, uuid); err == nil {
			return ok, nil
		}
	}
	return h.inbound.UUIDExists(ctx, uuid)
}

// Originate, UUIDBridge, UUIDSetVar, SubscribeEvents, and WaitForEvent
// always go through inbound per spec §4.4.

func (h *Hybrid) Originate(ctx context.Context, vars map[string]string, dialString string) (Message, error) {
	return h.inbound.Originate(ctx, vars, dialString)
}

func (h *Hybrid) UUIDBridge(ctx context.Context, aLeg, bLeg string) error {
	return h.inbound.UUIDBridge(ctx, aLeg, bLeg)
}

func (h *Hybrid) UUIDSetVar(ctx context.Context, uuid, name, value string) error {
	return h.inbound.UUIDSetVar(ctx, uuid, name, value)
}

func (h *Hybrid) SubscribeEvents(ctx context.Context, names ...string) error {
	return h.inbound.SubscribeEvents(ctx, names...)
}

func (h *Hybrid) WaitForEvent(ctx context.Context, eventName string, match func(Message) bool) (Message, error) {
	return h.inbound.WaitForEvent(ctx, eventName, match)
}

var _ AdvancedCommander = (*Hybrid)(nil)
