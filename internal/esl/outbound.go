package esl

import (
	"context"
	"fmt"
	"net"
	"time"
)

// OutboundAdapter drives ESL commands over a socket FreeSWITCH itself
// opened back to us for one specific call (the "outbound" dialplan mode).
// It implements Commander only: originate, uuid_bridge, and subscription
// management require a full inbound connection per spec §4.4.
type OutboundAdapter struct {
	baseCommander
	callUUID string
}

// AcceptOutbound performs the "connect"/"linger" handshake FreeSWITCH
// expects at the start of an outbound socket session and returns an
// adapter bound to that call, along with the channel-data Message carrying
// the call's variables.
func AcceptOutbound(ctx context.Context, nc net.Conn, readTimeout time.Duration) (*OutboundAdapter, Message, error) {
	c := wrapConn(nc, readTimeout)
	go c.run()

	channelData, err := c.sendCommand(ctx, "connect")
	if err != nil {
		return nil, Message{}, fmt.Errorf("esl: outbound connect handshake: %w", err)
	}

	uuid := channelData.Get("Unique-ID")
	if uuid == "" {
		uuid = channelData.Get("Channel-Call-UUID")
	}

	if _, err := c.sendCommand(ctx, "linger"); err != nil {
		return nil, Message{}, fmt.Errorf("esl: outbound linger: %w", err)
	}

	return &OutboundAdapter{baseCommander: baseCommander{c: c}, callUUID: uuid}, channelData, nil
}

// Subscribe issues "myevents" plus an "event plain" subscription so this socket
// receives the call's events (CHANNEL_ANSWER, CHANNEL_HANGUP, DTMF, ...)
// without a second inbound connection.
func (o *OutboundAdapter) Subscribe(ctx context.Context, names ...string) error {
	if _, err := o.baseCommander.c.sendCommand(ctx, "myevents"); err != nil {
		return fmt.Errorf("esl: outbound myevents: %w", err)
	}
	if len(names) == 0 {
		return nil
	}
	line := "event plain"
	for _, n := range names {
		line += " " + n
	}
	_, err := o.baseCommander.c.sendCommand(ctx, line)
	return err
}

// Events returns the channel carrying unsolicited events for this call's
// outbound socket: CHANNEL_ANSWER, CHANNEL_HANGUP, DTMF, and anything else
// the relay subscribed to.
func (o *OutboundAdapter) Events() <-chan Message { return o.baseCommander.c.events }

// Closed is closed when the underlying socket's reader loop exits,
// signalling the call has ended or the connection dropped.
func (o *OutboundAdapter) Closed() <-chan struct{} { return o.baseCommander.c.closed }

// CallUUID is the FreeSWITCH channel UUID this socket is bound to.
func (o *OutboundAdapter) CallUUID() string { return o.callUUID }

func (o *OutboundAdapter) Close() error { return o.baseCommander.c.close() }

var _ Commander = (*OutboundAdapter)(nil)
