package esl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// InboundConfig configures a persistent inbound ESL connection.
type InboundConfig struct {
	Addr             string
	Password         string
	ConnectTimeout   time.Duration // default 5s
	ReadTimeout      time.Duration // default 30s
	ReconnectRetries int           // default 3
	ReconnectDelay   time.Duration // default 2s
}

func (c *InboundConfig) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ReconnectRetries <= 0 {
		c.ReconnectRetries = 3
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
}

// InboundClient is a persistent, authenticated ESL connection supporting
// the full AdvancedCommander surface plus automatic reconnection with
// bounded retries and exponential backoff, restoring event subscriptions
// once reconnected.
type InboundClient struct {
	cfg InboundConfig

	mu         sync.Mutex
	c          *conn
	subscribed []string
	waiters    map[string][]pendingWait
	closed     bool
}

type pendingWait struct {
	match func(Message) bool
	ch    chan Message
}

// Dial connects and authenticates an InboundClient.
func Dial(ctx context.Context, cfg InboundConfig) (*InboundClient, error) {
	cfg.setDefaults()
	ic := &InboundClient{cfg: cfg, waiters: make(map[string][]pendingWait)}
	if err := ic.connect(ctx); err != nil {
		return nil, err
	}
	return ic, nil
}

func (ic *InboundClient) connect(ctx context.Context) error {
	c, err := dial(ctx, ic.cfg.Addr, ic.cfg.ConnectTimeout, ic.cfg.ReadTimeout)
	if err != nil {
		return err
	}
	go c.run()

	authReply, err := c.sendCommand(ctx, "auth "+ic.cfg.Password)
	if err != nil {
		c.close()
		return fmt.Errorf("esl: inbound auth: %w", err)
	}
	if !authReply.ReplyOK() {
		c.close()
		return fmt.Errorf("esl: inbound auth rejected: %s", authReply.ReplyText())
	}

	ic.mu.Lock()
	ic.c = c
	subs := append([]string(nil), ic.subscribed...)
	ic.mu.Unlock()

	if len(subs) > 0 {
		if err := ic.subscribeOn(ctx, c, subs...); err != nil {
			return fmt.Errorf("esl: restoring subscriptions: %w", err)
		}
	}

	go ic.dispatchEvents(c)
	return nil
}

// reconnect retries with exponential backoff up to ReconnectRetries times.
func (ic *InboundClient) reconnect(ctx context.Context) error {
	delay := ic.cfg.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= ic.cfg.ReconnectRetries; attempt++ {
		if err := ic.connect(ctx); err == nil {
			slog.Info("esl: inbound reconnected", "attempt", attempt)
			return nil
		} else {
			lastErr = err
			slog.Warn("esl: inbound reconnect attempt failed", "attempt", attempt, "err", err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("esl: inbound reconnect exhausted after %d attempts: %w", ic.cfg.ReconnectRetries, lastErr)
}

func (ic *InboundClient) activeConn() (*conn, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.closed {
		return nil, fmt.Errorf("esl: inbound client closed")
	}
	if ic.c == nil {
		return nil, fmt.Errorf("esl: inbound client not connected")
	}
	return ic.c, nil
}

// withRetry runs fn against the active connection, triggering one
// reconnect-and-retry cycle if the connection has dropped.
func (ic *InboundClient) withRetry(ctx context.Context, fn func(*conn) (Message, error)) (Message, error) {
	c, err := ic.activeConn()
	if err != nil {
		return Message{}, err
	}
	msg, err := fn(c)
	if err == nil {
		return msg, nil
	}
	select {
	case <-c.closed:
	default:
		return msg, err
	}
	if rErr := ic.reconnect(ctx); rErr != nil {
		return Message{}, fmt.Errorf("esl: command failed and reconnect failed: %w", rErr)
	}
	c, err = ic.activeConn()
	if err != nil {
		return Message{}, err
	}
	return fn(c)
}

func (ic *InboundClient) dispatchEvents(c *conn) {
	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				return
			}
			ic.routeEvent(msg)
		case <-c.closed:
			return
		}
	}
}

func (ic *InboundClient) routeEvent(msg Message) {
	name := msg.Headers.Get("Event-Name")
	ic.mu.Lock()
	waiters := ic.waiters[name]
	var remaining []pendingWait
	for _, w := range waiters {
		if w.match == nil || w.match(msg) {
			w.ch <- msg
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	ic.waiters[name] = remaining
	ic.mu.Unlock()
}

func (ic *InboundClient) subscribeOn(ctx context.Context, c *conn, names ...string) error {
	line := "event plain " + strings.Join(names, " ")
	reply, err := c.sendCommand(ctx, line)
	if err != nil {
		return err
	}
	if !reply.ReplyOK() {
		return fmt.Errorf("esl: subscribe rejected: %s", reply.ReplyText())
	}
	return nil
}

func (ic *InboundClient) ExecuteAPI(ctx context.Context, command string) (Message, error) {
	return ic.withRetry(ctx, func(c *conn) (Message, error) {
		return c.sendCommand(ctx, "api "+command)
	})
}

func (ic *InboundClient) UUIDKill(ctx context.Context, uuid string) error {
	_, err := ic.ExecuteAPI(ctx, "uuid_kill "+uuid)
	return err
}

func (ic *InboundClient) UUIDHold(ctx context.Context, uuid string, on bool) error {
	cmd := "uuid_hold " + uuid
	if !on {
		cmd = "uuid_hold off " + uuid
	}
	_, err := ic.ExecuteAPI(ctx, cmd)
	return err
}

func (ic *InboundClient) UUIDBreak(ctx context.Context, uuid string) error {
	_, err := ic.ExecuteAPI(ctx, "uuid_break "+uuid)
	return err
}

func (ic *InboundClient) UUIDBroadcast(ctx context.Context, uuid, path, flags string) error {
	cmd := fmt.Sprintf("uuid_broadcast %s %s", uuid, path)
	if flags != "" {
		cmd += " " + flags
	}
	_, err := ic.ExecuteAPI(ctx, cmd)
	return err
}

func (ic *InboundClient) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	msg, err := ic.ExecuteAPI(ctx, "uuid_exists "+uuid)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(msg.Body) == "true", nil
}

// Originate runs a synchronous "api originate" call. Per spec §4.4/§6 the
// call returns +OK only once the b-leg has answered.
func (ic *InboundClient) Originate(ctx context.Context, vars map[string]string, dialString string) (Message, error) {
	cmd := "originate " + formatOriginateVars(vars) + dialString + " &park()"
	msg, err := ic.ExecuteAPI(ctx, cmd)
	if err != nil {
		return msg, err
	}
	if !strings.HasPrefix(strings.TrimSpace(msg.Body), "+OK") {
		return msg, fmt.Errorf("esl: originate failed: %s", strings.TrimSpace(msg.Body))
	}
	return msg, nil
}

func (ic *InboundClient) UUIDBridge(ctx context.Context, aLeg, bLeg string) error {
	_, err := ic.ExecuteAPI(ctx, "uuid_bridge "+aLeg+" "+bLeg)
	return err
}

func (ic *InboundClient) UUIDSetVar(ctx context.Context, uuid, name, value string) error {
	_, err := ic.ExecuteAPI(ctx, fmt.Sprintf("uuid_setvar %s %s %s", uuid, name, value))
	return err
}

// SubscribeEvents subscribes to the named events and remembers them so a
// reconnect can restore the subscription.
func (ic *InboundClient) SubscribeEvents(ctx context.Context, names ...string) error {
	c, err := ic.activeConn()
	if err != nil {
		return err
	}
	if err := ic.subscribeOn(ctx, c, names...); err != nil {
		return err
	}
	ic.mu.Lock()
	ic.subscribed = mergeUnique(ic.subscribed, names)
	ic.mu.Unlock()
	return nil
}

func mergeUnique(existing []string, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}
	out := append([]string(nil), existing...)
	for _, a := range add {
		if !seen[a] {
			out = append(out, a)
			seen[a] = true
		}
	}
	return out
}

// WaitForEvent blocks until an event named eventName satisfying match
// arrives, the context is cancelled, or the connection closes.
func (ic *InboundClient) WaitForEvent(ctx context.Context, eventName string, match func(Message) bool) (Message, error) {
	ch := make(chan Message, 1)
	ic.mu.Lock()
	ic.waiters[eventName] = append(ic.waiters[eventName], pendingWait{match: match, ch: ch})
	c := ic.c
	ic.mu.Unlock()

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.closed:
		return Message{}, fmt.Errorf("esl: connection closed while waiting for %s", eventName)
	}
}

// Close shuts down the connection and marks the client closed, preventing
// further automatic reconnection.
func (ic *InboundClient) Close() error {
	ic.mu.Lock()
	ic.closed = true
	c := ic.c
	ic.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.close()
}

var _ AdvancedCommander = (*InboundClient)(nil)
