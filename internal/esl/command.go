package esl

import (
	"context"
	"fmt"
	"strings"
)

// Commander is the common command surface available on both outbound and
// inbound sockets.
type Commander interface {
	ExecuteAPI(ctx context.Context, command string) (Message, error)
	UUIDKill(ctx context.Context, uuid string) error
	UUIDHold(ctx context.Context, uuid string, on bool) error
	UUIDBreak(ctx context.Context, uuid string) error
	UUIDBroadcast(ctx context.Context, uuid, path, flags string) error
	UUIDExists(ctx context.Context, uuid string) (bool, error)
}

// AdvancedCommander adds operations the spec reserves for the inbound
// variant: originate, bridging, and event subscription/waiting.
type AdvancedCommander interface {
	Commander
	Originate(ctx context.Context, vars map[string]string, dialString string) (Message, error)
	UUIDBridge(ctx context.Context, aLeg, bLeg string) error
	UUIDSetVar(ctx context.Context, uuid, name, value string) error
	SubscribeEvents(ctx context.Context, names ...string) error
	WaitForEvent(ctx context.Context, eventName string, match func(Message) bool) (Message, error)
}

// baseCommander implements Commander over a raw conn via the "api" command,
// shared by both the outbound and inbound adapters.
type baseCommander struct {
	c *conn
}

func (b baseCommander) ExecuteAPI(ctx context.Context, command string) (Message, error) {
	return b.c.sendCommand(ctx, "api "+command)
}

func (b baseCommander) UUIDKill(ctx context.Context, uuid string) error {
	_, err := b.ExecuteAPI(ctx, "uuid_kill "+uuid)
	return err
}

func (b baseCommander) UUIDHold(ctx context.Context, uuid string, on bool) error {
	cmd := "uuid_hold " + uuid
	if !on {
		cmd = "uuid_hold off " + uuid
	}
	_, err := b.ExecuteAPI(ctx, cmd)
	return err
}

func (b baseCommander) UUIDBreak(ctx context.Context, uuid string) error {
	_, err := b.ExecuteAPI(ctx, "uuid_break "+uuid)
	return err
}

func (b baseCommander) UUIDBroadcast(ctx context.Context, uuid, path, flags string) error {
	cmd := fmt.Sprintf("uuid_broadcast %s %s", uuid, path)
	if flags != "" {
		cmd += " " + flags
	}
	_, err := b.ExecuteAPI(ctx, cmd)
	return err
}

func (b baseCommander) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	msg, err := b.ExecuteAPI(ctx, "uuid_exists "+uuid)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(msg.Body) == "true", nil
}

// isBenignAPIError reports whether msg is a -ERR reply whose body carries
// NO_ANSWER.
func isBenignAPIError(msg Message) bool {
	body := strings.TrimSpace(msg.Body)
	return strings.Contains(body, "NO_ANSWER") && strings.HasPrefix(body, "-ERR")
}

func formatOriginateVars(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k, v := range vars {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%s=%s", k, v)
	}
	b.WriteByte('}')
	return b.String()
}
