// Package eslrelay implements the ESL outbound event-relay server: it
// accepts one TCP connection per live call from FreeSWITCH's outbound
// socket application, extracts channel variables, and hands the call off
// to a Dispatcher either in dual mode (events only, media carried on the
// WebSocket media server) or RTP mode (media bridged directly over UDP).
package eslrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
)

// CallContext carries everything extracted from an accepted outbound
// socket: the adapter driving that call's commands/events, and its
// channel variables.
type CallContext struct {
	Adapter     *esl.OutboundAdapter
	TenantID    string
	SecretaryID string
	CallerID    string
	CallUUID    string

	RemoteMediaIP   string
	RemoteMediaPort string
	LocalMediaIP    string
	LocalMediaPort  string
}

// Dispatcher receives each accepted call. Implementations decide between
// dual mode (register as the event relay for an existing WS-owned
// session) and RTP mode (bridge media directly); both are reached through
// this single entry point so the server has no mode-specific knowledge.
type Dispatcher interface {
	Dispatch(ctx context.Context, call CallContext)
}

// ServerConfig configures the outbound listener.
type ServerConfig struct {
	Addr             string
	AcceptTimeout    time.Duration // default 5s, bounds the connect/linger handshake
	CommandReadTimeout time.Duration // default 30s
}

func (c *ServerConfig) setDefaults() {
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 5 * time.Second
	}
	if c.CommandReadTimeout <= 0 {
		c.CommandReadTimeout = 30 * time.Second
	}
}

// Server is the ESL outbound TCP listener. One goroutine per accepted
// connection establishes the outbound session and hands it to Dispatcher;
// the "schedule onto loop" primitive the spec calls for is this handoff
// goroutine, which owns dispatch onto the session's own goroutine rather
// than blocking the accept loop.
type Server struct {
	cfg        ServerConfig
	dispatcher Dispatcher
	listener   net.Listener
}

// NewServer builds a Server bound to addr once Serve is called.
func NewServer(cfg ServerConfig, dispatcher Dispatcher) *Server {
	cfg.setDefaults()
	return &Server{cfg: cfg, dispatcher: dispatcher}
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("eslrelay: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("eslrelay: accept: %w", err)
			}
		}
		go s.handleConnection(ctx, nc)
	}
}

// Close stops the listener, unblocking Serve.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	acceptCtx, cancel := context.WithTimeout(ctx, s.cfg.AcceptTimeout)
	defer cancel()

	adapter, channelData, err := esl.AcceptOutbound(acceptCtx, nc, s.cfg.CommandReadTimeout)
	if err != nil {
		slog.Warn("eslrelay: outbound handshake failed", "err", err)
		nc.Close()
		return
	}

	call := CallContext{
		Adapter:         adapter,
		TenantID:        firstNonEmpty(channelData.Get("domain_name"), channelData.Get("domain_uuid")),
		SecretaryID:     channelData.Get("secretary_id"),
		CallerID:        firstNonEmpty(channelData.Get("caller_id_number"), channelData.Get("effective_caller_id_number")),
		CallUUID:        adapter.CallUUID(),
		RemoteMediaIP:   channelData.Get("remote_media_ip"),
		RemoteMediaPort: channelData.Get("remote_media_port"),
		LocalMediaIP:    channelData.Get("local_media_ip"),
		LocalMediaPort:  channelData.Get("local_media_port"),
	}

	if err := adapter.Subscribe(ctx, "CHANNEL_ANSWER", "CHANNEL_HANGUP", "DTMF"); err != nil {
		slog.Warn("eslrelay: subscribe failed", "call", call.CallUUID, "err", err)
		adapter.Close()
		return
	}

	if call.TenantID == "" || call.CallUUID == "" {
		slog.Warn("eslrelay: missing required channel variables, rejecting call", "call", call.CallUUID)
		adapter.Close()
		return
	}

	s.dispatcher.Dispatch(ctx, call)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
