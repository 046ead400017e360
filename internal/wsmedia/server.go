// Package wsmedia implements the media-plane WebSocket server: callers
// (via FreeSWITCH's mod_audio_fork or an equivalent media bridge) connect
// to /stream/{tenant}/{call}, exchange a metadata handshake, then stream
// PCM16 audio frames bidirectionally.
package wsmedia

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Session is implemented by the call-session layer; the server hands it
// every inbound frame and asks it for outbound frames to write, so
// wsmedia has no knowledge of provider adapters or session state.
type Session interface {
	// HandleMetadata runs for every metadata text frame, and once with an
	// empty caller id when a binary frame arrives before any metadata.
	HandleMetadata(callerID string)
	// HandleAudio delivers one inbound PCM16 binary frame.
	HandleAudio(pcm []byte)
	// HandleDTMF delivers one DTMF digit.
	HandleDTMF(digit string)
	// HandleHangup signals the caller requested hangup via the control
	// channel.
	HandleHangup()
	// Closed signals the WebSocket connection itself closed, with the
	// given reason (always "connection_closed" per spec §4.6).
	Closed(reason string)
}

// Registry resolves a (tenant, call) pair to the Session that should
// handle it, and supplies an Outbound sink the server uses to push
// provider audio back down the same connection.
type Registry interface {
	Bind(tenantID, callID string) (Session, Outbound, error)
}

// Outbound lets the owning session push frames to this specific
// connection: an initial rawAudio announcement, then binary PCM16 frames.
type Outbound interface {
	// Frames returns the channel of PCM16 frames to write to the socket,
	// at the sample rate already announced via SampleRate.
	Frames() <-chan []byte
	// SampleRate is the playback rate announced in the initial rawAudio
	// frame.
	SampleRate() int
}

// ServerConfig configures the media server.
type ServerConfig struct {
	Addr         string
	WriteTimeout time.Duration // default 5s per frame write
}

func (c *ServerConfig) setDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Server is the HTTP+WebSocket media server.
type Server struct {
	cfg      ServerConfig
	registry Registry
	mux      *http.ServeMux
	httpSrv  *http.Server
}

// NewServer builds a Server with /stream/{tenant}/{call} and /health
// registered on its own ServeMux.
func NewServer(cfg ServerConfig, registry Registry) *Server {
	cfg.setDefaults()
	s := &Server{cfg: cfg, registry: registry, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /stream/{tenant}/{call}", s.handleStream)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Serve starts listening and blocks until the server is shut down or
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "ok")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	call := r.PathValue("call")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("wsmedia: accept failed", "tenant", tenant, "call", call, "err", err)
		return
	}

	session, outbound, err := s.registry.Bind(tenant, call)
	if err != nil {
		slog.Warn("wsmedia: bind rejected", "tenant", tenant, "call", call, "err", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.announceRawAudio(ctx, conn, outbound.SampleRate()); err != nil {
		conn.Close(websocket.StatusInternalError, "announce failed")
		return
	}

	done := make(chan struct{})
	go s.writeLoop(ctx, conn, outbound, done)
	s.readLoop(ctx, conn, session)
	close(done)

	session.Closed("connection_closed")
}

func (s *Server) announceRawAudio(ctx context.Context, conn *websocket.Conn, sampleRate int) error {
	data, err := json.Marshal(map[string]any{
		"type": "rawAudio",
		"data": map[string]int{"sampleRate": sampleRate},
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, session Session) {
	metadataSeen := false
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			if !metadataSeen {
				session.HandleMetadata("")
				metadataSeen = true
			}
			session.HandleAudio(data)
		case websocket.MessageText:
			s.handleControlFrame(data, session, &metadataSeen)
		}
	}
}

func (s *Server) handleControlFrame(data []byte, session Session, metadataSeen *bool) {
	var envelope struct {
		Type     string `json:"type"`
		CallerID string `json:"caller_id"`
		Digit    string `json:"digit"`
	}
	if json.Unmarshal(data, &envelope) != nil {
		return
	}
	switch strings.ToLower(envelope.Type) {
	case "metadata":
		session.HandleMetadata(envelope.CallerID)
		*metadataSeen = true
	case "dtmf":
		session.HandleDTMF(envelope.Digit)
	case "hangup":
		session.HandleHangup()
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound Outbound, done <-chan struct{}) {
	for {
		select {
		case frame, ok := <-outbound.Frames():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageBinary, frame)
			cancel()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
