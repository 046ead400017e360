package eslrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
)

const (
	pcmuPayloadType = 0
	pcmuSampleRate  = 8000
	rtpFrameDur     = 20 * time.Millisecond
	rtpFrameBytes   = pcmuSampleRate / 1000 * 20 // 160 bytes/frame @8kHz, 20ms
)

// MediaSink receives the PCMU payload of each inbound RTP packet for a
// call's RTP-mode media plane, without the WebSocket media server in the
// loop. It has no method for supplying audio in the other direction.
type MediaSink interface {
	SessionSink
	// WriteMediaFrame delivers one inbound PCMU frame for callUUID.
	WriteMediaFrame(callUUID string, pcmu []byte)
}

// RTPModeDispatcher additionally receives media through a private UDP RTP
// plane (PCMU @8kHz with jitter buffering) alongside the same event
// relaying dual mode performs. Only the inbound direction is wired:
// rtpSession.WritePCMU has no caller, so nothing is sent to the remote
// media address.
type RTPModeDispatcher struct {
	sink       MediaSink
	localIP    string
	jitterCfg  JitterConfig
}

// NewRTPModeDispatcher builds a Dispatcher bridging media over RTP. localIP
// is the address this process binds its UDP sockets to.
func NewRTPModeDispatcher(sink MediaSink, localIP string, jitterCfg JitterConfig) *RTPModeDispatcher {
	return &RTPModeDispatcher{sink: sink, localIP: localIP, jitterCfg: jitterCfg}
}

func (d *RTPModeDispatcher) Dispatch(ctx context.Context, call CallContext) {
	d.sink.RegisterCommander(call.CallUUID, call.Adapter)

	remote, err := resolveRemote(call.RemoteMediaIP, call.RemoteMediaPort)
	if err != nil {
		slog.Warn("eslrelay: rtp mode missing remote media address", "call", call.CallUUID, "err", err)
		d.sink.ChannelEnded(call.CallUUID, "error")
		return
	}

	pconn, err := net.ListenPacket("udp", net.JoinHostPort(d.localIP, "0"))
	if err != nil {
		slog.Warn("eslrelay: rtp mode failed to open udp socket", "call", call.CallUUID, "err", err)
		d.sink.ChannelEnded(call.CallUUID, "error")
		return
	}
	defer pconn.Close()

	logEndpointDescriptor(call, d.localIP, pconn.LocalAddr())

	session := newRTPSession(pconn, remote, d.jitterCfg)
	go session.readLoop(ctx, call.CallUUID, d.sink)

	for {
		select {
		case msg, ok := <-call.Adapter.Events():
			if !ok {
				session.close()
				d.sink.ChannelEnded(call.CallUUID, "connection_closed")
				return
			}
			d.handleEvent(call.CallUUID, msg)
		case <-call.Adapter.Closed():
			session.close()
			d.sink.ChannelEnded(call.CallUUID, "connection_closed")
			return
		case <-ctx.Done():
			session.close()
			call.Adapter.Close()
			return
		}
	}
}

func (d *RTPModeDispatcher) handleEvent(callUUID string, msg esl.Message) {
	switch msg.Headers.Get("Event-Name") {
	case "CHANNEL_ANSWER":
		d.sink.ChannelAnswered(callUUID)
	case "CHANNEL_HANGUP", "CHANNEL_HANGUP_COMPLETE":
		d.sink.ChannelEnded(callUUID, "caller_hangup")
	case "DTMF":
		d.sink.DTMFReceived(callUUID, msg.Get("DTMF-Digit"))
	}
}

func resolveRemote(ip, port string) (*net.UDPAddr, error) {
	if ip == "" || port == "" {
		return nil, fmt.Errorf("missing remote media ip/port")
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid remote media port %q: %w", port, err)
	}
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: p}, nil
}

// logEndpointDescriptor builds a minimal SDP description of our local RTP
// endpoint purely for structured-log diagnostics — there is no SIP
// signalling layer here to exchange it with, FreeSWITCH already set up the
// media path via the channel variables the outbound socket handed us.
func logEndpointDescriptor(call CallContext, host string, local net.Addr) {
	udpAddr, ok := local.(*net.UDPAddr)
	if !ok {
		return
	}
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username: "realtime-bridge", SessionID: 1, SessionVersion: 1,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: host,
		},
		SessionName: sdp.SessionName(call.CallUUID),
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: udpAddr.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"0"},
			},
		}},
	}
	raw, err := desc.Marshal()
	if err != nil {
		return
	}
	slog.Debug("eslrelay: rtp endpoint opened", "call", call.CallUUID, "sdp", string(raw))
}

var _ Dispatcher = (*RTPModeDispatcher)(nil)

// rtpSession owns one call's UDP socket, jitter buffer, and RTP framing
// state for outbound writes.
type rtpSession struct {
	pconn  net.PacketConn
	remote net.Addr
	buf    *JitterBuffer

	ssrc      uint32
	seq       uint16
	timestamp uint32

	closeCh chan struct{}
}

func newRTPSession(pconn net.PacketConn, remote net.Addr, jitterCfg JitterConfig) *rtpSession {
	return &rtpSession{
		pconn:   pconn,
		remote:  remote,
		buf:     NewJitterBuffer(jitterCfg),
		ssrc:    uint32(time.Now().UnixNano()),
		closeCh: make(chan struct{}),
	}
}

func (s *rtpSession) readLoop(ctx context.Context, callUUID string, sink MediaSink) {
	buf := make([]byte, 1500)
	go s.drainLoop(callUUID, sink)
	for {
		n, _, err := s.pconn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.buf.Push(pkt)
	}
}

// drainLoop pops jitter-buffered packets on a steady 20ms clock and
// forwards their PCMU payload to the sink.
func (s *rtpSession) drainLoop(callUUID string, sink MediaSink) {
	ticker := time.NewTicker(rtpFrameDur)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if pkt := s.buf.Pop(); pkt != nil {
				sink.WriteMediaFrame(callUUID, pkt.Payload)
			}
		case <-s.closeCh:
			return
		}
	}
}

// WritePCMU sends one outbound PCMU frame (provider audio, already
// resampled to 8kHz) to the remote media address.
func (s *rtpSession) WritePCMU(payload []byte) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pcmuPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.pconn.WriteTo(data, s.remote)
	s.seq++
	s.timestamp += uint32(len(payload))
	return err
}

func (s *rtpSession) close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
}
