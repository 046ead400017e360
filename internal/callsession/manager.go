package callsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/config"
	"github.com/tenvoicebridge/realtime-bridge/internal/esl"
	"github.com/tenvoicebridge/realtime-bridge/internal/eslrelay"
	"github.com/tenvoicebridge/realtime-bridge/internal/provider"
	"github.com/tenvoicebridge/realtime-bridge/internal/wsmedia"
)

const (
	defaultTenantCap = 10
	defaultGlobalCap = 100
)

// Manager implements the session manager contract of §4.7.1: it is the
// single owner of the call-id -> *Session map and both concurrency
// ceilings, and serves as the wsmedia.Registry and eslrelay.SessionSink /
// eslrelay.MediaSink concrete implementation the rest of the bridge binds
// to, forwarding every call by call id to the matching Session.
type Manager struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	tenantCounts map[string]int

	tenantCap int
	globalCap int

	configCache *config.Cache
	factory     provider.Factory
	store       Store
	transferMgr TransferManager
	handoffMgr  HandoffManager
	inbound     *esl.InboundClient
	metrics     Metrics
	rateLimiter RateLimiter
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithTenantCap(n int) Option { return func(m *Manager) { m.tenantCap = n } }
func WithGlobalCap(n int) Option { return func(m *Manager) { m.globalCap = n } }
func WithStore(s Store) Option   { return func(m *Manager) { m.store = s } }
func WithTransferManager(t TransferManager) Option {
	return func(m *Manager) { m.transferMgr = t }
}
func WithHandoffManager(h HandoffManager) Option {
	return func(m *Manager) { m.handoffMgr = h }
}
func WithInboundClient(c *esl.InboundClient) Option {
	return func(m *Manager) { m.inbound = c }
}
func WithMetrics(metrics Metrics) Option { return func(m *Manager) { m.metrics = metrics } }

// WithRateLimiter sets the admission-control rate limiter consulted by
// Create, keyed by tenant (§4.10's per-endpoint sliding counters applied
// at call-admission granularity, since this bridge's provider calls are
// a continuous audio stream rather than discrete per-request endpoints).
func WithRateLimiter(rl RateLimiter) Option { return func(m *Manager) { m.rateLimiter = rl } }

// NewManager builds a Manager. configCache resolves secretary
// configuration and factory constructs provider adapters by name.
func NewManager(configCache *config.Cache, factory provider.Factory, opts ...Option) *Manager {
	m := &Manager{
		sessions:     make(map[string]*Session),
		tenantCounts: make(map[string]int),
		tenantCap:    defaultTenantCap,
		globalCap:    defaultGlobalCap,
		configCache:  configCache,
		factory:      factory,
		metrics:      nilMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = nilMetrics{}
	}
	return m
}

var (
	// ErrDuplicateCall is returned by Create when the call id is already
	// registered.
	ErrDuplicateCall = fmt.Errorf("callsession: duplicate call id")
	// ErrTenantCapReached is a resource-kind error per §7.
	ErrTenantCapReached = fmt.Errorf("callsession: tenant concurrent-session cap reached")
	// ErrGlobalCapReached is a resource-kind error per §7.
	ErrGlobalCapReached = fmt.Errorf("callsession: global concurrent-session cap reached")
	// ErrRateLimited is a resource-kind error per §7, returned when the
	// tenant's call-admission rate limiter rejects the new call.
	ErrRateLimited = fmt.Errorf("callsession: tenant rate limit exceeded")
)

// Create builds and starts a session for (tenantID, callID), loading its
// secretary configuration by secretaryID. It enforces the tenant and
// global caps before the session counts against either, and rejects a
// duplicate call id outright.
func (m *Manager) Create(ctx context.Context, tenantID, callID, secretaryID, callerID string) (*Session, error) {
	if m.rateLimiter != nil && !m.rateLimiter.Allow(tenantID) {
		return nil, ErrRateLimited
	}

	cfg, err := m.configCache.Secretary(ctx, tenantID, secretaryID)
	if err != nil {
		return nil, fmt.Errorf("callsession: loading secretary config: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateCall
	}
	if m.tenantCap > 0 && m.tenantCounts[tenantID] >= m.tenantCap {
		m.mu.Unlock()
		return nil, ErrTenantCapReached
	}
	if m.globalCap > 0 && len(m.sessions) >= m.globalCap {
		m.mu.Unlock()
		return nil, ErrGlobalCapReached
	}

	sess := newSession(m, tenantID, callID, secretaryID, callerID, cfg)
	m.sessions[callID] = sess
	m.tenantCounts[tenantID]++
	total := len(m.sessions)
	m.mu.Unlock()

	m.metrics.ActiveSessions(total)

	if err := sess.start(ctx); err != nil {
		// start() already drove the session to Ending/Ended and called
		// remove() via stop(); nothing further to unwind here.
		return nil, err
	}
	return sess, nil
}

// Get returns the live session for callID, or nil if none exists.
func (m *Manager) Get(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}

// remove drops callID from the manager and decrements its tenant counter;
// called once, from Session.stop, never directly by external callers
// (invariant 1: membership and the ended transition are atomic from the
// outside observer's perspective since stop() holds s.stopOnce).
func (m *Manager) remove(callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, callID)
	m.tenantCounts[sess.TenantID]--
	if m.tenantCounts[sess.TenantID] <= 0 {
		delete(m.tenantCounts, sess.TenantID)
	}
	total := len(m.sessions)
	m.mu.Unlock()
	m.metrics.ActiveSessions(total)
}

// Remove is the external-facing counterpart used by callers that only
// hold a call id (e.g. an admin endpoint), stopping the session first so
// removal always goes through the normal Ending->Ended path.
func (m *Manager) Remove(ctx context.Context, callID, reason string) {
	m.Stop(ctx, callID, reason)
}

// Stop requests termination of one call.
func (m *Manager) Stop(ctx context.Context, callID, reason string) {
	if sess := m.Get(callID); sess != nil {
		sess.stop(ctx, reason)
	}
}

// StopAll terminates every live session, used on shutdown per §4.10.
func (m *Manager) StopAll(ctx context.Context, reason string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.stop(ctx, reason)
	}
}

// CleanupExpired stops any session whose idle or max-duration timers have
// already crossed, as a sweep complementing each session's own watchdog
// (useful right after a crash-restart where watchdog goroutines haven't
// started yet).
func (m *Manager) CleanupExpired(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		idleFor := s.idleTimeout()
		expired := !s.lastActivity.IsZero() && time.Since(s.lastActivity) >= idleFor
		overMax := time.Since(s.startedAt) >= s.maxDuration()
		s.mu.Unlock()
		if expired {
			s.stop(ctx, "idle_timeout")
		} else if overMax {
			s.stop(ctx, "max_duration")
		}
	}
}

// RouteAudio delivers inbound media for callID regardless of transport
// (WebSocket or RTP), satisfying the manager contract's route_audio op.
func (m *Manager) RouteAudio(callID string, pcm []byte) {
	if sess := m.Get(callID); sess != nil {
		sess.HandleAudio(pcm)
	}
}

// Stats is a point-in-time snapshot for the manager contract's stats() op.
type Stats struct {
	ActiveSessions int
	TenantCounts   map[string]int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.tenantCounts))
	for k, v := range m.tenantCounts {
		counts[k] = v
	}
	return Stats{ActiveSessions: len(m.sessions), TenantCounts: counts}
}

// ---- wsmedia.Registry ----

// Bind resolves (tenantID, callID) to the call's Session, creating one
// lazily if the media WebSocket is the first transport to arrive for this
// call (dual mode with no prior ESL registration). The secretary id isn't
// carried on the WebSocket path, so a lazily created session uses the
// tenant's "default" secretary; whichever side of ESL registration arrives
// later enriches it via RegisterCommander rather than recreating it.
func (m *Manager) Bind(tenantID, callID string) (wsmedia.Session, wsmedia.Outbound, error) {
	if sess := m.Get(callID); sess != nil {
		return sess, sess, nil
	}
	sess, err := m.Create(context.Background(), tenantID, callID, "default", "")
	if err != nil {
		return nil, nil, err
	}
	return sess, sess, nil
}

// ---- eslrelay.SessionSink / eslrelay.MediaSink ----

func (m *Manager) RegisterCommander(callUUID string, cmd esl.Commander) {
	if sess := m.Get(callUUID); sess != nil {
		sess.registerCommander(cmd)
	}
}

func (m *Manager) ChannelAnswered(callUUID string) {
	if sess := m.Get(callUUID); sess != nil {
		sess.channelAnswered()
	}
}

func (m *Manager) DTMFReceived(callUUID, digit string) {
	if sess := m.Get(callUUID); sess != nil {
		sess.dtmfReceived(digit)
	}
}

func (m *Manager) ChannelEnded(callUUID, reason string) {
	if sess := m.Get(callUUID); sess != nil {
		sess.channelEnded(reason)
	}
}

func (m *Manager) WriteMediaFrame(callUUID string, pcmu []byte) {
	if sess := m.Get(callUUID); sess != nil {
		sess.writeMediaFramePCMU(pcmu)
	}
}

var (
	_ wsmedia.Registry     = (*Manager)(nil)
	_ eslrelay.SessionSink = (*Manager)(nil)
	_ eslrelay.MediaSink   = (*Manager)(nil)
)
