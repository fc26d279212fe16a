// Package registry keeps the authoritative, process-local set of live
// client connections, indexed by user and by tenant. It enforces
// connection quotas, per-user frame rate limits and heartbeat liveness,
// and performs tenant-isolated fan-out.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/metrics"
	"github.com/jmallet/pulse/internal/wire"
)

var (
	// ErrConnectionLimit rejects a handshake that would exceed the
	// per-user or per-tenant session quota. No registry state changes.
	ErrConnectionLimit = errors.New("connection limit exceeded")

	// ErrAuthentication rejects a handshake whose token the resolver
	// refused, before any registry mutation.
	ErrAuthentication = errors.New("authentication failed")

	// ErrSendFailure marks a write the transport could not complete. It
	// is contained at the connection boundary: the failing session is
	// disconnected, nothing else is affected.
	ErrSendFailure = errors.New("send failed")
)

// Conn is the transport-side write half of a connection. The hosting
// layer (HTTP upgrade handler, SSE stream, test double) supplies it.
type Conn interface {
	WriteEnvelope(env wire.Envelope) error
	Close() error
}

// Identity is the resolved owner of a connection.
type Identity struct {
	UserID   string
	TenantID string
}

// AuthResolver turns an opaque handshake token into an identity. The
// registry never parses credentials itself.
type AuthResolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// Connection is one live session. It is owned exclusively by the registry;
// the user and tenant indices refer to it by session id only.
type Connection struct {
	SessionID     string
	UserID        string
	TenantID      string
	ConnectedAt   time.Time
	LastHeartbeat time.Time

	topics map[string]struct{}
	active bool
	conn   Conn
}

// Config tunes quotas, rate limits and sweep cadence. Zero values fall
// back to the defaults below.
type Config struct {
	MaxSessionsPerUser   int
	MaxSessionsPerTenant int

	FrameLimit        int
	FrameWindow       time.Duration
	RateLimitCooldown time.Duration

	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	HeartbeatTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 5
	}
	if c.MaxSessionsPerTenant <= 0 {
		c.MaxSessionsPerTenant = 1000
	}
	if c.FrameLimit <= 0 {
		c.FrameLimit = 100
	}
	if c.FrameWindow <= 0 {
		c.FrameWindow = 60 * time.Second
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 300 * time.Second
	}
	return c
}

// Registry is safe for concurrent use. One RWMutex guards the session
// arena and both indices; every send happens outside the lock against a
// snapshot, so a connect or disconnect racing a broadcast only affects
// later broadcasts.
type Registry struct {
	resolver AuthResolver
	cfg      Config
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Connection
	byUser   map[string]map[string]struct{}
	byTenant map[string]map[string]struct{}
	limits   map[string]*rateState

	now func() time.Time
}

// New builds an empty registry. Run must be started separately for the
// heartbeat and stale sweeps.
func New(resolver AuthResolver, cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*Connection),
		byUser:   make(map[string]map[string]struct{}),
		byTenant: make(map[string]map[string]struct{}),
		limits:   make(map[string]*rateState),
		now:      time.Now,
	}
}

// Connect resolves the token, enforces quotas, registers the connection,
// acks the new session and announces the user to the rest of the tenant.
func (r *Registry) Connect(ctx context.Context, conn Conn, token string) (string, error) {
	ident, err := r.resolver.Resolve(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	r.mu.Lock()
	if len(r.byUser[ident.UserID]) >= r.cfg.MaxSessionsPerUser {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: user %s already holds %d sessions",
			ErrConnectionLimit, ident.UserID, r.cfg.MaxSessionsPerUser)
	}
	if len(r.byTenant[ident.TenantID]) >= r.cfg.MaxSessionsPerTenant {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: tenant %s already holds %d sessions",
			ErrConnectionLimit, ident.TenantID, r.cfg.MaxSessionsPerTenant)
	}

	now := r.now()
	c := &Connection{
		SessionID:     uuid.NewString(),
		UserID:        ident.UserID,
		TenantID:      ident.TenantID,
		ConnectedAt:   now,
		LastHeartbeat: now,
		topics:        make(map[string]struct{}),
		active:        true,
		conn:          conn,
	}
	r.sessions[c.SessionID] = c
	indexAdd(r.byUser, c.UserID, c.SessionID)
	indexAdd(r.byTenant, c.TenantID, c.SessionID)
	r.mu.Unlock()

	if err := conn.WriteEnvelope(wire.ConnectionAck(c.SessionID, c.UserID)); err != nil {
		r.Disconnect(c.SessionID, "ack write failed")
		return "", fmt.Errorf("%w: connection ack: %v", ErrSendFailure, err)
	}

	r.BroadcastToTenant(c.TenantID, wire.UserJoined(c.UserID),
		map[string]struct{}{c.SessionID: {}})

	metrics.RecordConnect(c.TenantID)
	r.logger.Info("session connected",
		zap.String("session_id", c.SessionID),
		zap.String("user_id", c.UserID),
		zap.String("tenant_id", c.TenantID),
	)
	return c.SessionID, nil
}

// Disconnect tears a session down. It is idempotent: every teardown path
// (client close, send failure, heartbeat timeout, rate-limit escalation)
// converges here, and repeat calls are no-ops.
func (r *Registry) Disconnect(sessionID, reason string) {
	r.mu.Lock()
	c, ok := r.sessions[sessionID]
	if !ok || !c.active {
		r.mu.Unlock()
		return
	}
	c.active = false
	delete(r.sessions, sessionID)
	indexRemove(r.byUser, c.UserID, sessionID)
	indexRemove(r.byTenant, c.TenantID, sessionID)
	if len(r.byUser[c.UserID]) == 0 {
		delete(r.limits, c.UserID)
	}
	r.mu.Unlock()

	// Best-effort goodbye; the transport may already be gone.
	_ = c.conn.WriteEnvelope(wire.ConnectionClosed(reason))
	_ = c.conn.Close()

	r.BroadcastToTenant(c.TenantID, wire.UserLeft(c.UserID), nil)

	metrics.RecordDisconnect(c.TenantID, reason)
	r.logger.Info("session disconnected",
		zap.String("session_id", sessionID),
		zap.String("user_id", c.UserID),
		zap.String("reason", reason),
	)
}

// SendToUser delivers an envelope to every session of one user and
// returns the delivered count. A failing session is disconnected without
// aborting delivery to the user's other sessions.
func (r *Registry) SendToUser(userID string, env wire.Envelope) int {
	return r.fanOut(r.snapshotIndex(r.byUser, userID, nil), env)
}

// BroadcastToTenant delivers an envelope to every session of one tenant,
// minus the excluded set. Sessions of other tenants are never touched.
func (r *Registry) BroadcastToTenant(tenantID string, env wire.Envelope, exclude map[string]struct{}) int {
	return r.fanOut(r.snapshotIndex(r.byTenant, tenantID, exclude), env)
}

// BroadcastToTopic delivers to the tenant's sessions subscribed to the
// given topic.
func (r *Registry) BroadcastToTopic(tenantID, topic string, env wire.Envelope) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.byTenant[tenantID]))
	for id := range r.byTenant[tenantID] {
		c := r.sessions[id]
		if c == nil {
			continue
		}
		if _, ok := c.topics[topic]; ok {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return r.fanOut(targets, env)
}

// snapshotIndex copies the targeted connections out under the read lock
// so the in-flight fan-out is immune to concurrent connects/disconnects.
func (r *Registry) snapshotIndex(index map[string]map[string]struct{}, key string, exclude map[string]struct{}) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]*Connection, 0, len(index[key]))
	for id := range index[key] {
		if _, skip := exclude[id]; skip {
			continue
		}
		if c := r.sessions[id]; c != nil {
			targets = append(targets, c)
		}
	}
	return targets
}

func (r *Registry) fanOut(targets []*Connection, env wire.Envelope) int {
	delivered := 0
	for _, c := range targets {
		if err := c.conn.WriteEnvelope(env); err != nil {
			r.logger.Warn("fan-out write failed",
				zap.String("session_id", c.SessionID),
				zap.Error(err),
			)
			r.Disconnect(c.SessionID, "send failure")
			continue
		}
		delivered++
	}
	metrics.RecordFanOut(string(env.Type), delivered)
	return delivered
}

// HandleInboundFrame processes one raw frame from a session, in receipt
// order (the transport runs one reader per connection). The rate limit is
// checked before anything else; a violating frame is dropped after an
// error envelope, with no heartbeat refresh and no disconnect.
func (r *Registry) HandleInboundFrame(sessionID string, raw []byte) {
	r.mu.Lock()
	c, ok := r.sessions[sessionID]
	if !ok || !c.active {
		r.mu.Unlock()
		return
	}

	now := r.now()
	st := r.limits[c.UserID]
	if st == nil {
		st = &rateState{}
		r.limits[c.UserID] = st
	}
	if !st.allow(now, r.cfg.FrameLimit, r.cfg.FrameWindow, r.cfg.RateLimitCooldown) {
		conn := c.conn
		r.mu.Unlock()
		metrics.RecordRateLimitRejection(c.TenantID)
		r.logger.Warn("frame rate limit exceeded",
			zap.String("session_id", sessionID),
			zap.String("user_id", c.UserID),
		)
		_ = conn.WriteEnvelope(wire.ErrorEnvelope("rate_limit_exceeded",
			"too many requests, slow down"))
		return
	}

	c.LastHeartbeat = now

	frame, err := wire.ParseFrame(raw)
	if err != nil {
		r.mu.Unlock()
		r.logger.Debug("dropping malformed frame",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}

	metrics.RecordFrame(string(frame.Type))

	switch frame.Type {
	case wire.FramePing:
		conn := c.conn
		r.mu.Unlock()
		if err := conn.WriteEnvelope(wire.Pong()); err != nil {
			r.Disconnect(sessionID, "send failure")
		}
	case wire.FrameSubscribe:
		for _, t := range frame.Topics {
			c.topics[t] = struct{}{}
		}
		r.mu.Unlock()
	case wire.FrameUnsubscribe:
		for _, t := range frame.Topics {
			delete(c.topics, t)
		}
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		r.logger.Debug("ignoring unrecognized frame type",
			zap.String("session_id", sessionID),
			zap.String("frame_type", string(frame.Type)),
		)
	}
}

// Run drives the two background sweeps until the context is cancelled:
// a heartbeat probe to every session and a stale-connection reaper.
// Neither blocks request handling; they operate on snapshots.
func (r *Registry) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	r.logger.Info("registry sweeps started",
		zap.Duration("heartbeat_interval", r.cfg.HeartbeatInterval),
		zap.Duration("sweep_interval", r.cfg.SweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry sweeps stopping")
			return
		case <-heartbeat.C:
			r.pingAll()
		case <-sweep.C:
			r.sweepStale()
		}
	}
}

func (r *Registry) pingAll() {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.sessions))
	for _, c := range r.sessions {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	env := wire.Heartbeat()
	for _, c := range targets {
		if err := c.conn.WriteEnvelope(env); err != nil {
			r.Disconnect(c.SessionID, "send failure")
		}
	}
}

func (r *Registry) sweepStale() {
	cutoff := r.now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.RLock()
	stale := make([]string, 0)
	for id, c := range r.sessions {
		if c.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Disconnect(id, "heartbeat timeout")
	}
	if len(stale) > 0 {
		r.logger.Info("reaped stale sessions", zap.Int("count", len(stale)))
	}
}

// SessionCount returns the number of active sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UserSessionCount returns the number of active sessions for one user.
func (r *Registry) UserSessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// TenantSessionCount returns the number of active sessions for one tenant.
func (r *Registry) TenantSessionCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTenant[tenantID])
}

func indexAdd(index map[string]map[string]struct{}, key, sessionID string) {
	set := index[key]
	if set == nil {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[sessionID] = struct{}{}
}

// indexRemove drops a session id and deletes the whole entry when the set
// empties, so the indices never accumulate empty sets.
func indexRemove(index map[string]map[string]struct{}, key, sessionID string) {
	set := index[key]
	if set == nil {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(index, key)
	}
}
