package collab

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config tunes the connection lifecycle. Zero values fall back to defaults;
// a negative IdleTimeout, PingInterval, MaxDecodeFailures or FrameRate
// disables that check.
type Config struct {
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration // read deadline, extended by every frame or pong
	PingInterval      time.Duration // keepalive pings sent by the server
	MaxDecodeFailures int           // consecutive malformed frames tolerated
	FrameRate         float64       // inbound frames per second
	FrameBurst        int
	MaxMessageBytes   int64
	CheckOrigin       func(*http.Request) bool
}

func (c *Config) norm() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
		if c.IdleTimeout > 0 && c.IdleTimeout/2 < c.PingInterval {
			c.PingInterval = c.IdleTimeout / 2
		}
	}
	if c.MaxDecodeFailures == 0 {
		c.MaxDecodeFailures = 8
	}
	if c.FrameRate == 0 {
		c.FrameRate = 50
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 100
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
}

// PresenceTracker is told about every session that joins or leaves a room,
// e.g. to mirror presence into a shared store. Errors are logged only.
type PresenceTracker interface {
	Join(ctx context.Context, projectID, userID string) error
	Leave(ctx context.Context, projectID, userID string) error
}

// Handler runs the per-connection lifecycle: register, announce, read and
// dispatch frames, then deregister and announce the departure on every exit.
type Handler struct {
	hub      *Hub
	registry *Registry
	cfg      Config
	log      logrus.FieldLogger
	metrics  *Metrics
	presence PresenceTracker
	upgrader websocket.Upgrader

	nextID atomic.Uint64
	silent atomic.Bool

	mu      sync.Mutex
	closing bool
	active  map[*Session]struct{}
	wg      sync.WaitGroup
}

// NewHandler returns a Handler that registers sessions on hub's registry.
// A nil logger falls back to the logrus standard logger; metrics may be nil.
func NewHandler(hub *Hub, cfg Config, log logrus.FieldLogger, metrics *Metrics) *Handler {
	cfg.norm()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		hub:      hub,
		registry: hub.Registry(),
		cfg:      cfg,
		log:      log.WithField("component", "collab.handler"),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		active: make(map[*Session]struct{}),
	}
}

// SetPresence installs a presence tracker. Call before serving connections.
func (h *Handler) SetPresence(p PresenceTracker) {
	h.presence = p
}

// ServeWS upgrades the request and runs the session until it ends. The
// caller has already resolved and authorized projectID and userID. A failed
// upgrade creates no state; the upgrader has written the HTTP error.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request, projectID, userID string, opts ...SessionOption) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("project_id", projectID).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	h.Run(conn, projectID, userID, opts...)
}

// Run owns conn until the session ends and blocks until teardown finished.
func (h *Handler) Run(conn Transport, projectID, userID string, opts ...SessionOption) {
	s := newSession(h.nextID.Add(1), projectID, userID, conn, h.cfg.WriteTimeout, opts...)
	if !h.track(s) {
		s.goAway(websocket.CloseGoingAway, "server shutting down")
		_ = s.Close()
		return
	}
	// user_left is only owed to the room once user_joined went out.
	announced := false
	defer h.untrack(s)
	defer func() { h.teardown(s, announced) }()

	log := h.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"user_id":    userID,
		"session_id": s.id,
	})
	ctx := context.Background()

	h.registry.Register(s)
	h.metrics.observeRegistry(h.registry)
	if h.presence != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.presence.Join(pctx, projectID, userID); err != nil {
			log.WithError(err).Warn("presence join failed")
		}
		cancel()
	}
	log.Info("session connected")

	if err := h.hub.SendDirect(s, Connected(projectID)); err != nil {
		log.WithError(err).Debug("welcome write failed")
		return
	}
	h.hub.Broadcast(ctx, projectID, UserJoined(projectID, userID))
	announced = true

	h.keepalive(s, log)
	h.readLoop(ctx, s, log)
}

type pongHandlerSetter interface {
	SetPongHandler(h func(appData string) error)
}

// keepalive extends the read deadline on every pong and pings the client
// every PingInterval until the session closes. A failed ping closes the
// session, which ends the read loop.
func (h *Handler) keepalive(s *Session, log logrus.FieldLogger) {
	if h.cfg.IdleTimeout > 0 {
		d, okDeadline := s.conn.(readDeadliner)
		p, okPong := s.conn.(pongHandlerSetter)
		if okDeadline && okPong {
			p.SetPongHandler(func(string) error {
				return d.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
			})
		}
	}
	if h.cfg.PingInterval <= 0 {
		return
	}
	if _, ok := s.conn.(controlWriter); !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.ping(); err != nil {
					log.WithError(err).Debug("keepalive ping failed, closing")
					_ = s.Close()
					return
				}
			case <-s.done:
				return
			}
		}
	}()
}

func (h *Handler) readLoop(ctx context.Context, s *Session, log logrus.FieldLogger) {
	var limiter *rate.Limiter
	if h.cfg.FrameRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.FrameRate), h.cfg.FrameBurst)
	}
	failures := 0

	for {
		if h.cfg.IdleTimeout > 0 {
			if d, ok := s.conn.(readDeadliner); ok {
				_ = d.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
			}
		}
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				h.metrics.frameDropped("idle_timeout")
				log.Info("client idle past read deadline, closing")
				return
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				log.WithError(err).Debug("read ended")
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			h.metrics.frameDropped("rate_limited")
			log.Debug("frame rate exceeded, dropping frame")
			continue
		}

		ev, err := Decode(frame)
		if err != nil {
			failures++
			h.metrics.frameDropped("malformed")
			log.WithError(err).Warn("dropping malformed frame")
			if h.cfg.MaxDecodeFailures > 0 && failures > h.cfg.MaxDecodeFailures {
				log.WithField("failures", failures).Warn("too many malformed frames, closing")
				s.goAway(websocket.ClosePolicyViolation, "too many malformed frames")
				return
			}
			continue
		}
		failures = 0
		h.metrics.frameReceived(ev.Kind)
		h.dispatch(ctx, s, ev, log)
	}
}

func (h *Handler) dispatch(ctx context.Context, s *Session, ev Event, log logrus.FieldLogger) {
	switch {
	case ev.Kind == KindPing:
		if err := h.hub.SendDirect(s, Pong()); err != nil {
			log.WithError(err).Debug("pong write failed")
		}
	case ev.Kind.Relayable() && !s.mayRelay(ev.Kind):
		h.metrics.frameDropped("forbidden")
		log.WithField("kind", ev.Kind).Info("role may not relay this event kind, dropping")
	case ev.Kind.Relayable():
		h.hub.Broadcast(ctx, s.projectID, Relay(ev, s.projectID, s.userID), ExcludeSession(s))
	default:
		h.metrics.frameDropped("unknown_kind")
		log.WithField("kind", ev.Kind).Info("ignoring unknown event kind")
	}
}

// teardown runs exactly once per tracked session, whatever ended it. The
// departure is broadcast only if the arrival was.
func (h *Handler) teardown(s *Session, announced bool) {
	h.registry.Deregister(s)
	h.metrics.observeRegistry(h.registry)

	ctx := context.Background()
	if h.presence != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.presence.Leave(pctx, s.projectID, s.userID); err != nil {
			h.log.WithError(err).WithField("project_id", s.projectID).Warn("presence leave failed")
		}
		cancel()
	}
	if announced && !h.silent.Load() {
		h.hub.Broadcast(ctx, s.projectID, UserLeft(s.projectID, s.userID))
	}
	_ = s.Close()
	h.log.WithFields(logrus.Fields{
		"project_id": s.projectID,
		"user_id":    s.userID,
		"session_id": s.id,
	}).Info("session closed")
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.active[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.active, s)
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown stops accepting sessions and closes every live one, waiting for
// their teardown. If ctx ends first, the remaining sessions are deregistered
// without departure announcements and ctx.Err() is returned.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.active))
	for s := range h.active {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	h.log.WithField("sessions", len(sessions)).Info("closing collaboration sessions")
	for _, s := range sessions {
		s.goAway(websocket.CloseGoingAway, "server shutting down")
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.silent.Store(true)
		for _, s := range sessions {
			h.registry.Deregister(s)
		}
		h.metrics.observeRegistry(h.registry)
		h.log.Warn("shutdown grace period expired, sessions force-closed")
		return ctx.Err()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
