package collab

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Delivery summarizes one broadcast.
type Delivery struct {
	Sent   int
	Failed int
}

type broadcastOptions struct {
	excludeUser    string
	excludeSession *Session
}

// BroadcastOption narrows the recipient set of a broadcast.
type BroadcastOption func(*broadcastOptions)

// ExcludeUser skips every session registered for userID.
func ExcludeUser(userID string) BroadcastOption {
	return func(o *broadcastOptions) { o.excludeUser = userID }
}

// ExcludeSession skips exactly one session.
func ExcludeSession(s *Session) BroadcastOption {
	return func(o *broadcastOptions) { o.excludeSession = s }
}

// Hub fans events out to the sessions of a project room.
type Hub struct {
	registry *Registry
	log      logrus.FieldLogger
	metrics  *Metrics
	tracer   trace.Tracer
}

// NewHub returns a Hub delivering to sessions in registry. A nil logger
// falls back to the logrus standard logger; metrics may be nil.
func NewHub(registry *Registry, log logrus.FieldLogger, metrics *Metrics) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		registry: registry,
		log:      log.WithField("component", "collab.hub"),
		metrics:  metrics,
		tracer:   otel.Tracer("eduspace/collab"),
	}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Broadcast delivers ev to every session in the project's room that is not
// excluded. Recipients are snapshotted first and written without holding the
// registry lock. A recipient whose write fails is deregistered and its
// transport closed before Broadcast returns; the others are unaffected.
func (h *Hub) Broadcast(ctx context.Context, projectID string, ev Event, opts ...BroadcastOption) Delivery {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	_, span := h.tracer.Start(ctx, "collab.broadcast", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.String("event.kind", string(ev.Kind)),
	))
	defer span.End()

	data, err := Encode(ev)
	if err != nil {
		h.log.WithError(err).WithField("kind", ev.Kind).Error("broadcast encode failed")
		span.RecordError(err)
		return Delivery{}
	}

	recipients := h.registry.SessionsFor(projectID)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		dead []*Session
		sent int
	)
	for _, s := range recipients {
		if s == o.excludeSession || (o.excludeUser != "" && s.userID == o.excludeUser) {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			err := s.Send(data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				dead = append(dead, s)
				h.log.WithError(err).WithFields(logrus.Fields{
					"project_id": projectID,
					"user_id":    s.userID,
					"session_id": s.id,
				}).Warn("broadcast recipient unreachable, purging")
				return
			}
			sent++
		}(s)
	}
	wg.Wait()

	for _, s := range dead {
		h.purge(s)
	}

	d := Delivery{Sent: sent, Failed: len(dead)}
	span.SetAttributes(attribute.Int("delivery.sent", d.Sent), attribute.Int("delivery.failed", d.Failed))
	h.metrics.broadcast(ev.Kind, d)
	return d
}

// SendDirect writes ev to one session and reports the write error.
func (h *Hub) SendDirect(s *Session, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// purge removes a dead recipient. Closing the transport unblocks the owning
// handler's read, which runs the normal teardown and announces the departure.
func (h *Hub) purge(s *Session) {
	h.registry.Deregister(s)
	_ = s.Close()
	h.metrics.observeRegistry(h.registry)
}

// Disconnect closes every session of userID in the project's room, or every
// session in the room when userID is empty, and returns how many it closed.
// Each client gets a policy-violation close frame carrying reason; the owning
// handlers then tear the sessions down and announce the departures.
func (h *Hub) Disconnect(projectID, userID, reason string) int {
	n := 0
	for _, s := range h.registry.SessionsFor(projectID) {
		if userID != "" && s.userID != userID {
			continue
		}
		s.goAway(websocket.ClosePolicyViolation, reason)
		_ = s.Close()
		n++
	}
	if n > 0 {
		h.log.WithFields(logrus.Fields{
			"project_id": projectID,
			"user_id":    userID,
			"sessions":   n,
			"reason":     reason,
		}).Info("disconnected sessions")
	}
	return n
}
