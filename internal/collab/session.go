package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the bidirectional message connection behind a Session.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

var errSessionClosed = errors.New("session closed")

// Session is one live client connection and its project/user association.
// The transport is owned by the Handler goroutine that created the session;
// everyone else only writes through Send.
type Session struct {
	id        uint64
	projectID string
	userID    string
	conn      Transport

	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       bool

	// allow reports whether this client may relay frames of a kind.
	// nil permits every relayable kind.
	allow func(Kind) bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// SessionOption customizes a session before it is registered.
type SessionOption func(*Session)

// WithRelayPolicy restricts which relayable kinds the client may broadcast.
// Frames of a denied kind are dropped; the connection stays open.
func WithRelayPolicy(allow func(Kind) bool) SessionOption {
	return func(s *Session) { s.allow = allow }
}

func newSession(id uint64, projectID, userID string, conn Transport, writeTimeout time.Duration, opts ...SessionOption) *Session {
	s := &Session{
		id:           id,
		projectID:    projectID,
		userID:       userID,
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) mayRelay(k Kind) bool {
	return s.allow == nil || s.allow(k)
}

func (s *Session) ID() uint64        { return s.id }
func (s *Session) ProjectID() string { return s.projectID }
func (s *Session) UserID() string    { return s.userID }

// Send writes one text frame. Writes are serialized per session, so frames
// reach the client in call order.
func (s *Session) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if s.writeTimeout > 0 {
		if d, ok := s.conn.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ping writes a websocket ping control frame through the same serialized
// write path as Send.
func (s *Session) ping() error {
	cw, ok := s.conn.(controlWriter)
	if !ok {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	return cw.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// goAway sends a close frame, best effort, before the transport is closed.
func (s *Session) goAway(code int, reason string) {
	cw, ok := s.conn.(controlWriter)
	if !ok {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	_ = cw.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// Close releases the transport. Safe to call from any goroutine, any number
// of times; a blocked ReadMessage in the owning goroutine returns an error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		close(s.done)
	})
	return s.closeErr
}
