package collab

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type fakeConn struct {
	in      chan []byte
	out     chan map[string]any
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	failing bool
	writes  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan map[string]any, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.in:
		return websocket.TextMessage, frame, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	if c.failing {
		return errors.New("broken pipe")
	}
	c.writes++
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	c.out <- decoded
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) setFailing() {
	c.mu.Lock()
	c.failing = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	c.in <- []byte(frame)
}

func (c *fakeConn) expect(t *testing.T, kind Kind) map[string]any {
	t.Helper()
	select {
	case msg := <-c.out:
		if msg["type"] != string(kind) {
			t.Fatalf("expected %s frame, got %v", kind, msg)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s frame", kind)
		return nil
	}
}

func (c *fakeConn) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-c.out:
		t.Fatalf("expected no frame, got %v", msg)
	case <-time.After(wait):
	}
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestSession(id uint64, projectID, userID string) (*Session, *fakeConn) {
	conn := newFakeConn()
	return newSession(id, projectID, userID, conn, time.Second), conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func contains(sessions []*Session, s *Session) bool {
	for _, item := range sessions {
		if item == s {
			return true
		}
	}
	return false
}
