package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

type fakeSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
	block    chan struct{}
}

func (s *fakeSubscriber) Send(p []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *fakeSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSubscriber) events(t *testing.T) []Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.payloads))
	for _, p := range s.payloads {
		var ev Event
		require.NoError(t, json.Unmarshal(p, &ev))
		out = append(out, ev)
	}
	return out
}

func (s *fakeSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// =============================================================================
// Hub Tests
// =============================================================================

func TestHub_DeliversToIdentitySubscribersOnly(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	bob1, bob2, alice := &fakeSubscriber{}, &fakeSubscriber{}, &fakeSubscriber{}
	h.Register("bob", bob1)
	h.Register("bob", bob2)
	h.Register("alice", alice)

	w := h.Writer("bob", "run-1")
	_, err := io.WriteString(w, "Building image\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Eventually(t, func() bool {
		return len(bob1.events(t)) == 2 && len(bob2.events(t)) == 2
	}, time.Second, 5*time.Millisecond)

	evs := bob1.events(t)
	assert.Equal(t, EventOutput, evs[0].Type)
	assert.Equal(t, "bob", evs[0].WebtopID)
	assert.Equal(t, "run-1", evs[0].RunID)
	assert.Equal(t, "Building image\n", evs[0].Data)
	assert.Equal(t, EventEnd, evs[1].Type)
	assert.Empty(t, alice.events(t))
}

func TestHub_FailingSubscriberIsDropped(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	bad := &fakeSubscriber{fail: true}
	h.Register("bob", bad)

	h.Publish(Event{Type: EventOutput, WebtopID: "bob", Data: "x"})

	require.Eventually(t, func() bool {
		return h.Subscribers("bob") == 0 && bad.isClosed()
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	s := &fakeSubscriber{}
	h.Register("bob", s)
	assert.Equal(t, 1, h.Subscribers("bob"))

	h.Unregister("bob", s)
	h.Unregister("bob", s)
	h.Unregister("ghost", s)
	assert.Zero(t, h.Subscribers("bob"))
}

func TestHub_PublishWithoutSubscribersIsNoop(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	for i := 0; i < 2*backlog; i++ {
		h.Publish(Event{Type: EventOutput, WebtopID: "bob"})
	}
	assert.Zero(t, h.Dropped())
}

func TestHub_FullBacklogDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil)
	release := make(chan struct{})
	slow := &fakeSubscriber{block: release}
	h.Register("bob", slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*backlog; i++ {
			h.Publish(Event{Type: EventOutput, WebtopID: "bob", Data: fmt.Sprint(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.Positive(t, h.Dropped())

	close(release)
	h.Close()
	assert.True(t, slow.isClosed())
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	h.Close()
	assert.NotPanics(t, h.Close)
	assert.NotPanics(t, func() { h.Publish(Event{WebtopID: "bob"}) })
}

// =============================================================================
// Client Tests
// =============================================================================

func TestClient_WebsocketRoundTrip(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, nil)
		h.Register("bob", c)
		defer func() {
			h.Unregister("bob", c)
			c.Close()
		}()
		c.Drain()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers("bob") == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.Writer("bob", "run-9").Write([]byte("Starting services\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "Starting services\n", ev.Data)
	assert.Equal(t, "run-9", ev.RunID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Subscribers("bob") == 0 }, time.Second, 5*time.Millisecond)
}
