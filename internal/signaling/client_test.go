// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeServer records signaling endpoint hits and serves canned responses.
type fakeServer struct {
	mu        sync.Mutex
	joins     int
	leaves    int
	pollBody  string
	heartbeat string
	srv       *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		pollBody:  `{"messages":[]}`,
		heartbeat: `{"online_viewer":false}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/signal/join", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.joins++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/signal/leave", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.leaves++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/signal/poll", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body := f.pollBody
		f.mu.Unlock()
		w.Write([]byte(body)) //nolint:errcheck
	})
	mux.HandleFunc("/api/signal/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body := f.heartbeat
		f.mu.Unlock()
		w.Write([]byte(body)) //nolint:errcheck
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) counts() (joins, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.leaves
}

func drainEvents(c *Client) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestJoinLeaveLifecycle(t *testing.T) {
	f := newFakeServer(t)
	c := NewClient(f.srv.URL, "agent-1")

	ctx := context.Background()
	if err := c.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	// Second join is a no-op.
	if err := c.Join(ctx); err != nil {
		t.Fatalf("second Join: %v", err)
	}

	joins, _ := f.counts()
	if joins != 1 {
		t.Fatalf("server saw %d joins, want 1", joins)
	}

	c.Leave(ctx)
	c.Leave(ctx) // no-op when not joined

	_, leaves := f.counts()
	if leaves != 1 {
		t.Fatalf("server saw %d leaves, want 1", leaves)
	}
}

func TestJoinRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "agent-1")
	err := c.Join(context.Background())
	if !errors.Is(err, ErrJoinRejected) {
		t.Fatalf("Join error = %v, want ErrJoinRejected", err)
	}
}

func TestDispatchRequestOffer(t *testing.T) {
	c := NewClient("http://unused", "agent-1")
	ctx := context.Background()

	c.dispatch(ctx, &Envelope{Type: MsgTypeRequestOffer, FromSession: "viewer-1"})

	if got := c.TargetSession(); got != "viewer-1" {
		t.Fatalf("target session = %q, want viewer-1", got)
	}
	if got := c.State(); got != StateOffering {
		t.Fatalf("state = %v, want offering", got)
	}

	events := drainEvents(c)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (request offer + raw signal)", len(events))
	}
	if events[0].Kind != EventRequestOffer || events[0].FromSession != "viewer-1" {
		t.Fatalf("first event = %+v, want request offer from viewer-1", events[0])
	}
	if events[1].Kind != EventSignal || events[1].Type != MsgTypeRequestOffer {
		t.Fatalf("second event = %+v, want raw request_offer signal", events[1])
	}
}

func TestDispatchRequestOfferKeepsLaterState(t *testing.T) {
	c := NewClient("http://unused", "agent-1")
	c.setState(StateConnected)

	c.dispatch(context.Background(), &Envelope{Type: MsgTypeRequestOffer, FromSession: "viewer-2"})

	// Already past waiting: state untouched, but the offer request still fires.
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected (transition is waiting-only)", got)
	}
	if got := c.TargetSession(); got != "viewer-2" {
		t.Fatalf("target session = %q, want viewer-2 (replaced on new negotiation)", got)
	}
}

func TestDispatchAnswer(t *testing.T) {
	c := NewClient("http://unused", "agent-1")
	c.setState(StateOffering)

	payload := json.RawMessage(`{"sdp":"v=0"}`)
	c.dispatch(context.Background(), &Envelope{Type: MsgTypeAnswer, SessionID: "viewer-1", Payload: payload})

	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	events := drainEvents(c)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (established + raw signal)", len(events))
	}
	if events[0].Kind != EventConnectionEstablished {
		t.Fatalf("first event = %+v, want connection established", events[0])
	}
	if events[1].Kind != EventSignal || string(events[1].Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("second event = %+v, want raw answer payload", events[1])
	}
}

func TestDispatchForwardsUnknownTypes(t *testing.T) {
	c := NewClient("http://unused", "agent-1")
	c.dispatch(context.Background(), &Envelope{Type: "join", FromSession: "viewer-1"})

	events := drainEvents(c)
	if len(events) != 1 || events[0].Kind != EventSignal || events[0].Type != "join" {
		t.Fatalf("events = %+v, want single raw join signal", events)
	}
}

func TestHeartbeatViewerAppearsWithKnownTarget(t *testing.T) {
	f := newFakeServer(t)
	f.mu.Lock()
	f.heartbeat = `{"online_viewer":true}`
	f.mu.Unlock()

	c := NewClient(f.srv.URL, "agent-1")
	c.setTargetSession("viewer-1")

	c.heartbeatOnce(context.Background())

	if got := c.State(); got != StateOffering {
		t.Fatalf("state = %v, want offering", got)
	}
	events := drainEvents(c)
	if len(events) != 2 || events[0].Kind != EventViewerJoined || events[1].Kind != EventRequestOffer {
		t.Fatalf("events = %+v, want viewer joined then request offer", events)
	}
}

func TestHeartbeatViewerAppearsWithoutTarget(t *testing.T) {
	f := newFakeServer(t)
	f.mu.Lock()
	f.heartbeat = `{"online_viewer":true}`
	f.mu.Unlock()

	c := NewClient(f.srv.URL, "agent-1")
	c.heartbeatOnce(context.Background())

	// No target session known yet: presence only, request_offer must come
	// from the poll loop.
	if got := c.State(); got != StateWaiting {
		t.Fatalf("state = %v, want waiting", got)
	}
	events := drainEvents(c)
	if len(events) != 1 || events[0].Kind != EventViewerJoined {
		t.Fatalf("events = %+v, want viewer joined only", events)
	}
}

func TestHeartbeatViewerGone(t *testing.T) {
	f := newFakeServer(t)
	c := NewClient(f.srv.URL, "agent-1")
	c.setState(StateConnected)

	c.heartbeatOnce(context.Background())

	if got := c.State(); got != StateWaiting {
		t.Fatalf("state = %v, want waiting after viewer loss", got)
	}
	events := drainEvents(c)
	if len(events) != 2 || events[0].Kind != EventViewerLeft || events[1].Kind != EventConnectionLost {
		t.Fatalf("events = %+v, want viewer left then connection lost", events)
	}
}

func TestHeartbeatFailureFailsSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "agent-1")
	c.setState(StateConnected)

	c.heartbeatOnce(context.Background())

	if got := c.State(); got != StateWaiting {
		t.Fatalf("state = %v, want waiting after heartbeat failure", got)
	}
}

func TestPollOnceDispatchesMessages(t *testing.T) {
	f := newFakeServer(t)
	f.mu.Lock()
	f.pollBody = `{"messages":[{"type":"request_offer","from_session":"v9"},{"type":"candidate","from_session":"v9","payload":{"candidate":"c1"}}]}`
	f.mu.Unlock()

	c := NewClient(f.srv.URL, "agent-1")
	c.pollOnce(context.Background())

	if got := c.TargetSession(); got != "v9" {
		t.Fatalf("target session = %q, want v9", got)
	}
	events := drainEvents(c)
	// request_offer produces two events, candidate one.
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	last := events[2]
	if last.Kind != EventSignal || last.Type != MsgTypeCandidate || last.FromSession != "v9" {
		t.Fatalf("last event = %+v, want raw candidate from v9", last)
	}
}

func TestPollOnceSurvivesBadBody(t *testing.T) {
	f := newFakeServer(t)
	f.mu.Lock()
	f.pollBody = `]]not json[[`
	f.mu.Unlock()

	c := NewClient(f.srv.URL, "agent-1")
	c.pollOnce(context.Background()) // must not panic

	if events := drainEvents(c); len(events) != 0 {
		t.Fatalf("events = %+v, want none for unparseable body", events)
	}
}

func TestLeaveStopsLoopsBeforeNotifying(t *testing.T) {
	f := newFakeServer(t)
	c := NewClient(f.srv.URL, "agent-1")

	ctx := context.Background()
	if err := c.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Leave(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Leave did not complete; loops likely not cancelled")
	}
}
