// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mehran-mrn/staff-monitoring/internal/config"
	"github.com/mehran-mrn/staff-monitoring/internal/encoder"
	"github.com/mehran-mrn/staff-monitoring/internal/input"
	"github.com/mehran-mrn/staff-monitoring/internal/signaling"
	"github.com/mehran-mrn/staff-monitoring/internal/transport"
)

const testOfferSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
	"m=video 52000 RTP/SAVPF 102\r\nc=IN IP4 0.0.0.0\r\na=sendonly\r\n"

type fakeEncoder struct {
	mu        sync.Mutex
	closed    bool
	keyframes int
}

func (e *fakeEncoder) Parameters(ctx context.Context) (encoder.Parameters, error) {
	return encoder.Parameters{ProfileLevelID: "42e01f"}, nil
}

func (e *fakeEncoder) SetTargetBitrate(kbps int) {}

func (e *fakeEncoder) RequestKeyframe() {
	e.mu.Lock()
	e.keyframes++
	e.mu.Unlock()
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEncoder) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeTransport struct {
	events chan transport.Event

	mu               sync.Mutex
	initialized      bool
	remoteAnswer     string
	remoteCandidates []string
	streaming        bool
	frames           int
	channels         []string
	closed           bool
	bitrate          int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Initialize(codec transport.CodecParameters, relay *transport.RelayConfig) error {
	f.mu.Lock()
	f.initialized = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) LocalOffer(ctx context.Context) (string, error) {
	return testOfferSDP, nil
}

func (f *fakeTransport) SetRemoteAnswer(ctx context.Context, sdp string) error {
	f.mu.Lock()
	f.remoteAnswer = sdp
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddRemoteIceCandidate(ctx context.Context, cand transport.ICECandidate) error {
	f.mu.Lock()
	f.remoteCandidates = append(f.remoteCandidates, cand.Candidate)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) StartStreaming() {
	f.mu.Lock()
	f.streaming = true
	f.mu.Unlock()
}

func (f *fakeTransport) SendEncodedFrame(nal []byte, timestamp90k uint32, isKeyFrame bool) error {
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetTargetBitrate(kbps int) {
	f.mu.Lock()
	f.bitrate = kbps
	f.mu.Unlock()
}

func (f *fakeTransport) TargetBitrate() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bitrate
}

func (f *fakeTransport) ShouldGenerateKeyframe() bool { return false }

func (f *fakeTransport) CreateDataChannel(label string) error {
	f.mu.Lock()
	f.channels = append(f.channels, label)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendDataChannelMessage(label, text string) error { return nil }
func (f *fakeTransport) SendDataChannelBinary(label string, data []byte) error {
	return nil
}
func (f *fakeTransport) CloseDataChannel(label string) error { return nil }

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) snapshot() (remoteAnswer string, remoteCandidates []string, streaming bool, frames int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteAnswer, append([]string(nil), f.remoteCandidates...), f.streaming, f.frames
}

type fakeSignaling struct {
	events  chan signaling.Event
	joinErr error

	mu     sync.Mutex
	joined int
	left   int
	target string
	// sends records offers, candidates, hangups, and messages in call order.
	sends []string
}

func newFakeSignaling(joinErr error) *fakeSignaling {
	return &fakeSignaling{
		events:  make(chan signaling.Event, 64),
		joinErr: joinErr,
	}
}

func (f *fakeSignaling) Join(ctx context.Context) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.mu.Lock()
	f.joined++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) Leave(ctx context.Context) {
	f.mu.Lock()
	f.left++
	f.mu.Unlock()
}

func (f *fakeSignaling) Events() <-chan signaling.Event { return f.events }

func (f *fakeSignaling) State() signaling.State { return signaling.StateWaiting }

func (f *fakeSignaling) TargetSession() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

func (f *fakeSignaling) setTarget(s string) {
	f.mu.Lock()
	f.target = s
	f.mu.Unlock()
}

func (f *fakeSignaling) SendOffer(ctx context.Context, sdp, targetSession string) bool {
	f.record("offer:" + targetSession)
	return true
}

func (f *fakeSignaling) SendIceCandidate(ctx context.Context, candidate, sdpMid string, sdpMLineIndex uint16, targetSession string) bool {
	f.record("candidate:" + candidate)
	return true
}

func (f *fakeSignaling) SendHangup(ctx context.Context, targetSession string) bool {
	f.record("hangup:" + targetSession)
	return true
}

func (f *fakeSignaling) SendMessage(ctx context.Context, msgType string, payload any) bool {
	f.record("message:" + msgType)
	return true
}

func (f *fakeSignaling) record(s string) {
	f.mu.Lock()
	f.sends = append(f.sends, s)
	f.mu.Unlock()
}

func (f *fakeSignaling) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

// harness owns a Manager wired to fakes, keeping every per-attempt fake
// around so reconnect tests can inspect earlier attempts.
type harness struct {
	mgr *Manager

	mu         sync.Mutex
	joinErr    error
	transports []*fakeTransport
	signalings []*fakeSignaling
	encoders   []*fakeEncoder
}

func newHarness() *harness {
	h := &harness{}
	cfg := &config.Config{
		ServerURL:            "http://signaling.test",
		ClientKey:            "agent-1",
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
	}
	h.mgr = NewManager(Options{
		Config: cfg,
		NewTransport: func() transport.MediaTransport {
			tr := newFakeTransport()
			h.mu.Lock()
			h.transports = append(h.transports, tr)
			h.mu.Unlock()
			return tr
		},
		NewEncoder: func(targetFps, targetBitrateKbps int) (encoder.Encoder, error) {
			enc := &fakeEncoder{}
			h.mu.Lock()
			h.encoders = append(h.encoders, enc)
			h.mu.Unlock()
			return enc, nil
		},
		NewSignaling: func() SignalingClient {
			h.mu.Lock()
			sig := newFakeSignaling(h.joinErr)
			h.signalings = append(h.signalings, sig)
			h.mu.Unlock()
			return sig
		},
		Injector: input.NewNull(),
	})
	return h
}

func (h *harness) setJoinErr(err error) {
	h.mu.Lock()
	h.joinErr = err
	h.mu.Unlock()
}

func (h *harness) transport(i int) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[i]
}

func (h *harness) signaling(i int) *fakeSignaling {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signalings[i]
}

func (h *harness) attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signalings)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drainNotes(m *Manager) []Note {
	var out []Note
	for {
		select {
		case n := <-m.Notes():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestStartHappyPath(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}
	defer h.mgr.Stop(ctx)

	if got := h.mgr.State(); got != StateConnecting {
		t.Fatalf("state = %v, want connecting", got)
	}

	tr, sig := h.transport(0), h.signaling(0)
	if !tr.initialized {
		t.Fatal("transport was not initialized")
	}
	if len(tr.channels) != 1 || tr.channels[0] != "control" {
		t.Fatalf("data channels = %v, want [control]", tr.channels)
	}

	// Viewer asks for an offer.
	sig.setTarget("viewer-1")
	sig.events <- signaling.Event{Kind: signaling.EventRequestOffer, FromSession: "viewer-1"}
	waitFor(t, "offer to be sent", func() bool {
		return len(sig.sent()) >= 1
	})
	if sent := sig.sent(); sent[0] != "offer:viewer-1" {
		t.Fatalf("first send = %q, want offer to viewer-1", sent[0])
	}

	// Viewer answers.
	sig.events <- signaling.Event{
		Kind:    signaling.EventSignal,
		Type:    signaling.MsgTypeAnswer,
		Payload: json.RawMessage(`{"sdp":"v=0\r\n"}`),
	}
	waitFor(t, "answer to be applied", func() bool {
		answer, _, streaming, _ := tr.snapshot()
		return answer != "" && streaming
	})

	// Transport comes up.
	tr.events <- transport.Event{Kind: transport.EventStateChange, State: transport.StateConnected}
	waitFor(t, "connected state", func() bool {
		return h.mgr.State() == StateConnected
	})

	notes := drainNotes(h.mgr)
	found := false
	for _, n := range notes {
		if n.Kind == NoteConnected {
			found = true
		}
	}
	if !found {
		t.Fatalf("notes = %v, want a connected note", notes)
	}
}

func TestLocalCandidatesBufferedUntilOfferSent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}
	defer h.mgr.Stop(ctx)

	tr, sig := h.transport(0), h.signaling(0)
	sig.setTarget("viewer-1")

	// Candidates generated before the offer goes out must wait.
	tr.events <- transport.Event{Kind: transport.EventLocalCandidate,
		Candidate: transport.ICECandidate{Candidate: "c1", SDPMid: "0"}}
	tr.events <- transport.Event{Kind: transport.EventLocalCandidate,
		Candidate: transport.ICECandidate{Candidate: "c2", SDPMid: "0"}}

	time.Sleep(20 * time.Millisecond)
	if sent := sig.sent(); len(sent) != 0 {
		t.Fatalf("sends = %v, want none before the offer", sent)
	}

	sig.events <- signaling.Event{Kind: signaling.EventRequestOffer, FromSession: "viewer-1"}
	waitFor(t, "offer and buffered candidates", func() bool {
		return len(sig.sent()) >= 3
	})

	want := []string{"offer:viewer-1", "candidate:c1", "candidate:c2"}
	sent := sig.sent()
	for i, w := range want {
		if sent[i] != w {
			t.Fatalf("sends = %v, want prefix %v", sent, want)
		}
	}

	// After the flush, candidates pass straight through.
	tr.events <- transport.Event{Kind: transport.EventLocalCandidate,
		Candidate: transport.ICECandidate{Candidate: "c3", SDPMid: "0"}}
	waitFor(t, "pass-through candidate", func() bool {
		sent := sig.sent()
		return len(sent) == 4 && sent[3] == "candidate:c3"
	})
}

func TestRemoteCandidatesBufferedUntilAnswer(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}
	defer h.mgr.Stop(ctx)

	tr, sig := h.transport(0), h.signaling(0)

	// Remote candidates arriving before the answer must not reach the
	// transport yet.
	for i := 1; i <= 2; i++ {
		sig.events <- signaling.Event{
			Kind:    signaling.EventSignal,
			Type:    signaling.MsgTypeCandidate,
			Payload: json.RawMessage(fmt.Sprintf(`{"candidate":"rc%d","sdpMid":"0"}`, i)),
		}
	}

	time.Sleep(20 * time.Millisecond)
	if _, cands, _, _ := tr.snapshot(); len(cands) != 0 {
		t.Fatalf("remote candidates = %v, want none before answer", cands)
	}

	sig.events <- signaling.Event{
		Kind:    signaling.EventSignal,
		Type:    signaling.MsgTypeAnswer,
		Payload: json.RawMessage(`{"sdp":"v=0\r\n"}`),
	}
	waitFor(t, "buffered remote candidates applied in order", func() bool {
		_, cands, streaming, _ := tr.snapshot()
		return streaming && len(cands) == 2 && cands[0] == "rc1" && cands[1] == "rc2"
	})

	// Candidates after the answer go straight to the transport.
	sig.events <- signaling.Event{
		Kind:    signaling.EventSignal,
		Type:    signaling.MsgTypeCandidate,
		Payload: json.RawMessage(`{"candidate":"rc3","sdpMid":"0"}`),
	}
	waitFor(t, "direct remote candidate", func() bool {
		_, cands, _, _ := tr.snapshot()
		return len(cands) == 3 && cands[2] == "rc3"
	})
}

func TestStartRejectedWhileActive(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("first Start failed")
	}
	defer h.mgr.Stop(ctx)

	if h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("second Start should be rejected while connecting")
	}
	if h.attempts() != 1 {
		t.Fatalf("%d sessions were built, want 1", h.attempts())
	}
}

func TestStartFailureCleansUp(t *testing.T) {
	h := newHarness()
	h.setJoinErr(errors.New("room full"))

	if h.mgr.Start(context.Background(), 30, 4000) {
		t.Fatal("Start should fail when the signaling join fails")
	}
	if got := h.mgr.State(); got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}

	tr := h.transport(0)
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Fatal("transport not closed after failed start")
	}
	h.mu.Lock()
	enc := h.encoders[0]
	h.mu.Unlock()
	if !enc.isClosed() {
		t.Fatal("encoder not closed after failed start")
	}
}

func TestStartAllowedAgainAfterFailure(t *testing.T) {
	h := newHarness()
	h.setJoinErr(errors.New("room full"))
	h.mgr.Start(context.Background(), 30, 4000)

	h.setJoinErr(nil)
	if !h.mgr.Start(context.Background(), 30, 4000) {
		t.Fatal("Start should be accepted from the failed state")
	}
	defer h.mgr.Stop(context.Background())

	if got := h.mgr.State(); got != StateConnecting {
		t.Fatalf("state = %v, want connecting", got)
	}
}

func TestStopReturnsToIdle(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}
	h.signaling(0).setTarget("viewer-1")
	h.mgr.Stop(ctx)

	if got := h.mgr.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}

	sig := h.signaling(0)
	sig.mu.Lock()
	left := sig.left
	sig.mu.Unlock()
	if left != 1 {
		t.Fatalf("signaling Leave called %d times, want 1", left)
	}
	if sent := sig.sent(); len(sent) != 1 || sent[0] != "hangup:viewer-1" {
		t.Fatalf("sends = %v, want a hangup to viewer-1 before leaving", sent)
	}

	tr := h.transport(0)
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Fatal("transport not closed on stop")
	}

	// Stop again is a no-op.
	h.mgr.Stop(ctx)
}

func TestSendFrameDroppedUnlessConnected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.mgr.SendFrame([]byte{0x65}, 0, true) // no session at all

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}
	defer h.mgr.Stop(ctx)

	tr := h.transport(0)
	h.mgr.SendFrame([]byte{0x65}, 0, true) // connecting, still dropped
	if _, _, _, frames := tr.snapshot(); frames != 0 {
		t.Fatalf("frames = %d, want 0 before connected", frames)
	}

	tr.events <- transport.Event{Kind: transport.EventStateChange, State: transport.StateConnected}
	waitFor(t, "connected state", func() bool {
		return h.mgr.State() == StateConnected
	})

	h.mgr.SendFrame([]byte{0x65}, 3000, true)
	if _, _, _, frames := tr.snapshot(); frames != 1 {
		t.Fatalf("frames = %d, want 1 once connected", frames)
	}
}

func TestTransportLossTriggersBoundedReconnect(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}

	tr := h.transport(0)
	tr.events <- transport.Event{Kind: transport.EventStateChange, State: transport.StateConnected}
	waitFor(t, "connected state", func() bool {
		return h.mgr.State() == StateConnected
	})

	// Every rebuild from here on fails its signaling join, so the two
	// configured attempts are spent and the manager ends up failed.
	h.setJoinErr(errors.New("server gone"))
	tr.events <- transport.Event{Kind: transport.EventStateChange, State: transport.StateFailed}

	waitFor(t, "reconnect attempts to exhaust", func() bool {
		return h.mgr.State() == StateFailed && h.attempts() == 3
	})

	var reconnects []int
	for _, n := range drainNotes(h.mgr) {
		if n.Kind == NoteReconnectAttempt {
			reconnects = append(reconnects, n.Attempt)
		}
	}
	if len(reconnects) != 2 || reconnects[0] != 1 || reconnects[1] != 2 {
		t.Fatalf("reconnect attempts = %v, want [1 2]", reconnects)
	}

	// Terminal: nothing else restarts on its own.
	time.Sleep(20 * time.Millisecond)
	if h.attempts() != 3 {
		t.Fatalf("%d sessions built after exhaustion, want 3", h.attempts())
	}
}

func TestReconnectRecovers(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}
	defer h.mgr.Stop(ctx)

	tr := h.transport(0)
	tr.events <- transport.Event{Kind: transport.EventStateChange, State: transport.StateConnected}
	waitFor(t, "connected state", func() bool {
		return h.mgr.State() == StateConnected
	})

	// Join keeps working, so the first reconnect attempt succeeds.
	tr.events <- transport.Event{Kind: transport.EventStateChange, State: transport.StateDisconnected}

	waitFor(t, "second session to come up", func() bool {
		return h.attempts() == 2 && h.mgr.State() == StateConnecting
	})

	tr2 := h.transport(1)
	tr2.events <- transport.Event{Kind: transport.EventStateChange, State: transport.StateConnected}
	waitFor(t, "reconnected", func() bool {
		return h.mgr.State() == StateConnected
	})
}

func TestHangupAcknowledgedAndReconnects(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}
	defer h.mgr.Stop(ctx)

	sig := h.signaling(0)
	sig.events <- signaling.Event{
		Kind:        signaling.EventSignal,
		Type:        signaling.MsgTypeHangup,
		FromSession: "viewer-1",
	}

	waitFor(t, "hangup acknowledgement", func() bool {
		for _, s := range sig.sent() {
			if s == "message:hangup_ack" {
				return true
			}
		}
		return false
	})

	// The hangup tears the session down and brings up a fresh one.
	waitFor(t, "replacement session", func() bool {
		return h.attempts() >= 2
	})
}

func TestSnapshotReflectsSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	snap := h.mgr.Snapshot()
	if snap.State != "idle" || snap.SignalingState != "" {
		t.Fatalf("idle snapshot = %+v", snap)
	}

	if !h.mgr.Start(ctx, 30, 4000) {
		t.Fatal("Start failed")
	}
	defer h.mgr.Stop(ctx)

	h.signaling(0).setTarget("viewer-1")
	snap = h.mgr.Snapshot()
	if snap.State != "connecting" || snap.TargetSession != "viewer-1" {
		t.Fatalf("active snapshot = %+v", snap)
	}
}
