// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the end-to-end connection lifecycle: it wires the
// signaling client to the media transport, buffers negotiation artifacts
// that race each other, and recovers from transport loss with bounded,
// linearly backed-off reconnect attempts.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mehran-mrn/staff-monitoring/internal/config"
	"github.com/mehran-mrn/staff-monitoring/internal/constants"
	"github.com/mehran-mrn/staff-monitoring/internal/control"
	"github.com/mehran-mrn/staff-monitoring/internal/encoder"
	"github.com/mehran-mrn/staff-monitoring/internal/input"
	"github.com/mehran-mrn/staff-monitoring/internal/signaling"
	"github.com/mehran-mrn/staff-monitoring/internal/transport"
)

// SignalingClient is the slice of the signaling client the manager drives.
// *signaling.Client satisfies it; tests substitute fakes.
type SignalingClient interface {
	Join(ctx context.Context) error
	Leave(ctx context.Context)
	Events() <-chan signaling.Event
	State() signaling.State
	TargetSession() string
	SendOffer(ctx context.Context, sdp, targetSession string) bool
	SendIceCandidate(ctx context.Context, candidate, sdpMid string, sdpMLineIndex uint16, targetSession string) bool
	SendHangup(ctx context.Context, targetSession string) bool
	SendMessage(ctx context.Context, msgType string, payload any) bool
}

// NoteKind identifies a lifecycle notification for the capture driver and
// the status endpoint.
type NoteKind int

const (
	NoteConnected NoteKind = iota
	NoteDisconnected
	NoteReconnectAttempt
	NoteViewerJoined
	NoteViewerLeft
)

func (k NoteKind) String() string {
	switch k {
	case NoteConnected:
		return "connected"
	case NoteDisconnected:
		return "disconnected"
	case NoteReconnectAttempt:
		return "reconnect_attempt"
	case NoteViewerJoined:
		return "viewer_joined"
	case NoteViewerLeft:
		return "viewer_left"
	default:
		return "unknown"
	}
}

// Note is a lifecycle notification. Attempt is set for NoteReconnectAttempt.
type Note struct {
	Kind    NoteKind
	Attempt int
}

// Snapshot is a point-in-time view of the manager for diagnostics.
type Snapshot struct {
	State             string `json:"state"`
	SignalingState    string `json:"signaling_state"`
	TargetSession     string `json:"target_session"`
	ReconnectAttempt  int    `json:"reconnect_attempt"`
	ControlAuthorized bool   `json:"control_authorized"`
}

// Options configures a Manager. NewTransport, NewEncoder, and Injector are
// required; NewSignaling defaults to the HTTP polling client against the
// configured server.
type Options struct {
	Config       *config.Config
	NewTransport func() transport.MediaTransport
	NewEncoder   encoder.Factory
	NewSignaling func() SignalingClient
	Injector     input.Injector
}

// activeSession bundles everything created fresh per connection attempt.
// Nothing in it outlives one attempt.
type activeSession struct {
	signaling SignalingClient
	transport transport.MediaTransport
	encoder   encoder.Encoder

	local  localCandidateBuffer
	remote remoteCandidateBuffer

	// remoteDescSet is touched only by the session's event loop goroutine.
	remoteDescSet bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Manager is the connection lifecycle owner. One Manager supervises at most
// one active session and at most one reconnect loop at a time.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	newTransport func() transport.MediaTransport
	newEncoder   encoder.Factory
	newSignaling func() SignalingClient

	control *control.Handler

	stateMu     sync.Mutex
	state       State
	lastFps     int
	lastBitrate int

	sessMu sync.Mutex
	sess   *activeSession

	attempt atomic.Int32

	reconnectMu     sync.Mutex
	reconnecting    bool
	reconnectCancel context.CancelFunc
	reconnectWG     sync.WaitGroup

	notes chan Note
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		cfg:          opts.Config,
		logger:       slog.With("component", "session"),
		newTransport: opts.NewTransport,
		newEncoder:   opts.NewEncoder,
		newSignaling: opts.NewSignaling,
		notes:        make(chan Note, constants.EventQueueSize),
	}
	if m.newSignaling == nil {
		m.newSignaling = func() SignalingClient {
			return signaling.NewClient(opts.Config.ServerURL, opts.Config.ClientKey)
		}
	}

	m.control = control.NewHandler(opts.Config.ControlSecret, opts.Injector, func(text string) bool {
		m.sessMu.Lock()
		sess := m.sess
		m.sessMu.Unlock()
		if sess == nil {
			return false
		}
		return sess.transport.SendDataChannelMessage(control.ChannelLabel, text) == nil
	})
	return m
}

// Notes returns the lifecycle notification channel. Notifications are
// best-effort: a slow consumer loses the oldest ones.
func (m *Manager) Notes() <-chan Note {
	return m.notes
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Snapshot reports the manager's current view for the status endpoint.
func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{
		State:             m.State().String(),
		ReconnectAttempt:  int(m.attempt.Load()),
		ControlAuthorized: m.control.Authorized(),
	}
	m.sessMu.Lock()
	if m.sess != nil {
		snap.SignalingState = m.sess.signaling.State().String()
		snap.TargetSession = m.sess.signaling.TargetSession()
	}
	m.sessMu.Unlock()
	return snap
}

// Start brings up a new session: encoder, transport, signaling join. It is
// rejected (returns false) unless the manager is Idle or Failed. Any failure
// along the way moves the manager to Failed and cleans up after itself.
func (m *Manager) Start(ctx context.Context, targetFps, targetBitrateKbps int) bool {
	m.stateMu.Lock()
	if m.state != StateIdle && m.state != StateFailed {
		state := m.state
		m.stateMu.Unlock()
		m.logger.Warn("start rejected", "state", state.String())
		return false
	}
	m.state = StateConnecting
	m.lastFps = targetFps
	m.lastBitrate = targetBitrateKbps
	m.stateMu.Unlock()

	sess, err := m.buildSession(ctx, targetFps, targetBitrateKbps)
	if err != nil {
		m.logger.Error("failed to start session", "error", err)
		m.setState(StateFailed)
		return false
	}

	m.sessMu.Lock()
	m.sess = sess
	m.sessMu.Unlock()

	m.logger.Info("session started, waiting for viewer",
		"target_fps", targetFps, "target_bitrate_kbps", targetBitrateKbps)
	return true
}

func (m *Manager) buildSession(ctx context.Context, targetFps, targetBitrateKbps int) (*activeSession, error) {
	enc, err := m.newEncoder(targetFps, targetBitrateKbps)
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}

	params, err := enc.Parameters(ctx)
	if err != nil {
		enc.Close() //nolint:errcheck
		return nil, fmt.Errorf("obtaining codec parameters: %w", err)
	}

	tr := m.newTransport()
	err = tr.Initialize(transport.CodecParameters{
		SpropParameterSets: params.SpropParameterSets,
		ProfileLevelID:     params.ProfileLevelID,
	}, relayFromConfig(m.cfg))
	if err != nil {
		enc.Close() //nolint:errcheck
		return nil, fmt.Errorf("initializing transport: %w", err)
	}
	tr.SetTargetBitrate(targetBitrateKbps)

	// Created before the offer so the channel's m-line is negotiated with
	// the rest of the session.
	if err := tr.CreateDataChannel(control.ChannelLabel); err != nil {
		m.logger.Warn("failed to create control channel", "error", err)
	}

	sess := &activeSession{
		signaling: m.newSignaling(),
		transport: tr,
		encoder:   enc,
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.wg.Add(2)
	go m.eventLoop(sessCtx, sess)
	go m.keyframeLoop(sessCtx, sess)

	if err := sess.signaling.Join(ctx); err != nil {
		cancel()
		sess.wg.Wait()
		tr.Close()  //nolint:errcheck
		enc.Close() //nolint:errcheck
		return nil, fmt.Errorf("joining signaling room: %w", err)
	}

	return sess, nil
}

func relayFromConfig(cfg *config.Config) *transport.RelayConfig {
	if cfg.TurnURL == "" {
		return nil
	}
	return &transport.RelayConfig{
		URL:      cfg.TurnURL,
		Username: cfg.TurnUsername,
		Password: cfg.TurnPassword,
	}
}

// Stop cancels any reconnect loop, tears the session down, and returns the
// manager to Idle. It is a no-op when already Idle or Disconnecting.
func (m *Manager) Stop(ctx context.Context) {
	m.stateMu.Lock()
	if m.state == StateIdle || m.state == StateDisconnecting {
		m.stateMu.Unlock()
		return
	}
	m.state = StateDisconnecting
	m.stateMu.Unlock()

	m.reconnectMu.Lock()
	cancel := m.reconnectCancel
	m.reconnectMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.reconnectWG.Wait()

	// Tell the viewer the session is over before leaving the room.
	m.sessMu.Lock()
	sess := m.sess
	m.sessMu.Unlock()
	if sess != nil {
		if target := sess.signaling.TargetSession(); target != "" {
			sess.signaling.SendHangup(ctx, target)
		}
	}

	m.teardownSession(ctx)
	m.control.Shutdown()
	m.setState(StateIdle)
	m.logger.Info("stopped")
}

// SendFrame forwards one encoded access unit to the transport. Delivery is
// best-effort: anything short of a connected session drops the frame
// silently so the capture pipeline never blocks on us.
func (m *Manager) SendFrame(nal []byte, timestamp90k uint32, isKeyFrame bool) {
	if m.State() != StateConnected {
		return
	}
	m.sessMu.Lock()
	sess := m.sess
	m.sessMu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.transport.SendEncodedFrame(nal, timestamp90k, isKeyFrame); err != nil {
		m.logger.Debug("frame delivery failed", "error", err)
	}
}

// eventLoop is the single consumer of both the signaling and transport event
// channels, so negotiation artifacts are processed in a deterministic order.
func (m *Manager) eventLoop(ctx context.Context, s *activeSession) {
	defer s.wg.Done()
	m.logger.Debug("event loop started")
	defer m.logger.Debug("event loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.signaling.Events():
			m.handleSignalingEvent(ctx, s, ev)
		case ev := <-s.transport.Events():
			m.handleTransportEvent(ctx, s, ev)
		}
	}
}

func (m *Manager) handleSignalingEvent(ctx context.Context, s *activeSession, ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventRequestOffer:
		m.sendOffer(ctx, s)

	case signaling.EventSignal:
		m.handleSignal(ctx, s, ev)

	case signaling.EventViewerJoined:
		m.logger.Info("viewer joined", "from_session", ev.FromSession)
		m.notify(Note{Kind: NoteViewerJoined})

	case signaling.EventViewerLeft:
		m.logger.Info("viewer left")
		m.notify(Note{Kind: NoteViewerLeft})

	case signaling.EventConnectionEstablished:
		m.logger.Debug("signaling negotiation complete", "from_session", ev.FromSession)

	case signaling.EventConnectionLost:
		m.logger.Info("signaling connection lost, clearing negotiation buffers")
		s.remote.clear()
		s.local.reset()
		s.remoteDescSet = false
	}
}

// sendOffer asks the transport for a local offer, patches it for viewer
// compatibility, pushes it, and flushes the local candidates buffered while
// the offer was pending.
func (m *Manager) sendOffer(ctx context.Context, s *activeSession) {
	target := s.signaling.TargetSession()
	if target == "" {
		m.logger.Warn("offer requested but no target session known")
		return
	}

	sdp, err := s.transport.LocalOffer(ctx)
	if err != nil {
		m.logger.Error("failed to create local offer", "error", err)
		return
	}

	patched := patchOffer(sdp)
	if err := validateOffer(patched); err != nil {
		m.logger.Warn("patched offer does not parse as SDP", "error", err)
	}

	if !s.signaling.SendOffer(ctx, patched, target) {
		m.logger.Warn("failed to deliver offer", "target_session", target)
		return
	}
	m.logger.Info("offer sent", "target_session", target)

	for _, c := range s.local.flush() {
		if !s.signaling.SendIceCandidate(ctx, c.Candidate, c.SDPMid, c.SDPMLineIndex, target) {
			m.logger.Warn("failed to deliver buffered candidate")
		}
	}
}

func (m *Manager) handleSignal(ctx context.Context, s *activeSession, ev signaling.Event) {
	switch ev.Type {
	case signaling.MsgTypeAnswer:
		m.applyAnswer(ctx, s, ev.Payload)

	case signaling.MsgTypeCandidate, signaling.MsgTypeCandidates:
		cands, err := extractRemoteCandidates(ev.Payload)
		if err != nil {
			m.logger.Warn("unusable candidate payload", "error", err)
			return
		}
		for _, c := range cands {
			if !s.remoteDescSet {
				s.remote.add(c)
				continue
			}
			if err := s.transport.AddRemoteIceCandidate(ctx, c); err != nil {
				m.logger.Warn("failed to add remote candidate", "error", err)
			}
		}

	case signaling.MsgTypeHangup:
		m.logger.Info("viewer hung up", "from_session", ev.FromSession)
		s.signaling.SendMessage(ctx, "hangup_ack", map[string]string{"reason": "peer_hangup"})
		m.launchReconnect()

	case signaling.MsgTypeJoin:
		m.logger.Debug("peer joined room", "from_session", ev.FromSession)

	case signaling.MsgTypeRequestOffer:
		// Handled through the dedicated EventRequestOffer.

	default:
		m.logger.Debug("ignoring signal", "type", ev.Type)
	}
}

func (m *Manager) applyAnswer(ctx context.Context, s *activeSession, payload json.RawMessage) {
	sdp, err := extractAnswerSDP(payload)
	if err != nil {
		m.logger.Warn("unusable answer payload", "error", err)
		return
	}

	if err := s.transport.SetRemoteAnswer(ctx, sdp); err != nil {
		m.logger.Error("failed to apply remote answer", "error", err)
		return
	}
	s.remoteDescSet = true
	m.logger.Info("remote answer applied")

	for _, c := range s.remote.drain() {
		if err := s.transport.AddRemoteIceCandidate(ctx, c); err != nil {
			m.logger.Warn("failed to add buffered remote candidate", "error", err)
		}
	}

	s.transport.StartStreaming()
}

func (m *Manager) handleTransportEvent(ctx context.Context, s *activeSession, ev transport.Event) {
	switch ev.Kind {
	case transport.EventLocalCandidate:
		if s.local.add(ev.Candidate) {
			target := s.signaling.TargetSession()
			c := ev.Candidate
			if !s.signaling.SendIceCandidate(ctx, c.Candidate, c.SDPMid, c.SDPMLineIndex, target) {
				m.logger.Warn("failed to deliver local candidate")
			}
		}

	case transport.EventStateChange:
		m.handleTransportState(ev.State)

	case transport.EventDataChannelMessage:
		if ev.ChannelLabel == control.ChannelLabel && ev.IsString {
			m.control.HandleMessage(ev.Text)
		}

	case transport.EventDataChannelState:
		if ev.ChannelLabel == control.ChannelLabel {
			m.control.ChannelState(ev.Open)
		}
	}
}

func (m *Manager) handleTransportState(code transport.StateCode) {
	m.stateMu.Lock()
	switch {
	case code == transport.StateConnected &&
		(m.state == StateConnecting || m.state == StateReconnecting):
		m.state = StateConnected
		m.stateMu.Unlock()
		m.attempt.Store(0)
		m.logger.Info("media transport connected")
		m.notify(Note{Kind: NoteConnected})

	case (code == transport.StateDisconnected || code == transport.StateFailed || code == transport.StateClosed) &&
		(m.state == StateConnected || m.state == StateConnecting):
		m.state = StateFailed
		m.stateMu.Unlock()
		m.logger.Warn("media transport lost", "code", code.String())
		m.notify(Note{Kind: NoteDisconnected})
		m.launchReconnect()

	default:
		m.stateMu.Unlock()
	}
}

// launchReconnect starts the reconnect loop unless one is already running or
// the manager is being disposed.
func (m *Manager) launchReconnect() {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if m.reconnecting {
		return
	}
	if st := m.State(); st == StateReconnecting || st == StateDisconnecting {
		return
	}

	m.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	m.reconnectWG.Add(1)
	go m.reconnectLoop(ctx)
}

// reconnectLoop tears the session down and retries Start with linear backoff
// (baseDelay × attempt) until it succeeds or the attempt budget is spent.
// Exhaustion is terminal: the manager stays Failed until an external Start.
func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.reconnectWG.Done()
	defer func() {
		m.reconnectMu.Lock()
		m.reconnecting = false
		m.reconnectCancel = nil
		m.reconnectMu.Unlock()
	}()

	m.stateMu.Lock()
	fps, bitrate := m.lastFps, m.lastBitrate
	m.stateMu.Unlock()

	maxAttempts := m.cfg.MaxReconnectAttempts
	for n := 1; n <= maxAttempts; n++ {
		m.attempt.Store(int32(n))
		m.notify(Note{Kind: NoteReconnectAttempt, Attempt: n})
		m.logger.Info("reconnecting", "attempt", n, "max_attempts", maxAttempts)

		m.setState(StateReconnecting)
		m.teardownSession(ctx)
		m.setState(StateIdle)

		delay := m.cfg.ReconnectBaseDelay * time.Duration(n)
		select {
		case <-ctx.Done():
			m.logger.Debug("reconnect loop cancelled")
			return
		case <-time.After(delay):
		}

		if m.Start(ctx, fps, bitrate) {
			m.logger.Info("reconnect attempt succeeded", "attempt", n)
			return
		}
	}

	m.setState(StateFailed)
	m.logger.Error("reconnect attempts exhausted, staying failed until restarted",
		"attempts", maxAttempts)
}

// teardownSession dismantles the active session: loops first, then the
// signaling room, then the native resources.
func (m *Manager) teardownSession(ctx context.Context) {
	m.sessMu.Lock()
	sess := m.sess
	m.sess = nil
	m.sessMu.Unlock()

	if sess == nil {
		return
	}

	sess.cancel()
	sess.wg.Wait()

	m.control.ChannelState(false)
	sess.signaling.Leave(ctx)
	sess.transport.Close() //nolint:errcheck
	sess.encoder.Close()   //nolint:errcheck
	sess.local.reset()
	sess.remote.clear()
}

// keyframeLoop polls the transport's keyframe-request latch (fed by viewer
// RTCP) and relays it to the encoder.
func (m *Manager) keyframeLoop(ctx context.Context, s *activeSession) {
	defer s.wg.Done()

	ticker := time.NewTicker(constants.KeyframePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.transport.ShouldGenerateKeyframe() {
				s.encoder.RequestKeyframe()
			}
		}
	}
}

func (m *Manager) setState(next State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = next
	m.stateMu.Unlock()
	if prev != next {
		m.logger.Debug("connection state changed", "from", prev.String(), "to", next.String())
	}
}

func (m *Manager) notify(note Note) {
	select {
	case m.notes <- note:
	default:
		m.logger.Debug("notification dropped, consumer is behind", "kind", note.Kind.String())
	}
}
