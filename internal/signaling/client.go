// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package signaling implements the room-based HTTP polling protocol the
// agent uses to negotiate a media session with a single remote viewer.
// There is no push channel: pending messages are drained by polling and
// viewer presence is detected through heartbeat responses.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mehran-mrn/staff-monitoring/internal/constants"
)

// ErrJoinRejected is returned by Join when the server answers with a
// non-success status. It is the only error this package raises; every other
// failure is logged and converted to a boolean or a state transition.
var ErrJoinRejected = errors.New("join rejected by signaling server")

// State tracks protocol progress with the viewer, independent from the
// health of the media transport.
type State int

const (
	StateWaiting State = iota
	StateOffering
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateOffering:
		return "offering"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies a protocol event surfaced to the session manager.
type EventKind int

const (
	// EventSignal carries a raw inbound message (every message type,
	// including the ones that also produce a dedicated event below).
	EventSignal EventKind = iota
	EventViewerJoined
	EventViewerLeft
	EventConnectionEstablished
	EventConnectionLost
	EventRequestOffer
)

// Event is a typed protocol event. Events are delivered on a single channel
// in the order they were observed, so the consumer never has to reason about
// callback interleaving.
type Event struct {
	Kind        EventKind
	FromSession string
	Type        string
	Payload     json.RawMessage
}

// Client speaks the signaling protocol for one room membership. A Client is
// created fresh for every connection attempt and discarded on teardown.
type Client struct {
	serverURL  string
	clientKey  string
	httpClient *http.Client
	sender     *sender
	logger     *slog.Logger

	mu     sync.Mutex
	joined bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.Mutex
	state   State

	targetMu      sync.Mutex
	targetSession string

	events chan Event
}

func NewClient(serverURL, clientKey string) *Client {
	logger := slog.With("component", "signaling", "client_key", clientKey)
	httpClient := &http.Client{Timeout: constants.HTTPRequestTimeout}
	return &Client{
		serverURL:  serverURL,
		clientKey:  clientKey,
		httpClient: httpClient,
		sender:     newSender(httpClient, logger),
		logger:     logger,
		events:     make(chan Event, constants.EventQueueSize),
	}
}

// Events returns the channel protocol events are delivered on. The channel
// is never closed; consumers stop reading after Leave returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Join enters the signaling room and starts the poll and heartbeat loops.
// Calling Join while already joined is a no-op.
func (c *Client) Join(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.joined {
		c.logger.Debug("already joined, skipping")
		return nil
	}

	if err := c.postJoin(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.joined = true

	c.wg.Add(2)
	go c.pollLoop(loopCtx)
	go c.heartbeatLoop(loopCtx)

	c.logger.Info("joined signaling room")
	return nil
}

// Leave stops both loops, waits for them, and notifies the server. The leave
// notification is best-effort; its failure is logged, not returned. Leave on
// a client that never joined is a no-op.
func (c *Client) Leave(ctx context.Context) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	if !c.sender.post(ctx, c.endpoint("leave"), joinRequest{ClientKey: c.clientKey}) {
		c.logger.Warn("leave notification failed")
	}
	c.logger.Info("left signaling room")
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// TargetSession returns the remote peer session all outbound messages are
// addressed to, or empty if no negotiation has started yet.
func (c *Client) TargetSession() string {
	c.targetMu.Lock()
	defer c.targetMu.Unlock()
	return c.targetSession
}

// SendOffer pushes a local SDP offer addressed to the target session.
func (c *Client) SendOffer(ctx context.Context, sdp, targetSession string) bool {
	return c.sender.post(ctx, c.endpoint("offer"), offerRequest{
		SDP:           sdp,
		ClientKey:     c.clientKey,
		TargetSession: targetSession,
	})
}

// SendIceCandidate pushes a local ICE candidate addressed to the target session.
func (c *Client) SendIceCandidate(ctx context.Context, candidate, sdpMid string, sdpMLineIndex uint16, targetSession string) bool {
	return c.sender.post(ctx, c.endpoint("candidate"), candidateRequest{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
		ClientKey:     c.clientKey,
		TargetSession: targetSession,
	})
}

// SendHangup tells the target session the media session is over.
func (c *Client) SendHangup(ctx context.Context, targetSession string) bool {
	return c.sender.post(ctx, c.endpoint("hangup"), hangupRequest{
		ClientKey:     c.clientKey,
		TargetSession: targetSession,
	})
}

// SendMessage pushes an arbitrary protocol message addressed to the current
// target session.
func (c *Client) SendMessage(ctx context.Context, msgType string, payload any) bool {
	return c.sender.post(ctx, c.endpoint("message"), genericRequest{
		Type:          msgType,
		Payload:       payload,
		ClientKey:     c.clientKey,
		TargetSession: c.TargetSession(),
	})
}

func (c *Client) endpoint(name string) string {
	return c.serverURL + "/api/signal/" + name
}

func (c *Client) postJoin(ctx context.Context) error {
	body, _ := json.Marshal(joinRequest{ClientKey: c.clientKey})
	reqCtx, cancelReq := context.WithTimeout(ctx, constants.HTTPRequestTimeout)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint("join"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("join request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrJoinRejected, resp.StatusCode)
	}
	return nil
}

func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Debug("poll loop started")
	defer c.logger.Debug("poll loop stopped")

	ticker := time.NewTicker(constants.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	pollURL := c.endpoint("poll") + "?client_key=" + url.QueryEscape(c.clientKey)

	reqCtx, cancelReq := context.WithTimeout(ctx, constants.HTTPRequestTimeout)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pollURL, http.NoBody)
	if err != nil {
		c.logger.Error("failed to build poll request", "error", err)
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("poll request failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Debug("failed to read poll body", "error", err)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("poll rejected", "status", resp.StatusCode)
		return
	}

	messages, err := parsePollBody(body)
	if err != nil {
		c.logger.Warn("failed to parse poll body", "error", err)
		return
	}
	for i := range messages {
		c.dispatch(ctx, &messages[i])
	}
}

// dispatch handles one inbound message. request_offer and answer drive the
// protocol state machine before the message is forwarded generically.
func (c *Client) dispatch(ctx context.Context, env *Envelope) {
	from := env.Sender()

	switch env.Type {
	case MsgTypeRequestOffer:
		if from != "" {
			c.setTargetSession(from)
		}
		c.transition(StateWaiting, StateOffering)
		c.emit(ctx, Event{Kind: EventRequestOffer, FromSession: from})

	case MsgTypeAnswer:
		if c.transition(StateOffering, StateConnected) {
			c.emit(ctx, Event{Kind: EventConnectionEstablished, FromSession: from})
		}
	}

	c.emit(ctx, Event{
		Kind:        EventSignal,
		FromSession: from,
		Type:        env.Type,
		Payload:     env.Body(),
	})
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Debug("heartbeat loop started")
	defer c.logger.Debug("heartbeat loop stopped")

	select {
	case <-ctx.Done():
		return
	case <-time.After(constants.HeartbeatLeadDelay):
	}

	ticker := time.NewTicker(constants.HeartbeatInterval)
	defer ticker.Stop()

	for {
		c.heartbeatOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) heartbeatOnce(ctx context.Context) {
	online, err := c.postHeartbeat(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Fail safe: without a heartbeat we cannot claim viewer presence.
		c.logger.Warn("heartbeat failed, resetting to waiting", "error", err)
		c.setState(StateWaiting)
		return
	}

	if online {
		if c.State() != StateWaiting {
			return
		}
		if target := c.TargetSession(); target != "" {
			c.setState(StateOffering)
			c.emit(ctx, Event{Kind: EventViewerJoined, FromSession: target})
			c.emit(ctx, Event{Kind: EventRequestOffer, FromSession: target})
			return
		}
		// No target session yet: announce presence and wait for the poll
		// loop to deliver request_offer.
		c.emit(ctx, Event{Kind: EventViewerJoined})
		return
	}

	state := c.State()
	if state == StateOffering || state == StateConnected {
		c.setState(StateDisconnected)
		c.emit(ctx, Event{Kind: EventViewerLeft})
		c.emit(ctx, Event{Kind: EventConnectionLost})
		c.setState(StateWaiting)
	}
}

func (c *Client) postHeartbeat(ctx context.Context) (bool, error) {
	body, _ := json.Marshal(heartbeatRequest{ClientKey: c.clientKey})
	hbURL := c.endpoint("heartbeat") + "?client_key=" + url.QueryEscape(c.clientKey)

	reqCtx, cancelReq := context.WithTimeout(ctx, constants.HTTPRequestTimeout)
	defer cancelReq()

	// The protocol uses GET with a JSON body here; some servers only look
	// at the query parameter.
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, hbURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("building heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("heartbeat request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("reading heartbeat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("heartbeat status %d", resp.StatusCode)
	}

	var hb heartbeatResponse
	if err := json.Unmarshal(data, &hb); err != nil {
		return false, fmt.Errorf("parsing heartbeat response: %w", err)
	}
	return hb.OnlineViewer, nil
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) setTargetSession(session string) {
	c.targetMu.Lock()
	defer c.targetMu.Unlock()
	if c.targetSession != session {
		c.logger.Info("target session set", "target_session", session)
	}
	c.targetSession = session
}

func (c *Client) setState(next State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = next
	c.stateMu.Unlock()
	if prev != next {
		c.logger.Debug("signaling state changed", "from", prev.String(), "to", next.String())
	}
}

// transition moves from one specific state to another, reporting whether the
// transition took place.
func (c *Client) transition(from, to State) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	c.logger.Debug("signaling state changed", "from", from.String(), "to", to.String())
	return true
}
