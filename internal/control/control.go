// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package control implements the authenticated remote-control protocol
// carried over the media transport's data channel: a time-boxed HMAC enable
// handshake followed by mouse/keyboard commands, plus a periodic outbound
// cursor status message.
package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mehran-mrn/staff-monitoring/internal/constants"
	"github.com/mehran-mrn/staff-monitoring/internal/input"
)

// ChannelLabel is the data channel the control protocol rides on.
const ChannelLabel = "control"

// SendFunc delivers an outbound text message on the control channel,
// reporting success.
type SendFunc func(text string) bool

type inboundMessage struct {
	Type    string       `json:"type"`
	Enabled *bool        `json:"enabled,omitempty"`
	Auth    *authPayload `json:"auth,omitempty"`

	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Button string   `json:"button,omitempty"`
	Action string   `json:"action,omitempty"`
	VK     *int     `json:"vk,omitempty"`
}

type authPayload struct {
	TS  int64  `json:"ts"`
	Sig string `json:"sig"`
}

type statusMessage struct {
	Type           string  `json:"type"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	ControlEnabled bool    `json:"controlEnabled"`
	Authorized     bool    `json:"authorized"`
}

// Handler owns the control-channel state: the enabled/authorized pair is
// mutated only by control messages; every other command is a no-op while
// unauthorized.
type Handler struct {
	secret   string
	injector input.Injector
	send     SendFunc
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	enabled    bool
	authorized bool

	statusCancel context.CancelFunc
	statusWG     sync.WaitGroup
}

func NewHandler(secret string, injector input.Injector, send SendFunc) *Handler {
	return &Handler{
		secret:   secret,
		injector: injector,
		send:     send,
		logger:   slog.With("component", "control"),
		now:      time.Now,
	}
}

// Authorized reports whether remote control commands are currently accepted.
func (h *Handler) Authorized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled && h.authorized
}

// ChannelState starts the cursor status loop when the control channel opens
// and stops it (and revokes authorization) when it closes.
func (h *Handler) ChannelState(open bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if open {
		if h.statusCancel != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		h.statusCancel = cancel
		h.statusWG.Add(1)
		go h.statusLoop(ctx)
		return
	}

	if h.statusCancel != nil {
		h.statusCancel()
		h.statusCancel = nil
	}
	h.enabled = false
	h.authorized = false
}

// Shutdown stops the status loop and waits for it.
func (h *Handler) Shutdown() {
	h.ChannelState(false)
	h.statusWG.Wait()
}

// HandleMessage processes one inbound control-channel text message. Parse
// failures are logged and swallowed so one bad message never disturbs the
// channel.
func (h *Handler) HandleMessage(text string) {
	var msg inboundMessage
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		h.logger.Warn("unparseable control message", "error", err)
		return
	}

	switch msg.Type {
	case "control":
		h.handleControl(&msg)
	case "mouseMove":
		h.handleMouseMove(&msg)
	case "mouseClick":
		h.handleMouseClick(&msg)
	case "key":
		h.handleKey(&msg)
	default:
		h.logger.Debug("ignoring control message", "type", msg.Type)
	}
}

func (h *Handler) handleControl(msg *inboundMessage) {
	if msg.Enabled == nil {
		h.logger.Warn("control message without enabled flag")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !*msg.Enabled {
		h.enabled = false
		h.authorized = false
		h.logger.Info("remote control disabled")
		return
	}

	if h.secret == "" {
		// Development mode: no secret configured, control is
		// auto-authorized. main() warns about this at startup.
		h.enabled = true
		h.authorized = true
		h.logger.Warn("remote control enabled without authentication (no secret configured)")
		return
	}

	if err := h.verifyAuth(msg.Auth); err != nil {
		h.logger.Warn("remote control enable rejected", "error", err)
		h.enabled = false
		h.authorized = false
		return
	}

	h.enabled = true
	h.authorized = true
	h.logger.Info("remote control enabled and authorized")
}

// verifyAuth checks sig == HMAC-SHA256(secret, "{ts}:control") with a
// case-insensitive hex compare, and that ts is within the allowed window of
// the local clock.
func (h *Handler) verifyAuth(auth *authPayload) error {
	if auth == nil {
		return fmt.Errorf("missing auth payload")
	}

	drift := h.now().Unix() - auth.TS
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > constants.ControlAuthWindow {
		return fmt.Errorf("timestamp outside allowed window (%ds)", drift)
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	fmt.Fprintf(mac, "%d:control", auth.TS)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(auth.Sig))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (h *Handler) handleMouseMove(msg *inboundMessage) {
	if !h.Authorized() || msg.X == nil || msg.Y == nil {
		return
	}
	w, hgt := h.injector.ScreenSize()
	x := resolveCoordinate(*msg.X, w)
	y := resolveCoordinate(*msg.Y, hgt)
	if err := h.injector.MoveMouse(x, y); err != nil {
		h.logger.Warn("mouse move failed", "error", err)
	}
}

func (h *Handler) handleMouseClick(msg *inboundMessage) {
	if !h.Authorized() || msg.X == nil || msg.Y == nil {
		return
	}
	if msg.Button != input.ButtonLeft && msg.Button != input.ButtonRight {
		h.logger.Warn("unsupported mouse button", "button", msg.Button)
		return
	}
	if msg.Action != input.ActionDown && msg.Action != input.ActionUp {
		h.logger.Warn("unsupported mouse action", "action", msg.Action)
		return
	}

	w, hgt := h.injector.ScreenSize()
	x := resolveCoordinate(*msg.X, w)
	y := resolveCoordinate(*msg.Y, hgt)
	if err := h.injector.MouseButton(x, y, msg.Button, msg.Action == input.ActionDown); err != nil {
		h.logger.Warn("mouse click failed", "error", err)
	}
}

func (h *Handler) handleKey(msg *inboundMessage) {
	if !h.Authorized() || msg.VK == nil {
		return
	}
	if msg.Action != input.ActionDown && msg.Action != input.ActionUp {
		h.logger.Warn("unsupported key action", "action", msg.Action)
		return
	}
	if err := h.injector.Key(*msg.VK, msg.Action == input.ActionDown); err != nil {
		h.logger.Warn("key injection failed", "error", err)
	}
}

// resolveCoordinate interprets a remote coordinate as a fraction (≤1.0), a
// percentage (≤100.0), or an absolute pixel value.
func resolveCoordinate(v float64, dim int) int {
	var px float64
	switch {
	case v <= 1.0:
		px = v * float64(dim)
	case v <= 100.0:
		px = v / 100.0 * float64(dim)
	default:
		px = v
	}
	if px < 0 {
		return 0
	}
	if px > float64(dim-1) {
		return dim - 1
	}
	return int(px)
}

// statusLoop reports the local cursor as a percentage of the screen plus the
// control flags while the channel is open.
func (h *Handler) statusLoop(ctx context.Context) {
	defer h.statusWG.Done()
	h.logger.Debug("status loop started")
	defer h.logger.Debug("status loop stopped")

	ticker := time.NewTicker(constants.CursorStatusPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendStatus()
		}
	}
}

func (h *Handler) sendStatus() {
	w, hgt := h.injector.ScreenSize()
	if w <= 0 || hgt <= 0 {
		return
	}
	x, y := h.injector.CursorPosition()

	h.mu.Lock()
	enabled, authorized := h.enabled, h.authorized
	h.mu.Unlock()

	data, err := json.Marshal(statusMessage{
		Type:           "mouseMove",
		X:              float64(x) / float64(w) * 100.0,
		Y:              float64(y) / float64(hgt) * 100.0,
		ControlEnabled: enabled,
		Authorized:     authorized,
	})
	if err != nil {
		return
	}
	h.send(string(data))
}
