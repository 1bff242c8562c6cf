// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package input defines the OS input-injection collaborator the control
// channel drives. Platform backends are out of scope for this module; the
// null injector logs and tracks a virtual cursor so the control protocol is
// fully exercisable in tests and development.
package input

import (
	"log/slog"
	"sync"
)

// Mouse buttons and actions as they appear on the wire.
const (
	ButtonLeft  = "left"
	ButtonRight = "right"

	ActionDown = "down"
	ActionUp   = "up"
)

type Injector interface {
	// ScreenSize returns the dimensions remote coordinates resolve against.
	ScreenSize() (width, height int)

	// CursorPosition returns the current local cursor position in pixels.
	CursorPosition() (x, y int)

	MoveMouse(x, y int) error
	MouseButton(x, y int, button string, down bool) error
	Key(virtualKey int, down bool) error
}

// NewNull returns an injector that applies nothing and remembers the last
// cursor position it was asked to move to.
func NewNull() Injector {
	return &nullInjector{
		logger: slog.With("component", "input"),
		width:  1920,
		height: 1080,
		x:      960,
		y:      540,
	}
}

type nullInjector struct {
	logger *slog.Logger

	mu            sync.Mutex
	width, height int
	x, y          int
}

func (n *nullInjector) ScreenSize() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.width, n.height
}

func (n *nullInjector) CursorPosition() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.x, n.y
}

func (n *nullInjector) MoveMouse(x, y int) error {
	n.mu.Lock()
	n.x, n.y = x, y
	n.mu.Unlock()
	n.logger.Debug("mouse move", "x", x, "y", y)
	return nil
}

func (n *nullInjector) MouseButton(x, y int, button string, down bool) error {
	n.mu.Lock()
	n.x, n.y = x, y
	n.mu.Unlock()
	n.logger.Debug("mouse button", "x", x, "y", y, "button", button, "down", down)
	return nil
}

func (n *nullInjector) Key(virtualKey int, down bool) error {
	n.logger.Debug("key", "vk", virtualKey, "down", down)
	return nil
}
