// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package constants

import "time"

const (
	PollInterval       = 1500 * time.Millisecond
	HeartbeatInterval  = 30 * time.Second
	HeartbeatLeadDelay = 1 * time.Second

	// Outbound signaling POSTs: attempt count and the base of the
	// doubling delay schedule (1s, 2s, 4s).
	SignalSendAttempts   = 3
	SignalRetryBaseDelay = 1 * time.Second

	HTTPRequestTimeout = 10 * time.Second

	DefaultReconnectBaseDelay   = 3 * time.Second
	DefaultMaxReconnectAttempts = 5

	ControlAuthWindow  = 120 * time.Second
	CursorStatusPeriod = 80 * time.Millisecond

	KeyframePollInterval = 200 * time.Millisecond

	EventQueueSize = 64

	DefaultTargetFps         = 30
	DefaultTargetBitrateKbps = 4000
)
