// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport defines the media-transport capability the session
// manager drives, plus the WebRTC-backed implementation. The manager never
// inspects which variant is active; everything flows through MediaTransport
// and its event channel.
package transport

import "context"

// StateCode is the conventional integer connection state reported by the
// underlying peer connection.
type StateCode int

const (
	StateNew StateCode = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s StateCode) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CodecParameters carries the encoder's cached codec configuration into the
// transport. SpropParameterSets is the base64 SPS/PPS pair exposed by the
// encoder once available; empty is allowed and simply omitted from the fmtp.
type CodecParameters struct {
	SpropParameterSets string
	ProfileLevelID     string
}

// RelayConfig holds optional TURN relay credentials.
type RelayConfig struct {
	URL      string
	Username string
	Password string
}

// ICECandidate is a transport-agnostic candidate triple.
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// EventKind identifies a transport event.
type EventKind int

const (
	EventLocalCandidate EventKind = iota
	EventStateChange
	EventDataChannelMessage
	EventDataChannelState
)

// Event is a typed transport event delivered on the Events channel in the
// order the underlying stack produced it.
type Event struct {
	Kind      EventKind
	Candidate ICECandidate
	State     StateCode

	ChannelLabel string
	Text         string
	Binary       []byte
	IsString     bool
	Open         bool
}

// MediaTransport is the capability interface the session manager consumes.
// SDP bodies are opaque strings; ICE, DTLS, and SRTP mechanics stay behind
// this boundary.
type MediaTransport interface {
	// Initialize prepares the peer connection with the given codec
	// parameters and optional relay credentials. Must be called once,
	// before any other method.
	Initialize(codec CodecParameters, relay *RelayConfig) error

	// LocalOffer creates the local SDP offer and applies it as the local
	// description.
	LocalOffer(ctx context.Context) (string, error)

	// SetRemoteAnswer applies the remote SDP answer.
	SetRemoteAnswer(ctx context.Context, sdp string) error

	// AddRemoteIceCandidate applies a remote candidate. Callers must not
	// invoke this before SetRemoteAnswer.
	AddRemoteIceCandidate(ctx context.Context, cand ICECandidate) error

	// StartStreaming opens the gate for SendEncodedFrame. Frames handed in
	// before this are dropped silently.
	StartStreaming()

	// SendEncodedFrame packetizes one H.264 Annex-B access unit with the
	// given 90 kHz timestamp and writes it to the video track.
	SendEncodedFrame(nal []byte, timestamp90k uint32, isKeyFrame bool) error

	SetTargetBitrate(kbps int)
	TargetBitrate() int

	// ShouldGenerateKeyframe reports (and clears) a pending keyframe
	// request received from the viewer via RTCP.
	ShouldGenerateKeyframe() bool

	CreateDataChannel(label string) error
	SendDataChannelMessage(label, text string) error
	SendDataChannelBinary(label string, data []byte) error
	CloseDataChannel(label string) error

	// Events returns the channel transport events are delivered on. The
	// channel is never closed; consumers stop reading after Close.
	Events() <-chan Event

	Close() error
}
