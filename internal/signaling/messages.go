// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Well-known message types carried over the signaling room.
const (
	MsgTypeRequestOffer = "request_offer"
	MsgTypeOffer        = "offer"
	MsgTypeAnswer       = "answer"
	MsgTypeCandidate    = "candidate"
	MsgTypeCandidates   = "candidates"
	MsgTypeHangup       = "hangup"
	MsgTypeJoin         = "join"
)

// Envelope is a single message drained from the poll endpoint. Servers are
// inconsistent about the addressing field and the payload key, so both
// variants are kept and resolved through Sender and Body.
type Envelope struct {
	Type        string          `json:"type"`
	FromSession string          `json:"from_session,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	ToSession   string          `json:"to_session,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Sender resolves the addressing field: from_session wins over session_id,
// which wins over to_session.
func (e *Envelope) Sender() string {
	if e.FromSession != "" {
		return e.FromSession
	}
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.ToSession
}

// Body returns the message payload, falling back to the legacy "data" key.
func (e *Envelope) Body() json.RawMessage {
	if len(e.Payload) > 0 {
		return e.Payload
	}
	return e.Data
}

type joinRequest struct {
	ClientKey string `json:"client_key"`
}

type heartbeatRequest struct {
	ClientKey string `json:"client_key"`
}

type heartbeatResponse struct {
	OnlineViewer bool `json:"online_viewer"`
}

type offerRequest struct {
	SDP           string `json:"sdp"`
	ClientKey     string `json:"client_key"`
	TargetSession string `json:"target_session"`
}

type candidateRequest struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	ClientKey     string `json:"client_key"`
	TargetSession string `json:"target_session"`
}

type hangupRequest struct {
	ClientKey     string `json:"client_key"`
	TargetSession string `json:"target_session"`
}

type genericRequest struct {
	Type          string `json:"type"`
	Payload       any    `json:"payload,omitempty"`
	ClientKey     string `json:"client_key"`
	TargetSession string `json:"target_session,omitempty"`
}

// parsePollBody accepts the three shapes the poll endpoint is known to
// return: {"messages":[...]}, a bare array, or a single message object.
func parsePollBody(data []byte) ([]Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var wrapped struct {
		Messages []Envelope `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Messages != nil {
		return wrapped.Messages, nil
	}

	var list []Envelope
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var single Envelope
	if err := json.Unmarshal(data, &single); err == nil && single.Type != "" {
		return []Envelope{single}, nil
	}

	return nil, fmt.Errorf("unrecognized poll body: %.120s", string(data))
}
