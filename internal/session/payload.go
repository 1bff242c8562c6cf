// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"encoding/json"
	"fmt"

	"github.com/mehran-mrn/staff-monitoring/internal/transport"
)

// extractAnswerSDP accepts both payload shapes viewers send for an answer:
// an {"sdp": "..."} object or a bare JSON string.
func extractAnswerSDP(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("empty answer payload")
	}

	var obj struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && obj.SDP != "" {
		return obj.SDP, nil
	}

	var bare string
	if err := json.Unmarshal(payload, &bare); err == nil && bare != "" {
		return bare, nil
	}

	return "", fmt.Errorf("unrecognized answer payload: %.80s", string(payload))
}

type candidatePayload struct {
	Candidate     json.RawMessage `json:"candidate"`
	SDPMid        string          `json:"sdpMid"`
	SDPMLineIndex uint16          `json:"sdpMLineIndex"`
}

// extractRemoteCandidates parses a candidate or candidates payload: a single
// object, an array of objects, or either with the candidate string nested in
// an inner "candidate" object. Unparseable entries are skipped.
func extractRemoteCandidates(payload json.RawMessage) ([]transport.ICECandidate, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty candidate payload")
	}

	var list []json.RawMessage
	if err := json.Unmarshal(payload, &list); err != nil {
		list = []json.RawMessage{payload}
	}

	var out []transport.ICECandidate
	for _, raw := range list {
		if c, ok := parseOneCandidate(raw); ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable candidates in payload: %.80s", string(payload))
	}
	return out, nil
}

func parseOneCandidate(raw json.RawMessage) (transport.ICECandidate, bool) {
	var p candidatePayload
	if err := json.Unmarshal(raw, &p); err != nil || len(p.Candidate) == 0 {
		return transport.ICECandidate{}, false
	}

	out := transport.ICECandidate{
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}

	// The candidate field is either the candidate string itself or a
	// nested candidate object; unwrap one level.
	var s string
	if err := json.Unmarshal(p.Candidate, &s); err == nil {
		out.Candidate = s
		return out, s != ""
	}

	var nested candidatePayload
	if err := json.Unmarshal(p.Candidate, &nested); err == nil {
		var ns string
		if err := json.Unmarshal(nested.Candidate, &ns); err == nil && ns != "" {
			out.Candidate = ns
			if nested.SDPMid != "" {
				out.SDPMid = nested.SDPMid
			}
			if nested.SDPMLineIndex != 0 {
				out.SDPMLineIndex = nested.SDPMLineIndex
			}
			return out, true
		}
	}

	return transport.ICECandidate{}, false
}
