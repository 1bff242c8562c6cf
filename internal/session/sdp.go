// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// patchOffer applies the fixed textual fixes some viewer implementations
// require before they accept our offer:
//
//   - m= lines advertising a bare RTP/SAVPF profile get the full
//     UDP/TLS/RTP/SAVPF token
//   - the m=video port is normalized to the ICE placeholder 9
//   - deprecated a=group:LS lines are dropped
//
// The SDP is otherwise treated as an opaque string.
func patchOffer(offer string) string {
	lines := strings.Split(offer, "\r\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		if strings.HasPrefix(line, "a=group:LS") {
			continue
		}

		if strings.HasPrefix(line, "m=") {
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				if fields[2] == "RTP/SAVPF" {
					fields[2] = "UDP/TLS/RTP/SAVPF"
				}
				if fields[0] == "m=video" {
					fields[1] = "9"
				}
				line = strings.Join(fields, " ")
			}
		}

		out = append(out, line)
	}

	return strings.Join(out, "\r\n")
}

// validateOffer checks that a patched offer still parses as SDP. Failures
// are reported to the caller for logging only; the offer is sent regardless,
// since the viewer is the final authority on what it accepts.
func validateOffer(offer string) error {
	var desc sdp.SessionDescription
	return desc.Unmarshal([]byte(offer))
}
