// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package encoder defines the narrow interface the session manager consumes
// from the video encoder. Real capture/encode backends (NVENC, MFT,
// software) live outside this module; the null backend keeps the agent
// runnable without one.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
)

// Parameters is the encoder's cached codec configuration. The sprop string
// is the base64 SPS/PPS pair, available once the first keyframe has been
// produced.
type Parameters struct {
	SpropParameterSets string
	ProfileLevelID     string
}

// Encoder produces H.264 Annex-B access units and hands them to the capture
// driver, which forwards them to the session manager.
type Encoder interface {
	// Parameters blocks until the codec parameters are cached, or the
	// context is done.
	Parameters(ctx context.Context) (Parameters, error)

	SetTargetBitrate(kbps int)

	// RequestKeyframe asks the encoder to produce an IDR frame on the next
	// opportunity.
	RequestKeyframe()

	Close() error
}

// Factory creates an encoder for one connection attempt.
type Factory func(targetFps, targetBitrateKbps int) (Encoder, error)

// NewFactory resolves a backend by name. Only the null backend ships with
// this module.
func NewFactory(backend string) (Factory, error) {
	switch backend {
	case "null":
		return func(targetFps, targetBitrateKbps int) (Encoder, error) {
			slog.Warn("using null encoder backend: no frames will be produced",
				"target_fps", targetFps, "target_bitrate_kbps", targetBitrateKbps)
			return &nullEncoder{logger: slog.With("component", "encoder")}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", backend)
	}
}

type nullEncoder struct {
	logger *slog.Logger
}

func (e *nullEncoder) Parameters(ctx context.Context) (Parameters, error) {
	return Parameters{}, nil
}

func (e *nullEncoder) SetTargetBitrate(kbps int) {
	e.logger.Debug("target bitrate updated", "kbps", kbps)
}

func (e *nullEncoder) RequestKeyframe() {
	e.logger.Debug("keyframe requested")
}

func (e *nullEncoder) Close() error {
	return nil
}
