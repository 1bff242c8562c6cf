// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mehran-mrn/staff-monitoring/internal/constants"
)

type Config struct {
	ServerURL string
	ClientKey string

	// Shared secret for the remote-control channel. Empty means control
	// requests are auto-authorized (development mode).
	ControlSecret string

	TurnURL      string
	TurnUsername string
	TurnPassword string

	TargetFps         int
	TargetBitrateKbps int

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration

	StatusAddr     string
	CaptureBackend string
}

func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:            os.Getenv("SM_SERVER_URL"),
		ClientKey:            os.Getenv("SM_CLIENT_KEY"),
		ControlSecret:        os.Getenv("SM_CONTROL_SECRET"),
		TurnURL:              os.Getenv("SM_TURN_URL"),
		TurnUsername:         os.Getenv("SM_TURN_USERNAME"),
		TurnPassword:         os.Getenv("SM_TURN_PASSWORD"),
		TargetFps:            constants.DefaultTargetFps,
		TargetBitrateKbps:    constants.DefaultTargetBitrateKbps,
		MaxReconnectAttempts: constants.DefaultMaxReconnectAttempts,
		ReconnectBaseDelay:   constants.DefaultReconnectBaseDelay,
		StatusAddr:           os.Getenv("SM_STATUS_ADDR"),
		CaptureBackend:       os.Getenv("SM_CAPTURE_BACKEND"),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("SM_SERVER_URL environment variable is required")
	}
	if cfg.ClientKey == "" {
		cfg.ClientKey = uuid.NewString()
		slog.Info("SM_CLIENT_KEY not set, generated one", "client_key", cfg.ClientKey)
	}
	if cfg.ControlSecret == "" {
		slog.Warn("SM_CONTROL_SECRET not set: remote control requests will be " +
			"auto-authorized (development mode, do not use in production)")
	}
	if cfg.CaptureBackend == "" {
		cfg.CaptureBackend = "null"
	}

	var err error
	if cfg.TargetFps, err = intFromEnv("SM_TARGET_FPS", cfg.TargetFps); err != nil {
		return nil, err
	}
	if cfg.TargetBitrateKbps, err = intFromEnv("SM_TARGET_BITRATE_KBPS", cfg.TargetBitrateKbps); err != nil {
		return nil, err
	}
	if cfg.MaxReconnectAttempts, err = intFromEnv("SM_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts); err != nil {
		return nil, err
	}
	if v := os.Getenv("SM_RECONNECT_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("SM_RECONNECT_BASE_DELAY: %w", err)
		}
		cfg.ReconnectBaseDelay = d
	}

	return cfg, nil
}

func intFromEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
