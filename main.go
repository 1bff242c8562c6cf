// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mehran-mrn/staff-monitoring/internal/config"
	"github.com/mehran-mrn/staff-monitoring/internal/encoder"
	"github.com/mehran-mrn/staff-monitoring/internal/input"
	"github.com/mehran-mrn/staff-monitoring/internal/session"
	"github.com/mehran-mrn/staff-monitoring/internal/status"
	"github.com/mehran-mrn/staff-monitoring/internal/transport"
)

func main() {
	// Optional .env next to the executable, then the working directory.
	if exePath, err := os.Executable(); err == nil {
		if err := godotenv.Load(filepath.Join(filepath.Dir(exePath), ".env")); err != nil {
			godotenv.Load(".env") //nolint:errcheck
		}
	}

	logLevel := slog.LevelInfo
	if os.Getenv("SM_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting staff-monitoring agent",
		"server_url", cfg.ServerURL,
		"capture_backend", cfg.CaptureBackend,
		"target_fps", cfg.TargetFps,
		"target_bitrate_kbps", cfg.TargetBitrateKbps,
	)

	encoderFactory, err := encoder.NewFactory(cfg.CaptureBackend)
	if err != nil {
		slog.Error("failed to resolve capture backend", "error", err)
		os.Exit(1)
	}

	mgr := session.NewManager(session.Options{
		Config:       cfg,
		NewTransport: func() transport.MediaTransport { return transport.NewWebRTCTransport() },
		NewEncoder:   encoderFactory,
		Injector:     input.NewNull(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var statusHandler *status.Handler
	var statusSrv *http.Server
	if cfg.StatusAddr != "" {
		statusHandler = status.NewHandler(mgr.Snapshot)
		mux := http.NewServeMux()
		statusHandler.RegisterRoutes(mux)

		ln, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			slog.Error("failed to listen for status server", "addr", cfg.StatusAddr, "error", err)
			os.Exit(1)
		}
		statusSrv = &http.Server{
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			slog.Info("status server listening", "addr", cfg.StatusAddr)
			if err := statusSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				slog.Error("status server error", "error", err)
			}
		}()
	}

	// Lifecycle notifications drive logging and the status event stream.
	go func() {
		for note := range mgr.Notes() {
			switch note.Kind {
			case session.NoteConnected:
				slog.Info("viewer session connected, frame production may resume")
			case session.NoteDisconnected:
				slog.Info("viewer session lost, frame production paused")
			case session.NoteReconnectAttempt:
				slog.Info("reconnect attempt", "attempt", note.Attempt)
			}
			if statusHandler != nil {
				statusHandler.Publish(note)
			}
		}
	}()

	if !mgr.Start(ctx, cfg.TargetFps, cfg.TargetBitrateKbps) {
		slog.Error("initial session start failed")
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mgr.Stop(shutdownCtx)

	if statusSrv != nil {
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("status server shutdown error", "error", err)
		}
		statusHandler.Close()
	}

	slog.Info("shutdown complete")
}
