// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mehran-mrn/staff-monitoring/internal/constants"
)

// sender issues outbound signaling POSTs with bounded retries. Transport
// failures and 5xx responses are retried with a doubling delay; 4xx responses
// are final. It reports success as a boolean and never returns an error to
// the caller.
type sender struct {
	httpClient *http.Client
	logger     *slog.Logger

	attempts  int
	baseDelay time.Duration
}

func newSender(httpClient *http.Client, logger *slog.Logger) *sender {
	return &sender{
		httpClient: httpClient,
		logger:     logger,
		attempts:   constants.SignalSendAttempts,
		baseDelay:  constants.SignalRetryBaseDelay,
	}
}

func (s *sender) post(ctx context.Context, url string, body any) bool {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("failed to marshal signaling body", "url", url, "error", err)
		return false
	}

	delay := s.baseDelay
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
			delay *= 2
		}

		retryable, ok := s.postOnce(ctx, url, data)
		if ok {
			return true
		}
		if !retryable {
			return false
		}
		s.logger.Debug("signaling POST failed, will retry",
			"url", url, "attempt", attempt)
	}

	s.logger.Warn("signaling POST gave up", "url", url, "attempts", s.attempts)
	return false
}

// postOnce performs a single attempt. The first result reports whether the
// failure is retryable.
func (s *sender) postOnce(ctx context.Context, url string, data []byte) (bool, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, constants.HTTPRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		s.logger.Error("failed to build signaling request", "url", url, "error", err)
		return false, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, true
	case resp.StatusCode >= 500:
		return true, false
	default:
		s.logger.Warn("signaling POST rejected", "url", url, "status", resp.StatusCode)
		return false, false
	}
}
