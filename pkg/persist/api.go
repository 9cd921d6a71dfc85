// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package persist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbeema/liveprof/pkg/profile"
	"go.uber.org/zap"
)

// apiSink posts each record to the remote collector in a single request.
type apiSink struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

func newAPISink(endpoint, apiKey string, timeout time.Duration, breaker *CircuitBreaker, logger *zap.Logger) (*apiSink, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api mode requires an api key", ErrConfiguration)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid api endpoint %q", ErrConfiguration, endpoint)
	}
	return &apiSink{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
		breaker: breaker,
		logger:  logger,
	}, nil
}

func (s *apiSink) Name() string { return "api" }

// Save sends the record. While the collector keeps failing the circuit is
// open and records are dropped without a request.
func (s *apiSink) Save(ctx context.Context, rec *profile.Record, payload []byte) error {
	form := url.Values{
		"api_key":   {s.apiKey},
		"app":       {rec.App},
		"label":     {rec.Label},
		"timestamp": {rec.DateTime},
		"data":      {string(payload)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrPersistence, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Allow hands out the half-open probe; every path below settles it.
	if !s.breaker.Allow() {
		return fmt.Errorf("%w: collector circuit %s, record dropped", ErrPersistence, s.breaker.State())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure()
		return fmt.Errorf("%w: send to collector: %w", ErrPersistence, err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.breaker.RecordFailure()
		if s.breaker.State() == CircuitOpen {
			s.logger.Warn("collector circuit opened, dropping records until it recovers",
				zap.Int("failures", s.breaker.FailureCount()))
		}
		return fmt.Errorf("%w: collector HTTP %d: %s", ErrPersistence, resp.StatusCode, string(body))
	}

	s.breaker.RecordSuccess()
	return nil
}

func (s *apiSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
