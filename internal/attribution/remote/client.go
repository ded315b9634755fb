// Package remote wraps the three calls against the remote attribution
// service: click tracking, status reads, and conversion registration. The
// caller owns retry scheduling; this package only classifies failures and
// shields the service with a circuit breaker.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("attribution service returned status %d: %s", e.StatusCode, e.Body)
}

// TrackClickRequest is the body of POST /referrals/track.
type TrackClickRequest struct {
	Code        string `json:"code"`
	Source      string `json:"source,omitempty"`
	Medium      string `json:"medium,omitempty"`
	Campaign    string `json:"campaign,omitempty"`
	Referer     string `json:"referer,omitempty"`
	LandingPage string `json:"landingPage,omitempty"`
}

// TrackClickResponse carries the opaque token used for idempotency/audit.
type TrackClickResponse struct {
	IPHash string `json:"ipHash"`
}

// StatusResponse is the answer of GET /referrals/status.
type StatusResponse struct {
	IsReferred bool `json:"isReferred"`
}

// RegisterRequest is the body of PUT /referrals/track.
type RegisterRequest struct {
	Wallet   string `json:"wallet"`
	Code     string `json:"code"`
	Source   string `json:"source,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

// RegisterResponse is the outcome of a conversion registration.
type RegisterResponse struct {
	Registered bool   `json:"registered"`
	Referrer   string `json:"referrer,omitempty"`
	Level      int    `json:"level,omitempty"`
	Bonus      Bonus  `json:"bonus"`
}

// Bonus reports whether the referral bonus has been paid out yet.
type Bonus struct {
	Distributed bool    `json:"distributed"`
	TotalAmount float64 `json:"totalAmount,omitempty"`
}

// Config holds remote client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// StatusRetryElapsed bounds the transparent retry loop around the pure
	// status read. Zero disables it.
	StatusRetryElapsed time.Duration
}

// Client issues the three outbound calls. All calls run through a shared
// circuit breaker so a dead service is not hammered by every trigger.
type Client struct {
	baseURL            string
	http               *http.Client
	breaker            *gobreaker.CircuitBreaker
	statusRetryElapsed time.Duration
	log                *zap.Logger
}

// NewClient creates a remote attribution client.
func NewClient(cfg Config, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	settings := gobreaker.Settings{
		Name:        "attribution-remote",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		baseURL:            cfg.BaseURL,
		http:               &http.Client{Timeout: timeout},
		breaker:            gobreaker.NewCircuitBreaker(settings),
		statusRetryElapsed: cfg.StatusRetryElapsed,
		log:                log.With(zap.String("module", "remote")),
	}
}

// TrackClick records a referral-link arrival. The server treats duplicate
// calls for the same code as harmless re-recordings, so no retry is applied
// here beyond what the caller schedules.
func (c *Client) TrackClick(ctx context.Context, req TrackClickRequest) (TrackClickResponse, error) {
	var resp TrackClickResponse
	err := c.doJSON(ctx, http.MethodPost, "/referrals/track", req, &resp)
	if err != nil {
		return TrackClickResponse{}, err
	}
	return resp, nil
}

// CheckStatus asks whether the wallet is already attributed. The read is
// side-effect-free, so transient failures are retried in place with a short
// exponential backoff before being surfaced.
func (c *Client) CheckStatus(ctx context.Context, wallet string) (StatusResponse, error) {
	var resp StatusResponse
	path := "/referrals/status?wallet=" + url.QueryEscape(wallet)

	call := func() error {
		err := c.doJSON(ctx, http.MethodGet, path, nil, &resp)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// An open breaker will not recover within this retry window.
			return backoff.Permanent(err)
		}
		return err
	}
	if c.statusRetryElapsed <= 0 {
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return StatusResponse{}, err
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.statusRetryElapsed
	if err := backoff.Retry(call, backoff.WithContext(bo, ctx)); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}

// RegisterConversion registers the conversion against the ledger. The server
// is the idempotency authority for the (wallet, code) pair; calling it again
// returns the current registration and bonus state.
func (c *Client) RegisterConversion(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	err := c.doJSON(ctx, http.MethodPut, "/referrals/track", req, &resp)
	if err != nil {
		return RegisterResponse{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			reader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		c.log.Debug("attribution service call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("took", time.Since(start)))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if readErr != nil {
				b = []byte("(unreadable body)")
			}
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}
