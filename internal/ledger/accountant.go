// Package ledger talks to the external penalty accountant that owns session
// credits. The booking core only asks it to consume a credit after commit.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfman30/slotkeeper/pkg/logging"
)

const defaultUserAgent = "slotkeeper-ledger/0.1"

// ErrNoActiveCredit means the appointment had no credit left to consume.
var ErrNoActiveCredit = errors.New("ledger: no active credit")

// Accountant consumes the session credit attached to an appointment.
type Accountant interface {
	ConsumeCredit(ctx context.Context, appointmentID string) error
}

// Config controls the HTTP accountant.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPAccountant calls the ledger service over HTTP.
type HTTPAccountant struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	userAgent  string
}

// NewHTTPAccountant builds a client with tracing on the transport.
func NewHTTPAccountant(cfg Config) (*HTTPAccountant, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ledger: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &HTTPAccountant{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		userAgent:  userAgent,
	}, nil
}

type consumeRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConsumeCredit asks the ledger to consume the appointment's credit.
// 5xx responses and transport errors are retried with linear backoff.
func (a *HTTPAccountant) ConsumeCredit(ctx context.Context, appointmentID string) error {
	body, err := json.Marshal(consumeRequest{AppointmentID: appointmentID})
	if err != nil {
		return fmt.Errorf("ledger: marshal consume body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * a.backoff):
			}
		}
		status, data, err := a.post(ctx, "/v1/credits/consume", body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("ledger: http error: %w", err)
			continue
		}
		switch {
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusNotFound:
			return ErrNoActiveCredit
		case status == http.StatusConflict:
			var apiErr apiError
			if json.Unmarshal(data, &apiErr) == nil && apiErr.Code == "no_active_credit" {
				return ErrNoActiveCredit
			}
			return fmt.Errorf("ledger: consume credit conflict: %s", strings.TrimSpace(string(data)))
		case status >= 500:
			lastErr = fmt.Errorf("ledger: consume credit status %d", status)
			continue
		default:
			return fmt.Errorf("ledger: consume credit status %d: %s", status, strings.TrimSpace(string(data)))
		}
	}
	return lastErr
}

func (a *HTTPAccountant) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.userAgent)
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, nil, fmt.Errorf("ledger: read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// LogAccountant records consumption requests in the log. Used when no ledger is configured.
type LogAccountant struct {
	logger *logging.Logger
}

func NewLogAccountant(logger *logging.Logger) *LogAccountant {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogAccountant{logger: logger}
}

func (a *LogAccountant) ConsumeCredit(_ context.Context, appointmentID string) error {
	a.logger.Info("ledger not configured; credit consumption recorded in log only", "appointment_id", appointmentID)
	return nil
}
