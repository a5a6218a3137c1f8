package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"telemetry-gateway/internal/upstream"
)

const (
	// DefaultMaxRetries bounds the 401 self-heal loop
	DefaultMaxRetries = 3

	maxResponseSize = 10 << 20 // 10 MB
)

// Sample is one time-series point. Value is a string unless strict data types were requested.
type Sample struct {
	Ts    int64       `json:"ts"`
	Value interface{} `json:"value"`
}

// TimeSeries maps each telemetry key to its samples in upstream order
type TimeSeries map[string][]Sample

// Fetcher executes time-series queries
type Fetcher interface {
	FetchTimeSeries(ctx context.Context, q Query) (TimeSeries, error)
}

// TokenSource supplies access tokens. RefreshRejected is called after the
// upstream answered 401 to the given token.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	RefreshRejected(ctx context.Context, rejected string) (string, error)
}

// Config contains telemetry query settings
type Config struct {
	BaseURL      string
	Timeout      time.Duration // per data call
	RetryBackoff time.Duration // wait after a forced renewal
	MaxRetries   int
}

// Executor issues time-series queries and recovers from stale tokens
type Executor struct {
	config     Config
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewExecutor creates a query executor. A nil httpClient uses http.DefaultClient.
func NewExecutor(config Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Executor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	return &Executor{
		config:     config,
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.With("component", "telemetry"),
	}
}

// FetchTimeSeries runs q against the telemetry platform. A 401 forces a
// credential renewal and a retry, up to MaxRetries times; every other failure
// is terminal.
func (e *Executor) FetchTimeSeries(ctx context.Context, q Query) (TimeSeries, error) {
	for retries := 0; ; retries++ {
		token, err := e.tokens.GetValidToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain access token: %w", err)
		}

		series, err := e.query(ctx, token, q)
		if err == nil {
			return series, nil
		}
		if !errors.Is(err, upstream.ErrUnauthorized) || retries >= e.config.MaxRetries {
			return nil, err
		}

		e.logger.Warn("Access token rejected, renewing",
			"entity_type", q.EntityType,
			"entity_id", q.EntityID,
			"attempt", retries+1,
			"max_retries", e.config.MaxRetries,
		)

		if _, err := e.tokens.RefreshRejected(ctx, token); err != nil {
			return nil, fmt.Errorf("failed to renew access token: %w", err)
		}

		select {
		case <-time.After(e.config.RetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// query performs one upstream call and classifies the status
func (e *Executor) query(ctx context.Context, token string, q Query) (TimeSeries, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/plugins/telemetry/%s/%s/values/timeseries?%s",
		e.config.BaseURL,
		url.PathEscape(q.EntityType),
		url.PathEscape(q.EntityID),
		q.Params().Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &upstream.TransportError{Op: "telemetry query", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &upstream.TransportError{Op: "telemetry query", Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		series := TimeSeries{}
		if err := json.Unmarshal(body, &series); err != nil {
			return nil, fmt.Errorf("failed to parse telemetry response: %w: %v", upstream.ErrMalformedResponse, err)
		}
		if series == nil {
			return nil, fmt.Errorf("failed to parse telemetry response: %w: null body", upstream.ErrMalformedResponse)
		}
		return series, nil
	case http.StatusUnauthorized:
		return nil, &upstream.QueryError{StatusCode: resp.StatusCode, Body: string(body)}
	case http.StatusNotFound:
		return nil, &upstream.EntityNotFoundError{EntityType: q.EntityType, EntityID: q.EntityID}
	case http.StatusBadRequest:
		return nil, &upstream.BadRequestError{Message: upstreamMessage(body)}
	default:
		e.logger.Error("Telemetry query failed",
			"entity_type", q.EntityType,
			"entity_id", q.EntityID,
			"status", resp.StatusCode,
			"body", truncate(string(body), 512),
		)
		return nil, &upstream.QueryError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// upstreamMessage extracts the platform's "message" field, falling back to the raw body
func upstreamMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return truncate(string(body), 512)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
