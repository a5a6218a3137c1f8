package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"telemetry-gateway/internal/upstream"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrUnexpectedFormat = errors.New("unexpected device directory response")
)

// Config contains device directory settings
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client lists customer devices from the device directory
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a device directory client. A nil httpClient uses http.DefaultClient.
func NewClient(config Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
	}
}

// envelope is the wrapped response shape; a bare array is also accepted
type envelope struct {
	Success   *bool           `json:"success"`
	Data      json.RawMessage `json:"data"`
	Count     int             `json:"count"`
	Timestamp interface{}     `json:"timestamp"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`
}

// ListDevices fetches every customer device
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/customer/devices", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &upstream.TransportError{Op: "device directory request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &upstream.TransportError{Op: "device directory request", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &upstream.QueryError{Service: "directory", StatusCode: resp.StatusCode, Body: string(body)}
	}

	return decodeDevices(body)
}

// decodeDevices accepts either {success, data: [...]} or a bare array
func decodeDevices(body []byte) ([]Device, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrUnexpectedFormat
	}

	payload := trimmed
	if trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedFormat, err)
		}
		if env.Success != nil && !*env.Success {
			reason := env.Error
			if reason == "" {
				reason = env.Message
			}
			return nil, fmt.Errorf("%w: directory reported failure: %s", ErrUnexpectedFormat, reason)
		}
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return []Device{}, nil
		}
		payload = env.Data
	}

	var devices []Device
	if err := json.Unmarshal(payload, &devices); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedFormat, err)
	}
	if devices == nil {
		devices = []Device{}
	}
	return devices, nil
}
