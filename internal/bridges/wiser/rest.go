package wiser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultRequestTimeout = 10 * time.Second

	// maxResponseSize caps gateway response bodies (device trees are the largest).
	maxResponseSize = 4 << 20
)

// Gateway REST endpoints.
const (
	endpointInfo    = "/api/info"
	endpointDevices = "/api/devices/*"
	endpointLoads   = "/api/loads"
	endpointRSSI    = "/api/net/rssi"
	endpointJobs    = "/api/jobs"
	endpointFlags   = "/api/system/flags"
	endpointClaim   = "/api/account/claim"
	endpointWS      = "/api"
)

// ClientConfig configures the gateway REST client.
type ClientConfig struct {
	// Address is the gateway host:port.
	Address string

	// Token is the bearer credential obtained by claiming the gateway.
	Token string

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration

	// HTTPClient overrides the transport (tests). Default: a new http.Client.
	HTTPClient *http.Client
}

// Client issues authenticated requests to the gateway REST API.
// It holds no per-request state and is safe for concurrent use.
type Client struct {
	baseURL string
	address string
	token   string
	timeout time.Duration
	http    *http.Client
}

// NewClient creates a REST client for the gateway at cfg.Address.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: "http://" + cfg.Address,
		address: cfg.Address,
		token:   cfg.Token,
		timeout: timeout,
		http:    hc,
	}
}

// WebSocketURL returns the gateway event stream URL.
func (c *Client) WebSocketURL() string {
	return "ws://" + c.address + endpointWS
}

// AuthHeader returns the Authorization header shared by REST and WebSocket.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// GetInfo fetches gateway identity and firmware information.
func (c *Client) GetInfo(ctx context.Context) (GatewayInfo, error) {
	var info GatewayInfo
	err := c.do(ctx, http.MethodGet, endpointInfo, nil, &info)
	return info, err
}

// GetDevices fetches the full device tree.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	err := c.do(ctx, http.MethodGet, endpointDevices, nil, &devices)
	return devices, err
}

// GetLoads fetches the load inventory.
func (c *Client) GetLoads(ctx context.Context) ([]Load, error) {
	var loads []Load
	err := c.do(ctx, http.MethodGet, endpointLoads, nil, &loads)
	return loads, err
}

// GetRSSI fetches the gateway's WLAN signal strength in dBm.
func (c *Client) GetRSSI(ctx context.Context) (int, error) {
	var data rssiData
	err := c.do(ctx, http.MethodGet, endpointRSSI, nil, &data)
	return data.RSSI, err
}

// GetJobs fetches the job definitions.
func (c *Client) GetJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := c.do(ctx, http.MethodGet, endpointJobs, nil, &jobs)
	return jobs, err
}

// GetFlags fetches the system flags.
func (c *Client) GetFlags(ctx context.Context) ([]Flag, error) {
	var flags []Flag
	err := c.do(ctx, http.MethodGet, endpointFlags, nil, &flags)
	return flags, err
}

// SetTargetState sends a target state to one load.
func (c *Client) SetTargetState(ctx context.Context, loadID int, target TargetState) error {
	path := endpointLoads + "/" + strconv.Itoa(loadID) + "/target_state"
	return c.do(ctx, http.MethodPut, path, target, nil)
}

// do performs one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding %s %s: %w", ErrRequestFailed, method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, path, err)
	}
	for k, v := range c.AuthHeader() {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading %s %s: %w", ErrRequestFailed, method, path, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || env.Status == "error" {
		msg := env.Message
		if decodeErr != nil && msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: decoding %s %s: %w", ErrRequestFailed, method, path, decodeErr)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s %s: response has no data", ErrRequestFailed, method, path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decoding %s %s data: %w", ErrRequestFailed, method, path, err)
	}
	return nil
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
