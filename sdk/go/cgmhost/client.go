// Package cgmhost is a Go client for the cgmhostd REST API.
package cgmhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"OpenCGM-Host/pkg/plugin"
	"OpenCGM-Host/pkg/safety"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the host daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// CapabilityStatus is one row of the capability routing table.
type CapabilityStatus struct {
	Capability  plugin.Capability `json:"capability"`
	Cardinality string            `json:"cardinality"`
	Active      []string          `json:"active"`
	Providers   []string          `json:"providers"`
}

// SkippedPlugin describes a plugin the registry refused.
type SkippedPlugin struct {
	PluginID string `json:"pluginId"`
	Origin   string `json:"origin"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

// PumpStatus is the combined pump status view.
type PumpStatus struct {
	Battery             plugin.BatteryStatus `json:"battery"`
	ReservoirMilliunits int                  `json:"reservoirMilliunits"`
}

// APIError represents a failed request.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("cgmhost api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cgmhost api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the daemon at rawURL. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the stored bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Plugins lists registered plugins.
func (c *Client) Plugins(ctx context.Context) ([]plugin.Info, error) {
	var out []plugin.Info
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins", nil, &out)
	return out, err
}

// Plugin fetches one plugin.
func (c *Client) Plugin(ctx context.Context, id string) (plugin.Info, error) {
	var out plugin.Info
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Skipped lists plugins excluded from the registry.
func (c *Client) Skipped(ctx context.Context) ([]SkippedPlugin, error) {
	var out []SkippedPlugin
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins/skipped", nil, &out)
	return out, err
}

// Rescan asks the daemon to install new sideloaded packages.
func (c *Client) Rescan(ctx context.Context) (int, error) {
	var out struct {
		Installed int `json:"installed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/plugins/rescan", nil, &out)
	return out.Installed, err
}

// Retire shuts a plugin down and removes it.
func (c *Client) Retire(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/plugins/"+url.PathEscape(id), nil, nil)
}

// SettingsForm fetches the settings descriptor of a plugin.
func (c *Client) SettingsForm(ctx context.Context, id string) (plugin.SettingsForm, error) {
	var out plugin.SettingsForm
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins/"+url.PathEscape(id)+"/settings-form", nil, &out)
	return out, err
}

// Capabilities returns the routing table.
func (c *Client) Capabilities(ctx context.Context) ([]CapabilityStatus, error) {
	var out []CapabilityStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/capabilities", nil, &out)
	return out, err
}

// Activate routes capability to pluginID and returns the active providers.
func (c *Client) Activate(ctx context.Context, capability plugin.Capability, pluginID string) ([]string, error) {
	var out struct {
		Active []string `json:"active"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/capabilities/"+string(capability)+"/activate",
		map[string]string{"pluginId": pluginID}, &out)
	return out.Active, err
}

// Deactivate revokes capability from pluginID.
func (c *Client) Deactivate(ctx context.Context, capability plugin.Capability, pluginID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/capabilities/"+string(capability)+"/deactivate",
		map[string]string{"pluginId": pluginID}, nil)
}

// SafetyLimits returns the limits currently in force.
func (c *Client) SafetyLimits(ctx context.Context) (safety.Snapshot, error) {
	var out safety.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/safety-limits", nil, &out)
	return out, err
}

// Calibrate sends a calibration value to the active calibration target.
func (c *Client) Calibrate(ctx context.Context, valueMgDl int) error {
	return c.do(ctx, http.MethodPost, "/api/v1/calibrations", map[string]int{"valueMgDl": valueMgDl}, nil)
}

// PumpStatus returns battery and reservoir of the active pump.
func (c *Client) PumpStatus(ctx context.Context) (PumpStatus, error) {
	var out PumpStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/pump/status", nil, &out)
	return out, err
}

// InsulinOnBoard returns the active insulin source's estimate.
func (c *Client) InsulinOnBoard(ctx context.Context) (plugin.InsulinOnBoard, error) {
	var out plugin.InsulinOnBoard
	err := c.do(ctx, http.MethodGet, "/api/v1/insulin/iob", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is an API error with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
