package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

// Error is a non-success response from the API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("watchdog returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running watchdog.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the API listening on addr (host:port or a
// full URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AllUsageStats(ctx context.Context, periodDays int) ([]perf.UsageStats, error) {
	var out []perf.UsageStats
	err := c.do(ctx, http.MethodGet, "/stats?days="+strconv.Itoa(periodDays), nil, &out)
	return out, err
}

func (c *Client) UsageStats(ctx context.Context, userID int, pkg string, periodDays int) (*perf.UsageStats, error) {
	var out perf.UsageStats
	path := fmt.Sprintf("/stats/%d/%s?days=%d", userID, url.PathEscape(pkg), periodDays)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KillableStates lists killable states; perf.AllUsers lists every user.
func (c *Client) KillableStates(ctx context.Context, userID int) ([]perf.PackageKillableState, error) {
	path := "/killable"
	if userID != perf.AllUsers {
		path += "?user=" + strconv.Itoa(userID)
	}
	var out []perf.PackageKillableState
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) SetKillable(ctx context.Context, pkg string, userID int, killable bool) error {
	path := fmt.Sprintf("/killable/%d/%s", userID, url.PathEscape(pkg))
	return c.do(ctx, http.MethodPut, path, KillableRequest{Killable: killable}, nil)
}

func (c *Client) ResetStats(ctx context.Context, names []string) error {
	return c.do(ctx, http.MethodPost, "/reset", ResetRequest{Packages: names}, nil)
}

func (c *Client) HandleNotificationAction(ctx context.Context, action perf.NotificationAction, userID int, pkg string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(string(action)),
		NotificationRequest{UserID: userID, Package: pkg}, nil)
}

// SetSystemMode sets one of ModeDisplay, ModeIdleMaintenance or
// ModeDistractionOptimization.
func (c *Client) SetSystemMode(ctx context.Context, mode string, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/system/"+url.PathEscape(mode), ToggleRequest{Enabled: enabled}, nil)
}

func (c *Client) DaemonLiveness(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/daemon/liveness", nil, nil)
}

func (c *Client) DaemonHealthCheck(ctx context.Context, enable bool) error {
	return c.do(ctx, http.MethodPut, "/daemon/health-check", ToggleRequest{Enabled: enable}, nil)
}

func (c *Client) Configurations(ctx context.Context) ([]overuse.ResourceOveruseConfiguration, error) {
	var out []overuse.ResourceOveruseConfiguration
	err := c.do(ctx, http.MethodGet, "/configurations", nil, &out)
	return out, err
}

func (c *Client) Recent(ctx context.Context) (*RecentRecords, error) {
	var out RecentRecords
	if err := c.do(ctx, http.MethodGet, "/telemetry/recent", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach watchdog (is 'iowatchdog run' running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return readError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
	}
	return &Error{StatusCode: resp.StatusCode, Message: msg}
}
