package remo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/stephens/remo-bridge/internal/log"
)

const (
	DefaultBaseURL = "https://api.nature.global/1/"

	// Paths
	UserPath           = "users/me"
	AppliancesPath     = "appliances"
	DevicesPath        = "devices"
	AirConSettingsPath = "appliances/%s/aircon_settings"

	// The API allows 30 requests per 5 minutes
	DefaultRequestsPerMinute = 6

	defaultBurst   = 5
	defaultTimeout = 15 * time.Second
	maxBodyLog     = 500
)

// Options configures a Client
type Options struct {
	BaseURL     string
	AccessToken string
	// RequestsPerMinute <= 0 disables client side limiting
	RequestsPerMinute int
	Timeout           time.Duration
}

// Client is a Nature Remo cloud API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger

	rateMu    sync.RWMutex
	rateLimit RateLimit
}

// NewClient creates a client authenticating with a long-lived access token
func NewClient(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.AccessToken)
	if token == "" {
		return nil, fmt.Errorf("access token is required")
	}

	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, defaultBurst)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), defaultBurst)
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: source},
		},
		limiter: limiter,
		logger:  log.Component("remo"),
	}, nil
}

// GetUser returns the account owning the token
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.getJSON(ctx, UserPath, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// TestConnection checks that the token is accepted
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetUser(ctx)
	return err
}

// GetAppliances lists all appliances
func (c *Client) GetAppliances(ctx context.Context) ([]Appliance, error) {
	var appliances []Appliance
	if err := c.getJSON(ctx, AppliancesPath, &appliances); err != nil {
		return nil, err
	}
	return appliances, nil
}

// GetDevices lists all Remo devices with their newest sensor events
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.getJSON(ctx, DevicesPath, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Fetch retrieves appliances and devices keyed by ID
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	appliances, err := c.GetAppliances(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := c.GetDevices(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Appliances: make(map[string]Appliance, len(appliances)),
		Devices:    make(map[string]Device, len(devices)),
		FetchedAt:  time.Now(),
	}
	for _, a := range appliances {
		snap.Appliances[a.ID] = a
	}
	for _, d := range devices {
		snap.Devices[d.ID] = d
	}
	c.logger.Debug("Fetched %d appliances and %d devices", len(appliances), len(devices))
	return snap, nil
}

// UpdateAirConSettings sends an operation to an air conditioner and
// returns the settings the cloud recorded
func (c *Client) UpdateAirConSettings(ctx context.Context, applianceID string, params AirConParams) (*AirConSettings, error) {
	form := url.Values{}
	setIf := func(key, value string) {
		if value != "" {
			form.Set(key, value)
		}
	}
	setIf("operation_mode", params.OperationMode)
	setIf("temperature", params.Temperature)
	setIf("air_volume", params.AirVolume)
	setIf("air_direction", params.AirDirection)
	setIf("button", params.Button)
	if params.Button == "" && params.PowerOn {
		form.Set("button", "")
	}

	path := fmt.Sprintf(AirConSettingsPath, url.PathEscape(applianceID))
	c.logger.Debug("POST %s %s", path, form.Encode())

	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := c.do(req, "update aircon settings")
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &RejectedByDeviceError{ApplianceID: applianceID, Status: status, Body: string(body)}
	}

	var settings AirConSettings
	if len(body) > 0 {
		if err := json.Unmarshal(body, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse aircon settings: %w", err)
		}
	}
	return &settings, nil
}

// RateLimit returns the last observed rate limit headers
func (c *Client) RateLimit() RateLimit {
	c.rateMu.RLock()
	defer c.rateMu.RUnlock()
	return c.rateLimit
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	op := "get " + path
	body, status, err := c.do(req, op)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &NetworkError{Op: op, Status: status}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do waits for the limiter, performs the request and classifies auth,
// throttling and server failures. Other statuses are left to the caller
func (c *Client) do(req *http.Request, op string) ([]byte, int, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, 0, &NetworkError{Op: op, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.recordRateLimit(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	c.logger.Debug("%s -> %d: %s", op, resp.StatusCode, truncateForLog(string(body), maxBodyLog))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, &AuthError{Status: resp.StatusCode, Body: string(body)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, resp.StatusCode, &NetworkError{Op: op, Status: resp.StatusCode}
	}
	return body, resp.StatusCode, nil
}

func (c *Client) recordRateLimit(h http.Header) {
	limit, errL := strconv.Atoi(h.Get("X-Rate-Limit-Limit"))
	remaining, errR := strconv.Atoi(h.Get("X-Rate-Limit-Remaining"))
	if errL != nil && errR != nil {
		return
	}

	rl := RateLimit{Limit: limit, Remaining: remaining}
	if reset, err := strconv.ParseInt(h.Get("X-Rate-Limit-Reset"), 10, 64); err == nil {
		rl.Reset = time.Unix(reset, 0)
	}

	c.rateMu.Lock()
	c.rateLimit = rl
	c.rateMu.Unlock()
}

// truncateForLog truncates a string for logging purposes
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
