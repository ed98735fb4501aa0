package portal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Endpoint is one known portal endpoint to capture actively.
type Endpoint struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Method string `yaml:"method"` // GET or POST; default GET
	// DateRange adds StartDate/EndDate form fields covering the trailing
	// capture window, plus the pagination and sort fields the portal's grid
	// widget sends.
	DateRange bool `yaml:"date_range"`
}

// DefaultEndpoints covers the machine list and the sales report grid.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Name: "machines", Path: "/Machine/GetMachineList", Method: http.MethodPost},
		{Name: "sales", Path: "/Report/GetSaleList", Method: http.MethodPost, DateRange: true},
	}
}

// ClientConfig configures the active capturer.
type ClientConfig struct {
	BaseURL   string
	Endpoints []Endpoint
	// WindowDays is the trailing date range for sales queries, clamped to 1..30.
	// Default: 7.
	WindowDays int
	// Timeout per request. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps response bodies. Default: 10MB.
	MaxBytes int64
	// MaxRetries for transient network errors, with exponential backoff.
	// Session expiry and HTTP errors are never retried. Default: 2.
	MaxRetries int
	// Backoff is the initial retry wait, doubled each attempt. Default: 2s.
	Backoff time.Duration

	Logger *slog.Logger
	Diag   DiagSink
}

func (c *ClientConfig) defaults() {
	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints()
	}
	c.WindowDays = clampWindow(c.WindowDays)
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0 // -1 disables retries
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client actively captures known portal endpoints using a session cookie.
type Client struct {
	cfg    ClientConfig
	client *http.Client
	now    func() time.Time
}

// NewClient creates an active capture client.
func NewClient(cfg ClientConfig) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

// CaptureAll requests every configured endpoint and returns the captures.
// An HTML body on any endpoint means the session died: ErrSessionExpired is
// returned immediately and no further endpoints are tried. A transient
// failure on one endpoint is retried, then logged and skipped, so one flaky
// endpoint does not void a whole cycle.
func (c *Client) CaptureAll(ctx context.Context, cookie string) ([]Capture, error) {
	captures := make([]Capture, 0, len(c.cfg.Endpoints))
	for _, ep := range c.cfg.Endpoints {
		cp, err := c.captureWithRetry(ctx, cookie, ep, c.cfg.WindowDays)
		if err != nil {
			if err == ErrSessionExpired || ctx.Err() != nil {
				return captures, err
			}
			c.cfg.Logger.Warn("portal: capture failed", "endpoint", ep.Name, "error", err)
			continue
		}
		captures = append(captures, cp)
	}
	return captures, nil
}

func (c *Client) captureWithRetry(ctx context.Context, cookie string, ep Endpoint, days int) (Capture, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		cp, err := c.capture(ctx, cookie, ep, days)
		if err == nil {
			return cp, nil
		}
		lastErr = err

		// Session expiry and cancelled contexts won't heal on retry.
		if err == ErrSessionExpired || ctx.Err() != nil {
			return Capture{}, err
		}

		if attempt < c.cfg.MaxRetries {
			wait := c.cfg.Backoff * (1 << uint(attempt))
			c.cfg.Logger.Warn("portal: retrying capture",
				"endpoint", ep.Name,
				"attempt", attempt+1,
				"backoff", wait,
				"error", err)
			select {
			case <-ctx.Done():
				return Capture{}, lastErr
			case <-time.After(wait):
			}
		}
	}
	return Capture{}, lastErr
}

func (c *Client) capture(ctx context.Context, cookie string, ep Endpoint, days int) (Capture, error) {
	endpointURL := strings.TrimRight(c.cfg.BaseURL, "/") + ep.Path

	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(c.formBody(ep, days).Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpointURL, body)
	if err != nil {
		return Capture{}, fmt.Errorf("portal: new request: %w", err)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Capture{}, fmt.Errorf("portal: %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		return Capture{}, fmt.Errorf("portal: read %s: %w", ep.Name, err)
	}

	// A login page on a data endpoint means the cookie died. Don't try to
	// parse it; signal upward so the next cycle re-authenticates.
	if resp.StatusCode == http.StatusUnauthorized || looksLikeHTML(raw) {
		if c.cfg.Diag != nil {
			c.cfg.Diag.CaptureFailure(ctx, endpointURL, resp.StatusCode, raw, "session expired")
		}
		return Capture{}, ErrSessionExpired
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if c.cfg.Diag != nil {
			c.cfg.Diag.CaptureFailure(ctx, endpointURL, resp.StatusCode, raw, "http error")
		}
		return Capture{}, fmt.Errorf("portal: %s: http %d", ep.Name, resp.StatusCode)
	}

	return Capture{
		URL:         endpointURL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        raw,
		At:          c.now(),
	}, nil
}

// formBody builds the grid query the portal's report pages send: a trailing
// date range plus pagination and sort fields.
func (c *Client) formBody(ep Endpoint, days int) url.Values {
	form := url.Values{}
	form.Set("page", "1")
	form.Set("rows", "500")
	if ep.DateRange {
		end := c.now()
		start := end.AddDate(0, 0, -days)
		form.Set("StartDate", start.Format("2006-01-02"))
		form.Set("EndDate", end.Format("2006-01-02"))
		form.Set("sort", "TradeTime")
		form.Set("order", "desc")
	}
	return form
}

func clampWindow(days int) int {
	if days < 1 {
		return 7
	}
	if days > 30 {
		return 30
	}
	return days
}
