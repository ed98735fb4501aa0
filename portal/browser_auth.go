package portal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless-browser login flow.
type BrowserConfig struct {
	// BaseURL and LoginPath locate the login form.
	BaseURL   string
	LoginPath string
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string
	// UsernameSelector, PasswordSelector and SubmitSelector locate the form
	// controls. Defaults match the portal's ASP.NET login page.
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	// NavTimeout bounds the login flow and, separately, each post-login
	// browse page. Default: 60s.
	NavTimeout time.Duration
	// BrowsePages are portal paths visited after a successful login with the
	// passive capturer attached. Whatever XHR traffic those pages trigger is
	// collected and handed to the next cycle via Drain.
	BrowsePages []string

	Logger *slog.Logger
	Diag   DiagSink
}

func (c *BrowserConfig) defaults() {
	if c.LoginPath == "" {
		c.LoginPath = "/Account/Login"
	}
	if c.UsernameSelector == "" {
		c.UsernameSelector = `input[name="UserName"]`
	}
	if c.PasswordSelector == "" {
		c.PasswordSelector = `input[name="Password"]`
	}
	if c.SubmitSelector == "" {
		c.SubmitSelector = `button[type="submit"], input[type="submit"]`
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserAuthenticator drives the portal login form in headless Chrome.
// Slower than FormAuthenticator but survives client-side-rendered login
// pages and script-computed tokens: the page's own JS submits whatever the
// server expects.
type BrowserAuthenticator struct {
	cfg BrowserConfig

	mu       sync.Mutex
	captured []Capture
}

// NewBrowserAuthenticator creates a BrowserAuthenticator.
func NewBrowserAuthenticator(cfg BrowserConfig) *BrowserAuthenticator {
	cfg.defaults()
	return &BrowserAuthenticator{cfg: cfg}
}

// Login launches (or connects to) Chrome, fills and submits the login form,
// waits for navigation, and harvests the session cookies. Success is judged
// the same way as the HTTP flow: the final URL left the login path.
func (a *BrowserAuthenticator) Login(ctx context.Context, creds Credentials) (string, error) {
	log := a.cfg.Logger

	browser, cleanup, err := a.connect()
	if err != nil {
		return "", err
	}
	defer cleanup()

	page, err := stealth.Page(browser)
	if err != nil {
		return "", fmt.Errorf("portal: create page: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, a.cfg.NavTimeout)
	defer cancel()
	page = page.Context(navCtx)

	loginURL := strings.TrimRight(a.cfg.BaseURL, "/") + a.cfg.LoginPath
	if err := page.Navigate(loginURL); err != nil {
		return "", fmt.Errorf("portal: navigate login: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		log.Warn("portal: login page load timeout", "error", err)
	}

	if err := fillField(page, a.cfg.UsernameSelector, creds.Username); err != nil {
		return "", fmt.Errorf("portal: username field: %w", err)
	}
	if err := fillField(page, a.cfg.PasswordSelector, creds.Password); err != nil {
		return "", fmt.Errorf("portal: password field: %w", err)
	}

	wait := page.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	submit, err := page.Element(a.cfg.SubmitSelector)
	if err != nil {
		return "", fmt.Errorf("portal: submit button: %w", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", fmt.Errorf("portal: click submit: %w", err)
	}
	wait()

	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("portal: page info: %w", err)
	}
	if strings.Contains(strings.ToLower(info.URL), strings.ToLower(a.cfg.LoginPath)) {
		if a.cfg.Diag != nil {
			if html, hErr := page.HTML(); hErr == nil {
				a.cfg.Diag.AuthRejection(ctx, info.URL, 0, []byte(html))
			}
		}
		log.Warn("portal: browser login rejected", "url", info.URL)
		return "", ErrAuthRejected
	}

	cookies, err := page.Cookies(nil)
	if err != nil {
		return "", fmt.Errorf("portal: read cookies: %w", err)
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("portal: login succeeded but no cookies were set")
	}

	log.Info("portal: browser login ok", "landed_on", info.URL)

	if len(a.cfg.BrowsePages) > 0 {
		a.browse(ctx, page)
	}

	return strings.Join(parts, "; "), nil
}

// browse visits the configured pages with the passive capturer attached and
// buffers whatever data responses they trigger. Best effort: a page that
// fails to load is logged and skipped.
func (a *BrowserAuthenticator) browse(ctx context.Context, page *rod.Page) {
	passive := NewPassiveCapturer(a.cfg.Logger)
	if err := passive.Attach(ctx, page); err != nil {
		a.cfg.Logger.Warn("portal: passive capture unavailable", "error", err)
		return
	}
	defer passive.Detach()

	for _, path := range a.cfg.BrowsePages {
		pageURL := strings.TrimRight(a.cfg.BaseURL, "/") + path
		a.browsePage(ctx, page, pageURL)
	}

	captures := passive.Drain()
	a.mu.Lock()
	a.captured = append(a.captured, captures...)
	a.mu.Unlock()
	a.cfg.Logger.Info("portal: passive browse complete", "captures", len(captures))
}

// browsePage visits one page under its own NavTimeout so a stalled page
// cannot eat the budget of the ones after it.
func (a *BrowserAuthenticator) browsePage(ctx context.Context, page *rod.Page, pageURL string) {
	pageCtx, cancel := context.WithTimeout(ctx, a.cfg.NavTimeout)
	defer cancel()
	p := page.Context(pageCtx)

	if err := p.Navigate(pageURL); err != nil {
		a.cfg.Logger.Warn("portal: browse failed", "url", pageURL, "error", err)
		return
	}
	if err := p.WaitLoad(); err != nil {
		a.cfg.Logger.Warn("portal: browse page never settled", "url", pageURL, "error", err)
		return
	}
	// Give the page's own XHRs a moment to land.
	_ = p.WaitIdle(10 * time.Second)
}

// Drain returns captures collected passively during post-login browsing and
// resets the buffer.
func (a *BrowserAuthenticator) Drain() []Capture {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.captured
	a.captured = nil
	return out
}

func (a *BrowserAuthenticator) connect() (*rod.Browser, func(), error) {
	if a.cfg.RemoteURL != "" {
		b := rod.New().ControlURL(a.cfg.RemoteURL)
		if err := b.Connect(); err != nil {
			return nil, nil, fmt.Errorf("portal: connect remote browser: %w", err)
		}
		return b, func() { b.Close() }, nil
	}

	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	u, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("portal: launch browser: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, nil, fmt.Errorf("portal: connect browser: %w", err)
	}
	cleanup := func() {
		b.Close()
		l.Cleanup()
	}
	return b, cleanup, nil
}

func fillField(page *rod.Page, selector, value string) error {
	el, err := page.Element(selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	return el.Input(value)
}
