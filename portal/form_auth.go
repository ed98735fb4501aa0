package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// FormConfig configures the raw HTTP login flow.
type FormConfig struct {
	// BaseURL of the portal, e.g. "https://os.example-vend.com".
	BaseURL string
	// LoginPath is the login form path. Default: "/Account/Login".
	LoginPath string
	// UsernameField and PasswordField are the form field names.
	// Defaults: "UserName", "Password".
	UsernameField string
	PasswordField string
	// Timeout for each HTTP call. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps response bodies. Default: 4MB.
	MaxBytes int64

	Logger *slog.Logger
	Diag   DiagSink
}

func (c *FormConfig) defaults() {
	if c.LoginPath == "" {
		c.LoginPath = "/Account/Login"
	}
	if c.UsernameField == "" {
		c.UsernameField = "UserName"
	}
	if c.PasswordField == "" {
		c.PasswordField = "Password"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FormAuthenticator logs in with a plain form POST. Faster than the browser
// flow and dependency-free, but only works while the portal renders its
// login form server-side.
type FormAuthenticator struct {
	cfg FormConfig
}

// NewFormAuthenticator creates a FormAuthenticator.
func NewFormAuthenticator(cfg FormConfig) *FormAuthenticator {
	cfg.defaults()
	return &FormAuthenticator{cfg: cfg}
}

// Login fetches the login page, extracts the verification token when present,
// posts the credentials, and judges success by where the portal lands us:
// anywhere off the login path is a win. The resulting cookies are flattened
// into one Cookie header value.
func (a *FormAuthenticator) Login(ctx context.Context, creds Credentials) (string, error) {
	log := a.cfg.Logger

	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", fmt.Errorf("portal: cookie jar: %w", err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: a.cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	loginURL := strings.TrimRight(a.cfg.BaseURL, "/") + a.cfg.LoginPath

	page, _, err := a.get(ctx, client, loginURL)
	if err != nil {
		return "", fmt.Errorf("portal: load login page: %w", err)
	}

	token, err := ExtractToken(page)
	if errors.Is(err, ErrNoToken) {
		// Tolerated: some deployments render the token client-side only.
		log.Warn("portal: no verification token on login page", "url", loginURL)
	} else if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set(a.cfg.UsernameField, creds.Username)
	form.Set(a.cfg.PasswordField, creds.Password)
	if token != "" {
		form.Set("__RequestVerificationToken", token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("portal: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("__RequestVerificationToken", token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("portal: submit login: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxBytes))
	if err != nil {
		return "", fmt.Errorf("portal: read login response: %w", err)
	}

	final := resp.Request.URL
	if onLoginPath(final, a.cfg.LoginPath) {
		// Keep the raw body around for offline diagnosis; never surface it.
		if a.cfg.Diag != nil {
			a.cfg.Diag.AuthRejection(ctx, final.String(), resp.StatusCode, body)
		}
		log.Warn("portal: login rejected", "url", final.String(), "status", resp.StatusCode)
		return "", ErrAuthRejected
	}

	cookie := cookieHeader(jar, req.URL)
	if cookie == "" {
		return "", fmt.Errorf("portal: login succeeded but no cookies were set")
	}

	log.Info("portal: login ok", "landed_on", final.Path, "token_present", token != "")
	return cookie, nil
}

func (a *FormAuthenticator) get(ctx context.Context, client *http.Client, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// onLoginPath reports whether u still sits on the login path (case-insensitive,
// tolerating query strings like ReturnUrl).
func onLoginPath(u *url.URL, loginPath string) bool {
	return strings.Contains(strings.ToLower(u.Path), strings.ToLower(strings.TrimRight(loginPath, "/")))
}

// cookieHeader flattens the jar's cookies for u into a Cookie header value.
func cookieHeader(jar http.CookieJar, u *url.URL) string {
	cookies := jar.Cookies(u)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
