// Package portal drives the upstream vending portal: login/session
// acquisition and capture of JSON responses from its internal endpoints.
//
// The portal exposes no public API. Two authenticator implementations share
// one contract: FormAuthenticator posts the login form over plain HTTP;
// BrowserAuthenticator fills and submits the form in a headless Chrome via
// rod, which survives client-side-rendered login pages. Capture likewise
// comes in two strategies: the active Client requests known endpoints with
// the session cookie, the PassiveCapturer observes organic network traffic
// in a live browser session.
package portal

import (
	"context"
	"time"
)

// Capture is one intercepted or proactively-fetched response body.
// Transient: produced here, consumed immediately by the normalizer.
type Capture struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
	At          time.Time
}

// Credentials for the upstream portal. Supplied via environment/config,
// never hard-coded.
type Credentials struct {
	Username string
	Password string
}

// Authenticator acquires a session cookie from the portal.
type Authenticator interface {
	// Login drives the portal login flow and returns the resulting cookie
	// header value. Fails with ErrAuthRejected when the portal keeps the
	// browser on the login page after submission.
	Login(ctx context.Context, creds Credentials) (cookie string, err error)
}

// DiagSink receives raw upstream payloads for offline diagnosis. All methods
// must be non-blocking from the caller's perspective; failures to record are
// the sink's problem, not the pipeline's.
type DiagSink interface {
	AuthRejection(ctx context.Context, url string, status int, body []byte)
	CaptureFailure(ctx context.Context, url string, status int, body []byte, reason string)
}
