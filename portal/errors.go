package portal

import "errors"

// ErrAuthRejected is returned when the login flow ends back on the login
// page. Not retryable within a cycle; the next scheduled cycle retries fresh.
var ErrAuthRejected = errors.New("portal: login rejected")

// ErrSessionExpired is returned when an authenticated request answered with
// a login page instead of data. Recovered by discarding the cached session.
var ErrSessionExpired = errors.New("portal: session expired")

// ErrNoToken is returned by token extraction when no verification token is
// present in the login page markup. Tolerated by authenticators (some
// deployments render the token client-side only) but logged.
var ErrNoToken = errors.New("portal: verification token not found")
