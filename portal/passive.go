package portal

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// interestingURL matches the data endpoints worth keeping from organic
// portal traffic.
var interestingURL = regexp.MustCompile(`(?i)(report|sale|order|machine|transaction|device|product)`)

// interestingType lists resource types whose bodies are candidate data
// responses regardless of URL.
func interestingType(t proto.NetworkResourceType) bool {
	return t == proto.NetworkResourceTypeXHR || t == proto.NetworkResourceTypeFetch
}

// PassiveCapturer observes all network responses on a live rod page and
// keeps the bodies of data-looking ones. It complements the active Client:
// endpoints we don't know about yet still get captured while an operator
// (or the browser authenticator) browses the portal.
type PassiveCapturer struct {
	logger *slog.Logger

	mu       sync.Mutex
	captures []Capture
	stop     func()
}

// NewPassiveCapturer creates a PassiveCapturer.
func NewPassiveCapturer(logger *slog.Logger) *PassiveCapturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PassiveCapturer{logger: logger}
}

// Attach subscribes to response events on the page. Bodies are fetched as
// responses complete. Call Drain to collect what was captured and Detach
// when the browsing session ends.
func (p *PassiveCapturer) Attach(ctx context.Context, page *rod.Page) error {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return err
	}

	evtCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.stop = cancel
	p.mu.Unlock()

	go page.Context(evtCtx).EachEvent(func(e *proto.NetworkResponseReceived) {
		if !interestingType(e.Type) && !interestingURL.MatchString(e.Response.URL) {
			return
		}

		// Body is only available once loading finished; GetResponseBody
		// fails harmlessly for streamed or evicted responses.
		body, err := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(page)
		if err != nil {
			p.logger.Debug("portal: passive body unavailable", "url", e.Response.URL, "error", err)
			return
		}

		p.mu.Lock()
		p.captures = append(p.captures, Capture{
			URL:         e.Response.URL,
			Status:      e.Response.Status,
			ContentType: e.Response.MIMEType,
			Body:        []byte(body.Body),
			At:          time.Now(),
		})
		p.mu.Unlock()
	})()

	return nil
}

// Drain returns everything captured so far and resets the buffer.
func (p *PassiveCapturer) Drain() []Capture {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.captures
	p.captures = nil
	return out
}

// Detach stops the event subscription.
func (p *PassiveCapturer) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
}
