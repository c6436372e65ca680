// Package notify posts plain-text notices to an ntfy endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	sessionExpiredMessage = "The stepdeck browser session expired. Start a new session to keep recording."
	replayCompleteFormat  = "Replay of %q finished: %d steps executed, %d failed."
)

// ErrThrottled is returned when a notice is dropped by the rate limiter.
var ErrThrottled = errors.New("notification throttled")

// Notifier sends session notices, at most one per interval with a small burst.
// A Notifier with an empty endpoint is disabled and every call is a no-op.
type Notifier struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

func New(endpoint string, client *http.Client, every time.Duration, burst int) *Notifier {
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		endpoint: endpoint,
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(every), burst),
	}
}

// Enabled reports whether an endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.endpoint != ""
}

// SessionExpired announces that the remote session is gone.
func (n *Notifier) SessionExpired(ctx context.Context) error {
	return n.notify(ctx, sessionExpiredMessage)
}

// ReplayComplete announces the end of a replay run.
func (n *Notifier) ReplayComplete(ctx context.Context, recording string, executed, failed int) error {
	return n.notify(ctx, fmt.Sprintf(replayCompleteFormat, recording, executed, failed))
}

func (n *Notifier) notify(ctx context.Context, message string) error {
	if !n.Enabled() {
		return nil
	}
	if !n.limiter.Allow() {
		slog.Debug("notification throttled", "message", message)
		return ErrThrottled
	}
	return Send(ctx, n.client, n.endpoint, message)
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
