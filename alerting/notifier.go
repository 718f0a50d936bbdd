package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/underlx/routealerts/matching"
	"github.com/underlx/routealerts/types"
)

// Notification is one message to a user about the lines of one of their
// routes
type Notification struct {
	UserID    string
	RouteID   string
	RouteName string
	Method    string
	Contact   string
	// Matches are the disruptions affecting the route, per line
	Matches []*matching.Match
	// Resolved are the cleared states of lines the user was alerted about
	Resolved []*types.Disruption
}

// Lines returns the lines the notification is about
func (n *Notification) Lines() []string {
	lines := matching.AffectedLines(n.Matches)
	for _, d := range n.Resolved {
		lines = append(lines, d.LineID)
	}
	return lines
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// ConsoleNotifier writes notifications to a logger
type ConsoleNotifier struct {
	Log *log.Logger
}

// Notify implements Notifier
func (c *ConsoleNotifier) Notify(ctx context.Context, n *Notification) error {
	parts := []string{}
	for _, m := range n.Matches {
		parts = append(parts, fmt.Sprintf("%s: %s at %s", m.Disruption.LineID,
			m.Disruption.SeverityDescription, strings.Join(m.Stations, ", ")))
	}
	for _, d := range n.Resolved {
		parts = append(parts, fmt.Sprintf("%s: %s", d.LineID, d.SeverityDescription))
	}
	c.Log.Printf("[%s %s] %s: %s\n", n.Method, n.Contact, n.RouteName, strings.Join(parts, "; "))
	return nil
}

// MethodNotifier dispatches each notification to the notifier registered for
// its method
type MethodNotifier map[string]Notifier

// Notify implements Notifier
func (m MethodNotifier) Notify(ctx context.Context, n *Notification) error {
	notifier, ok := m[n.Method]
	if !ok {
		return fmt.Errorf("no notifier for method %q", n.Method)
	}
	return notifier.Notify(ctx, n)
}

type webhookDisruption struct {
	Line     string   `json:"line"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	Stations []string `json:"stations,omitempty"`
	Segments []int    `json:"segments,omitempty"`
	Cleared  bool     `json:"cleared"`
}

type webhookPayload struct {
	Contact     string              `json:"contact"`
	Method      string              `json:"method"`
	RouteName   string              `json:"routeName"`
	Disruptions []webhookDisruption `json:"disruptions"`
}

// WebhookNotifier posts notifications as JSON to the endpoint of an email or
// SMS gateway
type WebhookNotifier struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewWebhookNotifier returns a WebhookNotifier posting to url with the given
// request timeout
func NewWebhookNotifier(url, token string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		URL:   url,
		Token: token,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Notify implements Notifier
func (w *WebhookNotifier) Notify(ctx context.Context, n *Notification) error {
	payload := webhookPayload{
		Contact:     n.Contact,
		Method:      n.Method,
		RouteName:   n.RouteName,
		Disruptions: []webhookDisruption{},
	}
	for _, m := range n.Matches {
		payload.Disruptions = append(payload.Disruptions, webhookDisruption{
			Line:     m.Disruption.LineID,
			Status:   m.Disruption.SeverityDescription,
			Reason:   m.Disruption.Reason,
			Stations: m.Stations,
			Segments: m.Segments,
		})
	}
	for _, d := range n.Resolved {
		payload.Disruptions = append(payload.Disruptions, webhookDisruption{
			Line:    d.LineID,
			Status:  d.SeverityDescription,
			Cleared: true,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	response, err := w.Client.Do(req)
	if err != nil {
		return types.Retryable(err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, 64*1024))

	if response.StatusCode < 200 || response.StatusCode > 299 {
		err := fmt.Errorf("webhook returned status %d", response.StatusCode)
		if response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests {
			return types.Retryable(err)
		}
		return err
	}
	return nil
}

// BreakerNotifier stops calling a failing notifier for a while once it has
// failed several times in a row
type BreakerNotifier struct {
	notifier Notifier
	cb       *gobreaker.CircuitBreaker
}

// NewBreakerNotifier wraps notifier in a circuit breaker that opens after
// maxFailures consecutive failures and probes again after openTimeout
func NewBreakerNotifier(name string, notifier Notifier, maxFailures uint32, openTimeout time.Duration, logger *log.Logger) *BreakerNotifier {
	return &BreakerNotifier{
		notifier: notifier,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				if logger != nil {
					logger.Printf("Notifier %s circuit breaker: %s -> %s\n", name, from, to)
				}
			},
		}),
	}
}

// Notify implements Notifier
func (b *BreakerNotifier) Notify(ctx context.Context, n *Notification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.notifier.Notify(ctx, n)
	})
	return err
}

// State returns the state of the circuit breaker
func (b *BreakerNotifier) State() gobreaker.State {
	return b.cb.State()
}
