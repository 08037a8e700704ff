// Package notify alerts operators about payments that need attention and
// delivers signed settlement webhooks to the order backend. Alerts go to every
// registered Sender (Telegram, Discord) and are filtered by event name.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Alert events.
const (
	EventPaymentSettled = "payment_settled"
	EventDirectTransfer = "direct_transfer"
	EventPaymentFailed  = "payment_failed"
)

// Severity grades an alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Field is one labelled line of an alert body.
type Field struct {
	Name  string
	Value string
}

// Alert is one operator notification.
type Alert struct {
	Event    string
	Severity Severity
	Title    string
	Fields   []Field
}

// Text renders the alert body as plain "name: value" lines.
func (a Alert) Text() string {
	var b strings.Builder
	for i, f := range a.Fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	// Name returns a short identifier such as "telegram".
	Name() string
}

// Notifier dispatches alerts to its senders. Only events in the allowed set
// pass; an empty set allows every event.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders, forwarding only events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is registered.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify delivers alert to every sender when its event is allowed. A failing
// sender does not stop delivery to the others; all failures are returned
// together.
func (n *Notifier) Notify(ctx context.Context, alert Alert) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[alert.Event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", alert.Event))
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", alert.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", alert.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
