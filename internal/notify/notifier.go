// Package notify delivers operational alerts to external channels. Alerts
// are dispatched to all registered senders (Telegram, Discord) and can be
// filtered by event type so operators receive only the alerts they care
// about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/copybot/internal/account"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// titles maps alert events to the headline shown in each channel. Unknown
// events fall back to the raw event name.
var titles = map[string]string{
	account.EventCircuitOpen:     "Circuit breaker open",
	account.EventPermissionError: "Permission error",
	account.EventUnsellable:      "Position unsellable",
	account.EventEmergencyExit:   "Emergency exit",
	account.EventLiquidation:     "Position cap liquidation",
}

// Manager dispatches alerts to one or more Senders. It maintains a set of
// allowed event types; Send only forwards alerts whose event is in the
// allowed set. An empty set allows everything.
type Manager struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewManager creates a Manager that delivers to the given senders. Only
// events whose type appears in the events slice are forwarded; if events is
// empty, all event types are allowed.
func NewManager(senders []Sender, events []string, logger *slog.Logger) *Manager {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Manager{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

var _ account.Notifier = (*Manager)(nil)

// Send forwards the alert to all senders if the event type is allowed.
// Errors from individual senders are collected and returned combined; a
// single sender failure does not prevent delivery to the remaining senders.
func (m *Manager) Send(ctx context.Context, event, message string) error {
	if len(m.events) > 0 && !m.events[event] {
		m.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	if len(m.senders) == 0 {
		return nil
	}

	title, ok := titles[event]
	if !ok {
		title = event
	}

	var errs []string
	for _, s := range m.senders {
		if err := s.Send(ctx, title, message); err != nil {
			m.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		m.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
