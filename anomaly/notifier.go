package anomaly

import (
	"context"
	"time"

	"github.com/MrEthical07/sessionguard/audit"
)

// Alert is what an alert-action detection hands to the Notifier.
type Alert struct {
	Pattern     string         `json:"pattern"`
	Description string         `json:"description"`
	Severity    audit.Severity `json:"severity"`
	UserID      string         `json:"user_id,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	EventType   EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Notifier delivers alerts to operators.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert Alert) error

func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Alert) error { return nil }
