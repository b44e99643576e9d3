// Package notify provides a log-backed notification sink.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/metrics"
)

// Notification is a delivered message kept for inspection.
type Notification struct {
	Message  string
	Severity connection.Severity
	At       time.Time
}

// LogNotifier writes notifications to the logger at a level matching their
// severity and keeps the most recent ones.
type LogNotifier struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	keep    int

	mu     sync.Mutex
	recent []Notification
}

// New creates a notifier retaining up to keep notifications.
func New(keep int, m *metrics.Metrics, logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{
		logger:  logger.With("component", "notify"),
		metrics: m,
		keep:    keep,
	}
}

// Notify implements connection.Notifier.
func (n *LogNotifier) Notify(message string, severity connection.Severity) {
	n.logger.Log(context.Background(), levelFor(severity), message, "severity", string(severity))
	n.metrics.Notified(string(severity))

	if n.keep <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recent = append(n.recent, Notification{Message: message, Severity: severity, At: time.Now()})
	if over := len(n.recent) - n.keep; over > 0 {
		n.recent = append(n.recent[:0], n.recent[over:]...)
	}
}

// Recent returns retained notifications, oldest first.
func (n *LogNotifier) Recent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.recent...)
}

func levelFor(s connection.Severity) slog.Level {
	switch s {
	case connection.SeverityError:
		return slog.LevelError
	case connection.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
