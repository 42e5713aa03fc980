package control

import (
	"context"

	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/audit"
	"github.com/mackeh/sitelock/internal/notifications"
)

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// AuditObserver appends every operation to the audit log.
func AuditObserver(l *audit.Logger, logger *zap.Logger) Observer {
	return ObserverFunc(func(_ context.Context, ev Event) {
		details := map[string]any{"message": ev.Message}
		if ev.HasTTL {
			details["ttl_seconds"] = int(ev.TTL.Seconds())
		}
		if ev.Warning != "" {
			details["warning"] = ev.Warning
		}
		if err := l.Log(ev.Operation, ev.Backend, outcome(ev.Success), ev.Actor, details); err != nil && logger != nil {
			logger.Error("audit write failed", zap.Error(err))
		}
	})
}

// NotifyObserver forwards operations to the notification dispatcher.
func NotifyObserver(d *notifications.Dispatcher) Observer {
	return ObserverFunc(func(ctx context.Context, ev Event) {
		event := notifications.EventFailed
		switch {
		case ev.Success && ev.Operation == OpLock:
			event = notifications.EventLocked
		case ev.Success && ev.Operation == OpUnlock:
			event = notifications.EventUnlocked
		}
		details := map[string]any{"operation": ev.Operation}
		if ev.HasTTL {
			details["ttl_seconds"] = int(ev.TTL.Seconds())
		}
		d.Notify(ctx, notifications.Payload{
			Event:     event,
			Timestamp: ev.Time,
			Backend:   ev.Backend,
			Actor:     ev.Actor,
			Message:   ev.Message,
			Details:   details,
		})
	})
}
