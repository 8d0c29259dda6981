package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	UserID     string
	Level      AlertLevel
	Limit      int64
	Used       int64
	Percentage float64
	Day        time.Time
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor raises at most one alert per user, level and quota day.
type Monitor struct {
	mu         sync.RWMutex
	thresholds Thresholds
	dedup      AlertDeduplicator
	handlers   []AlertHandler
	nowFn      func() time.Time
}

func NewMonitor(thresholds Thresholds, dedup AlertDeduplicator) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		thresholds: thresholds,
		dedup:      dedup,
		nowFn:      time.Now,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Monitor) level(ratio float64) (AlertLevel, bool) {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded, true
	case ratio >= m.thresholds.Critical:
		return AlertLevelCritical, true
	case ratio >= m.thresholds.Warning:
		return AlertLevelWarning, true
	}
	return "", false
}

// Check evaluates the user's quota state and dispatches an alert to every
// handler when a new level is crossed. It returns the alert, if any.
func (m *Monitor) Check(ctx context.Context, userID string, state domain.QuotaState) *Alert {
	if state.Limit <= 0 {
		return nil
	}

	day := state.ResetAt.AddDate(0, 0, -1)
	subject := fmt.Sprintf("%s:%s", userID, day.Format(time.DateOnly))

	ratio := float64(state.Used) / float64(state.Limit)
	level, ok := m.level(ratio)
	if !ok {
		m.dedup.ClearAlert(ctx, subject)
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, subject, level) {
		return nil
	}

	alert := &Alert{
		UserID:     userID,
		Level:      level,
		Limit:      state.Limit,
		Used:       state.Used,
		Percentage: ratio * 100,
		Day:        day,
		Timestamp:  m.nowFn(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}
	return alert
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.Warn("quota alert",
		"user_id", alert.UserID,
		"level", alert.Level,
		"limit", alert.Limit,
		"used", alert.Used,
		"percentage", alert.Percentage,
	)
}

// NotifyHandler forwards alerts to n as quota notifications.
func NotifyHandler(n notifications.Notifier) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		typ := notifications.NotificationQuotaWarning
		switch alert.Level {
		case AlertLevelCritical:
			typ = notifications.NotificationQuotaCritical
		case AlertLevelExceeded:
			typ = notifications.NotificationQuotaExceeded
		}

		err := n.Send(ctx, notifications.Notification{
			Type:    typ,
			UserID:  alert.UserID,
			Message: fmt.Sprintf("%.0f%% of the daily quota used (%d/%d)", alert.Percentage, alert.Used, alert.Limit),
			Data: map[string]any{
				"level": string(alert.Level),
				"limit": alert.Limit,
				"used":  alert.Used,
				"day":   alert.Day.Format(time.DateOnly),
			},
		})
		if err != nil {
			slog.Error("failed to send quota alert", "user_id", alert.UserID, "error", err)
		}
	}
}
