package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator keeps the same alert from being sent more than once
// when several gateway instances evaluate the same user.
type AlertDeduplicator interface {
	// ShouldAlert reports whether level is new for subject.
	ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool
	// ClearAlert forgets the alert state for subject.
	ClearAlert(ctx context.Context, subject string)
}

// InMemoryDeduplicator is suitable for single-instance deployments.
type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlerts[subject]; ok && last == level {
		return false
	}
	d.lastAlerts[subject] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, subject)
}

// RedisDeduplicator claims each (subject, level) with SETNX so exactly one
// instance sends it.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator keeps claims for lockTTL. Subjects are per quota
// day, so a TTL a little over a day is enough.
func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(subject string, level AlertLevel) string {
	return fmt.Sprintf("quota:alert:%s:%s", subject, level)
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, subject string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(subject, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		slog.Warn("alert dedup unavailable, sending anyway", "subject", subject, "error", err)
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, subject string) {
	keys := []string{
		d.alertKey(subject, AlertLevelWarning),
		d.alertKey(subject, AlertLevelCritical),
		d.alertKey(subject, AlertLevelExceeded),
	}
	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("failed to clear alert state", "subject", subject, "error", err)
	}
}
