// Package notifications delivers operator-facing events: provider health
// transitions and per-user quota alerts.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationQuotaWarning  NotificationType = "quota_warning"
	NotificationQuotaCritical NotificationType = "quota_critical"
	NotificationQuotaExceeded NotificationType = "quota_exceeded"
	NotificationProviderDown  NotificationType = "provider_down"
	NotificationProviderUp    NotificationType = "provider_up"
)

type Notification struct {
	Type       NotificationType `json:"type"`
	UserID     string           `json:"user_id,omitempty"`
	ProviderID string           `json:"provider_id,omitempty"`
	Message    string           `json:"message"`
	Data       map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Message:           aws.String(string(message)),
		MessageAttributes: messageAttributes(notification),
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"user_id", notification.UserID,
		"provider_id", notification.ProviderID,
	)
	return nil
}

// messageAttributes lets SNS subscriptions filter on type, user and provider.
func messageAttributes(n Notification) map[string]snstypes.MessageAttributeValue {
	attrs := map[string]snstypes.MessageAttributeValue{
		"Type": stringAttr(string(n.Type)),
	}
	if n.UserID != "" {
		attrs["UserID"] = stringAttr(n.UserID)
	}
	if n.ProviderID != "" {
		attrs["ProviderID"] = stringAttr(n.ProviderID)
	}
	return attrs
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// InMemoryNotifier records every notification it is sent and never drops
// any, so it belongs in tests rather than a long-running process.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	n.notifications = append(n.notifications, notification)
	n.mu.Unlock()

	slog.Info("notification recorded",
		"type", notification.Type,
		"user_id", notification.UserID,
		"provider_id", notification.ProviderID,
	)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}
