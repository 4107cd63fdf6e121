package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEventType names the event kinds emitted by the worker, per
// spec.md 4.4 and original_source/src/domain/models/webhook.rs.
type WebhookEventType string

const (
	EventScrapeCompleted WebhookEventType = "scrape.completed"
	EventScrapeFailed    WebhookEventType = "scrape.failed"
	EventCrawlCompleted  WebhookEventType = "crawl.completed"
	EventCrawlFailed     WebhookEventType = "crawl.failed"
	EventExtractCompleted WebhookEventType = "extract.completed"
	EventExtractFailed    WebhookEventType = "extract.failed"
)

// WebhookStatus is a WebhookEvent's delivery state.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookDelivered WebhookStatus = "delivered"
	WebhookFailed    WebhookStatus = "failed"
	WebhookDead      WebhookStatus = "dead"
)

// Webhook binds a team to a delivery endpoint and its signing secret.
type Webhook struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TeamID    uuid.UUID `db:"team_id" json:"team_id"`
	URL       string    `db:"url" json:"url"`
	Secret    string    `db:"secret" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// WebhookEvent is a single outbound notification, retried with backoff
// until delivered or dead-lettered.
type WebhookEvent struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	TeamID         uuid.UUID        `db:"team_id" json:"team_id"`
	WebhookID      uuid.UUID        `db:"webhook_id" json:"webhook_id"`
	EventType      WebhookEventType `db:"event_type" json:"event_type"`
	Payload        json.RawMessage  `db:"payload" json:"payload"`
	WebhookURL     string           `db:"webhook_url" json:"webhook_url"`
	Status         WebhookStatus    `db:"status" json:"status"`
	AttemptCount   int              `db:"attempt_count" json:"attempt_count"`
	MaxRetries     int              `db:"max_retries" json:"max_retries"`
	ResponseStatus *int             `db:"response_status" json:"response_status,omitempty"`
	NextRetryAt    *time.Time       `db:"next_retry_at" json:"next_retry_at,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
	DeliveredAt    *time.Time       `db:"delivered_at" json:"delivered_at,omitempty"`
}

// NewWebhookEvent builds a pending event with the default retry budget.
func NewWebhookEvent(teamID, webhookID uuid.UUID, eventType WebhookEventType, url string, payload json.RawMessage) *WebhookEvent {
	now := time.Now().UTC()
	return &WebhookEvent{
		ID:         uuid.New(),
		TeamID:     teamID,
		WebhookID:  webhookID,
		EventType:  eventType,
		Payload:    payload,
		WebhookURL: url,
		Status:     WebhookPending,
		MaxRetries: 5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsPendingDelivery reports whether the event should be picked up by the
// dispatcher's poll: pending, or failed with an elapsed retry timer.
func (e *WebhookEvent) IsPendingDelivery(now time.Time) bool {
	if e.Status == WebhookPending {
		return true
	}
	if e.Status == WebhookFailed && e.NextRetryAt != nil && !e.NextRetryAt.After(now) {
		return true
	}
	return false
}
