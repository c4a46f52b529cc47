package models

import (
	"time"

	"gorm.io/gorm"
)

// WebhookEvent stores every verified gateway notification together with
// deduplication metadata. The unique (provider, provider_event_id) pair makes
// at-least-once redelivery an observable no-op.
type WebhookEvent struct {
	gorm.Model
	Provider        string     `gorm:"column:provider;size:20;not null;uniqueIndex:idx_provider_event" json:"provider"`
	ProviderEventID string     `gorm:"column:provider_event_id;size:191;not null;uniqueIndex:idx_provider_event" json:"provider_event_id"`
	EventType       string     `gorm:"column:event_type;size:100;not null;index" json:"event_type"`
	Payload         string     `gorm:"column:payload;type:text;not null" json:"payload"`
	ProcessedAt     *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"column:processing_error;type:text" json:"processing_error,omitempty"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
