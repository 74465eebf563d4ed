package models

import (
	"time"

	"github.com/xeroflowhq/receipts_backend/config"
)

// Outbox publish statuses for OutboxMessage.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// OutboxMessage is the transactional outbox record for an audit event.
// The row is written inside the same DB transaction as the audit event;
// Pub/Sub publishing happens after commit via the outbox dispatcher.
// Payload fields are denormalized so dispatch needs no join.
type OutboxMessage struct {
	ID           int            `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	TenantId     string         `gorm:"size:64;not null;index" json:"tenant_id"`
	AuditEventId int            `gorm:"index" json:"audit_event_id"`
	ReceiptId    string         `gorm:"size:64" json:"receipt_id"`
	EventKind    AuditEventKind `gorm:"size:64" json:"event_kind"`
	Actor        string         `gorm:"size:128" json:"actor"`
	DetailJSON   []byte         `gorm:"type:blob" json:"detail_json"`
	OccurredAt   time.Time      `gorm:"not null" json:"occurred_at"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToAuditMessage(record OutboxMessage) config.AuditEventMessage {
	return config.AuditEventMessage{
		ID:            record.AuditEventId,
		TenantId:      record.TenantId,
		ReceiptId:     record.ReceiptId,
		EventKind:     string(record.EventKind),
		Actor:         record.Actor,
		Detail:        record.DetailJSON,
		OccurredAt:    record.OccurredAt,
		CorrelationId: record.CorrelationId,
	}
}
