package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/xeroflowhq/receipts_backend/utils"
	"gorm.io/gorm"
)

type AuditEventKind string

const (
	AuditReceiptSubmitted   AuditEventKind = "receipt.submitted"
	AuditStateTransition    AuditEventKind = "receipt.state_transition"
	AuditExtractionAttempt  AuditEventKind = "extraction.attempt"
	AuditIntegrationAttempt AuditEventKind = "integration.attempt"
	AuditArtifactMoved      AuditEventKind = "artifact.moved"
	AuditReceiptCancelled   AuditEventKind = "receipt.cancelled"
	AuditAutoPaymentCreated AuditEventKind = "auto_payment.created"
)

// AuditEvent is append-only: inserted transactionally with the change it
// describes, never updated or deleted.
type AuditEvent struct {
	ID            int            `gorm:"primaryKey" json:"id"`
	TenantId      string         `gorm:"size:64;index" json:"tenantId"`
	ReceiptId     string         `gorm:"size:64;index" json:"receiptId"`
	EventKind     AuditEventKind `gorm:"size:64" json:"eventKind"`
	Actor         string         `gorm:"size:128" json:"actor"`
	DetailJSON    []byte         `gorm:"type:json" json:"-"`
	CorrelationId string         `gorm:"size:64" json:"correlationId"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// RecordAuditEvent writes the audit row plus its outbox record inside the
// caller's transaction ("transactional outbox": Pub/Sub publishing happens
// asynchronously after commit, via the outbox dispatcher).
func RecordAuditEvent(ctx context.Context, tx *gorm.DB, tenantId, receiptId string, kind AuditEventKind, detail any) error {
	actor, _ := utils.GetActorFromContext(ctx)
	if actor == "" {
		actor = "pipeline"
	}

	var detailJSON []byte
	if detail != nil {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			return err
		}
	}

	event := AuditEvent{
		TenantId:      tenantId,
		ReceiptId:     receiptId,
		EventKind:     kind,
		Actor:         actor,
		DetailJSON:    detailJSON,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	if err := tx.Create(&event).Error; err != nil {
		return err
	}

	outbox := OutboxMessage{
		TenantId:      tenantId,
		AuditEventId:  event.ID,
		ReceiptId:     receiptId,
		EventKind:     kind,
		Actor:         actor,
		DetailJSON:    detailJSON,
		OccurredAt:    event.CreatedAt,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: event.CorrelationId,
	}
	return tx.Create(&outbox).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
