package models

import (
	"context"
	"errors"
	"time"

	"github.com/xeroflowhq/receipts_backend/config"
	"gorm.io/gorm"
)

type AttemptOutcome string

const (
	AttemptOutcomeSuccess     AttemptOutcome = "success"
	AttemptOutcomeTransient   AttemptOutcome = "transient_error"
	AttemptOutcomeRateLimited AttemptOutcome = "rate_limited"
	AttemptOutcomePermanent   AttemptOutcome = "permanent_error"
)

// IntegrationAttempt is the append-only record of every call to the
// accounting API for a receipt. One-to-many with Receipt; never mutated.
type IntegrationAttempt struct {
	ID             int            `gorm:"primaryKey" json:"id"`
	TenantId       string         `gorm:"size:64;index:idx_attempt_key" json:"tenantId"`
	ReceiptId      string         `gorm:"size:64;index" json:"receiptId"`
	AttemptNumber  int            `json:"attemptNumber"`
	IdempotencyKey string         `gorm:"size:160;index:idx_attempt_key" json:"idempotencyKey"`
	Outcome        AttemptOutcome `gorm:"size:32" json:"outcome"`
	ExternalId     string         `gorm:"size:64" json:"externalId"`
	ErrorMessage   string         `gorm:"size:1024" json:"errorMessage"`
	CreatedAt      time.Time      `json:"createdAt"`
}

func AppendIntegrationAttempt(ctx context.Context, attempt *IntegrationAttempt) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(attempt).Error
}

// FindSucceededAttempt returns the successful attempt for an idempotency key,
// or nil. This is the pre-check half of pre-check-then-create: the external
// API has no native idempotency keys, so a success recorded here means the
// bill already exists and must not be created again.
func FindSucceededAttempt(ctx context.Context, tenantId, idempotencyKey string) (*IntegrationAttempt, error) {
	db := config.GetDB()
	var attempt IntegrationAttempt
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ? AND outcome = ?",
			tenantId, idempotencyKey, AttemptOutcomeSuccess).
		First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

func CountIntegrationAttempts(ctx context.Context, tenantId, receiptId string) (int64, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&IntegrationAttempt{}).
		Where("tenant_id = ? AND receipt_id = ?", tenantId, receiptId).
		Count(&count).Error
	return count, err
}
