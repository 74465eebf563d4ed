package models

import (
	"context"
	"time"

	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/utils"
	"gorm.io/gorm"
)

type ReceiptState string

const (
	ReceiptStateReceived         ReceiptState = "RECEIVED"
	ReceiptStateExtracting       ReceiptState = "EXTRACTING"
	ReceiptStateExtracted        ReceiptState = "EXTRACTED"
	ReceiptStateValidating       ReceiptState = "VALIDATING"
	ReceiptStateValidated        ReceiptState = "VALIDATED"
	ReceiptStateSyncing          ReceiptState = "SYNCING"
	ReceiptStateComplete         ReceiptState = "COMPLETE"
	ReceiptStateExtractionFailed ReceiptState = "EXTRACTION_FAILED"
	ReceiptStateValidationFailed ReceiptState = "VALIDATION_FAILED"
	ReceiptStateSyncFailed       ReceiptState = "SYNC_FAILED"
	ReceiptStateFailedPermanent  ReceiptState = "FAILED_PERMANENT"
	ReceiptStateCancelled        ReceiptState = "CANCELLED"
)

// stateIndex orders states so the lifecycle is monotonic: a legal transition
// never decreases the index. Failure branches share the index of the active
// stage's successor so retries (SYNC_FAILED -> SYNCING) stay non-decreasing.
var stateIndex = map[ReceiptState]int{
	ReceiptStateReceived:         1,
	ReceiptStateExtracting:       2,
	ReceiptStateExtracted:        3,
	ReceiptStateExtractionFailed: 3,
	ReceiptStateValidating:       4,
	ReceiptStateValidated:        5,
	ReceiptStateValidationFailed: 5,
	ReceiptStateSyncing:          6,
	ReceiptStateSyncFailed:       6,
	ReceiptStateComplete:         7,
	ReceiptStateFailedPermanent:  7,
	ReceiptStateCancelled:        8,
}

func (s ReceiptState) Index() int { return stateIndex[s] }

// IsTerminal reports whether the receipt is immutable. EXTRACTION_FAILED and
// VALIDATION_FAILED are resting failure states, not terminal: they await
// operator correction or re-upload.
func (s ReceiptState) IsTerminal() bool {
	switch s {
	case ReceiptStateComplete, ReceiptStateFailedPermanent, ReceiptStateCancelled:
		return true
	}
	return false
}

// IsAutoAdvanceable reports whether the recovery sweep may re-drive the
// receipt. Deterministic input failures are excluded: retrying them without
// changed input would fail identically.
func (s ReceiptState) IsAutoAdvanceable() bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case ReceiptStateExtractionFailed, ReceiptStateValidationFailed:
		return false
	}
	return true
}

var legalTransitions = map[ReceiptState][]ReceiptState{
	ReceiptStateReceived:   {ReceiptStateExtracting, ReceiptStateCancelled},
	ReceiptStateExtracting: {ReceiptStateExtracted, ReceiptStateExtractionFailed, ReceiptStateCancelled},
	ReceiptStateExtracted:  {ReceiptStateValidating, ReceiptStateCancelled},
	ReceiptStateValidating: {ReceiptStateValidated, ReceiptStateValidationFailed, ReceiptStateCancelled},
	ReceiptStateValidated:  {ReceiptStateSyncing, ReceiptStateCancelled},
	ReceiptStateSyncing:    {ReceiptStateComplete, ReceiptStateSyncFailed, ReceiptStateCancelled},
	ReceiptStateSyncFailed: {ReceiptStateSyncing, ReceiptStateFailedPermanent, ReceiptStateCancelled},
	// EXTRACTION_FAILED / VALIDATION_FAILED can only be re-driven by an
	// explicit operator resubmit, which moves them back through EXTRACTING /
	// VALIDATING respectively.
	ReceiptStateExtractionFailed: {ReceiptStateExtracting, ReceiptStateCancelled},
	ReceiptStateValidationFailed: {ReceiptStateValidating, ReceiptStateCancelled},
}

func CanTransition(from, to ReceiptState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Receipt is mutated only by the pipeline orchestrator; once terminal it is
// immutable. Version guards optimistic concurrency across orchestrator
// instances and the recovery sweep.
type Receipt struct {
	ID        int          `gorm:"primaryKey" json:"id"`
	TenantId  string       `gorm:"size:64;uniqueIndex:idx_tenant_receipt" json:"tenantId"`
	ReceiptId string       `gorm:"size:64;uniqueIndex:idx_tenant_receipt" json:"receiptId"`
	State     ReceiptState `gorm:"size:32;index" json:"state"`

	FileName      string `gorm:"size:255" json:"fileName"`
	ContentType   string `gorm:"size:128" json:"contentType"`
	RawObjectKey  string `gorm:"size:512" json:"rawObjectKey"`
	JSONObjectKey string `gorm:"size:512" json:"jsonObjectKey"`

	ExtractedJSON        []byte `gorm:"type:json" json:"-"`
	NormalizedJSON       []byte `gorm:"type:json" json:"-"`
	ValidationErrorsJSON []byte `gorm:"type:json" json:"-"`

	ExternalBillId string `gorm:"size:64" json:"externalBillId"`
	LastErrorKind  string `gorm:"size:32" json:"lastErrorKind"`
	LastError      string `gorm:"size:1024" json:"lastError"`
	SyncAttempts   int    `json:"syncAttempts"`

	CancelRequested bool `gorm:"default:false" json:"cancelRequested"`
	Version         int  `gorm:"default:1" json:"version"`

	ReceivedAt  time.Time  `json:"receivedAt"`
	ExtractedAt *time.Time `json:"extractedAt"`
	ValidatedAt *time.Time `json:"validatedAt"`
	SyncedAt    *time.Time `json:"syncedAt"`
	FinishedAt  *time.Time `json:"finishedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func GetReceipt(ctx context.Context, tenantId, receiptId string) (*Receipt, error) {
	db := config.GetDB()
	var receipt Receipt
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND receipt_id = ?", tenantId, receiptId).
		First(&receipt).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &receipt, nil
}

// FindActiveReceiptByFileName returns the tenant's in-flight receipt for an
// artifact name, or nil. Terminal receipts do not match: a re-upload of the
// same name after completion is a new receipt.
func FindActiveReceiptByFileName(ctx context.Context, tenantId, fileName string) (*Receipt, error) {
	db := config.GetDB()
	terminal := []ReceiptState{
		ReceiptStateComplete,
		ReceiptStateFailedPermanent,
		ReceiptStateCancelled,
	}
	var receipt Receipt
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND file_name = ?", tenantId, fileName).
		Where("state NOT IN ?", terminal).
		Order("created_at DESC").
		First(&receipt).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &receipt, nil
}

// TransitionReceipt performs the optimistic state transition inside tx:
// the UPDATE is conditioned on the row still holding the expected state and
// version. Zero rows affected means a concurrent writer advanced the receipt
// first; callers treat that as a no-op Conflict and re-read.
func TransitionReceipt(tx *gorm.DB, receipt *Receipt, to ReceiptState, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = to
	updates["version"] = receipt.Version + 1

	res := tx.Model(&Receipt{}).
		Where("id = ? AND tenant_id = ? AND state = ? AND version = ?",
			receipt.ID, receipt.TenantId, receipt.State, receipt.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ConflictError(gorm.ErrRecordNotFound)
	}
	receipt.State = to
	receipt.Version++
	return nil
}

// ListStaleReceipts finds receipts stuck in an auto-advanceable state past the
// staleness threshold, for the recovery sweep. The query is cross-tenant: the
// sweep runs with tenant scope bypassed and re-enters each tenant's context.
func ListStaleReceipts(ctx context.Context, staleBefore time.Time, limit int) ([]*Receipt, error) {
	db := config.GetDB()
	scoped := utils.SetSkipTenantScopeInContext(ctx, true)

	states := []ReceiptState{
		ReceiptStateReceived,
		ReceiptStateExtracting,
		ReceiptStateExtracted,
		ReceiptStateValidating,
		ReceiptStateValidated,
		ReceiptStateSyncing,
		ReceiptStateSyncFailed,
	}

	var receipts []*Receipt
	err := db.WithContext(scoped).
		Where("state IN ?", states).
		Where("updated_at <= ?", staleBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}
	return receipts, nil
}
