package workflow

import (
	"context"

	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
	"gorm.io/gorm"
)

// gormReceiptStore binds the orchestrator to MySQL. Transitions and their
// audit entries commit atomically.
type gormReceiptStore struct {
	db *gorm.DB
}

func (s *gormReceiptStore) Get(ctx context.Context, tenantId, receiptId string) (*models.Receipt, error) {
	return models.GetReceipt(ctx, tenantId, receiptId)
}

func (s *gormReceiptStore) FindActiveByFileName(ctx context.Context, tenantId, fileName string) (*models.Receipt, error) {
	return models.FindActiveReceiptByFileName(ctx, tenantId, fileName)
}

func (s *gormReceiptStore) Create(ctx context.Context, receipt *models.Receipt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(receipt).Error; err != nil {
			return err
		}
		return models.RecordAuditEvent(ctx, tx, receipt.TenantId, receipt.ReceiptId,
			models.AuditReceiptSubmitted, map[string]interface{}{
				"file_name": receipt.FileName,
				"state":     string(receipt.State),
			})
	})
}

func (s *gormReceiptStore) Transition(ctx context.Context, receipt *models.Receipt, to models.ReceiptState, updates map[string]interface{}, kind models.AuditEventKind, detail any) error {
	if to != receipt.State && !models.CanTransition(receipt.State, to) {
		return utils.ConflictError(nil)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.TransitionReceipt(tx, receipt, to, updates); err != nil {
			return err
		}
		return models.RecordAuditEvent(ctx, tx, receipt.TenantId, receipt.ReceiptId, kind, detail)
	})
}

func (s *gormReceiptStore) RecordAudit(ctx context.Context, tenantId, receiptId string, kind models.AuditEventKind, detail any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return models.RecordAuditEvent(ctx, tx, tenantId, receiptId, kind, detail)
	})
}
