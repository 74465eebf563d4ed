package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/utils"
	"gorm.io/gorm"
)

type TenantStatus string

const (
	TenantStatusActive      TenantStatus = "active"
	TenantStatusDeactivated TenantStatus = "deactivated"
)

// Tenant is the unit of data and credential isolation. Tenants are never
// deleted, only deactivated.
type Tenant struct {
	ID            int          `gorm:"primaryKey" json:"id"`
	TenantId      string       `gorm:"size:64;uniqueIndex" json:"tenantId"`
	Name          string       `gorm:"size:255" json:"name"`
	ContactPhone  string       `gorm:"size:32" json:"contactPhone"`
	CountryCode   string       `gorm:"size:4;default:AU" json:"countryCode"`
	Status        TenantStatus `gorm:"size:32;default:active" json:"status"`
	StoragePrefix string       `gorm:"size:128" json:"storagePrefix"`
	IngestKeyHash string       `gorm:"size:128" json:"-"`

	// plan limits
	MonthlyReceiptLimit int `json:"monthlyReceiptLimit"`
	StorageQuotaMB      int `json:"storageQuotaMb"`

	// settings
	ProcessingEnabled bool            `gorm:"default:true" json:"processingEnabled"`
	AutoPayEnabled    bool            `gorm:"default:false" json:"autoPayEnabled"`
	BankAccountId     string          `gorm:"size:64" json:"bankAccountId"`
	DefaultCurrency   string          `gorm:"size:8" json:"defaultCurrency"`
	DefaultTaxRate    decimal.Decimal `gorm:"type:decimal(8,4)" json:"defaultTaxRate"`
	LineItemTolerance decimal.Decimal `gorm:"type:decimal(12,4)" json:"lineItemTolerance"`
	VendorAliasesJSON []byte          `gorm:"type:json" json:"-"`

	// usage
	ReceiptsProcessed int        `json:"receiptsProcessed"`
	LastProcessingAt  *time.Time `json:"lastProcessingAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TenantSettings is the configuration snapshot resolved once at pipeline
// entry and passed explicitly through the stages.
type TenantSettings struct {
	ProcessingEnabled bool
	AutoPayEnabled    bool
	BankAccountId     string
	DefaultCurrency   string
	DefaultTaxRate    decimal.Decimal
	LineItemTolerance decimal.Decimal
	VendorAliases     map[string]string
}

func (t *Tenant) Settings() TenantSettings {
	aliases := map[string]string{}
	if len(t.VendorAliasesJSON) > 0 {
		_ = json.Unmarshal(t.VendorAliasesJSON, &aliases)
	}
	tolerance := t.LineItemTolerance
	if tolerance.IsZero() {
		tolerance = decimal.NewFromFloat(0.05)
	}
	currency := t.DefaultCurrency
	if currency == "" {
		currency = "AUD"
	}
	return TenantSettings{
		ProcessingEnabled: t.ProcessingEnabled,
		AutoPayEnabled:    t.AutoPayEnabled,
		BankAccountId:     t.BankAccountId,
		DefaultCurrency:   currency,
		DefaultTaxRate:    t.DefaultTaxRate,
		LineItemTolerance: tolerance,
		VendorAliases:     aliases,
	}
}

func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// GetTenantById resolves a tenant, redis-cached.
func GetTenantById(ctx context.Context, tenantId string) (*Tenant, error) {
	if tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	cached, err := utils.RetrieveRedis[Tenant](tenantId)
	if err == nil && cached != nil {
		return cached, nil
	}

	db := config.GetDB()
	var tenant Tenant
	if err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).First(&tenant).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	_ = utils.StoreRedis[Tenant](&tenant, tenantId)
	return &tenant, nil
}

// VerifyTenantIngestKey checks the presented ingest key against the stored
// hash. Every external-facing entry point calls this (or the session check)
// before touching any artifact or record.
func VerifyTenantIngestKey(ctx context.Context, tenantId string, ingestKey string) (*Tenant, error) {
	tenant, err := GetTenantById(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive() {
		return nil, errors.New("tenant is deactivated")
	}
	if err := utils.CompareIngestKey(tenant.IngestKeyHash, ingestKey); err != nil {
		return nil, errors.New("invalid ingest key")
	}
	return tenant, nil
}

// IncrementTenantUsage bumps the processed counter after a terminal success.
func IncrementTenantUsage(ctx context.Context, tenantId string) error {
	db := config.GetDB()
	now := time.Now().UTC()
	err := db.WithContext(ctx).Model(&Tenant{}).
		Where("tenant_id = ?", tenantId).
		Updates(map[string]interface{}{
			"receipts_processed": gorm.Expr("receipts_processed + 1"),
			"last_processing_at": &now,
		}).Error
	if err != nil {
		return err
	}
	return utils.RemoveRedisItem[Tenant](tenantId)
}

// CheckMonthlyReceiptLimit enforces the plan limit at Submit time.
func CheckMonthlyReceiptLimit(ctx context.Context, tenant *Tenant) error {
	if tenant.MonthlyReceiptLimit <= 0 {
		return nil
	}
	monthStart := time.Now().UTC().Truncate(24 * time.Hour)
	monthStart = time.Date(monthStart.Year(), monthStart.Month(), 1, 0, 0, 0, 0, time.UTC)

	count, err := utils.ResourceCountWhere[Receipt](ctx, tenant.TenantId, "created_at >= ?", monthStart)
	if err != nil {
		return err
	}
	if count >= int64(tenant.MonthlyReceiptLimit) {
		return errors.New("monthly receipt limit reached")
	}
	return nil
}

func ListActiveTenants(ctx context.Context) ([]*Tenant, error) {
	db := config.GetDB()
	var tenants []*Tenant
	scoped := utils.SetSkipTenantScopeInContext(ctx, true)
	if err := db.WithContext(scoped).
		Where("status = ?", TenantStatusActive).
		Find(&tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}
