package models

import (
	"context"
	"errors"
	"time"

	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/utils"
	"gorm.io/gorm"
)

type ConnectionStatus string

const (
	ConnectionStatusConnected ConnectionStatus = "CONNECTED"
	ConnectionStatusRevoked   ConnectionStatus = "REVOKED"
)

// IntegrationConnection holds a tenant's accounting-platform connection.
// Tokens are stored server side; CredentialRef points at the secret
// material in the secret manager when token rotation is delegated.
type IntegrationConnection struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	TenantId           string           `gorm:"size:64;not null;uniqueIndex" json:"tenant_id"`
	ExternalTenantId   string           `gorm:"size:64;not null" json:"external_tenant_id"`
	CredentialRef      string           `gorm:"size:255" json:"credential_ref"`
	AccessToken        string           `gorm:"type:text" json:"-"`
	TokenExpiresAt     *time.Time       `json:"token_expires_at"`
	RateLimitPerMinute int              `gorm:"not null;default:60" json:"rate_limit_per_minute"`
	Status             ConnectionStatus `gorm:"size:20;not null;default:'CONNECTED'" json:"status"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrConnectionRevoked = errors.New("integration connection revoked")

// GetIntegrationConnection returns the tenant's connection, redis-cached.
// Revoked connections are returned with ErrConnectionRevoked so callers
// classify the failure as permanent rather than retrying.
func GetIntegrationConnection(ctx context.Context, tenantId string) (*IntegrationConnection, error) {
	cached, err := utils.RetrieveRedis[IntegrationConnection](tenantId)
	if err == nil && cached != nil && cached.TenantId == tenantId {
		if cached.Status == ConnectionStatusRevoked {
			return cached, ErrConnectionRevoked
		}
		return cached, nil
	}

	db := config.GetDB().WithContext(ctx)
	var conn IntegrationConnection
	if err := db.Where("tenant_id = ?", tenantId).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = utils.StoreRedis[IntegrationConnection](&conn, tenantId)
	if conn.Status == ConnectionStatusRevoked {
		return &conn, ErrConnectionRevoked
	}
	return &conn, nil
}

// UpdateConnectionToken persists a refreshed access token and busts the cache.
func UpdateConnectionToken(ctx context.Context, tenantId, accessToken string, expiresAt time.Time) error {
	db := config.GetDB().WithContext(ctx)
	err := db.Model(&IntegrationConnection{}).
		Where("tenant_id = ?", tenantId).
		Updates(map[string]interface{}{
			"access_token":     accessToken,
			"token_expires_at": &expiresAt,
		}).Error
	if err != nil {
		return err
	}
	return utils.RemoveRedisItem[IntegrationConnection](tenantId)
}
