package utils

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
	"github.com/xeroflowhq/receipts_backend/config"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs validator/v10 tag validation on an ingress DTO.
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// ValidatePhoneNumber checks a contact number against the tenant's region.
func ValidatePhoneNumber(phoneNumber, countryCode string) error {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return err
	}
	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}
	return nil
}

// ResourceCountWhere counts rows of T for the tenant matching cond.
func ResourceCountWhere[T any](ctx context.Context, tenantId string, cond string, args ...interface{}) (int64, error) {
	db := config.GetDB()
	var model T
	var count int64
	if err := db.WithContext(ctx).Model(&model).
		Where("tenant_id = ?", tenantId).
		Where(cond, args...).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
