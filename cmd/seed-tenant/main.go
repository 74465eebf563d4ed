package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Tenant id (defaults to a new uuid)")
	name := flag.String("name", "", "Tenant display name (required)")
	currency := flag.String("currency", "AUD", "Default currency code")
	monthlyLimit := flag.Int("monthly-limit", 0, "Monthly receipt limit (0 = unlimited)")
	contactPhone := flag.String("contact-phone", "", "Billing contact number")
	countryCode := flag.String("country", "AU", "Tenant region, used to validate the contact number")
	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "-name is required")
		os.Exit(1)
	}
	if phone := strings.TrimSpace(*contactPhone); phone != "" {
		if err := utils.ValidatePhoneNumber(phone, strings.ToUpper(strings.TrimSpace(*countryCode))); err != nil {
			fmt.Fprintf(os.Stderr, "invalid contact number: %v\n", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	id := strings.TrimSpace(*tenantID)
	if id == "" {
		id = uuid.NewString()
	}

	// The ingest key is shown once and stored only as a hash.
	ingestKey := uuid.NewString()
	hash, err := utils.HashIngestKey(ingestKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash ingest key: %v\n", err)
		os.Exit(1)
	}

	tenant := models.Tenant{
		TenantId:            id,
		Name:                strings.TrimSpace(*name),
		Status:              models.TenantStatusActive,
		ContactPhone:        strings.TrimSpace(*contactPhone),
		CountryCode:         strings.ToUpper(strings.TrimSpace(*countryCode)),
		StoragePrefix:       id,
		IngestKeyHash:       string(hash),
		MonthlyReceiptLimit: *monthlyLimit,
		ProcessingEnabled:   true,
		DefaultCurrency:     strings.ToUpper(strings.TrimSpace(*currency)),
	}

	scoped := utils.SetSkipTenantScopeInContext(ctx, true)
	if err := db.WithContext(scoped).Create(&tenant).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to create tenant: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created tenant %s (%s)\n", tenant.TenantId, tenant.Name)
	fmt.Printf("Ingest key (store it now, it is not retrievable): %s\n", ingestKey)
}
