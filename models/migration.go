package models

import (
	"log"

	"github.com/xeroflowhq/receipts_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Tenant{},
		&Receipt{},
		&AuditEvent{}, &OutboxMessage{},
		&IntegrationAttempt{}, &IntegrationConnection{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
