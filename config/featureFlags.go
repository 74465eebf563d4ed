package config

import (
	"os"
	"strings"
)

// StrictTerminalReceiptImmutability enables guardrails around terminal receipts:
// COMPLETE / FAILED_PERMANENT / CANCELLED receipts reject any further state writes
// instead of silently no-opping.
//
// Set via env:
// - STRICT_TERMINAL_RECEIPT_IMMUTABLE=true
func StrictTerminalReceiptImmutability() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_TERMINAL_RECEIPT_IMMUTABLE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AutoPayEnabledGlobally gates the auto-pay worker regardless of per-tenant settings.
// Default on; set AUTO_PAY_WORKER=false to disable fleet-wide.
func AutoPayEnabledGlobally() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("AUTO_PAY_WORKER")))
	if raw == "" {
		return true
	}
	return raw == "1" || raw == "true" || raw == "yes" || raw == "y"
}
