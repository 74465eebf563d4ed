package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/docintel"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
	"github.com/xeroflowhq/receipts_backend/workflow"
	"github.com/xeroflowhq/receipts_backend/xerosync"
)

// Operator tool: re-drive a single receipt. Resting failure states go through
// an explicit retry transition; anything else non-terminal is advanced as-is.
func main() {
	tenantID := flag.String("tenant-id", "", "Tenant id (required)")
	receiptID := flag.String("receipt-id", "", "Receipt id (required)")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" || strings.TrimSpace(*receiptID) == "" {
		fmt.Fprintln(os.Stderr, "-tenant-id and -receipt-id are required")
		os.Exit(1)
	}

	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	blobs := workflow.NewBlobLifecycle(utils.GetObjectStore(), logger)
	extractor, err := docintel.NewAdapter(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "extraction adapter: %v\n", err)
		os.Exit(1)
	}
	engine := xerosync.NewEngine(logger)
	orchestrator := workflow.NewOrchestrator(db, logger, blobs, extractor, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	ctx = utils.SetTenantIdInContext(ctx, *tenantID)
	ctx = utils.SetActorInContext(ctx, "receipt-requeue")

	receipt, err := orchestrator.Status(ctx, *tenantID, *receiptID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load receipt: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Receipt %s is in %s (sync attempts %d)\n", receipt.ReceiptId, receipt.State, receipt.SyncAttempts)

	if receipt.State.IsTerminal() {
		fmt.Fprintln(os.Stderr, "receipt is terminal; nothing to requeue")
		os.Exit(1)
	}

	switch receipt.State {
	case models.ReceiptStateExtractionFailed, models.ReceiptStateValidationFailed, models.ReceiptStateSyncFailed:
		err = orchestrator.Retry(ctx, *tenantID, *receiptID)
	default:
		err = orchestrator.Advance(ctx, *tenantID, *receiptID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "requeue did not complete: %v\n", err)
		os.Exit(1)
	}

	receipt, err = orchestrator.Status(ctx, *tenantID, *receiptID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reload receipt: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Receipt %s is now in %s\n", receipt.ReceiptId, receipt.State)
}
