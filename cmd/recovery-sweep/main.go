package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/docintel"
	"github.com/xeroflowhq/receipts_backend/utils"
	"github.com/xeroflowhq/receipts_backend/workflow"
	"github.com/xeroflowhq/receipts_backend/xerosync"
)

// One-shot recovery sweep, for running as a scheduled job instead of (or in
// addition to) the in-process loop.
func main() {
	staleMinutes := flag.Int("stale-minutes", 15, "Minimum age in minutes before a receipt counts as stale")
	batchSize := flag.Int("batch-size", 100, "Maximum receipts to re-drive in this run")
	flag.Parse()

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

	sweep := workflow.NewRecoverySweep(logger, orchestrator)
	sweep.StaleAge = time.Duration(*staleMinutes) * time.Minute
	sweep.BatchSize = *batchSize

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	sweep.SweepOnce(ctx)
}
