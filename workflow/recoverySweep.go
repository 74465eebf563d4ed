package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
)

// RecoverySweep re-drives receipts abandoned mid-pipeline by a crashed or
// restarted worker. A receipt is stale once it has sat in an auto-advanceable
// state past the threshold; the sweep repairs any half-completed artifact
// move first, then hands the receipt back to the orchestrator. Optimistic
// versioning on transitions makes a sweep racing a live worker harmless.
type RecoverySweep struct {
	Logger       *logrus.Logger
	Orchestrator *Orchestrator

	Interval  time.Duration
	StaleAge  time.Duration
	BatchSize int
}

func NewRecoverySweep(logger *logrus.Logger, orchestrator *Orchestrator) *RecoverySweep {
	return &RecoverySweep{
		Logger:       logger,
		Orchestrator: orchestrator,
		Interval:     15 * time.Minute,
		StaleAge:     15 * time.Minute,
		BatchSize:    100,
	}
}

func (s *RecoverySweep) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
		s.SweepOnce(ctx)
	}
}

// SweepOnce processes one batch of stale receipts. Exported for the one-shot
// maintenance command.
func (s *RecoverySweep) SweepOnce(ctx context.Context) {
	staleBefore := time.Now().UTC().Add(-s.StaleAge)
	receipts, err := models.ListStaleReceipts(ctx, staleBefore, s.BatchSize)
	if err != nil {
		config.LogError(s.Logger, moduleName, "SweepOnce", "stale receipt listing failed", nil, err)
		return
	}

	for _, receipt := range receipts {
		select {
		case <-ctx.Done():
			return
		default:
		}
		tenantCtx := utils.SetTenantIdInContext(ctx, receipt.TenantId)
		tenantCtx = utils.SetActorInContext(tenantCtx, "recovery-sweep")

		s.repairArtifact(tenantCtx, receipt)

		if err := s.Orchestrator.Advance(tenantCtx, receipt.TenantId, receipt.ReceiptId); err != nil {
			config.LogError(s.Logger, moduleName, "SweepOnce", "re-drive failed", map[string]interface{}{
				"tenant_id":  receipt.TenantId,
				"receipt_id": receipt.ReceiptId,
				"state":      string(receipt.State),
			}, err)
		}
	}
}

// repairArtifact resolves a move interrupted between copy and delete. The
// receipt's current state determines which move was in flight.
func (s *RecoverySweep) repairArtifact(ctx context.Context, receipt *models.Receipt) {
	var src, dst string
	switch receipt.State {
	case models.ReceiptStateReceived:
		src = ArtifactKey(receipt.TenantId, LocationUploads, receipt.FileName)
		dst = ArtifactKey(receipt.TenantId, LocationProcessing, receipt.FileName)
	case models.ReceiptStateSyncing, models.ReceiptStateSyncFailed:
		src = ArtifactKey(receipt.TenantId, LocationProcessing, receipt.FileName)
		dst = ArtifactKey(receipt.TenantId, LocationComplete, receipt.FileName)
	default:
		return
	}

	if err := s.Orchestrator.Blobs.RepairMove(ctx, receipt.TenantId, src, dst); err != nil {
		if utils.KindOf(err) == utils.ErrorKindConflict {
			return
		}
		config.LogError(s.Logger, moduleName, "repairArtifact", "half-move repair failed", map[string]interface{}{
			"tenant_id":  receipt.TenantId,
			"receipt_id": receipt.ReceiptId,
		}, err)
	}
}
