package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/docintel"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
	"github.com/xeroflowhq/receipts_backend/xerosync"
	"gorm.io/gorm"
)

const moduleName = "workflow"

var (
	ErrReceiptTerminal     = errors.New("receipt is in a terminal state")
	ErrProcessingDisabled  = errors.New("processing is disabled for tenant")
	ErrTenantInactive      = errors.New("tenant is not active")
	ErrReceiptNotRetryable = errors.New("receipt state cannot be retried")

	// errAwaitRetry stops the advance loop after a transient sync failure:
	// the receipt rests in SYNC_FAILED until the recovery sweep re-drives it,
	// which spaces retry rounds out instead of hammering the API.
	errAwaitRetry = errors.New("receipt awaiting spaced retry")
)

// receiptStore is the orchestrator's database surface, narrowed for tests.
type receiptStore interface {
	Get(ctx context.Context, tenantId, receiptId string) (*models.Receipt, error)
	FindActiveByFileName(ctx context.Context, tenantId, fileName string) (*models.Receipt, error)
	Create(ctx context.Context, receipt *models.Receipt) error
	Transition(ctx context.Context, receipt *models.Receipt, to models.ReceiptState, updates map[string]interface{}, kind models.AuditEventKind, detail any) error
	RecordAudit(ctx context.Context, tenantId, receiptId string, kind models.AuditEventKind, detail any) error
}

// Orchestrator owns every receipt state transition. Stages retry their own
// transient faults; the orchestrator handles classified outcomes, persists
// them with an audit entry in the same transaction, and never retries a
// permanent classification.
type Orchestrator struct {
	Logger *logrus.Logger
	Blobs  *BlobLifecycle

	Extractor docintel.Extractor
	Poster    xerosync.BillPoster

	// SyncBudget bounds SYNC_FAILED -> SYNCING rounds before the receipt is
	// escalated to FAILED_PERMANENT.
	SyncBudget int

	store receiptStore
	now   func() time.Time

	getTenant  func(ctx context.Context, tenantId string) (*models.Tenant, error)
	checkLimit func(ctx context.Context, tenant *models.Tenant) error
	countUsage func(ctx context.Context, tenantId string) error
}

func NewOrchestrator(db *gorm.DB, logger *logrus.Logger, blobs *BlobLifecycle, extractor docintel.Extractor, poster xerosync.BillPoster) *Orchestrator {
	return &Orchestrator{
		Logger:     logger,
		Blobs:      blobs,
		Extractor:  extractor,
		Poster:     poster,
		SyncBudget: 5,
		store:      &gormReceiptStore{db: db},
		now:        func() time.Time { return time.Now().UTC() },
		getTenant:  models.GetTenantById,
		checkLimit: models.CheckMonthlyReceiptLimit,
		countUsage: models.IncrementTenantUsage,
	}
}

// Submit is the sole pipeline ingress: an upload-complete notification for
// an artifact already sitting in the tenant's uploads location. It creates
// the receipt in RECEIVED and returns its id; advancing happens separately.
// Duplicate notifications for the same artifact return the existing receipt.
func (o *Orchestrator) Submit(ctx context.Context, tenantId, fileName, contentType string) (string, error) {
	tenant, err := o.getTenant(ctx, tenantId)
	if err != nil {
		return "", err
	}
	if !tenant.IsActive() {
		return "", utils.PermanentInputError(ErrTenantInactive)
	}
	if !tenant.ProcessingEnabled {
		return "", utils.PermanentInputError(ErrProcessingDisabled)
	}
	if err := o.checkLimit(ctx, tenant); err != nil {
		return "", err
	}

	// Storage notifications are at-least-once: a replayed notification for
	// an artifact already in flight must not mint a second receipt that
	// would race the first one over the same object.
	existing, err := o.store.FindActiveByFileName(ctx, tenantId, fileName)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ReceiptId, nil
	}

	receiptId := uuid.NewString()
	receipt := &models.Receipt{
		TenantId:     tenantId,
		ReceiptId:    receiptId,
		State:        models.ReceiptStateReceived,
		FileName:     fileName,
		ContentType:  contentType,
		RawObjectKey: ArtifactKey(tenantId, LocationUploads, fileName),
		Version:      1,
		ReceivedAt:   o.now(),
	}
	if err := o.store.Create(ctx, receipt); err != nil {
		return "", err
	}
	return receiptId, nil
}

// Advance drives a receipt forward until it reaches a terminal state, a
// resting failure state, or a transient fault that the next run (requeue or
// recovery sweep) will pick up. Conflict outcomes mean another worker holds
// the receipt; Advance backs off silently.
func (o *Orchestrator) Advance(ctx context.Context, tenantId, receiptId string) error {
	tenant, err := o.getTenant(ctx, tenantId)
	if err != nil {
		return err
	}
	settings := tenant.Settings()

	for {
		receipt, err := o.store.Get(ctx, tenantId, receiptId)
		if err != nil {
			return err
		}
		if receipt.State.IsTerminal() {
			if config.StrictTerminalReceiptImmutability() {
				return utils.PermanentInputError(ErrReceiptTerminal)
			}
			return nil
		}

		if receipt.CancelRequested {
			return o.cancelNow(ctx, receipt)
		}

		var stepErr error
		switch receipt.State {
		case models.ReceiptStateReceived:
			stepErr = o.stepReceived(ctx, receipt)
		case models.ReceiptStateExtracting:
			stepErr = o.stepExtracting(ctx, receipt)
		case models.ReceiptStateExtracted:
			stepErr = o.step(ctx, receipt, models.ReceiptStateValidating, nil, "validation started")
		case models.ReceiptStateValidating:
			stepErr = o.stepValidating(ctx, receipt, settings)
		case models.ReceiptStateValidated:
			stepErr = o.step(ctx, receipt, models.ReceiptStateSyncing, nil, "sync started")
		case models.ReceiptStateSyncing:
			stepErr = o.stepSyncing(ctx, tenant, receipt)
		case models.ReceiptStateSyncFailed:
			stepErr = o.stepSyncFailed(ctx, receipt)
		default:
			// EXTRACTION_FAILED / VALIDATION_FAILED rest here until an
			// explicit retry or cancel.
			return nil
		}

		if stepErr != nil {
			if errors.Is(stepErr, errAwaitRetry) {
				return nil
			}
			if utils.KindOf(stepErr) == utils.ErrorKindConflict {
				return nil
			}
			return stepErr
		}
	}
}

// Status returns the receipt row for the tenant's operators.
func (o *Orchestrator) Status(ctx context.Context, tenantId, receiptId string) (*models.Receipt, error) {
	return o.store.Get(ctx, tenantId, receiptId)
}

// Cancel requests cooperative cancellation. A receipt resting between stages
// is cancelled immediately; one mid-stage is flagged and the orchestrator
// cancels at the next transition boundary. Terminal receipts cannot be
// cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, tenantId, receiptId string) error {
	receipt, err := o.store.Get(ctx, tenantId, receiptId)
	if err != nil {
		return err
	}
	if receipt.State.IsTerminal() {
		return utils.PermanentInputError(ErrReceiptTerminal)
	}

	if models.CanTransition(receipt.State, models.ReceiptStateCancelled) {
		if err := o.cancelNow(ctx, receipt); err != nil {
			if utils.KindOf(err) == utils.ErrorKindConflict {
				// Another worker advanced the receipt; fall through to flagging.
				return o.flagCancel(ctx, receipt)
			}
			return err
		}
		return nil
	}
	return o.flagCancel(ctx, receipt)
}

// Retry re-drives a receipt out of a resting failure state. EXTRACTION_FAILED
// goes back through extraction; VALIDATION_FAILED through validation (after
// the tenant fixed configuration); SYNC_FAILED receipts are retried by the
// sweep automatically but can be nudged here too.
func (o *Orchestrator) Retry(ctx context.Context, tenantId, receiptId string) error {
	receipt, err := o.store.Get(ctx, tenantId, receiptId)
	if err != nil {
		return err
	}

	var target models.ReceiptState
	switch receipt.State {
	case models.ReceiptStateExtractionFailed:
		target = models.ReceiptStateExtracting
	case models.ReceiptStateValidationFailed:
		target = models.ReceiptStateValidating
	case models.ReceiptStateSyncFailed:
		target = models.ReceiptStateSyncing
	default:
		return utils.PermanentInputError(ErrReceiptNotRetryable)
	}

	updates := map[string]interface{}{"last_error": "", "last_error_kind": ""}
	if err := o.store.Transition(ctx, receipt, target, updates, models.AuditStateTransition, transitionDetail(receipt.State, target, "operator retry")); err != nil {
		return err
	}
	return o.Advance(ctx, tenantId, receiptId)
}

func (o *Orchestrator) stepReceived(ctx context.Context, receipt *models.Receipt) error {
	processingKey := ArtifactKey(receipt.TenantId, LocationProcessing, receipt.FileName)
	if err := o.Blobs.Move(ctx, receipt.TenantId, receipt.RawObjectKey, processingKey); err != nil {
		if utils.IsPermanent(err) {
			return o.failPermanently(ctx, receipt, err, "artifact missing at upload location")
		}
		return err
	}
	updates := map[string]interface{}{"raw_object_key": processingKey}
	return o.step(ctx, receipt, models.ReceiptStateExtracting, updates, "artifact staged for processing")
}

func (o *Orchestrator) stepExtracting(ctx context.Context, receipt *models.Receipt) error {
	content, err := o.Blobs.Read(ctx, receipt.TenantId, receipt.RawObjectKey)
	if err != nil {
		if utils.IsPermanent(err) {
			return o.failPermanently(ctx, receipt, err, "artifact unreadable")
		}
		return err
	}

	result, err := o.Extractor.Extract(ctx, content, receipt.ContentType)
	if err != nil {
		o.audit(ctx, receipt, models.AuditExtractionAttempt, map[string]interface{}{
			"outcome": "failure",
			"kind":    string(utils.KindOf(err)),
			"error":   err.Error(),
		})
		if utils.IsPermanent(err) {
			updates := errorUpdates(err)
			return o.store.Transition(ctx, receipt, models.ReceiptStateExtractionFailed, updates,
				models.AuditStateTransition, transitionDetail(receipt.State, models.ReceiptStateExtractionFailed, err.Error()))
		}
		return err
	}
	o.audit(ctx, receipt, models.AuditExtractionAttempt, map[string]interface{}{"outcome": "success"})

	extractedJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	jsonKey := ArtifactKey(receipt.TenantId, LocationJSON, jsonName(receipt.FileName))
	if err := o.Blobs.Write(ctx, receipt.TenantId, jsonKey, extractedJSON, "application/json"); err != nil {
		return err
	}

	now := o.now()
	updates := map[string]interface{}{
		"extracted_json":  extractedJSON,
		"json_object_key": jsonKey,
		"extracted_at":    &now,
	}
	return o.step(ctx, receipt, models.ReceiptStateExtracted, updates, "extraction succeeded")
}

func (o *Orchestrator) stepValidating(ctx context.Context, receipt *models.Receipt, settings models.TenantSettings) error {
	var result models.ExtractionResult
	if err := json.Unmarshal(receipt.ExtractedJSON, &result); err != nil {
		return o.failPermanently(ctx, receipt, utils.PermanentInputError(err), "stored extraction unreadable")
	}

	bill, validationErrs := ValidateAndNormalize(&result, settings, o.now())
	if len(validationErrs) > 0 {
		errsJSON, _ := json.Marshal(validationErrs)
		updates := map[string]interface{}{
			"validation_errors_json": errsJSON,
			"last_error_kind":        string(utils.ErrorKindPermanentValidation),
			"last_error":             validationErrs[0].Message,
		}
		return o.store.Transition(ctx, receipt, models.ReceiptStateValidationFailed, updates,
			models.AuditStateTransition, transitionDetail(receipt.State, models.ReceiptStateValidationFailed, validationErrs[0].Message))
	}

	normalizedJSON, err := json.Marshal(bill)
	if err != nil {
		return err
	}
	now := o.now()
	updates := map[string]interface{}{
		"normalized_json":        normalizedJSON,
		"validation_errors_json": nil,
		"validated_at":           &now,
	}
	return o.step(ctx, receipt, models.ReceiptStateValidated, updates, "validation succeeded")
}

func (o *Orchestrator) stepSyncing(ctx context.Context, tenant *models.Tenant, receipt *models.Receipt) error {
	var bill models.NormalizedBill
	if err := json.Unmarshal(receipt.NormalizedJSON, &bill); err != nil {
		return o.failPermanently(ctx, receipt, utils.PermanentInputError(err), "stored normalized bill unreadable")
	}

	attachment := o.loadAttachment(ctx, receipt)
	externalId, err := o.Poster.Post(ctx, tenant, receipt.ReceiptId, &bill, attachment)
	o.audit(ctx, receipt, models.AuditIntegrationAttempt, map[string]interface{}{
		"outcome":     outcomeWord(err),
		"external_id": externalId,
	})

	if err != nil {
		if utils.KindOf(err) == utils.ErrorKindConflict {
			return err
		}
		attempts := receipt.SyncAttempts + 1
		updates := errorUpdates(err)
		updates["sync_attempts"] = attempts
		if err := o.store.Transition(ctx, receipt, models.ReceiptStateSyncFailed, updates,
			models.AuditStateTransition, transitionDetail(receipt.State, models.ReceiptStateSyncFailed, err.Error())); err != nil {
			return err
		}
		receipt.SyncAttempts = attempts
		if receipt.SyncAttempts >= o.SyncBudget || utils.IsPermanent(err) {
			// Escalate in the same run so the receipt does not sit in
			// SYNC_FAILED waiting for a sweep that will only fail it.
			return nil
		}
		return errAwaitRetry
	}

	completeKey := ArtifactKey(receipt.TenantId, LocationComplete, receipt.FileName)
	if err := o.Blobs.Move(ctx, receipt.TenantId, receipt.RawObjectKey, completeKey); err != nil {
		return err
	}
	now := o.now()
	updates := map[string]interface{}{
		"external_bill_id": externalId,
		"raw_object_key":   completeKey,
		"synced_at":        &now,
		"finished_at":      &now,
		"last_error":       "",
		"last_error_kind":  "",
	}
	if err := o.step(ctx, receipt, models.ReceiptStateComplete, updates, "bill posted"); err != nil {
		return err
	}
	// Usage counts terminal successes only; failed and cancelled receipts
	// never consume quota.
	if err := o.countUsage(ctx, receipt.TenantId); err != nil {
		config.LogError(o.Logger, moduleName, "stepSyncing", "usage counter update failed", map[string]interface{}{
			"tenant_id": receipt.TenantId,
		}, err)
	}
	return nil
}

// stepSyncFailed escalates past the retry budget or routes the receipt back
// into SYNCING. Permanent integration failures never re-enter SYNCING.
func (o *Orchestrator) stepSyncFailed(ctx context.Context, receipt *models.Receipt) error {
	if receipt.LastErrorKind == string(utils.ErrorKindPermanentIntegration) {
		return o.failPermanently(ctx, receipt, utils.PermanentIntegrationError(errors.New(receipt.LastError)), receipt.LastError)
	}
	if receipt.SyncAttempts >= o.SyncBudget {
		exhausted := &utils.ClassifiedError{
			Kind: utils.ErrorKindExhaustedRetries,
			Err:  fmt.Errorf("sync retry budget of %d exhausted: %s", o.SyncBudget, receipt.LastError),
		}
		return o.failPermanently(ctx, receipt, exhausted, exhausted.Error())
	}
	return o.step(ctx, receipt, models.ReceiptStateSyncing, nil, "sync retry")
}

func (o *Orchestrator) cancelNow(ctx context.Context, receipt *models.Receipt) error {
	if !models.CanTransition(receipt.State, models.ReceiptStateCancelled) {
		return nil
	}
	failedKey, err := o.parkInFailed(ctx, receipt)
	if err != nil {
		return err
	}
	now := o.now()
	updates := map[string]interface{}{"finished_at": &now}
	if failedKey != "" {
		updates["raw_object_key"] = failedKey
	}
	return o.store.Transition(ctx, receipt, models.ReceiptStateCancelled, updates,
		models.AuditReceiptCancelled, transitionDetail(receipt.State, models.ReceiptStateCancelled, "cancelled"))
}

func (o *Orchestrator) flagCancel(ctx context.Context, receipt *models.Receipt) error {
	return o.store.Transition(ctx, receipt, receipt.State,
		map[string]interface{}{"cancel_requested": true},
		models.AuditReceiptCancelled, map[string]interface{}{"requested": true})
}

// failPermanently parks the artifact in the failed location and then records
// the terminal failure. The park happens first: a terminal receipt must never
// be left holding a half-moved artifact, and once terminal nothing re-drives it.
func (o *Orchestrator) failPermanently(ctx context.Context, receipt *models.Receipt, cause error, message string) error {
	failedKey, err := o.parkInFailed(ctx, receipt)
	if err != nil {
		return err
	}
	updates := errorUpdates(cause)
	now := o.now()
	updates["finished_at"] = &now
	if failedKey != "" {
		updates["raw_object_key"] = failedKey
	}
	return o.store.Transition(ctx, receipt, models.ReceiptStateFailedPermanent, updates,
		models.AuditStateTransition, transitionDetail(receipt.State, models.ReceiptStateFailedPermanent, message))
}

// parkInFailed moves the artifact to the failed location ahead of a terminal
// transition. A transient move fault aborts the transition so the next drive
// retries both; an artifact missing everywhere is no obstacle to failing the
// receipt. Returns the failed key when the artifact was relocated.
func (o *Orchestrator) parkInFailed(ctx context.Context, receipt *models.Receipt) (string, error) {
	failedKey := ArtifactKey(receipt.TenantId, LocationFailed, receipt.FileName)
	if receipt.RawObjectKey == failedKey {
		return "", nil
	}
	if err := o.Blobs.Move(ctx, receipt.TenantId, receipt.RawObjectKey, failedKey); err != nil {
		if utils.IsPermanent(err) {
			config.LogError(o.Logger, moduleName, "parkInFailed", "artifact gone before park", map[string]interface{}{
				"tenant_id":  receipt.TenantId,
				"receipt_id": receipt.ReceiptId,
			}, err)
			return "", nil
		}
		return "", err
	}
	_ = o.store.RecordAudit(ctx, receipt.TenantId, receipt.ReceiptId, models.AuditArtifactMoved, map[string]interface{}{
		"to": failedKey,
	})
	return failedKey, nil
}

func (o *Orchestrator) loadAttachment(ctx context.Context, receipt *models.Receipt) *xerosync.Attachment {
	content, err := o.Blobs.Read(ctx, receipt.TenantId, receipt.RawObjectKey)
	if err != nil {
		config.LogError(o.Logger, moduleName, "loadAttachment", "artifact read failed", map[string]interface{}{
			"tenant_id":  receipt.TenantId,
			"receipt_id": receipt.ReceiptId,
		}, err)
		return nil
	}
	return &xerosync.Attachment{
		FileName:    receipt.FileName,
		ContentType: receipt.ContentType,
		Content:     content,
	}
}

func (o *Orchestrator) step(ctx context.Context, receipt *models.Receipt, to models.ReceiptState, updates map[string]interface{}, note string) error {
	return o.store.Transition(ctx, receipt, to, updates,
		models.AuditStateTransition, transitionDetail(receipt.State, to, note))
}

func (o *Orchestrator) audit(ctx context.Context, receipt *models.Receipt, kind models.AuditEventKind, detail map[string]interface{}) {
	if err := o.store.RecordAudit(ctx, receipt.TenantId, receipt.ReceiptId, kind, detail); err != nil {
		config.LogError(o.Logger, moduleName, "audit", "audit write failed", map[string]interface{}{
			"tenant_id":  receipt.TenantId,
			"receipt_id": receipt.ReceiptId,
		}, err)
	}
}

func errorUpdates(err error) map[string]interface{} {
	return map[string]interface{}{
		"last_error_kind": string(utils.KindOf(err)),
		"last_error":      truncateError(err.Error()),
	}
}

func transitionDetail(from, to models.ReceiptState, note string) map[string]interface{} {
	return map[string]interface{}{
		"from": string(from),
		"to":   string(to),
		"note": note,
	}
}

func outcomeWord(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}

func truncateError(s string) string {
	if len(s) > 1024 {
		return s[:1024]
	}
	return s
}

func jsonName(fileName string) string {
	ext := path.Ext(fileName)
	return fileName[:len(fileName)-len(ext)] + ".json"
}
