package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
	"github.com/xeroflowhq/receipts_backend/xerosync"
)

// NOTE: These tests are intentionally DB-free. The fakes model the persisted
// state machine, the object store and the external collaborators so the
// orchestration semantics can be exercised end to end in memory.

// ---- fakes ----

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	failCopy   bool
	failDelete bool
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Write(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return data, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete {
		return errors.New("injected delete fault")
	}
	delete(m.objects, key)
	return nil
}

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCopy {
		return errors.New("injected copy fault")
	}
	data, ok := m.objects[srcKey]
	if !ok {
		return errors.New("source missing")
	}
	m.objects[dstKey] = data
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

type noopLock struct{}

func (noopLock) Release(ctx context.Context) error { return nil }

func fakeLock(ctx context.Context, key string, ttl time.Duration) (releaser, error) {
	return noopLock{}, nil
}

type auditRecord struct {
	kind   models.AuditEventKind
	detail any
}

// fakeReceiptStore keeps receipts in memory and applies transition updates
// the way the gorm store would.
type fakeReceiptStore struct {
	mu       sync.Mutex
	receipts map[string]*models.Receipt
	audits   []auditRecord
	history  []models.ReceiptState
}

func newFakeReceiptStore() *fakeReceiptStore {
	return &fakeReceiptStore{receipts: map[string]*models.Receipt{}}
}

func (s *fakeReceiptStore) key(tenantId, receiptId string) string { return tenantId + "/" + receiptId }

func (s *fakeReceiptStore) Get(ctx context.Context, tenantId, receiptId string) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[s.key(tenantId, receiptId)]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	copied := *receipt
	return &copied, nil
}

func (s *fakeReceiptStore) FindActiveByFileName(ctx context.Context, tenantId, fileName string) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, receipt := range s.receipts {
		if receipt.TenantId == tenantId && receipt.FileName == fileName && !receipt.State.IsTerminal() {
			copied := *receipt
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeReceiptStore) Create(ctx context.Context, receipt *models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *receipt
	s.receipts[s.key(receipt.TenantId, receipt.ReceiptId)] = &copied
	s.history = append(s.history, receipt.State)
	s.audits = append(s.audits, auditRecord{kind: models.AuditReceiptSubmitted})
	return nil
}

func (s *fakeReceiptStore) Transition(ctx context.Context, receipt *models.Receipt, to models.ReceiptState, updates map[string]interface{}, kind models.AuditEventKind, detail any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.receipts[s.key(receipt.TenantId, receipt.ReceiptId)]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	if stored.State != receipt.State || stored.Version != receipt.Version {
		return utils.ConflictError(errors.New("version conflict"))
	}
	if to != receipt.State && !models.CanTransition(receipt.State, to) {
		return utils.ConflictError(fmt.Errorf("illegal transition %s -> %s", receipt.State, to))
	}

	stored.State = to
	stored.Version++
	for column, value := range updates {
		applyUpdate(stored, column, value)
	}
	receipt.State = to
	receipt.Version++

	s.history = append(s.history, to)
	s.audits = append(s.audits, auditRecord{kind: kind, detail: detail})
	return nil
}

func (s *fakeReceiptStore) RecordAudit(ctx context.Context, tenantId, receiptId string, kind models.AuditEventKind, detail any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, auditRecord{kind: kind, detail: detail})
	return nil
}

func applyUpdate(receipt *models.Receipt, column string, value interface{}) {
	switch column {
	case "raw_object_key":
		receipt.RawObjectKey = value.(string)
	case "json_object_key":
		receipt.JSONObjectKey = value.(string)
	case "extracted_json":
		receipt.ExtractedJSON = value.([]byte)
	case "normalized_json":
		receipt.NormalizedJSON = value.([]byte)
	case "validation_errors_json":
		if value == nil {
			receipt.ValidationErrorsJSON = nil
		} else {
			receipt.ValidationErrorsJSON = value.([]byte)
		}
	case "external_bill_id":
		receipt.ExternalBillId = value.(string)
	case "sync_attempts":
		receipt.SyncAttempts = value.(int)
	case "last_error":
		receipt.LastError = value.(string)
	case "last_error_kind":
		receipt.LastErrorKind = value.(string)
	case "cancel_requested":
		receipt.CancelRequested = value.(bool)
	}
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	result  *models.ExtractionResult
}

func (f *fakeExtractor) Extract(ctx context.Context, content []byte, contentType string) (*models.ExtractionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

type fakePoster struct {
	mu         sync.Mutex
	calls      int
	errs       []error
	externalId string
	lastBill   *models.NormalizedBill
}

func (f *fakePoster) Post(ctx context.Context, tenant *models.Tenant, receiptId string, bill *models.NormalizedBill, attachment *xerosync.Attachment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastBill = bill
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.externalId, nil
}

// ---- harness ----

type harness struct {
	store     *fakeReceiptStore
	blobs     *memStore
	extractor *fakeExtractor
	poster    *fakePoster
	orch      *Orchestrator
	tenant    *models.Tenant
}

func acmeExtraction() *models.ExtractionResult {
	return &models.ExtractionResult{
		Vendor:   models.ExtractedField{Value: "Acme Supplies", Confidence: 0.98},
		Date:     models.ExtractedField{Value: "2024-03-01", Confidence: 0.95},
		Currency: models.ExtractedField{Value: "AUD", Confidence: 0.9},
		Total:    models.ExtractedAmount{Amount: decimal.NewFromFloat(42.50), Confidence: 0.97},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()

	tenant := &models.Tenant{
		TenantId:          "tenant-a",
		Status:            models.TenantStatusActive,
		ProcessingEnabled: true,
		DefaultCurrency:   "AUD",
	}

	store := newFakeReceiptStore()
	blobs := newMemStore()
	extractor := &fakeExtractor{result: acmeExtraction()}
	poster := &fakePoster{externalId: "inv-001"}

	orch := &Orchestrator{
		Logger: logger,
		Blobs: &BlobLifecycle{
			Store:      blobs,
			Logger:     logger,
			obtainLock: fakeLock,
		},
		Extractor:  extractor,
		Poster:     poster,
		SyncBudget: 5,
		store:      store,
		now:        func() time.Time { return time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC) },
		getTenant: func(ctx context.Context, tenantId string) (*models.Tenant, error) {
			if tenantId != tenant.TenantId {
				return nil, utils.ErrorRecordNotFound
			}
			return tenant, nil
		},
		checkLimit: func(ctx context.Context, tenant *models.Tenant) error { return nil },
		countUsage: func(ctx context.Context, tenantId string) error { return nil },
	}

	return &harness{store: store, blobs: blobs, extractor: extractor, poster: poster, orch: orch, tenant: tenant}
}

func (h *harness) upload(t *testing.T, fileName string) string {
	t.Helper()
	ctx := context.Background()
	key := ArtifactKey(h.tenant.TenantId, LocationUploads, fileName)
	if err := h.blobs.Write(ctx, key, []byte("image-bytes"), "image/jpeg"); err != nil {
		t.Fatal(err)
	}
	receiptId, err := h.orch.Submit(ctx, h.tenant.TenantId, fileName, "image/jpeg")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return receiptId
}

func (h *harness) receipt(t *testing.T, receiptId string) *models.Receipt {
	t.Helper()
	receipt, err := h.store.Get(context.Background(), h.tenant.TenantId, receiptId)
	if err != nil {
		t.Fatal(err)
	}
	return receipt
}

// ---- scenarios ----

func TestPipeline_HappyPathReachesComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receiptId := h.upload(t, "acme.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}

	receipt := h.receipt(t, receiptId)
	if receipt.State != models.ReceiptStateComplete {
		t.Fatalf("expected COMPLETE, got %s", receipt.State)
	}
	if receipt.ExternalBillId != "inv-001" {
		t.Fatalf("external id not recorded: %q", receipt.ExternalBillId)
	}
	if h.poster.lastBill == nil || !h.poster.lastBill.Total.Equal(decimal.NewFromFloat(42.50)) {
		t.Fatalf("posted total wrong: %+v", h.poster.lastBill)
	}
	if h.poster.lastBill.Vendor != "Acme Supplies" {
		t.Fatalf("posted vendor wrong: %q", h.poster.lastBill.Vendor)
	}

	// Artifact ends in the complete location, and only there.
	keys := h.blobs.keys()
	wantRaw := ArtifactKey(h.tenant.TenantId, LocationComplete, "acme.jpg")
	foundRaw := false
	for _, key := range keys {
		if key == wantRaw {
			foundRaw = true
		}
		if key == ArtifactKey(h.tenant.TenantId, LocationUploads, "acme.jpg") ||
			key == ArtifactKey(h.tenant.TenantId, LocationProcessing, "acme.jpg") {
			t.Fatalf("stale artifact copy left behind at %s", key)
		}
	}
	if !foundRaw {
		t.Fatal("artifact missing from complete location")
	}
}

func TestPipeline_StateIndexIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receiptId := h.upload(t, "mono.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}

	prev := 0
	for _, state := range h.store.history {
		if state.Index() < prev {
			t.Fatalf("state index decreased: history %v", h.store.history)
		}
		prev = state.Index()
	}
}

func TestPipeline_ExtractionTransientTwiceThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.extractor.errs = []error{
		utils.TransientError(errors.New("timeout")),
		utils.TransientError(errors.New("timeout")),
		nil,
	}

	receiptId := h.upload(t, "flaky.jpg")

	// Two runs hit the transient fault and surface it for requeue.
	for i := 0; i < 2; i++ {
		if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err == nil {
			t.Fatalf("run %d: expected transient error to surface", i+1)
		}
		if h.receipt(t, receiptId).State != models.ReceiptStateExtracting {
			t.Fatalf("run %d: expected to stay in EXTRACTING", i+1)
		}
	}

	// Third run succeeds and the pipeline continues to COMPLETE.
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if got := h.receipt(t, receiptId).State; got != models.ReceiptStateComplete {
		t.Fatalf("expected COMPLETE, got %s", got)
	}
	if h.extractor.calls != 3 {
		t.Fatalf("expected 3 extraction calls, got %d", h.extractor.calls)
	}

	// Audit trail shows 2 transient failures then 1 success.
	failures, successes := 0, 0
	for _, audit := range h.store.audits {
		if audit.kind != models.AuditExtractionAttempt {
			continue
		}
		detail := audit.detail.(map[string]interface{})
		if detail["outcome"] == "failure" {
			failures++
		} else {
			successes++
		}
	}
	if failures != 2 || successes != 1 {
		t.Fatalf("expected 2 failures + 1 success in audit, got %d + %d", failures, successes)
	}
}

func TestPipeline_UnextractableInputRestsInExtractionFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.extractor.errs = []error{utils.PermanentInputError(errors.New("no document recognized"))}

	receiptId := h.upload(t, "blank.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}

	receipt := h.receipt(t, receiptId)
	if receipt.State != models.ReceiptStateExtractionFailed {
		t.Fatalf("expected EXTRACTION_FAILED, got %s", receipt.State)
	}
	if receipt.LastErrorKind != string(utils.ErrorKindPermanentInput) {
		t.Fatalf("error kind not persisted: %q", receipt.LastErrorKind)
	}

	// A second advance must not re-run extraction.
	calls := h.extractor.calls
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("re-advance: %v", err)
	}
	if h.extractor.calls != calls {
		t.Fatal("resting failure state was re-driven without an explicit retry")
	}
}

func TestPipeline_ValidationMismatchNeverCallsIntegration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result := acmeExtraction()
	result.LineItems = []models.ExtractedLineItem{
		{Description: "Widget", Quantity: decimal.NewFromInt(1), UnitAmount: decimal.NewFromFloat(10.00)},
	}
	h.extractor.result = result

	receiptId := h.upload(t, "mismatch.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}

	receipt := h.receipt(t, receiptId)
	if receipt.State != models.ReceiptStateValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %s", receipt.State)
	}
	if len(receipt.ValidationErrorsJSON) == 0 {
		t.Fatal("validation errors not persisted")
	}
	if h.poster.calls != 0 {
		t.Fatalf("integration API called %d times for an invalid receipt", h.poster.calls)
	}
}

func TestPipeline_SyncRetriesThenExhaustsBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.orch.SyncBudget = 3

	transient := utils.TransientError(errors.New("upstream 503"))
	h.poster.errs = []error{transient, transient, transient, transient}

	receiptId := h.upload(t, "stubborn.jpg")

	// First run: VALIDATED -> SYNCING -> SYNC_FAILED(1), rests for the sweep.
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := h.receipt(t, receiptId); got.State != models.ReceiptStateSyncFailed || got.SyncAttempts != 1 {
		t.Fatalf("expected SYNC_FAILED after 1 attempt, got %s/%d", got.State, got.SyncAttempts)
	}

	// Sweep-style re-drives burn the rest of the budget.
	for i := 0; i < 2; i++ {
		if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
			t.Fatalf("re-drive %d: %v", i+1, err)
		}
	}

	receipt := h.receipt(t, receiptId)
	if receipt.State != models.ReceiptStateFailedPermanent {
		t.Fatalf("expected FAILED_PERMANENT after budget, got %s (attempts %d)", receipt.State, receipt.SyncAttempts)
	}
	if receipt.LastErrorKind != string(utils.ErrorKindExhaustedRetries) {
		t.Fatalf("expected EXHAUSTED_RETRIES, got %q", receipt.LastErrorKind)
	}
	if h.poster.calls != 3 {
		t.Fatalf("expected 3 post calls, got %d", h.poster.calls)
	}
}

func TestPipeline_SyncRecoversWithinBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	transient := utils.TransientError(errors.New("rate limited"))
	h.poster.errs = []error{transient, nil}

	receiptId := h.upload(t, "recover.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := h.receipt(t, receiptId).State; got != models.ReceiptStateSyncFailed {
		t.Fatalf("expected SYNC_FAILED, got %s", got)
	}

	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("re-drive: %v", err)
	}
	receipt := h.receipt(t, receiptId)
	if receipt.State != models.ReceiptStateComplete {
		t.Fatalf("expected COMPLETE, got %s", receipt.State)
	}
	if receipt.ExternalBillId == "" {
		t.Fatal("external id missing after recovery")
	}
}

func TestPipeline_PermanentIntegrationFailureSkipsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.poster.errs = []error{utils.PermanentIntegrationError(errors.New("credential revoked"))}

	receiptId := h.upload(t, "revoked.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}

	receipt := h.receipt(t, receiptId)
	if receipt.State != models.ReceiptStateFailedPermanent {
		t.Fatalf("expected FAILED_PERMANENT, got %s", receipt.State)
	}
	if h.poster.calls != 1 {
		t.Fatalf("permanent failure retried: %d calls", h.poster.calls)
	}
}

func TestPipeline_CancelBetweenStages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receiptId := h.upload(t, "cancel.jpg")
	if err := h.orch.Cancel(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	receipt := h.receipt(t, receiptId)
	if receipt.State != models.ReceiptStateCancelled {
		t.Fatalf("expected CANCELLED, got %s", receipt.State)
	}

	// Cancelled is terminal: advancing is a no-op and cancelling again fails.
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance after cancel: %v", err)
	}
	if h.extractor.calls != 0 {
		t.Fatal("cancelled receipt was processed")
	}
	if err := h.orch.Cancel(ctx, h.tenant.TenantId, receiptId); err == nil {
		t.Fatal("expected error cancelling a terminal receipt")
	}
}

func TestSubmit_RejectsWhenProcessingDisabled(t *testing.T) {
	h := newHarness(t)
	h.tenant.ProcessingEnabled = false

	_, err := h.orch.Submit(context.Background(), h.tenant.TenantId, "a.jpg", "image/jpeg")
	if !errors.Is(err, ErrProcessingDisabled) {
		t.Fatalf("expected ErrProcessingDisabled, got %v", err)
	}
}

func TestSubmit_ReplayedNotificationReturnsInFlightReceipt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receiptId := h.upload(t, "dup.jpg")

	// Storage delivery is at-least-once; a replay must hand back the receipt
	// already tracking the artifact instead of minting a rival.
	again, err := h.orch.Submit(ctx, h.tenant.TenantId, "dup.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("replayed submit: %v", err)
	}
	if again != receiptId {
		t.Fatalf("replay minted a new receipt: %s vs %s", again, receiptId)
	}
	if len(h.store.receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(h.store.receipts))
	}

	// A resting failure state is still in flight for this purpose.
	h.extractor.errs = []error{utils.PermanentInputError(errors.New("glare"))}
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := h.receipt(t, receiptId).State; got != models.ReceiptStateExtractionFailed {
		t.Fatalf("expected EXTRACTION_FAILED, got %s", got)
	}
	resting, err := h.orch.Submit(ctx, h.tenant.TenantId, "dup.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("submit while resting: %v", err)
	}
	if resting != receiptId {
		t.Fatalf("resting receipt not matched: %s vs %s", resting, receiptId)
	}

	// Once terminal, a re-upload of the same name starts a new receipt.
	if err := h.orch.Cancel(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	fresh := h.upload(t, "dup.jpg")
	if fresh == receiptId {
		t.Fatal("re-upload after a terminal receipt reused the old receipt")
	}
}

func TestCancel_ParkFaultKeepsReceiptCancellable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.extractor.errs = []error{utils.PermanentInputError(errors.New("no document recognized"))}
	receiptId := h.upload(t, "stuck.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := h.receipt(t, receiptId).State; got != models.ReceiptStateExtractionFailed {
		t.Fatalf("expected EXTRACTION_FAILED, got %s", got)
	}

	// The delete leg of the park fails. The receipt must stay non-terminal
	// so a later attempt can finish relocating the artifact.
	h.blobs.failDelete = true
	if err := h.orch.Cancel(ctx, h.tenant.TenantId, receiptId); err == nil {
		t.Fatal("expected the park fault to surface")
	}
	if got := h.receipt(t, receiptId).State; got.IsTerminal() {
		t.Fatalf("receipt went terminal with a half-moved artifact: %s", got)
	}

	h.blobs.failDelete = false
	if err := h.orch.Cancel(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("cancel after fault cleared: %v", err)
	}
	receipt := h.receipt(t, receiptId)
	if receipt.State != models.ReceiptStateCancelled {
		t.Fatalf("expected CANCELLED, got %s", receipt.State)
	}

	failedKey := ArtifactKey(h.tenant.TenantId, LocationFailed, "stuck.jpg")
	if receipt.RawObjectKey != failedKey {
		t.Fatalf("raw key not repointed at the failed location: %q", receipt.RawObjectKey)
	}
	keys := h.blobs.keys()
	if len(keys) != 1 || keys[0] != failedKey {
		t.Fatalf("expected the artifact only at %s, got %v", failedKey, keys)
	}
}

func TestUsage_CountedOnlyOnTerminalSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	counted := 0
	h.orch.countUsage = func(ctx context.Context, tenantId string) error {
		counted++
		return nil
	}

	receiptId := h.upload(t, "billed.jpg")
	if counted != 0 {
		t.Fatalf("usage counted at submission: %d", counted)
	}
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := h.receipt(t, receiptId).State; got != models.ReceiptStateComplete {
		t.Fatalf("expected COMPLETE, got %s", got)
	}
	if counted != 1 {
		t.Fatalf("expected one usage count, got %d", counted)
	}

	// Failed and cancelled receipts never consume quota.
	h.extractor.errs = []error{utils.PermanentInputError(errors.New("glare"))}
	failedId := h.upload(t, "glare.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, failedId); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := h.receipt(t, failedId).State; got != models.ReceiptStateExtractionFailed {
		t.Fatalf("expected EXTRACTION_FAILED, got %s", got)
	}
	if err := h.orch.Cancel(ctx, h.tenant.TenantId, failedId); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if counted != 1 {
		t.Fatalf("non-success consumed quota: counted %d", counted)
	}
}

func TestRetry_ReDrivesExtractionFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.extractor.errs = []error{utils.PermanentInputError(errors.New("glare"))}

	receiptId := h.upload(t, "retry.jpg")
	if err := h.orch.Advance(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := h.receipt(t, receiptId).State; got != models.ReceiptStateExtractionFailed {
		t.Fatalf("expected EXTRACTION_FAILED, got %s", got)
	}

	if err := h.orch.Retry(ctx, h.tenant.TenantId, receiptId); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := h.receipt(t, receiptId).State; got != models.ReceiptStateComplete {
		t.Fatalf("expected COMPLETE after retry, got %s", got)
	}
}
