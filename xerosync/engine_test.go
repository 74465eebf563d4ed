package xerosync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
)

func TestBuildInvoice_LineItemsCarriedThrough(t *testing.T) {
	bill := &models.NormalizedBill{
		Vendor:   "Acme Supplies",
		Date:     "2026-03-14",
		Currency: "AUD",
		Total:    decimal.NewFromFloat(42.50),
		Tax:      decimal.NewFromFloat(4.25),
		LineItems: []models.NormalizedLineItem{
			{Description: "Paper", Quantity: decimal.NewFromInt(2), UnitAmount: decimal.NewFromFloat(10.25)},
			{Description: "Ink", Quantity: decimal.NewFromInt(1), UnitAmount: decimal.NewFromFloat(22)},
		},
	}

	inv := buildInvoice(bill, "contact-1")

	if inv.Type != "ACCPAY" {
		t.Fatalf("expected ACCPAY, got %s", inv.Type)
	}
	if inv.Status != "DRAFT" {
		t.Fatalf("expected DRAFT, got %s", inv.Status)
	}
	if inv.Contact == nil || inv.Contact.ContactID != "contact-1" {
		t.Fatal("contact not set")
	}
	if inv.Date != "2026-03-14" || inv.DueDate != "2026-03-14" {
		t.Fatalf("dates wrong: %s / %s", inv.Date, inv.DueDate)
	}
	if len(inv.LineItems) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(inv.LineItems))
	}
	for _, line := range inv.LineItems {
		if line.TaxType != "INPUT" {
			t.Fatalf("tax present, expected INPUT tax type, got %s", line.TaxType)
		}
		if line.AccountCode != defaultAccountCode {
			t.Fatalf("wrong account code %s", line.AccountCode)
		}
	}
}

func TestBuildInvoice_FallbackSingleLine(t *testing.T) {
	bill := &models.NormalizedBill{
		Vendor:   "Corner Cafe",
		Date:     "2026-01-02",
		Currency: "AUD",
		Total:    decimal.NewFromFloat(18.90),
	}

	inv := buildInvoice(bill, "contact-2")

	if len(inv.LineItems) != 1 {
		t.Fatalf("expected fallback single line, got %d", len(inv.LineItems))
	}
	line := inv.LineItems[0]
	if line.UnitAmount != 18.90 || line.Quantity != 1 {
		t.Fatalf("fallback line wrong: qty=%v amount=%v", line.Quantity, line.UnitAmount)
	}
	if line.TaxType != "NONE" {
		t.Fatalf("no tax, expected NONE, got %s", line.TaxType)
	}
	if !strings.Contains(line.Description, "Corner Cafe") {
		t.Fatalf("fallback description should name the vendor: %q", line.Description)
	}
}

func TestBuildInvoice_TruncatesLongDescriptions(t *testing.T) {
	bill := &models.NormalizedBill{
		Vendor: "V",
		Date:   "2026-01-02",
		Total:  decimal.NewFromInt(1),
		LineItems: []models.NormalizedLineItem{
			{Description: strings.Repeat("x", 5000), Quantity: decimal.NewFromInt(1), UnitAmount: decimal.NewFromInt(1)},
		},
	}
	inv := buildInvoice(bill, "c")
	if len(inv.LineItems[0].Description) != 4000 {
		t.Fatalf("expected truncation to 4000, got %d", len(inv.LineItems[0].Description))
	}
}

func TestClassifyStatus_RateLimitCarriesRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"17"}},
	}
	err := classifyStatus(resp, []byte(`{}`))

	if !utils.IsTransient(err) {
		t.Fatalf("429 must be transient, got kind %s", utils.KindOf(err))
	}
	hint, ok := utils.RetryAfterHint(err)
	if !ok || hint != 17*time.Second {
		t.Fatalf("expected 17s retry hint, got %v (ok=%v)", hint, ok)
	}
}

func TestClassifyStatus_ServerErrorIsTransient(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusBadGateway, Header: http.Header{}}
	if err := classifyStatus(resp, nil); !utils.IsTransient(err) {
		t.Fatalf("5xx must be transient, got %s", utils.KindOf(err))
	}
}

func TestClassifyStatus_CredentialRejectionIsPermanent(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		resp := &http.Response{StatusCode: status, Header: http.Header{}}
		err := classifyStatus(resp, nil)
		if utils.KindOf(err) != utils.ErrorKindPermanentIntegration {
			t.Fatalf("status %d: expected permanent integration, got %s", status, utils.KindOf(err))
		}
	}
}

func TestClassifyStatus_ValidationRejectionIsPermanent(t *testing.T) {
	body := []byte(`{"Message":"A validation exception occurred","Elements":[{"ValidationErrors":[{"Message":"Invoice not of valid status for modification"}]}]}`)
	resp := &http.Response{StatusCode: http.StatusBadRequest, Header: http.Header{}}
	err := classifyStatus(resp, body)

	if utils.KindOf(err) != utils.ErrorKindPermanentIntegration {
		t.Fatalf("expected permanent integration, got %s", utils.KindOf(err))
	}
	if !strings.Contains(err.Error(), "Invoice not of valid status") {
		t.Fatalf("validation detail lost: %v", err)
	}
}

func TestParseRetryAfter_Formats(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if d := parseRetryAfter(resp); d != 0 {
		t.Fatalf("missing header should give 0, got %v", d)
	}

	resp.Header.Set("Retry-After", "30")
	if d := parseRetryAfter(resp); d != 30*time.Second {
		t.Fatalf("expected 30s, got %v", d)
	}

	resp.Header.Set("Retry-After", "garbage")
	if d := parseRetryAfter(resp); d != 0 {
		t.Fatalf("unparseable header should give 0, got %v", d)
	}
}

func TestPaymentDate(t *testing.T) {
	if got := paymentDate("2026-04-01T00:00:00"); got != "2026-04-01" {
		t.Fatalf("expected due date, got %s", got)
	}
	today := time.Now().UTC().Format("2006-01-02")
	if got := paymentDate("/Date(1619136000000)/"); got != today {
		t.Fatalf("unusable due date should fall back to today, got %s", got)
	}
}

// fakeBillAPI records calls and serves queued errors in order; a nil entry
// means the call succeeds.
type fakeBillAPI struct {
	mu           sync.Mutex
	createErrs   []error
	contactCalls int
	createCalls  int
	attachCalls  int
	lastInvoice  xeroInvoice
}

func (a *fakeBillAPI) CreateOrGetContact(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contactCalls++
	return "contact-" + name, nil
}

func (a *fakeBillAPI) CreateBill(ctx context.Context, invoice xeroInvoice) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createCalls++
	if len(a.createErrs) > 0 {
		err := a.createErrs[0]
		a.createErrs = a.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	a.lastInvoice = invoice
	return "bill-001", nil
}

func (a *fakeBillAPI) AttachToBill(ctx context.Context, billId, fileName, contentType string, content []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attachCalls++
	return nil
}

func (a *fakeBillAPI) ListAuthorisedBills(ctx context.Context) ([]xeroInvoice, error) {
	return nil, nil
}

func (a *fakeBillAPI) CreatePayment(ctx context.Context, payment xeroPayment) error {
	return nil
}

// memAttemptLog is an in-memory stand-in for the IntegrationAttempt table.
type memAttemptLog struct {
	mu       sync.Mutex
	attempts []models.IntegrationAttempt
}

func (l *memAttemptLog) append(ctx context.Context, attempt *models.IntegrationAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, *attempt)
	return nil
}

func (l *memAttemptLog) findSucceeded(ctx context.Context, tenantId, idempotencyKey string) (*models.IntegrationAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.attempts {
		a := l.attempts[i]
		if a.TenantId == tenantId && a.IdempotencyKey == idempotencyKey && a.Outcome == models.AttemptOutcomeSuccess {
			return &a, nil
		}
	}
	return nil, nil
}

func (l *memAttemptLog) countAttempts(ctx context.Context, tenantId, receiptId string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, a := range l.attempts {
		if a.TenantId == tenantId && a.ReceiptId == receiptId {
			n++
		}
	}
	return n, nil
}

func (l *memAttemptLog) outcomes() []models.AttemptOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.AttemptOutcome, 0, len(l.attempts))
	for _, a := range l.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

type unlockFunc func()

func (f unlockFunc) Release(ctx context.Context) error {
	f()
	return nil
}

// newTestEngine wires an Engine onto in-memory collaborators. The lease is
// a real mutex so concurrent Post calls genuinely exclude each other.
func newTestEngine(api *fakeBillAPI, log *memAttemptLog) *Engine {
	var mu sync.Mutex
	logger := logrus.New()
	counter := newFakeCounter()
	return &Engine{
		Logger:      logger,
		Gate:        NewRateGate(counter),
		MaxAttempts: 4,
		obtainLock: func(ctx context.Context, key string, ttl time.Duration) (releaser, error) {
			mu.Lock()
			return unlockFunc(mu.Unlock), nil
		},
		getConnection: func(ctx context.Context, tenantId string) (*models.IntegrationConnection, error) {
			return &models.IntegrationConnection{
				TenantId:           tenantId,
				ExternalTenantId:   "xt-1",
				RateLimitPerMinute: 1000,
				Status:             models.ConnectionStatusConnected,
			}, nil
		},
		newAPI:        func(conn *models.IntegrationConnection) (billAPI, error) { return api, nil },
		findSucceeded: log.findSucceeded,
		countAttempts: log.countAttempts,
		appendAttempt: log.append,
		retryBackoff:  time.Millisecond,
	}
}

func testBill() *models.NormalizedBill {
	return &models.NormalizedBill{
		Vendor:   "Acme Supplies",
		Date:     "2026-03-14",
		Currency: "AUD",
		Total:    decimal.NewFromFloat(42.50),
	}
}

func testTenant() *models.Tenant {
	return &models.Tenant{TenantId: "tenant-a"}
}

func TestPost_RateLimitedThriceThenSucceeds(t *testing.T) {
	rateLimited := func() error {
		return &utils.ClassifiedError{
			Kind:       utils.ErrorKindTransient,
			Err:        errors.New("accounting api error 429: too many requests"),
			RetryAfter: time.Millisecond,
		}
	}
	api := &fakeBillAPI{createErrs: []error{rateLimited(), rateLimited(), rateLimited()}}
	log := &memAttemptLog{}
	engine := newTestEngine(api, log)

	externalId, err := engine.Post(context.Background(), testTenant(), "rcpt-1", testBill(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if externalId != "bill-001" {
		t.Fatalf("wrong external id %q", externalId)
	}
	if api.createCalls != 4 {
		t.Fatalf("expected 4 create calls, got %d", api.createCalls)
	}

	want := []models.AttemptOutcome{
		models.AttemptOutcomeRateLimited,
		models.AttemptOutcomeRateLimited,
		models.AttemptOutcomeRateLimited,
		models.AttemptOutcomeSuccess,
	}
	got := log.outcomes()
	if len(got) != len(want) {
		t.Fatalf("expected %d attempt rows, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, want[i], got[i])
		}
	}
	for i, a := range log.attempts {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt numbering broken: row %d has number %d", i, a.AttemptNumber)
		}
	}
	if last := log.attempts[len(log.attempts)-1]; last.ExternalId != "bill-001" {
		t.Fatalf("success row missing external id: %q", last.ExternalId)
	}
}

func TestPost_AtMostOneBillUnderConcurrentCalls(t *testing.T) {
	api := &fakeBillAPI{}
	log := &memAttemptLog{}
	engine := newTestEngine(api, log)

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = engine.Post(context.Background(), testTenant(), "rcpt-1", testBill(), nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if ids[i] != "bill-001" {
			t.Fatalf("caller %d got id %q", i, ids[i])
		}
	}
	if api.createCalls != 1 {
		t.Fatalf("expected exactly one bill creation, got %d", api.createCalls)
	}
}

func TestPost_PriorSuccessShortCircuits(t *testing.T) {
	api := &fakeBillAPI{}
	log := &memAttemptLog{}
	log.attempts = append(log.attempts, models.IntegrationAttempt{
		TenantId:       "tenant-a",
		ReceiptId:      "rcpt-1",
		AttemptNumber:  1,
		IdempotencyKey: "tenant-a:rcpt-1",
		Outcome:        models.AttemptOutcomeSuccess,
		ExternalId:     "bill-prior",
	})
	engine := newTestEngine(api, log)

	externalId, err := engine.Post(context.Background(), testTenant(), "rcpt-1", testBill(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if externalId != "bill-prior" {
		t.Fatalf("expected recorded bill id, got %q", externalId)
	}
	if api.createCalls != 0 || api.contactCalls != 0 {
		t.Fatal("api should not be called when a success is already recorded")
	}
}

func TestPost_PermanentRejectionDoesNotRetry(t *testing.T) {
	api := &fakeBillAPI{createErrs: []error{
		utils.PermanentIntegrationError(errors.New("accounting api error 400: Account code '310' is not valid")),
	}}
	log := &memAttemptLog{}
	engine := newTestEngine(api, log)

	_, err := engine.Post(context.Background(), testTenant(), "rcpt-1", testBill(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !utils.IsPermanent(err) {
		t.Fatalf("expected permanent classification, got %s", utils.KindOf(err))
	}
	if api.createCalls != 1 {
		t.Fatalf("permanent rejection must not be retried, got %d calls", api.createCalls)
	}
	got := log.outcomes()
	if len(got) != 1 || got[0] != models.AttemptOutcomePermanent {
		t.Fatalf("expected one permanent attempt row, got %v", got)
	}
}

func TestPost_RevokedConnectionIsPermanent(t *testing.T) {
	api := &fakeBillAPI{}
	log := &memAttemptLog{}
	engine := newTestEngine(api, log)
	engine.getConnection = func(ctx context.Context, tenantId string) (*models.IntegrationConnection, error) {
		return nil, models.ErrConnectionRevoked
	}

	_, err := engine.Post(context.Background(), testTenant(), "rcpt-1", testBill(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if utils.KindOf(err) != utils.ErrorKindPermanentIntegration {
		t.Fatalf("expected permanent integration, got %s", utils.KindOf(err))
	}
	if api.contactCalls != 0 {
		t.Fatal("api should not be reached without a connection")
	}
}

func TestPost_AttachesReceiptArtifact(t *testing.T) {
	api := &fakeBillAPI{}
	log := &memAttemptLog{}
	engine := newTestEngine(api, log)

	attachment := &Attachment{
		FileName:    "receipt.jpg",
		ContentType: "image/jpeg",
		Content:     []byte{0xff, 0xd8},
	}
	if _, err := engine.Post(context.Background(), testTenant(), "rcpt-1", testBill(), attachment); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.attachCalls != 1 {
		t.Fatalf("expected one attachment upload, got %d", api.attachCalls)
	}
}
