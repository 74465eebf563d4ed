package xerosync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
)

const moduleName = "xerosync"

// expense account every receipt bill is coded to
const defaultAccountCode = "310"

// BillPoster posts a normalized bill to the accounting system and returns
// the external bill id. Implementations must be safe to call again with the
// same receipt: at most one bill is ever created per (tenant, receipt).
type BillPoster interface {
	Post(ctx context.Context, tenant *models.Tenant, receiptId string, bill *models.NormalizedBill, attachment *Attachment) (string, error)
}

// Attachment is the original receipt artifact attached to the created bill.
type Attachment struct {
	FileName    string
	ContentType string
	Content     []byte
}

// billAPI is the slice of the accounting API the engine talks to.
// Faked in tests; the real implementation wraps xeroClient.
type billAPI interface {
	CreateOrGetContact(ctx context.Context, name string) (string, error)
	CreateBill(ctx context.Context, invoice xeroInvoice) (string, error)
	AttachToBill(ctx context.Context, billId, fileName, contentType string, content []byte) error
	ListAuthorisedBills(ctx context.Context) ([]xeroInvoice, error)
	CreatePayment(ctx context.Context, payment xeroPayment) error
}

type connectionResolver func(ctx context.Context, tenantId string) (*models.IntegrationConnection, error)

// releaser is what a held lease exposes. *redislock.Lock satisfies it.
type releaser interface {
	Release(ctx context.Context) error
}

type lockFunc func(ctx context.Context, key string, ttl time.Duration) (releaser, error)

type Engine struct {
	Logger *logrus.Logger
	Gate   *RateGate

	// MaxAttempts bounds transient retries inside a single Post call.
	MaxAttempts int

	obtainLock    lockFunc
	getConnection connectionResolver
	newAPI        func(conn *models.IntegrationConnection) (billAPI, error)

	findSucceeded func(ctx context.Context, tenantId, idempotencyKey string) (*models.IntegrationAttempt, error)
	countAttempts func(ctx context.Context, tenantId, receiptId string) (int64, error)
	appendAttempt func(ctx context.Context, attempt *models.IntegrationAttempt) error

	retryBackoff time.Duration
}

func NewEngine(logger *logrus.Logger) *Engine {
	locker := config.GetRedisLock()
	return &Engine{
		Logger:      logger,
		Gate:        NewRateGate(NewRedisWindowCounter()),
		MaxAttempts: 4,
		obtainLock: func(ctx context.Context, key string, ttl time.Duration) (releaser, error) {
			lock, err := locker.Obtain(ctx, key, ttl, nil)
			if err == redislock.ErrNotObtained {
				return nil, utils.ConflictError(fmt.Errorf("sync already in progress for %s", key))
			}
			if err != nil {
				return nil, utils.TransientError(err)
			}
			return lock, nil
		},
		getConnection: models.GetIntegrationConnection,
		newAPI: func(conn *models.IntegrationConnection) (billAPI, error) {
			client, err := newXeroClient(conn.AccessToken, conn.ExternalTenantId)
			if err != nil {
				return nil, err
			}
			return &apiAdapter{client: client}, nil
		},
		findSucceeded: models.FindSucceededAttempt,
		countAttempts: models.CountIntegrationAttempts,
		appendAttempt: models.AppendIntegrationAttempt,
		retryBackoff:  2 * time.Second,
	}
}

// Post creates the bill for a receipt exactly once. The accounting API has
// no native idempotency keys, so creation runs as pre-check-then-create
// under a tenant-scoped lease: look up a recorded success for the key, and
// only when none exists call the API. Every API round appends an
// IntegrationAttempt row before the outcome is acted on.
func (e *Engine) Post(ctx context.Context, tenant *models.Tenant, receiptId string, bill *models.NormalizedBill, attachment *Attachment) (string, error) {
	idempotencyKey := tenant.TenantId + ":" + receiptId

	lock, err := e.obtainLock(ctx, "synclock:"+idempotencyKey, 30*time.Second)
	if err != nil {
		return "", err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	// Pre-check: a recorded success means the bill exists.
	if prior, err := e.findSucceeded(ctx, tenant.TenantId, idempotencyKey); err != nil {
		return "", err
	} else if prior != nil {
		return prior.ExternalId, nil
	}

	conn, err := e.getConnection(ctx, tenant.TenantId)
	if err != nil {
		if err == models.ErrConnectionRevoked {
			return "", utils.PermanentIntegrationError(err)
		}
		return "", err
	}
	api, err := e.newAPI(conn)
	if err != nil {
		return "", err
	}

	priorAttempts, err := e.countAttempts(ctx, tenant.TenantId, receiptId)
	if err != nil {
		return "", err
	}
	attemptNumber := int(priorAttempts)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.retryBackoff
	expo.MaxInterval = 60 * time.Second

	operation := func() (string, error) {
		attemptNumber++
		externalId, opErr := e.createOnce(ctx, api, conn, tenant, bill, attachment)
		e.recordAttempt(ctx, tenant.TenantId, receiptId, idempotencyKey, attemptNumber, externalId, opErr)
		if opErr == nil {
			return externalId, nil
		}
		if utils.IsTransient(opErr) {
			if hint, ok := utils.RetryAfterHint(opErr); ok {
				return "", backoff.RetryAfter(int(hint / time.Second))
			}
			return "", opErr
		}
		return "", backoff.Permanent(opErr)
	}

	externalId, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(e.MaxAttempts)))
	if err != nil {
		config.LogError(e.Logger, moduleName, "Post", "bill creation failed", map[string]interface{}{
			"tenant_id":  tenant.TenantId,
			"receipt_id": receiptId,
			"attempts":   attemptNumber,
		}, err)
		return "", err
	}
	return externalId, nil
}

// createOnce performs one full create round: contact, bill, attachment.
// The attachment call is best effort once the bill exists; failing it must
// not fail the receipt, the bill id is already committed to the attempt log.
func (e *Engine) createOnce(ctx context.Context, api billAPI, conn *models.IntegrationConnection, tenant *models.Tenant, bill *models.NormalizedBill, attachment *Attachment) (string, error) {
	if err := e.Gate.Admit(ctx, tenant.TenantId, conn.RateLimitPerMinute); err != nil {
		return "", err
	}
	contactId, err := api.CreateOrGetContact(ctx, bill.Vendor)
	if err != nil {
		return "", err
	}

	if err := e.Gate.Admit(ctx, tenant.TenantId, conn.RateLimitPerMinute); err != nil {
		return "", err
	}
	billId, err := api.CreateBill(ctx, buildInvoice(bill, contactId))
	if err != nil {
		return "", err
	}

	if attachment != nil && len(attachment.Content) > 0 {
		if err := e.Gate.Admit(ctx, tenant.TenantId, conn.RateLimitPerMinute); err == nil {
			if attachErr := api.AttachToBill(ctx, billId, attachment.FileName, attachment.ContentType, attachment.Content); attachErr != nil {
				config.LogError(e.Logger, moduleName, "createOnce", "attachment upload failed", map[string]interface{}{
					"tenant_id": tenant.TenantId,
					"bill_id":   billId,
				}, attachErr)
			}
		}
	}
	return billId, nil
}

func (e *Engine) recordAttempt(ctx context.Context, tenantId, receiptId, idempotencyKey string, attemptNumber int, externalId string, opErr error) {
	attempt := &models.IntegrationAttempt{
		TenantId:       tenantId,
		ReceiptId:      receiptId,
		AttemptNumber:  attemptNumber,
		IdempotencyKey: idempotencyKey,
		ExternalId:     externalId,
	}
	switch {
	case opErr == nil:
		attempt.Outcome = models.AttemptOutcomeSuccess
	case utils.IsTransient(opErr):
		attempt.Outcome = models.AttemptOutcomeTransient
		if _, rateLimited := utils.RetryAfterHint(opErr); rateLimited {
			attempt.Outcome = models.AttemptOutcomeRateLimited
		}
		attempt.ErrorMessage = opErr.Error()
	default:
		attempt.Outcome = models.AttemptOutcomePermanent
		attempt.ErrorMessage = opErr.Error()
	}
	if err := e.appendAttempt(ctx, attempt); err != nil {
		config.LogError(e.Logger, moduleName, "recordAttempt", "attempt log write failed", map[string]interface{}{
			"tenant_id":  tenantId,
			"receipt_id": receiptId,
		}, err)
	}
}

func buildInvoice(bill *models.NormalizedBill, contactId string) xeroInvoice {
	taxType := "NONE"
	if bill.Tax.IsPositive() {
		taxType = "INPUT"
	}

	var lines []xeroLineItem
	for _, item := range bill.LineItems {
		lines = append(lines, xeroLineItem{
			Description: truncate(item.Description, 4000),
			Quantity:    item.Quantity.InexactFloat64(),
			UnitAmount:  item.UnitAmount.InexactFloat64(),
			AccountCode: defaultAccountCode,
			TaxType:     taxType,
		})
	}
	if len(lines) == 0 {
		lines = append(lines, xeroLineItem{
			Description: bill.Vendor + " - " + bill.Date,
			Quantity:    1,
			UnitAmount:  bill.Total.InexactFloat64(),
			AccountCode: defaultAccountCode,
			TaxType:     taxType,
		})
	}

	return xeroInvoice{
		Type:            "ACCPAY",
		Contact:         &xeroContact{ContactID: contactId},
		Date:            bill.Date,
		DueDate:         bill.Date,
		LineAmountTypes: "Inclusive",
		LineItems:       lines,
		Status:          "DRAFT",
		CurrencyCode:    bill.Currency,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// apiAdapter implements billAPI on the HTTP client.
type apiAdapter struct {
	client *xeroClient
}

func (a *apiAdapter) CreateOrGetContact(ctx context.Context, name string) (string, error) {
	params := url.Values{}
	params.Set("where", fmt.Sprintf("Name.Contains(%q)", name))

	var found xeroContactsEnvelope
	if err := a.client.do(ctx, "GET", "/Contacts", params, nil, &found); err != nil {
		return "", err
	}
	for _, contact := range found.Contacts {
		if strings.EqualFold(contact.Name, name) {
			return contact.ContactID, nil
		}
	}

	payload := xeroContactsEnvelope{Contacts: []xeroContact{{Name: name, IsSupplier: true}}}
	var created xeroContactsEnvelope
	if err := a.client.do(ctx, "PUT", "/Contacts", nil, payload, &created); err != nil {
		return "", err
	}
	if len(created.Contacts) == 0 {
		return "", utils.PermanentIntegrationError(fmt.Errorf("contact create returned no contact"))
	}
	return created.Contacts[0].ContactID, nil
}

func (a *apiAdapter) CreateBill(ctx context.Context, invoice xeroInvoice) (string, error) {
	payload := xeroInvoicesEnvelope{Invoices: []xeroInvoice{invoice}}
	var created xeroInvoicesEnvelope
	if err := a.client.do(ctx, "POST", "/Invoices", nil, payload, &created); err != nil {
		return "", err
	}
	if len(created.Invoices) == 0 {
		return "", utils.PermanentIntegrationError(fmt.Errorf("invoice create returned no invoice"))
	}
	return created.Invoices[0].InvoiceID, nil
}

func (a *apiAdapter) AttachToBill(ctx context.Context, billId, fileName, contentType string, content []byte) error {
	path := fmt.Sprintf("/Invoices/%s/Attachments/%s", billId, url.PathEscape(fileName))
	return a.client.putRaw(ctx, path, contentType, content)
}

func (a *apiAdapter) ListAuthorisedBills(ctx context.Context) ([]xeroInvoice, error) {
	params := url.Values{}
	params.Set("where", `Type=="ACCPAY" AND Status=="AUTHORISED"`)
	params.Set("order", "DueDate ASC")

	var envelope xeroInvoicesEnvelope
	if err := a.client.do(ctx, "GET", "/Invoices", params, nil, &envelope); err != nil {
		return nil, err
	}
	var due []xeroInvoice
	for _, inv := range envelope.Invoices {
		if inv.AmountDue > 0 {
			due = append(due, inv)
		}
	}
	return due, nil
}

func (a *apiAdapter) CreatePayment(ctx context.Context, payment xeroPayment) error {
	payload := xeroPaymentsEnvelope{Payments: []xeroPayment{payment}}
	return a.client.do(ctx, "PUT", "/Payments", nil, payload, nil)
}
