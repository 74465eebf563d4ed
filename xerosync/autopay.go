package xerosync

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
	"gorm.io/gorm"
)

// AutoPayWorker pays approved bills automatically. For every tenant that
// opted in and configured a bank account, AUTHORISED ACCPAY bills with an
// amount due get a payment dated at their due date.
type AutoPayWorker struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Engine   *Engine
	Interval time.Duration
}

func NewAutoPayWorker(db *gorm.DB, logger *logrus.Logger, engine *Engine) *AutoPayWorker {
	return &AutoPayWorker{
		DB:       db,
		Logger:   logger,
		Engine:   engine,
		Interval: time.Hour,
	}
}

func (w *AutoPayWorker) Run(ctx context.Context) {
	if !config.AutoPayEnabledGlobally() {
		return
	}
	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.Interval):
		}
	}
}

func (w *AutoPayWorker) runOnce(ctx context.Context) {
	tenants, err := models.ListActiveTenants(ctx)
	if err != nil {
		config.LogError(w.Logger, moduleName, "runOnce", "tenant listing failed", nil, err)
		return
	}
	for _, tenant := range tenants {
		settings := tenant.Settings()
		if !settings.AutoPayEnabled || settings.BankAccountId == "" {
			continue
		}
		if err := w.processTenant(ctx, tenant, settings); err != nil {
			config.LogError(w.Logger, moduleName, "runOnce", "auto-pay failed", map[string]interface{}{
				"tenant_id": tenant.TenantId,
			}, err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (w *AutoPayWorker) processTenant(ctx context.Context, tenant *models.Tenant, settings models.TenantSettings) error {
	conn, err := w.Engine.getConnection(ctx, tenant.TenantId)
	if err != nil {
		if err == models.ErrConnectionRevoked || err == utils.ErrorRecordNotFound {
			return nil
		}
		return err
	}
	api, err := w.Engine.newAPI(conn)
	if err != nil {
		return err
	}

	if err := w.Engine.Gate.Admit(ctx, tenant.TenantId, conn.RateLimitPerMinute); err != nil {
		return err
	}
	bills, err := api.ListAuthorisedBills(ctx)
	if err != nil {
		return err
	}

	for _, bill := range bills {
		if err := w.Engine.Gate.Admit(ctx, tenant.TenantId, conn.RateLimitPerMinute); err != nil {
			return err
		}
		payment := xeroPayment{
			Date:   paymentDate(bill.DueDate),
			Amount: bill.AmountDue,
		}
		payment.Invoice.InvoiceID = bill.InvoiceID
		payment.Account.AccountID = settings.BankAccountId

		if err := api.CreatePayment(ctx, payment); err != nil {
			config.LogError(w.Logger, moduleName, "processTenant", "payment creation failed", map[string]interface{}{
				"tenant_id": tenant.TenantId,
				"bill_id":   bill.InvoiceID,
			}, err)
			continue
		}

		detail := map[string]interface{}{
			"external_bill_id": bill.InvoiceID,
			"amount":           decimal.NewFromFloat(bill.AmountDue),
			"payment_date":     payment.Date,
		}
		err = w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.RecordAuditEvent(ctx, tx, tenant.TenantId, "", models.AuditAutoPaymentCreated, detail)
		})
		if err != nil {
			config.LogError(w.Logger, moduleName, "processTenant", "audit write failed", map[string]interface{}{
				"tenant_id": tenant.TenantId,
				"bill_id":   bill.InvoiceID,
			}, err)
		}
	}
	return nil
}

// paymentDate picks the bill's due date when it is usable, today otherwise.
func paymentDate(dueDate string) string {
	if len(dueDate) >= 10 {
		if _, err := time.Parse("2006-01-02", dueDate[:10]); err == nil {
			return dueDate[:10]
		}
	}
	return time.Now().UTC().Format("2006-01-02")
}
