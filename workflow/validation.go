package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xeroflowhq/receipts_backend/models"
)

// Accepted receipt date layouts, tried in order.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02/01/2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

// Receipts dated slightly ahead of server time are fine (timezones, camera
// clocks). Anything further in the future is rejected.
const maxFutureSkew = 48 * time.Hour

// ValidateAndNormalize applies the tenant's business rules to an extraction
// result. It is a pure function of its inputs: no I/O, no clock reads except
// the injected now, so crash-recovery reruns produce identical output.
// Errors come back in rule order and the list is non-empty iff the bill is nil.
func ValidateAndNormalize(result *models.ExtractionResult, settings models.TenantSettings, now time.Time) (*models.NormalizedBill, []models.ValidationError) {
	var errs []models.ValidationError

	// total
	total := result.Total.Amount
	if !total.IsPositive() {
		errs = append(errs, models.ValidationError{
			Field:   "total",
			Code:    "missing_total",
			Message: "receipt total is missing or not positive",
		})
	}

	// date
	date, dateErr := parseReceiptDate(result.Date.Value, now)
	if dateErr != nil {
		errs = append(errs, *dateErr)
	}

	// currency
	currency, currencyErr := resolveCurrency(result.Currency.Value, settings.DefaultCurrency)
	if currencyErr != nil {
		errs = append(errs, *currencyErr)
	}

	// vendor
	vendor := strings.TrimSpace(result.Vendor.Value)
	if vendor == "" {
		errs = append(errs, models.ValidationError{
			Field:   "vendor",
			Code:    "missing_vendor",
			Message: "vendor name could not be extracted",
		})
	} else if alias, ok := settings.VendorAliases[strings.ToUpper(vendor)]; ok {
		vendor = alias
	}

	// line items
	lines, lineErr := reconcileLineItems(result.LineItems, total, settings.LineItemTolerance)
	if lineErr != nil {
		errs = append(errs, *lineErr)
	}

	if len(errs) > 0 {
		return nil, errs
	}

	// tax: extracted when present, else derived from the tenant default rate
	// on the tax-inclusive total.
	tax := result.Tax.Amount
	if tax.IsZero() && settings.DefaultTaxRate.IsPositive() {
		rate := settings.DefaultTaxRate
		tax = total.Sub(total.Div(decimal.NewFromInt(1).Add(rate))).Round(2)
	}

	return &models.NormalizedBill{
		Vendor:    vendor,
		Date:      date.Format("2006-01-02"),
		Currency:  currency,
		Total:     total,
		Tax:       tax,
		LineItems: lines,
	}, nil
}

func parseReceiptDate(raw string, now time.Time) (time.Time, *models.ValidationError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &models.ValidationError{
			Field:   "date",
			Code:    "missing_date",
			Message: "receipt date could not be extracted",
		}
	}
	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if parsed.After(now.Add(maxFutureSkew)) {
			return time.Time{}, &models.ValidationError{
				Field:   "date",
				Code:    "future_date",
				Message: fmt.Sprintf("receipt date %s is in the future", parsed.Format("2006-01-02")),
			}
		}
		return parsed, nil
	}
	return time.Time{}, &models.ValidationError{
		Field:   "date",
		Code:    "unparseable_date",
		Message: fmt.Sprintf("receipt date %q is not in a recognized format", raw),
	}
}

func resolveCurrency(extracted, tenantDefault string) (string, *models.ValidationError) {
	extracted = strings.ToUpper(strings.TrimSpace(extracted))
	tenantDefault = strings.ToUpper(strings.TrimSpace(tenantDefault))

	switch {
	case extracted == "" && tenantDefault == "":
		return "", &models.ValidationError{
			Field:   "currency",
			Code:    "missing_currency",
			Message: "no currency extracted and tenant has no default",
		}
	case extracted == "":
		return tenantDefault, nil
	case tenantDefault == "" || extracted == tenantDefault:
		return extracted, nil
	default:
		return "", &models.ValidationError{
			Field:   "currency",
			Code:    "currency_mismatch",
			Message: fmt.Sprintf("extracted currency %s differs from tenant currency %s", extracted, tenantDefault),
		}
	}
}

// reconcileLineItems checks that the line items sum to the receipt total
// within the tenant's tolerance. Receipts without line items pass: the sync
// engine falls back to a single line for the full total.
func reconcileLineItems(items []models.ExtractedLineItem, total decimal.Decimal, tolerance decimal.Decimal) ([]models.NormalizedLineItem, *models.ValidationError) {
	if len(items) == 0 {
		return nil, nil
	}

	var lines []models.NormalizedLineItem
	sum := decimal.Zero
	for _, item := range items {
		qty := item.Quantity
		if !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
		lines = append(lines, models.NormalizedLineItem{
			Description: strings.TrimSpace(item.Description),
			Quantity:    qty,
			UnitAmount:  item.UnitAmount,
		})
		sum = sum.Add(item.UnitAmount)
	}

	if total.Sub(sum).Abs().GreaterThan(tolerance) {
		return nil, &models.ValidationError{
			Field:   "line_items",
			Code:    "line_item_sum_mismatch",
			Message: fmt.Sprintf("line items sum to %s but receipt total is %s (tolerance %s)", sum.StringFixed(2), total.StringFixed(2), tolerance.String()),
		}
	}
	return lines, nil
}
