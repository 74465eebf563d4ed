package models

import "github.com/shopspring/decimal"

// NormalizedBill is the validated, tenant-normalized payload stored on the
// receipt and handed to the integration sync engine. JSON field names are
// stable: reports query them with JSON_EXTRACT.
type NormalizedBill struct {
	Vendor    string               `json:"vendor"`
	Date      string               `json:"date"` // YYYY-MM-DD
	Currency  string               `json:"currency"`
	Total     decimal.Decimal      `json:"total"`
	Tax       decimal.Decimal      `json:"tax"`
	LineItems []NormalizedLineItem `json:"line_items"`
}

type NormalizedLineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitAmount  decimal.Decimal `json:"unit_amount"`
}

// ValidationError is one business-rule failure. Errors are emitted in rule
// order so reruns produce identical lists.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
