package models

import (
	"github.com/shopspring/decimal"
)

// ExtractedField is a single OCR field guess with its confidence score.
// Low confidence is a business outcome, not an error: it passes through to
// validation untouched.
type ExtractedField struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type ExtractedAmount struct {
	Amount     decimal.Decimal `json:"amount"`
	Confidence float64         `json:"confidence"`
}

type ExtractedLineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitAmount  decimal.Decimal `json:"unitAmount"`
	Confidence  float64         `json:"confidence"`
}

// ExtractionResult is produced once per receipt by the extraction adapter and
// consumed (and possibly corrected) by validation.
type ExtractionResult struct {
	Vendor    ExtractedField      `json:"vendor"`
	Date      ExtractedField      `json:"date"`
	Currency  ExtractedField      `json:"currency"`
	Total     ExtractedAmount     `json:"total"`
	Tax       ExtractedAmount     `json:"tax"`
	LineItems []ExtractedLineItem `json:"lineItems"`
}
