package docintel

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/models"
	"github.com/xeroflowhq/receipts_backend/utils"
)

// Extractor turns raw receipt bytes into a structured ExtractionResult.
// The orchestrator depends on this interface so extraction can be faked
// in tests.
type Extractor interface {
	Extract(ctx context.Context, content []byte, contentType string) (*models.ExtractionResult, error)
}

const moduleName = "docintel"

// Service pixel cap for receipt images. Larger uploads get downscaled
// before the analyze call.
const maxImageWidth = 4200

type Adapter struct {
	client *docintelClient
	logger *logrus.Logger
}

func NewAdapter(logger *logrus.Logger) (*Adapter, error) {
	client, err := newDocintelClient()
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, logger: logger}, nil
}

// Extract preprocesses the artifact, calls the document-intelligence
// service and maps the analysis to an ExtractionResult. One extra attempt
// is made on a transient transport failure; everything beyond that is the
// orchestrator's retry budget, not the adapter's.
func (a *Adapter) Extract(ctx context.Context, content []byte, contentType string) (*models.ExtractionResult, error) {
	prepared, preparedType, err := a.preprocess(content, contentType)
	if err != nil {
		return nil, err
	}

	doc, err := a.client.analyze(ctx, prepared, preparedType)
	if err != nil && utils.IsTransient(err) {
		config.LogError(a.logger, moduleName, "Extract", "retrying after transient analyze failure", nil, err)
		select {
		case <-ctx.Done():
			return nil, utils.TransientError(ctx.Err())
		case <-time.After(2 * time.Second):
		}
		doc, err = a.client.analyze(ctx, prepared, preparedType)
	}
	if err != nil {
		return nil, err
	}
	return mapDocument(doc), nil
}

// preprocess re-encodes oversized images. PDFs pass through untouched.
func (a *Adapter) preprocess(content []byte, contentType string) ([]byte, string, error) {
	if len(content) == 0 {
		return nil, "", utils.PermanentInputError(fmt.Errorf("empty artifact"))
	}
	if !strings.HasPrefix(contentType, "image/") {
		return content, contentType, nil
	}

	img, err := imaging.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, "", utils.PermanentInputError(fmt.Errorf("undecodable image: %w", err))
	}
	if img.Bounds().Dx() <= maxImageWidth {
		return content, contentType, nil
	}

	resized := imaging.Resize(img, maxImageWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG); err != nil {
		return nil, "", utils.PermanentInputError(fmt.Errorf("image re-encode failed: %w", err))
	}
	return buf.Bytes(), "image/jpeg", nil
}

func mapDocument(doc *analyzedDocument) *models.ExtractionResult {
	result := &models.ExtractionResult{}

	if f, ok := firstField(doc.Fields, "MerchantName", "VendorName"); ok {
		result.Vendor = models.ExtractedField{Value: f.text(), Confidence: f.Confidence}
	}
	if f, ok := doc.Fields["TransactionDate"]; ok {
		value := f.ValueDate
		if value == "" {
			value = f.text()
		}
		result.Date = models.ExtractedField{Value: value, Confidence: f.Confidence}
	}
	if f, ok := doc.Fields["Total"]; ok {
		if amount, has := f.amount(); has {
			result.Total = models.ExtractedAmount{Amount: decimal.NewFromFloat(amount), Confidence: f.Confidence}
		}
		if f.ValueCurrency != nil && f.ValueCurrency.CurrencyCode != "" {
			result.Currency = models.ExtractedField{Value: f.ValueCurrency.CurrencyCode, Confidence: f.Confidence}
		}
	}
	if f, ok := doc.Fields["TotalTax"]; ok {
		if amount, has := f.amount(); has {
			result.Tax = models.ExtractedAmount{Amount: decimal.NewFromFloat(amount), Confidence: f.Confidence}
		}
	}
	if f, ok := doc.Fields["Items"]; ok {
		for _, item := range f.ValueArray {
			result.LineItems = append(result.LineItems, mapLineItem(item))
		}
	}
	return result
}

func mapLineItem(item fieldValue) models.ExtractedLineItem {
	line := models.ExtractedLineItem{
		Quantity:   decimal.NewFromInt(1),
		Confidence: item.Confidence,
	}
	fields := item.ValueObject
	if f, ok := fields["Description"]; ok {
		line.Description = f.text()
	}
	if f, ok := fields["Quantity"]; ok {
		if qty, has := f.amount(); has && qty > 0 {
			line.Quantity = decimal.NewFromFloat(qty)
		}
	}
	if f, ok := firstField(fields, "TotalPrice", "Price"); ok {
		if amount, has := f.amount(); has {
			line.UnitAmount = decimal.NewFromFloat(amount)
		}
	}
	return line
}

func firstField(fields map[string]fieldValue, names ...string) (fieldValue, bool) {
	for _, name := range names {
		if f, ok := fields[name]; ok {
			return f, true
		}
	}
	return fieldValue{}, false
}
