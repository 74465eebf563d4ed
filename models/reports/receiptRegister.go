package reports

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/utils"
	"github.com/xuri/excelize/v2"
)

type ReceiptRegisterRow struct {
	ReceiptId      string          `json:"ReceiptId"`
	FileName       string          `json:"FileName"`
	State          string          `json:"State"`
	Vendor         string          `json:"Vendor"`
	ReceiptDate    *time.Time      `json:"ReceiptDate,omitempty"`
	Currency       string          `json:"Currency"`
	Total          decimal.Decimal `json:"Total"`
	ExternalBillId string          `json:"ExternalBillId"`
	SyncAttempts   int             `json:"SyncAttempts"`
	ReceivedAt     time.Time       `json:"ReceivedAt"`
	FinishedAt     *time.Time      `json:"FinishedAt,omitempty"`
}

// GetReceiptRegister lists receipts received in [fromDate, toDate] with the
// bill fields pulled out of the normalized payload. Vendor, date, currency
// and total come from normalized_json so the register reflects what was
// actually posted, not what was extracted.
func GetReceiptRegister(ctx context.Context, fromDate, toDate time.Time) ([]*ReceiptRegisterRow, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	sql := `
SELECT
    receipt_id,
    file_name,
    state,
    COALESCE(JSON_UNQUOTE(JSON_EXTRACT(normalized_json, '$.vendor')), '') AS vendor,
    JSON_UNQUOTE(JSON_EXTRACT(normalized_json, '$.date')) AS receipt_date_str,
    COALESCE(JSON_UNQUOTE(JSON_EXTRACT(normalized_json, '$.currency')), '') AS currency,
    COALESCE(JSON_EXTRACT(normalized_json, '$.total'), 0) AS total,
    COALESCE(external_bill_id, '') AS external_bill_id,
    sync_attempts,
    received_at,
    finished_at
FROM
    receipts
WHERE
    tenant_id = @tenantId
        AND received_at BETWEEN @fromDate AND @toDate
ORDER BY received_at ASC;
`

	type scanRow struct {
		ReceiptId      string
		FileName       string
		State          string
		Vendor         string
		ReceiptDateStr *string
		Currency       string
		Total          decimal.Decimal
		ExternalBillId string
		SyncAttempts   int
		ReceivedAt     time.Time
		FinishedAt     *time.Time
	}

	var raw []*scanRow
	db := config.GetDB()
	err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"tenantId": tenantId,
		"fromDate": fromDate,
		"toDate":   toDate,
	}).Scan(&raw).Error
	if err != nil {
		return nil, err
	}

	rows := make([]*ReceiptRegisterRow, 0, len(raw))
	for _, r := range raw {
		row := &ReceiptRegisterRow{
			ReceiptId:      r.ReceiptId,
			FileName:       r.FileName,
			State:          r.State,
			Vendor:         r.Vendor,
			Currency:       r.Currency,
			Total:          r.Total,
			ExternalBillId: r.ExternalBillId,
			SyncAttempts:   r.SyncAttempts,
			ReceivedAt:     r.ReceivedAt,
			FinishedAt:     r.FinishedAt,
		}
		if r.ReceiptDateStr != nil && *r.ReceiptDateStr != "" {
			if d, err := time.Parse("2006-01-02", *r.ReceiptDateStr); err == nil {
				row.ReceiptDate = &d
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ExportReceiptRegisterExcel streams the register as an XLSX attachment.
func ExportReceiptRegisterExcel(ctx context.Context, w http.ResponseWriter, fromDate, toDate time.Time) error {
	data, err := GetReceiptRegister(ctx, fromDate, toDate)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "ReceiptId")
	f.SetCellValue(sheetName, "B1", "FileName")
	f.SetCellValue(sheetName, "C1", "State")
	f.SetCellValue(sheetName, "D1", "Vendor")
	f.SetCellValue(sheetName, "E1", "Date")
	f.SetCellValue(sheetName, "F1", "Currency")
	f.SetCellValue(sheetName, "G1", "Total")
	f.SetCellValue(sheetName, "H1", "ExternalBillId")
	f.SetCellValue(sheetName, "I1", "SyncAttempts")

	// Add data
	for i, d := range data {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, d.ReceiptId)
		f.SetCellValue(sheetName, "B"+row, d.FileName)
		f.SetCellValue(sheetName, "C"+row, d.State)
		f.SetCellValue(sheetName, "D"+row, d.Vendor)
		if d.ReceiptDate != nil {
			f.SetCellValue(sheetName, "E"+row, d.ReceiptDate.Format("2006-01-02"))
		}
		f.SetCellValue(sheetName, "F"+row, d.Currency)
		f.SetCellValue(sheetName, "G"+row, d.Total.InexactFloat64())
		f.SetCellValue(sheetName, "H"+row, d.ExternalBillId)
		f.SetCellValue(sheetName, "I"+row, d.SyncAttempts)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=receipt_register.xlsx")
	return f.Write(w)
}
