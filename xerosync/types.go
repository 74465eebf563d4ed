package xerosync

// Wire shapes for the accounting API. Bills are ACCPAY invoices; payments
// and attachments hang off the created invoice.

type xeroContact struct {
	ContactID  string `json:"ContactID,omitempty"`
	Name       string `json:"Name"`
	IsSupplier bool   `json:"IsSupplier,omitempty"`
	IsCustomer bool   `json:"IsCustomer,omitempty"`
}

type xeroContactsEnvelope struct {
	Contacts []xeroContact `json:"Contacts"`
}

type xeroLineItem struct {
	Description string  `json:"Description"`
	Quantity    float64 `json:"Quantity"`
	UnitAmount  float64 `json:"UnitAmount"`
	AccountCode string  `json:"AccountCode"`
	TaxType     string  `json:"TaxType"`
}

type xeroInvoice struct {
	InvoiceID       string         `json:"InvoiceID,omitempty"`
	Type            string         `json:"Type"`
	Contact         *xeroContact   `json:"Contact,omitempty"`
	Date            string         `json:"Date,omitempty"`
	DueDate         string         `json:"DueDate,omitempty"`
	LineAmountTypes string         `json:"LineAmountTypes,omitempty"`
	LineItems       []xeroLineItem `json:"LineItems,omitempty"`
	Status          string         `json:"Status,omitempty"`
	CurrencyCode    string         `json:"CurrencyCode,omitempty"`
	Reference       string         `json:"Reference,omitempty"`
	AmountDue       float64        `json:"AmountDue,omitempty"`
}

type xeroInvoicesEnvelope struct {
	Invoices []xeroInvoice `json:"Invoices"`
}

type xeroPayment struct {
	Invoice struct {
		InvoiceID string `json:"InvoiceID"`
	} `json:"Invoice"`
	Account struct {
		AccountID string `json:"AccountID"`
	} `json:"Account"`
	Date   string  `json:"Date"`
	Amount float64 `json:"Amount"`
}

type xeroPaymentsEnvelope struct {
	Payments []xeroPayment `json:"Payments"`
}

type xeroErrorEnvelope struct {
	Type     string `json:"Type"`
	Message  string `json:"Message"`
	Elements []struct {
		ValidationErrors []struct {
			Message string `json:"Message"`
		} `json:"ValidationErrors"`
	} `json:"Elements"`
}
