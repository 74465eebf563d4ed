package docintel

import "encoding/json"

// Wire shapes of the document-intelligence analyze response (prebuilt
// receipt model). Only the fields the pipeline consumes are decoded.

type analyzeResponse struct {
	Status string `json:"status"`
	Result struct {
		Documents []analyzedDocument `json:"documents"`
	} `json:"analyzeResult"`
}

type analyzedDocument struct {
	DocType    string                `json:"docType"`
	Fields     map[string]fieldValue `json:"fields"`
	Confidence float64               `json:"confidence"`
}

type fieldValue struct {
	Type          string                `json:"type"`
	ValueString   string                `json:"valueString,omitempty"`
	ValueNumber   *float64              `json:"valueNumber,omitempty"`
	ValueCurrency *currencyValue        `json:"valueCurrency,omitempty"`
	ValueDate     string                `json:"valueDate,omitempty"`
	ValueArray    []fieldValue          `json:"valueArray,omitempty"`
	ValueObject   map[string]fieldValue `json:"valueObject,omitempty"`
	Content       string                `json:"content,omitempty"`
	Confidence    float64               `json:"confidence"`
}

// text returns the best string representation of a field.
func (f fieldValue) text() string {
	if f.ValueString != "" {
		return f.ValueString
	}
	return f.Content
}

func (f fieldValue) amount() (float64, bool) {
	if f.ValueCurrency != nil {
		return f.ValueCurrency.Amount, true
	}
	if f.ValueNumber != nil {
		return *f.ValueNumber, true
	}
	return 0, false
}

type currencyValue struct {
	Amount       float64 `json:"amount"`
	CurrencyCode string  `json:"currencyCode,omitempty"`
}

type analyzeErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeAnalyzeError(body []byte) (code, message string) {
	var parsed analyzeErrorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	return parsed.Error.Code, parsed.Error.Message
}
