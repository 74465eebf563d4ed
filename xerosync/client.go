package xerosync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xeroflowhq/receipts_backend/utils"
)

type xeroClient struct {
	baseURL      string
	accessToken  string
	xeroTenantId string
	http         *http.Client
}

func newXeroClient(accessToken, xeroTenantId string) (*xeroClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("XERO_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.xero.com/api.xro/2.0"
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, utils.PermanentIntegrationError(fmt.Errorf("access token is empty"))
	}
	if strings.TrimSpace(xeroTenantId) == "" {
		return nil, utils.PermanentIntegrationError(fmt.Errorf("external tenant id is empty"))
	}
	return &xeroClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		accessToken:  accessToken,
		xeroTenantId: xeroTenantId,
		http:         &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *xeroClient) do(ctx context.Context, method, path string, params url.Values, payload any, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var body io.Reader
	contentType := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("xero-tenant-id", c.xeroTenantId)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return utils.TransientError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return utils.PermanentIntegrationError(fmt.Errorf("unparseable response: %w", err))
	}
	return nil
}

// putRaw uploads opaque bytes (attachments) instead of a JSON payload.
func (c *xeroClient) putRaw(ctx context.Context, path string, contentType string, content []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("xero-tenant-id", c.xeroTenantId)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return utils.TransientError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp, respBody)
	}
	return nil
}

// classifyStatus maps HTTP failures onto the pipeline error taxonomy.
// 429 and 5xx are retryable; 401/403 mean the connection credential is
// bad; other 4xx are validation failures that retrying cannot fix.
func classifyStatus(resp *http.Response, body []byte) error {
	message := errorMessage(body)
	err := fmt.Errorf("accounting api error %d: %s", resp.StatusCode, message)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &utils.ClassifiedError{Kind: utils.ErrorKindTransient, Err: err, RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return utils.TransientError(err)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return utils.PermanentIntegrationError(fmt.Errorf("credential rejected: %w", err))
	default:
		return utils.PermanentIntegrationError(err)
	}
}

func errorMessage(body []byte) string {
	var envelope xeroErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return strings.TrimSpace(string(body))
	}
	parts := []string{}
	if envelope.Message != "" {
		parts = append(parts, envelope.Message)
	}
	for _, el := range envelope.Elements {
		for _, ve := range el.ValidationErrors {
			parts = append(parts, ve.Message)
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(string(body))
	}
	return strings.Join(parts, "; ")
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
