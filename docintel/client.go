package docintel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xeroflowhq/receipts_backend/utils"
)

type docintelClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	modelID   string
	http      *http.Client

	pollInterval time.Duration
}

func newDocintelClient() (*docintelClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("DOCINTEL_API_BASE_URL"))
	if baseURL == "" {
		return nil, utils.PermanentIntegrationError(fmt.Errorf("DOCINTEL_API_BASE_URL is required"))
	}
	apiKey := strings.TrimSpace(os.Getenv("DOCINTEL_API_KEY"))
	if apiKey == "" {
		return nil, utils.PermanentIntegrationError(fmt.Errorf("DOCINTEL_API_KEY is required"))
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("DOCINTEL_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "Ocp-Apim-Subscription-Key"
	}
	modelID := strings.TrimSpace(os.Getenv("DOCINTEL_MODEL_ID"))
	if modelID == "" {
		modelID = "prebuilt-receipt"
	}
	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("DOCINTEL_TIMEOUT_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	return &docintelClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		apiKeyHdr:    apiKeyHeader,
		modelID:      modelID,
		http:         &http.Client{Timeout: timeout},
		pollInterval: 2 * time.Second,
	}, nil
}

// analyze submits the document bytes and polls until the analysis finishes
// or ctx expires. The service is asynchronous: the submit returns 202 with
// an Operation-Location to poll.
func (c *docintelClient) analyze(ctx context.Context, content []byte, contentType string) (*analyzedDocument, error) {
	endpoint := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=2024-02-29-preview", c.baseURL, c.modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, utils.TransientError(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, classifyAnalyzeStatus(resp.StatusCode, body)
	}

	pollURL := resp.Header.Get("Operation-Location")
	if pollURL == "" {
		// Synchronous response.
		return decodeAnalyzeResult(body)
	}
	return c.poll(ctx, pollURL)
}

func (c *docintelClient) poll(ctx context.Context, pollURL string) (*analyzedDocument, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, utils.TransientError(ctx.Err())
		case <-time.After(c.pollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(c.apiKeyHdr, c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, utils.TransientError(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, classifyAnalyzeStatus(resp.StatusCode, body)
		}

		var parsed analyzeResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, utils.PermanentInputError(fmt.Errorf("unparseable analyze response: %w", err))
		}
		switch parsed.Status {
		case "succeeded":
			if len(parsed.Result.Documents) == 0 {
				return nil, utils.PermanentInputError(fmt.Errorf("no document recognized"))
			}
			return &parsed.Result.Documents[0], nil
		case "failed":
			return nil, utils.PermanentInputError(fmt.Errorf("document analysis failed"))
		default:
			// running / notStarted
		}
	}
}

func decodeAnalyzeResult(body []byte) (*analyzedDocument, error) {
	var parsed analyzeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, utils.PermanentInputError(fmt.Errorf("unparseable analyze response: %w", err))
	}
	if len(parsed.Result.Documents) == 0 {
		return nil, utils.PermanentInputError(fmt.Errorf("no document recognized"))
	}
	return &parsed.Result.Documents[0], nil
}

func classifyAnalyzeStatus(status int, body []byte) error {
	code, message := decodeAnalyzeError(body)
	err := fmt.Errorf("document intelligence error %d %s: %s", status, code, strings.TrimSpace(message))

	switch {
	case status == http.StatusTooManyRequests:
		return utils.TransientError(err)
	case status >= 500:
		return utils.TransientError(err)
	case status == http.StatusRequestTimeout:
		return utils.TransientError(err)
	case status == http.StatusBadRequest, status == http.StatusUnsupportedMediaType, status == http.StatusRequestEntityTooLarge:
		// Unsupported format, corrupt content: retrying cannot help.
		return utils.PermanentInputError(err)
	default:
		return utils.PermanentIntegrationError(err)
	}
}

func parseInt(v string) (int, error) {
	return strconv.Atoi(v)
}
