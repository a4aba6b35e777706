package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rossigee/reelforge/internal/retry"
	"github.com/sirupsen/logrus"
)

// ErrMissingEndpoint indicates that the HTTP generator has no base URL
var ErrMissingEndpoint = errors.New("generation: endpoint is required")

const (
	defaultRequestTimeout = 2 * time.Minute
	maxResponseBytes      = 256 << 20
)

// HTTPOptions configures an HTTPGenerator
type HTTPOptions struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Retry          retry.Config
}

// HTTPGenerator delegates generation to a remote inference service. The
// service receives the Request as JSON on POST {base}/v1/generate/{kind} and
// answers with either inline data or a URL to download.
type HTTPGenerator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      retry.Config
}

type generateResponse struct {
	MIMEType        string          `json:"mime_type"`
	Data            []byte          `json:"data"`
	URL             string          `json:"url"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	DurationSeconds int             `json:"duration_seconds"`
	Shots           json.RawMessage `json:"shots"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPGenerator constructs a generator with default timeout and retry
// settings where none are given.
func NewHTTPGenerator(opts HTTPOptions) (*HTTPGenerator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingEndpoint
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("generation: endpoint %q must use http or https", baseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retryCfg := opts.Retry
	if retryCfg.MaxAttempts <= 0 {
		retryCfg = retry.DefaultConfig
	}

	return &HTTPGenerator{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		retry:      retryCfg,
	}, nil
}

// Generate calls the remote service, retrying transport failures, 429 and
// 5xx responses.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Output, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("generation: encode request: %w", err))
	}
	endpoint := fmt.Sprintf("%s/v1/generate/%s", g.baseURL, req.Kind)

	var decoded generateResponse
	err = retry.WithRetry(ctx, g.retry, func() error {
		raw, err := g.post(ctx, endpoint, body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return retry.Permanent(fmt.Errorf("generation: decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &Output{
		MIMEType:        decoded.MIMEType,
		Data:            decoded.Data,
		Width:           decoded.Width,
		Height:          decoded.Height,
		DurationSeconds: decoded.DurationSeconds,
		Shots:           decoded.Shots,
	}
	if len(out.Data) == 0 && decoded.URL != "" {
		data, contentType, err := g.download(ctx, decoded.URL)
		if err != nil {
			return nil, err
		}
		out.Data = data
		if out.MIMEType == "" {
			out.MIMEType = contentType
		}
	}
	if len(out.Data) == 0 {
		return nil, errors.New("generation: response carried no data")
	}
	if out.MIMEType == "" {
		out.MIMEType = http.DetectContentType(out.Data)
	}

	logrus.WithFields(logrus.Fields{
		"kind":       req.Kind,
		"request_id": req.RequestID,
		"mime_type":  out.MIMEType,
		"size_bytes": len(out.Data),
	}).Debug("Remote generation completed")
	return out, nil
}

func (g *HTTPGenerator) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("generation: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation: http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("generation: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		statusErr := statusError(resp.StatusCode, raw)
		if retryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		return nil, retry.Permanent(statusErr)
	}
	return raw, nil
}

func (g *HTTPGenerator) download(ctx context.Context, url string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := retry.WithRetry(ctx, g.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("generation: build download request: %w", err))
		}
		resp, err := g.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("generation: download: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			statusErr := fmt.Errorf("generation: download status %d", resp.StatusCode)
			if retryableStatus(resp.StatusCode) {
				return statusErr
			}
			return retry.Permanent(statusErr)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("generation: read download: %w", err)
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	return data, contentType, err
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func statusError(code int, raw []byte) error {
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
		return fmt.Errorf("generation: status %d: %s (%s)", code, detail.Message, detail.Code)
	}
	return fmt.Errorf("generation: status %d: %s", code, strings.TrimSpace(string(raw)))
}
