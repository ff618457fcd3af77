package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport moves raw payloads to and from the model API.
type Transport interface {
	Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error)
	// InvokeStream returns the undecoded response body. The caller closes it.
	InvokeStream(ctx context.Context, modelID string, body []byte) (io.ReadCloser, error)
}

type HTTPTransport struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a synchronous call. Streams are bounded by the caller's context.
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: timeout,
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   16,
			},
		},
	}
}

func (t *HTTPTransport) endpoint(modelID, action string) string {
	return fmt.Sprintf("%s/model/%s/%s", strings.TrimRight(t.BaseURL, "/"), url.PathEscape(modelID), action)
}

func (t *HTTPTransport) Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	resp, err := t.do(ctx, t.endpoint(modelID, "invoke"), body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
}

func (t *HTTPTransport) InvokeStream(ctx context.Context, modelID string, body []byte) (io.ReadCloser, error) {
	resp, err := t.do(ctx, t.endpoint(modelID, "invoke-with-response-stream"), body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (t *HTTPTransport) do(ctx context.Context, u string, body []byte, accept string) (*http.Response, error) {
	if t.Client == nil {
		return nil, fmt.Errorf("model transport: http client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readProviderError(resp)
	}
	return resp, nil
}

type providerErrorBody struct {
	Type     string `json:"__type"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Message  string `json:"message"`
	MessageU string `json:"Message"`
	Error    *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func readProviderError(resp *http.Response) *ProviderError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	pe := &ProviderError{Status: resp.StatusCode}

	var b providerErrorBody
	if err := json.Unmarshal(raw, &b); err == nil {
		pe.Code = firstNonEmpty(b.Type, b.Code, b.Name)
		pe.Message = firstNonEmpty(b.Message, b.MessageU)
		if b.Error != nil {
			pe.Code = firstNonEmpty(pe.Code, b.Error.Type)
			pe.Message = firstNonEmpty(pe.Message, b.Error.Message)
		}
	} else {
		pe.Message = strings.TrimSpace(string(raw))
	}
	if h := resp.Header.Get("X-Amzn-ErrorType"); h != "" {
		pe.Code = h
	}
	pe.Code = normalizeErrorCode(pe.Code)
	return pe
}

// normalizeErrorCode turns "com.amazon#ThrottlingException:http://..." into
// "ThrottlingException".
func normalizeErrorCode(code string) string {
	if i := strings.IndexByte(code, ':'); i >= 0 {
		code = code[:i]
	}
	if i := strings.LastIndexByte(code, '#'); i >= 0 {
		code = code[i+1:]
	}
	return strings.TrimSpace(code)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
