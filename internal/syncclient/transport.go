package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
)

const (
	syncPath           = "/api/sync"
	realtimePath       = "/api/realtime"
	maxErrorBodyBytes  = 4096
	defaultHTTPTimeout = 30 * time.Second
)

var errMissingBaseURL = errors.New("syncclient: server base url is required")

// StatusError reports a non-2xx answer from the sync endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sync failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("sync failed with status %d: %s", e.StatusCode, e.Body)
}

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// HTTPTransport posts sync requests to the server over HTTP.
type HTTPTransport struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPTransport validates cfg and returns an HTTPTransport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("syncclient: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPTransport{
		endpoint:   base + syncPath,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
	}, nil
}

// Sync sends one batch and decodes the server response.
func (t *HTTPTransport) Sync(ctx context.Context, request protocol.SyncRequest) (protocol.SyncResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return protocol.SyncResponse{}, fmt.Errorf("syncclient: encode request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.SyncResponse{}, fmt.Errorf("syncclient: build request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+t.token)
	}

	httpResponse, err := t.httpClient.Do(httpRequest)
	if err != nil {
		return protocol.SyncResponse{}, fmt.Errorf("syncclient: send request: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResponse.Body, maxErrorBodyBytes))
		return protocol.SyncResponse{}, &StatusError{
			StatusCode: httpResponse.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	var response protocol.SyncResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
		return protocol.SyncResponse{}, fmt.Errorf("syncclient: decode response: %w", err)
	}
	return response, nil
}

// RealtimeURL derives the websocket address of the realtime channel from
// the server base URL.
func RealtimeURL(baseURL string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return "", errMissingBaseURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("syncclient: invalid base url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http", "":
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + realtimePath
	return parsed.String(), nil
}
