// Package httpx implements the REST/JSON and SOAP connector. Its retry and
// backoff logic is adapted directly from the teacher's http.Execute: an
// initial attempt plus RetryCount retries, exponential or linear backoff,
// and no retry on a 4xx response. SOAP support reuses the teacher's raw
// encoding/xml-over-net/http idiom (seen in db/basex.go and db/graphdb.go)
// rather than a third-party SOAP library, since none exists anywhere in the
// corpus this project draws from.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mpraes/single-node-dw/internal/connectors"
	"github.com/mpraes/single-node-dw/internal/contract"
)

func init() {
	connectors.Register("http", NewConnector)
}

// Config keys recognized by this connector.
type Config struct {
	URL           string
	Method        string
	Headers       map[string]string
	Mode          string // "json" (default) or "soap"
	SOAPAction    string
	SOAPEnvelope  string // request body for SOAP mode
	RetryCount    int
	RetryBackoff  string // "exponential" (default) or "linear"
	RetryInterval time.Duration
	Timeout       time.Duration
}

// Connector fetches a single HTTP or SOAP response and ingests it as one
// item: a RowsPayload for a JSON array response, a RowPayload for a JSON
// object, or a ScalarPayload carrying the raw body otherwise.
type Connector struct {
	cfg    Config
	client *http.Client
}

// NewConnector builds a Connector from a raw config map.
func NewConnector(raw map[string]any) (connectors.Connector, error) {
	cfg := Config{
		Method:        "GET",
		Mode:          "json",
		RetryBackoff:  "exponential",
		RetryInterval: time.Second,
		Timeout:       30 * time.Second,
	}
	if v, ok := raw["url"].(string); ok {
		cfg.URL = v
	}
	if v, ok := raw["method"].(string); ok && v != "" {
		cfg.Method = v
	}
	if v, ok := raw["mode"].(string); ok && v != "" {
		cfg.Mode = v
	}
	if v, ok := raw["soap_action"].(string); ok {
		cfg.SOAPAction = v
	}
	if v, ok := raw["soap_envelope"].(string); ok {
		cfg.SOAPEnvelope = v
	}
	if v, ok := raw["retry_count"].(int); ok {
		cfg.RetryCount = v
	}
	if v, ok := raw["retry_backoff"].(string); ok && v != "" {
		cfg.RetryBackoff = v
	}
	if v, ok := raw["headers"].(map[string]any); ok {
		cfg.Headers = map[string]string{}
		for k, hv := range v {
			if s, ok := hv.(string); ok {
				cfg.Headers[k] = s
			}
		}
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("http connector: url is required")
	}
	return &Connector{cfg: cfg}, nil
}

// Connect builds the underlying *http.Client. There is no server round trip
// at connect time; connectivity is only verified on the first Fetch.
func (c *Connector) Connect(ctx context.Context) error {
	c.client = &http.Client{Timeout: c.cfg.Timeout}
	return nil
}

// Fetch issues the configured request, retrying transient failures per
// cfg.RetryCount, and parses the response body into an IngestionResult.
// query, if non-empty, overrides cfg.URL for this call, letting one
// connector instance be reused across several endpoints. A response that
// never escapes the retry loop with a 2xx status is not treated as a Go
// error: it comes back as a soft failure, Success false and Metadata["error"]
// describing the status and a snippet of the body, the same distinction the
// SOAP and JSON parsers draw between a malformed response (hard error, the
// connector cannot say anything useful about it) and a server that answered
// but refused the request.
func (c *Connector) Fetch(ctx context.Context, query string) (contract.IngestionResult, error) {
	if err := connectors.RequireConnected(c.client != nil); err != nil {
		return contract.IngestionResult{}, err
	}

	url := c.cfg.URL
	if query != "" {
		url = query
	}

	var body []byte
	var statusCode int
	var err error
	if c.cfg.Mode == "soap" {
		body, statusCode, err = c.executeWithRetry(ctx, url, "POST", []byte(c.cfg.SOAPEnvelope), soapHeaders(c.cfg))
	} else {
		body, statusCode, err = c.executeWithRetry(ctx, url, c.cfg.Method, nil, c.cfg.Headers)
	}
	if err != nil {
		return contract.IngestionResult{}, err
	}
	if statusCode < 200 || statusCode >= 300 {
		return contract.IngestionResult{
			Protocol: "http",
			Success:  false,
			Metadata: map[string]any{"error": fmt.Sprintf("%d %s", statusCode, bodySnippet(body))},
		}, nil
	}

	if c.cfg.Mode == "soap" {
		return parseSOAP(body)
	}
	return parseJSON(body)
}

func bodySnippet(body []byte) string {
	const max = 200
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > max {
		snippet = snippet[:max]
	}
	return snippet
}

func soapHeaders(cfg Config) map[string]string {
	headers := map[string]string{"Content-Type": "text/xml; charset=utf-8"}
	if cfg.SOAPAction != "" {
		headers["SOAPAction"] = cfg.SOAPAction
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return headers
}

// executeWithRetry mirrors the teacher's Execute: an initial attempt plus
// RetryCount retries, with exponential or linear backoff between attempts,
// and no retry once a 4xx response has been received. A non-2xx status is
// not itself a reason to return an error here: it is returned alongside the
// body so Fetch can report it as a soft failure. Only a transport-level
// failure (the request could not be built or sent, or the body could not be
// read) produces a non-nil error, and only once retries are exhausted.
func (c *Connector) executeWithRetry(ctx context.Context, url, method string, body []byte, headers map[string]string) ([]byte, int, error) {
	attempts := c.cfg.RetryCount + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		respBody, statusCode, err := c.executeOnce(ctx, url, method, body, headers)
		last := attempt == attempts-1

		if err == nil {
			if statusCode >= 200 && statusCode < 300 {
				return respBody, statusCode, nil
			}
			if (statusCode >= 400 && statusCode < 500) || last {
				return respBody, statusCode, nil
			}
		} else {
			lastErr = err
			if last {
				return nil, 0, fmt.Errorf("http connector: request failed after %d attempts: %w", attempts, lastErr)
			}
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(calculateBackoff(attempt, c.cfg.RetryBackoff, c.cfg.RetryInterval)):
		}
	}
	return nil, 0, fmt.Errorf("http connector: request failed after %d attempts: %w", attempts, lastErr)
}

func (c *Connector) executeOnce(ctx context.Context, url, method string, body []byte, headers map[string]string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}

	return respBody, resp.StatusCode, nil
}

func calculateBackoff(attempt int, strategy string, initial time.Duration) time.Duration {
	if strategy == "linear" {
		return initial * time.Duration(attempt+1)
	}
	multiplier := 1 << uint(attempt)
	return initial * time.Duration(multiplier)
}

func parseJSON(body []byte) (contract.IngestionResult, error) {
	trimmed := bytes.TrimSpace(body)
	now := time.Now()

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []map[string]any
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return contract.IngestionResult{}, fmt.Errorf("http connector: parsing JSON array: %w", err)
		}
		return contract.IngestionResult{Protocol: "http", Success: true, Items: []contract.IngestedItem{{
			Protocol:  "http",
			FetchedAt: now,
			Payload:   contract.RowsPayload{Rows: rows},
		}}}, nil
	}

	var row map[string]any
	if err := json.Unmarshal(trimmed, &row); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("http connector: parsing JSON object: %w", err)
	}
	return contract.IngestionResult{Protocol: "http", Success: true, Items: []contract.IngestedItem{{
		Protocol:  "http",
		FetchedAt: now,
		Payload:   contract.RowPayload{Row: row},
	}}}, nil
}

// soapEnvelope is a minimal generic envelope used to unwrap the body
// element's raw inner XML, which is then surfaced as a single scalar row;
// callers that need typed fields parse that XML string themselves from the
// per-service WSDL shape, which this generic connector does not model.
type soapEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

func parseSOAP(body []byte) (contract.IngestionResult, error) {
	var envelope soapEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return contract.IngestionResult{}, fmt.Errorf("http connector: parsing SOAP envelope: %w", err)
	}
	return contract.IngestionResult{Protocol: "soap", Success: true, Items: []contract.IngestedItem{{
		Protocol:  "soap",
		FetchedAt: time.Now(),
		Payload:   contract.ScalarPayload{Value: strings.TrimSpace(string(envelope.Body.Inner))},
	}}}, nil
}

// Close is a no-op: *http.Client owns no resources that require explicit
// release beyond what the transport's idle connection pool already does.
func (c *Connector) Close() error {
	return nil
}
