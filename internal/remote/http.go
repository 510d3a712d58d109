package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/marketsync/internal/ir"
)

// HTTPClient is the JSON-over-HTTP Authority.
//
// Transport errors, 429 and 5xx responses are retried with exponential
// backoff, honoring Retry-After. Create is the exception: it is sent once
// with an Idempotency-Key and any failure is returned. Every response entity is checked by the
// configured EntityValidator before it reaches the engine.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	validator  *EntityValidator
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithValidator sets the response validator.
func WithValidator(v *EntityValidator) HTTPOption {
	return func(c *HTTPClient) { c.validator = v }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l }
}

// WithRetry overrides the retry policy.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// NewHTTPClient creates a client for baseURL. A nil httpClient gets a 15s
// timeout default.
func NewHTTPClient(baseURL, token string, httpClient *http.Client, opts ...HTTPOption) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type entityList struct {
	Entities []ir.Entity `json:"entities"`
}

func collectionPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/entities"
}

func entityPath(collection, id string) string {
	return collectionPath(collection) + "/" + url.PathEscape(id)
}

func (c *HTTPClient) ListAll(ctx context.Context, collection string) ([]ir.Entity, error) {
	var out entityList
	if err := c.doJSON(ctx, http.MethodGet, collectionPath(collection), nil, &out); err != nil {
		return nil, err
	}
	return c.validated(collection, out.Entities)
}

func (c *HTTPClient) ListChangedSince(ctx context.Context, collection string, since time.Time) ([]ir.Entity, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	var out entityList
	if err := c.doJSON(ctx, http.MethodGet, collectionPath(collection)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return c.validated(collection, out.Entities)
}

func (c *HTTPClient) Create(ctx context.Context, collection string, draft ir.IRObject) (ir.Entity, error) {
	if _, ok := draft[ir.IDField]; ok {
		draft = ir.Entity(draft).WithoutID()
	}
	// A create is not idempotent, so a lost response must not be retried
	// into a second record. It gets one attempt, tagged with a key the
	// server can deduplicate on.
	header := http.Header{}
	header.Set("Idempotency-Key", uuid.Must(uuid.NewV7()).String())
	var out ir.Entity
	if err := c.send(ctx, http.MethodPost, collectionPath(collection), draft, &out, 0, header); err != nil {
		return nil, err
	}
	return c.validatedOne(collection, out)
}

func (c *HTTPClient) Update(ctx context.Context, collection, id string, patch ir.Patch) (ir.Entity, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var out ir.Entity
	if err := c.doJSON(ctx, http.MethodPatch, entityPath(collection, id), patch.Fields(), &out); err != nil {
		return nil, err
	}
	return c.validatedOne(collection, out)
}

func (c *HTTPClient) Delete(ctx context.Context, collection, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, entityPath(collection, id), nil, nil)
}

func (c *HTTPClient) GetByIDs(ctx context.Context, collection string, ids []string) ([]ir.Entity, error) {
	for _, id := range ids {
		if err := checkID(id); err != nil {
			return nil, err
		}
	}
	body := map[string][]string{"ids": ids}
	var out entityList
	if err := c.doJSON(ctx, http.MethodPost, collectionPath(collection)+":batchGet", body, &out); err != nil {
		return nil, err
	}
	return c.validated(collection, out.Entities)
}

func (c *HTTPClient) validated(collection string, entities []ir.Entity) ([]ir.Entity, error) {
	if entities == nil {
		entities = []ir.Entity{}
	}
	if c.validator == nil {
		return entities, nil
	}
	for _, e := range entities {
		if err := c.validator.Validate(collection, e); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

func (c *HTTPClient) validatedOne(collection string, e ir.Entity) (ir.Entity, error) {
	if e == nil {
		return nil, fmt.Errorf("%s: empty response body", collection)
	}
	if c.validator != nil {
		if err := c.validator.Validate(collection, e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// doJSON sends an idempotent request, retrying transport errors, 429 and
// 5xx up to the configured limit.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	return c.send(ctx, method, requestPath, body, out, c.maxRetries, nil)
}

func (c *HTTPClient) send(ctx context.Context, method, requestPath string, body, out any, maxRetries int, header http.Header) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		for k, vs := range header {
			req.Header[k] = vs
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				c.logger.Debug("remote request failed, retrying",
					"method", method, "path", requestPath, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("decode %s %s response: %w", method, requestPath, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			c.logger.Debug("remote returned retryable status",
				"method", method, "path", requestPath, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "msync_" + uuid.Must(uuid.NewV7()).String()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
