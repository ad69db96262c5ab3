package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
	"github.com/fieldops/reconcile-cli/internal/resilience"
)

// REST implements Gateway against a PostgREST-style HTTP API
// (/rest/v1/<table>), authenticating with a service key.
type REST struct {
	baseURL    string
	serviceKey string
	client     *http.Client
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
}

// RESTOption configures the REST gateway.
type RESTOption func(*REST)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *REST) {
		r.client = c
	}
}

// WithTimeout sets the per-request client timeout.
func WithTimeout(d time.Duration) RESTOption {
	return func(r *REST) {
		r.client.Timeout = d
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) RESTOption {
	return func(r *REST) {
		r.retry = cfg
	}
}

// WithCircuitBreaker sets the breaker guarding every request.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) RESTOption {
	return func(r *REST) {
		r.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// NewREST creates a gateway client for baseURL.
func NewREST(baseURL, serviceKey string, opts ...RESTOption) (*REST, error) {
	if baseURL == "" {
		return nil, eris.New("rest: base url is required")
	}
	if serviceKey == "" {
		return nil, eris.New("rest: service key is required")
	}
	r := &REST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: 30 * time.Second},
		retry:      resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	if r.retry.OnRetry == nil {
		r.retry.OnRetry = resilience.RetryLogger("gateway", "rest")
	}
	return r, nil
}

// apiError is the error body PostgREST returns.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Select runs q as a GET with query-string filters.
func (r *REST) Select(ctx context.Context, q db.Query) ([]Row, error) {
	params, err := queryParams(q.Where)
	if err != nil {
		return nil, eris.Wrap(err, "rest: select")
	}
	if len(q.Columns) > 0 {
		params.Set("select", strings.Join(q.Columns, ","))
	}
	if len(q.OrderBy) > 0 {
		terms := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			terms[i] = o.Column + "." + dir
		}
		params.Set("order", strings.Join(terms, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	body, err := r.do(ctx, http.MethodGet, q.Table, params, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "rest: select %s", q.Table)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var maps []map[string]any
	if err := dec.Decode(&maps); err != nil {
		return nil, eris.Wrapf(err, "rest: decode %s", q.Table)
	}
	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = Row(m)
	}
	return out, nil
}

// Exists asks for at most one matching row.
func (r *REST) Exists(ctx context.Context, table string, where []db.Predicate) (bool, error) {
	if len(where) == 0 {
		return false, eris.New("rest: exists: refusing unkeyed lookup")
	}
	params, err := queryParams(where)
	if err != nil {
		return false, eris.Wrap(err, "rest: exists")
	}
	params.Set("select", where[0].Column)
	params.Set("limit", "1")

	body, err := r.do(ctx, http.MethodGet, table, params, nil)
	if err != nil {
		return false, eris.Wrapf(err, "rest: exists %s", table)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return false, eris.Wrapf(err, "rest: decode %s", table)
	}
	return len(rows) > 0, nil
}

// Insert POSTs a single row. It is retried only when the server cannot have
// applied it; a request lost after it was sent surfaces as an error and the
// next run finds the row if it landed.
func (r *REST) Insert(ctx context.Context, table string, row Row) error {
	payload, err := json.Marshal(map[string]any(row))
	if err != nil {
		return eris.Wrapf(err, "rest: encode %s row", table)
	}
	_, err = r.do(ctx, http.MethodPost, table, nil, payload)
	return eris.Wrapf(err, "rest: insert %s", table)
}

// Close releases idle connections.
func (r *REST) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// do sends one logical request through the breaker with retries.
func (r *REST) do(ctx context.Context, method, table string, params url.Values, payload []byte) ([]byte, error) {
	endpoint := r.baseURL + "/rest/v1/" + url.PathEscape(table)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	retry := r.retry
	if method != http.MethodGet {
		retry.ShouldRetry = retryableWrite
	}
	return resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) ([]byte, error) {
			return r.send(ctx, method, endpoint, payload)
		})
	})
}

// retryableWrite reports whether a failed write was certainly not applied:
// the connection was refused, or the server turned the request away with
// 429 or 503 before handling it.
func retryableWrite(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var te *resilience.TransientError
	if !errors.As(err, &te) {
		return false
	}
	return te.StatusCode == http.StatusTooManyRequests || te.StatusCode == http.StatusServiceUnavailable
}

func (r *REST) send(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("apikey", r.serviceKey)
	req.Header.Set("Authorization", "Bearer "+r.serviceKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=minimal")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read response"), resp.StatusCode)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	var apiErr apiError
	_ = json.Unmarshal(data, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}

	switch {
	case resp.StatusCode == http.StatusConflict || apiErr.Code == db.CodeUniqueViolation:
		return nil, eris.Wrapf(reconcile.ErrConflict, "%s", msg)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		zap.L().Debug("rest: transient status",
			zap.Int("status", resp.StatusCode),
			zap.String("method", method),
		)
		return nil, resilience.NewTransientError(
			eris.Errorf("unexpected status %d: %s", resp.StatusCode, msg), resp.StatusCode)
	default:
		if apiErr.Code != "" {
			return nil, eris.Errorf("status %d (code %s): %s", resp.StatusCode, apiErr.Code, msg)
		}
		return nil, eris.Errorf("status %d: %s", resp.StatusCode, msg)
	}
}

// queryParams renders predicates as PostgREST filters.
func queryParams(where []db.Predicate) (url.Values, error) {
	params := url.Values{}
	for _, p := range where {
		if p.Column == "" {
			return nil, eris.New("predicate: empty column")
		}
		switch p.Op {
		case db.OpEq:
			params.Add(p.Column, "eq."+formatValue(p.Value))
		case db.OpIsNull:
			params.Add(p.Column, "is.null")
		case db.OpNotNull:
			params.Add(p.Column, "not.is.null")
		case db.OpIn:
			quoted := make([]string, len(p.Values))
			for i, v := range p.Values {
				quoted[i] = strconv.Quote(formatValue(v))
			}
			params.Add(p.Column, fmt.Sprintf("in.(%s)", strings.Join(quoted, ",")))
		default:
			return nil, eris.Errorf("predicate: unsupported op %s on %s", p.Op, p.Column)
		}
	}
	return params, nil
}
