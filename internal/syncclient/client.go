// Package syncclient is the kiosk side of the sync protocol: an HTTP client
// for the device API, the sync engine that moves queued sales up and deltas
// down, and the connectivity monitor that triggers it on reconnect.
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
	"strconv"
	"sync"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"
	"xpos/internal/fiscal"
	"xpos/internal/localstore"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRetryAttempts = 3
	defaultRetryBase     = time.Second
)

// TokenStore persists the device token and yields the credentials used to
// refresh it. *localstore.Store satisfies it.
type TokenStore interface {
	Identity(ctx context.Context) (*localstore.Identity, error)
	UpdateToken(ctx context.Context, token string, expiresAt time.Time) error
}

// Client talks to the server's device API. Every call is bounded by the
// client timeout; calls that are safe to repeat retry connectivity failures
// with exponential backoff.
type Client struct {
	baseURL       string
	http          *http.Client
	timeout       time.Duration
	tokens        TokenStore
	retryAttempts int
	retryBase     time.Duration
	observe       func(ok bool)

	mu    sync.Mutex
	token string
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithRetry sets the attempts and first backoff step of retried calls.
func WithRetry(attempts int, base time.Duration) ClientOption {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryBase = base
	}
}

// WithObserver reports every sync call outcome as seen from the server:
// true when the server answered, false when it could not be reached.
func WithObserver(fn func(ok bool)) ClientOption {
	return func(c *Client) { c.observe = fn }
}

func NewClient(baseURL string, timeout time.Duration, tokens TokenStore, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:       baseURL,
		http:          &http.Client{},
		timeout:       timeout,
		tokens:        tokens,
		retryAttempts: defaultRetryAttempts,
		retryBase:     defaultRetryBase,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Device endpoints ─────────────────────────────────────────────────────────

// Register enrolls this kiosk with an operator-issued enrollment token.
// It is not retried: a lost response would leave an orphan device behind
// and the operator simply runs it again.
func (c *Client) Register(ctx context.Context, enrollmentToken string, req dto.RegisterDeviceRequest) (*dto.RegisterDeviceResponse, error) {
	var out dto.RegisterDeviceResponse
	err := c.do(ctx, call{
		method: http.MethodPost, path: "/v1/devices/register", body: req, out: &out,
		bearer: enrollmentToken, observe: true,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat is the connectivity probe. The monitor records its outcome, so
// it is not reported to the observer.
func (c *Client) Heartbeat(ctx context.Context) (*dto.HeartbeatResponse, error) {
	var out dto.HeartbeatResponse
	if err := c.do(ctx, call{method: http.MethodPost, path: "/v1/devices/heartbeat", out: &out, auth: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshToken exchanges the stored device secret for a new device token.
func (c *Client) RefreshToken(ctx context.Context) error {
	if c.tokens == nil {
		return apierror.Unauthorized("device not registered")
	}
	id, err := c.tokens.Identity(ctx)
	if err != nil {
		return apierror.Unauthorized("device not registered")
	}
	var out dto.DeviceTokenResponse
	err = c.do(ctx, call{
		method: http.MethodPost, path: "/v1/devices/token", out: &out,
		body: dto.DeviceTokenRequest{DeviceID: id.DeviceID.String(), DeviceSecret: id.DeviceSecret},
	})
	if err != nil {
		return err
	}
	if err := c.tokens.UpdateToken(ctx, out.DeviceToken, out.ExpiresAt); err != nil {
		return fmt.Errorf("store refreshed token: %w", err)
	}
	c.mu.Lock()
	c.token = out.DeviceToken
	c.mu.Unlock()
	log.Info().Str("device_id", id.DeviceID.String()).Time("expires_at", out.ExpiresAt).Msg("syncclient: device token refreshed")
	return nil
}

// ── Sync endpoints ───────────────────────────────────────────────────────────

// Delta pulls one entity's changes after since; the zero time pulls all.
func (c *Client) Delta(ctx context.Context, entityType string, since time.Time) (*dto.DeltaResponse, error) {
	q := url.Values{"entity_type": {entityType}}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out dto.DeltaResponse
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, call{method: http.MethodGet, path: "/v1/sync/delta?" + q.Encode(), out: &out, auth: true, observe: true})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadSales sends one batch. Retrying is safe: the server deduplicates
// by (device_id, local_id).
func (c *Client) UploadSales(ctx context.Context, sales []dto.SaleUpload) (*dto.SaleBatchResponse, error) {
	var out dto.SaleBatchResponse
	err := c.withRetry(ctx, func() error {
		out = dto.SaleBatchResponse{}
		return c.do(ctx, call{
			method: http.MethodPost, path: "/v1/sync/sales", body: dto.SaleBatchRequest{Sales: sales},
			out: &out, auth: true, observe: true,
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Fiscal endpoints ─────────────────────────────────────────────────────────

// FiscalConfig fetches the active printer config for purpose. A missing or
// inactive config is a configuration error.
func (c *Client) FiscalConfig(ctx context.Context, purpose string) (*dto.FiscalConfigResponse, error) {
	var out dto.FiscalConfigResponse
	path := "/v1/fiscal/config?" + url.Values{"purpose": {purpose}}.Encode()
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, call{method: http.MethodGet, path: path, out: &out, auth: true, observe: true})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitFiscalJob queues a server-mediated fiscal operation. A duplicate
// submission returns the existing job.
func (c *Client) SubmitFiscalJob(ctx context.Context, req dto.FiscalJobRequest) (*dto.FiscalJobResponse, error) {
	var out dto.FiscalJobResponse
	err := c.do(ctx, call{method: http.MethodPost, path: "/v1/fiscal/jobs", body: req, out: &out, auth: true, observe: true})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FiscalJob(ctx context.Context, id string) (*dto.FiscalJobResponse, error) {
	var out dto.FiscalJobResponse
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, call{method: http.MethodGet, path: "/v1/fiscal/jobs/" + url.PathEscape(id), out: &out, auth: true, observe: true})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ShiftStatus asks the server to query the account's receipt printer.
func (c *Client) ShiftStatus(ctx context.Context) (*fiscal.ShiftStatus, error) {
	var out fiscal.ShiftStatus
	if err := c.do(ctx, call{method: http.MethodGet, path: "/v1/fiscal/shift", out: &out, auth: true, observe: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Transport ────────────────────────────────────────────────────────────────

type call struct {
	method  string
	path    string
	body    any
	out     any
	auth    bool   // send the device token, refreshing it once on 401
	bearer  string // explicit token, e.g. an enrollment token
	observe bool
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	if c.tokens == nil {
		return "", apierror.Unauthorized("device not registered")
	}
	id, err := c.tokens.Identity(ctx)
	if err != nil {
		return "", apierror.Unauthorized("device not registered")
	}
	c.mu.Lock()
	c.token = id.DeviceToken
	c.mu.Unlock()
	return id.DeviceToken, nil
}

func (c *Client) do(ctx context.Context, cl call) error {
	err := c.send(ctx, cl)
	if cl.auth && apierror.KindOf(err) == apierror.KindUnauthorized {
		if rerr := c.RefreshToken(ctx); rerr != nil {
			log.Warn().Err(rerr).Msg("syncclient: token refresh failed")
			return err
		}
		err = c.send(ctx, cl)
	}
	return err
}

func (c *Client) send(ctx context.Context, cl call) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", cl.path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return fmt.Errorf("build request %s: %w", cl.path, err)
	}
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	bearer := cl.bearer
	if cl.auth {
		if bearer, err = c.currentToken(ctx); err != nil {
			return err
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.report(cl, false)
		return apierror.Connectivity(err, "server unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		c.report(cl, false)
		return apierror.Connectivity(err, "read server response")
	}
	c.report(cl, resp.StatusCode < 500)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if cl.out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, cl.out); err != nil {
			return apierror.Protocol(fmt.Sprintf("decode %s response: %v", cl.path, err))
		}
		return nil
	}
	return responseError(resp.StatusCode, resp.Header, raw)
}

// responseError turns a non-2xx answer into a typed error. Server-side
// failures and throttling are connectivity problems for the kiosk: the
// same request can succeed later.
func responseError(status int, h http.Header, raw []byte) error {
	var env apierror.Response
	_ = json.Unmarshal(raw, &env)
	e := apierror.FromResponse(status, env)
	switch {
	case status == http.StatusTooManyRequests:
		msg := "rate limited"
		if ra := h.Get("Retry-After"); ra != "" {
			msg += ", retry after " + ra
		}
		return apierror.Connectivity(e, msg)
	case status >= 500 && e.Kind == apierror.KindInternal:
		return apierror.Connectivity(e, "server error "+strconv.Itoa(status))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func (c *Client) report(cl call, ok bool) {
	if cl.observe && c.observe != nil {
		c.observe(ok)
	}
}

// withRetry retries fn on connectivity errors with exponential backoff:
// base, 2*base, 4*base... Any other error returns at once.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < c.retryAttempts; i++ {
		if i > 0 {
			wait := c.retryBase * time.Duration(1<<uint(i-1))
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(wait):
			}
		}
		lastErr = fn()
		if lastErr == nil || apierror.KindOf(lastErr) != apierror.KindConnectivity {
			return lastErr
		}
	}
	return lastErr
}
