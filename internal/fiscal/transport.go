package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"xpos/internal/apierror"
)

const (
	defaultPrinterTimeout = 20 * time.Second
	maxResponseBytes      = 1 << 20
	excerptBytes          = 200
)

// transport is the HTTP request/response plumbing shared by all vendors.
type transport struct {
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

func newTransport(opts ...Option) *transport {
	t := &transport{
		client:  &http.Client{},
		timeout: defaultPrinterTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// postJSON marshals body, sends it and decodes a 2xx response into out.
func (t *transport) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("fiscal: marshal request: %w", err)
	}
	raw, err := t.do(ctx, http.MethodPost, url, headers, "application/json", payload)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, apierror.Wrap(apierror.KindProtocol, err, "malformed printer response")
		}
	}
	return raw, nil
}

// getJSON issues a GET and decodes a 2xx response into out.
func (t *transport) getJSON(ctx context.Context, url string, headers map[string]string, out any) (json.RawMessage, error) {
	raw, err := t.do(ctx, http.MethodGet, url, headers, "", nil)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, apierror.Wrap(apierror.KindProtocol, err, "malformed printer response")
		}
	}
	return raw, nil
}

// do performs one request. Network failures and timeouts become
// connectivity errors; any non-2xx status becomes a protocol error.
func (t *transport) do(ctx context.Context, method, url string, headers map[string]string, contentType string, body []byte) ([]byte, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindConfiguration, err, "invalid printer address")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, apierror.Connectivity(err, "printer timed out")
		}
		return nil, apierror.Connectivity(err, "printer unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierror.Connectivity(err, "read printer response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierror.Protocol(fmt.Sprintf("printer returned %d: %s", resp.StatusCode, excerpt(raw)))
	}
	return raw, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func excerpt(b []byte) string {
	if len(b) > excerptBytes {
		return string(b[:excerptBytes]) + "..."
	}
	return string(b)
}

// vendorError builds the protocol error for a vendor-level rejection.
func vendorError(provider string, code any, msg string) error {
	return apierror.Protocol(fmt.Sprintf("%s rejected request (code %v): %s", provider, code, msg))
}
