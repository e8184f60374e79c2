// Copyright 2025 Certen Protocol
//
// Adapter Boundary (C10) freezes non-deterministic HTTP I/O by pinning
// responses to a content identifier. The deterministic core never observes
// a response that has not been pinned and CID-verified.

package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ubl-network/ubl-gate/pkg/cid"
)

// HttpParams describes an outbound HTTP call. Canonicalizing and CIDing it
// (ParamsCID) gives a stable identifier for "this exact request" independent
// of when or how many times it runs.
type HttpParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"` // base64 would double-encode; adapter bodies are small and UTF-8 in practice
	Timeout time.Duration     `json:"timeout_ns"`
}

// ParamsCID canonicalizes p and returns its content identifier.
func ParamsCID(p HttpParams) (string, error) {
	c, _, err := cid.OfValue(p)
	if err != nil {
		return "", fmt.Errorf("adapter: params cid: %w", err)
	}
	return c, nil
}

// PinnedBlob is a response frozen by content identifier. The deterministic
// core only ever consumes PinnedBlob values, never a live *http.Response.
type PinnedBlob struct {
	CID           string            `json:"cid"`
	Data          []byte            `json:"data"`
	Status        int               `json:"status"`
	HeadersSubset map[string]string `json:"headers_subset,omitempty"`
}

// VerifyPinned recomputes the CID over b.Data and reports whether it still
// matches b.CID. A false result means the blob was tampered with after
// pinning.
func VerifyPinned(b PinnedBlob) bool {
	return cid.Of(b.Data) == b.CID
}

// Policy is the pre-call gate enforced before any adapter HTTP request runs:
// an allowlist of permitted URLs, a response size cap, and a timeout cap.
type Policy struct {
	// Allowlist entries are matched in order: an exact string, a
	// prefix-glob ending in "*", or the literal "*" to allow everything.
	Allowlist        []string
	MaxResponseBytes int64
	MaxTimeout       time.Duration
}

// DeniedError reports why a request was rejected by Policy before any I/O
// occurred.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "adapter: denied: " + e.Reason }

// checkURL reports whether url matches any allowlist entry.
func (p Policy) checkURL(url string) error {
	for _, rule := range p.Allowlist {
		if rule == "*" {
			return nil
		}
		if strings.HasSuffix(rule, "*") {
			if strings.HasPrefix(url, strings.TrimSuffix(rule, "*")) {
				return nil
			}
			continue
		}
		if rule == url {
			return nil
		}
	}
	return &DeniedError{Reason: fmt.Sprintf("url %q is not in the allowlist", url)}
}

func (p Policy) checkTimeout(requested time.Duration) error {
	if p.MaxTimeout > 0 && requested > p.MaxTimeout {
		return &DeniedError{Reason: fmt.Sprintf("requested timeout %s exceeds policy cap %s", requested, p.MaxTimeout)}
	}
	return nil
}

// Client executes adapter HTTP calls against a Policy, pinning every
// response by content identifier before it can reach the deterministic
// core.
type Client struct {
	httpClient *http.Client
	policy     Policy
}

// New builds a Client enforcing policy. A zero-value policy denies every
// URL (an empty allowlist matches nothing).
func New(policy Policy) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: policy.MaxTimeout},
		policy:     policy,
	}
}

// Fetch runs params through the allowlist/timeout pre-checks, performs the
// HTTP call, and pins the result. The runtime never sees the raw
// *http.Response — only the PinnedBlob this returns.
func (c *Client) Fetch(ctx context.Context, params HttpParams) (PinnedBlob, error) {
	if err := c.policy.checkURL(params.URL); err != nil {
		return PinnedBlob{}, err
	}
	if err := c.policy.checkTimeout(params.Timeout); err != nil {
		return PinnedBlob{}, err
	}

	timeout := params.Timeout
	if timeout <= 0 || (c.policy.MaxTimeout > 0 && timeout > c.policy.MaxTimeout) {
		timeout = c.policy.MaxTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if params.Body != "" {
		bodyReader = strings.NewReader(params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, params.Method, params.URL, bodyReader)
	if err != nil {
		return PinnedBlob{}, fmt.Errorf("adapter: build request: %w", err)
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PinnedBlob{}, fmt.Errorf("adapter: request failed: %w", err)
	}
	defer resp.Body.Close()

	limit := c.policy.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	reader := io.LimitReader(resp.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return PinnedBlob{}, fmt.Errorf("adapter: read response: %w", err)
	}
	if int64(len(data)) > limit {
		return PinnedBlob{}, &DeniedError{Reason: fmt.Sprintf("response exceeds the %d byte cap", limit)}
	}

	headers := make(map[string]string, len(params.Headers))
	for _, k := range pinnedHeaders {
		if v := resp.Header.Get(k); v != "" {
			headers[k] = v
		}
	}

	return PinnedBlob{
		CID:           cid.Of(data),
		Data:          data,
		Status:        resp.StatusCode,
		HeadersSubset: headers,
	}, nil
}

// defaultMaxResponseBytes applies when a Policy leaves MaxResponseBytes
// unset, so Fetch never buffers an unbounded response.
const defaultMaxResponseBytes = 1 << 20

// pinnedHeaders lists the response headers preserved in a PinnedBlob's
// HeadersSubset; anything else is dropped to keep the pin small and
// deterministic to compare across re-fetches.
var pinnedHeaders = []string{"Content-Type", "ETag", "Last-Modified"}
