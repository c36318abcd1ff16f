package cloud

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
	"time"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/record"
	"example.com/ridesync/internal/sharing"
)

// ErrUnexpectedStatus is returned for a response the client does not handle.
var ErrUnexpectedStatus = errors.New("unexpected cloud response")

// Page is one page of the changes feed as seen by a device.
type Page struct {
	Records    []record.Record
	NextCursor string
}

// Client calls the cloud API on behalf of a primary device.
type Client struct {
	baseURL string
	token   func() string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource supplies the bearer token per request, for tokens that rotate.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.token = fn
		}
	}
}

// NewClient builds a Client for the API at baseURL authenticating with token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   func() string { return token },
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push sends one record. The returned record is the version the server holds
// after the push. A rejected push returns *domain.ConflictError.
func (c *Client) Push(ctx context.Context, rec record.Record) (record.Record, error) {
	var resp PushResponse
	status, body, err := c.do(ctx, "push", http.MethodPost, "/v1/records", rec, &resp)
	if err != nil {
		return record.Record{}, err
	}
	switch status {
	case http.StatusOK:
		return resp.Record, nil
	case http.StatusConflict:
		var conflict ConflictResponse
		if err := json.Unmarshal(body, &conflict); err != nil {
			return record.Record{}, fmt.Errorf("%w: conflict body: %v", domain.ErrDecodeFailure, err)
		}
		return record.Record{}, &domain.ConflictError{Server: conflict.Server}
	default:
		return record.Record{}, statusError(status, body)
	}
}

// Changes fetches the page of records stored after cursor.
func (c *Client) Changes(ctx context.Context, cursor string, limit int) (Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp ChangesResponse
	status, body, err := c.do(ctx, "changes", http.MethodGet, path, nil, &resp)
	if err != nil {
		return Page{}, err
	}
	if status != http.StatusOK {
		return Page{}, statusError(status, body)
	}
	return Page{Records: resp.Records, NextCursor: resp.NextCursor}, nil
}

// CreateShare registers a share in the cloud.
func (c *Client) CreateShare(ctx context.Context, share sharing.Share) (sharing.Share, error) {
	var created sharing.Share
	status, body, err := c.do(ctx, "create_share", http.MethodPost, "/v1/shares", share, &created)
	if err != nil {
		return sharing.Share{}, err
	}
	if status != http.StatusCreated {
		return sharing.Share{}, statusError(status, body)
	}
	return created, nil
}

// RevokeShare revokes a share. An unknown share returns sharing.ErrShareNotFound.
func (c *Client) RevokeShare(ctx context.Context, id string) error {
	status, body, err := c.do(ctx, "revoke_share", http.MethodDelete, "/v1/shares/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return err
	}
	return shareStatus(status, body, id)
}

// AcceptShare accepts a share offered to the caller.
func (c *Client) AcceptShare(ctx context.Context, id string) error {
	status, body, err := c.do(ctx, "accept_share", http.MethodPost, "/v1/shares/"+url.PathEscape(id)+"/accept", nil, nil)
	if err != nil {
		return err
	}
	return shareStatus(status, body, id)
}

// IncomingShares lists shares offered to the caller that are not yet accepted.
func (c *Client) IncomingShares(ctx context.Context) ([]sharing.Share, error) {
	var resp IncomingResponse
	status, body, err := c.do(ctx, "incoming_shares", http.MethodGet, "/v1/shares/incoming", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}
	return resp.Shares, nil
}

// do performs one request. Transport failures wrap ErrTransportUnreachable.
// A 2xx body is decoded into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) (int, []byte, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		clientRequests.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransportUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read %s: %v", domain.ErrTransportUnreachable, path, err)
	}
	outcome = strconv.Itoa(resp.StatusCode)
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("%w: %s response: %v", domain.ErrDecodeFailure, op, err)
		}
	}
	return resp.StatusCode, body, nil
}

func shareStatus(status int, body []byte, id string) error {
	switch status {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", sharing.ErrShareNotFound, id)
	default:
		return statusError(status, body)
	}
}

// statusError maps a non-success response. Server faults and throttling are
// reported as unreachable so callers retry them.
func statusError(status int, body []byte) error {
	var problem struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(body, &problem)
	err := fmt.Errorf("%w: status %d %s: %s", ErrUnexpectedStatus, status, problem.Type, problem.Detail)
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", domain.ErrTransportUnreachable, err)
	}
	return err
}

// IsRetryable reports whether a failed call may succeed if repeated unchanged:
// transport faults, server faults, throttling and timeouts. Any other refusal
// is final for the request that caused it.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrTransportUnreachable) ||
		errors.Is(err, domain.ErrAckTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

var _ sharing.ShareService = (*Client)(nil)
