// Package feed implements the HTTP client for the remote append-only feed
// service: paginated reads, batch object fetches and idempotent submissions.
package feed

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

	"github.com/dozorro/dzsyncd/internal/schema"
)

// ErrRemote signals an explicit error payload from the remote. It aborts the
// current batch fetch only; the next cycle retries.
var ErrRemote = errors.New("remote error")

// ErrNotSaved is returned when a submission gets a 2xx response without a
// created acknowledgment.
var ErrNotSaved = errors.New("not saved")

// DefaultTimeout bounds every remote call. Timeouts are retryable failures,
// not fatal: the record stays pending and the next cycle tries again.
const DefaultTimeout = 30 * time.Second

// Client talks to the remote API over plain request/response HTTP.
type Client struct {
	base string
	http *http.Client
}

// New creates a Client for the API at baseURL. A trailing slash is implied.
func New(baseURL string) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: DefaultTimeout},
	}
}

// GetPage fetches one feed page starting at cursor. An empty cursor reads
// from the remote's default starting position. limit is a page size hint;
// zero leaves it to the remote.
func (c *Client) GetPage(ctx context.Context, cursor string, limit int) (*schema.FeedPage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("offset", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var page schema.FeedPage
	if err := c.get(ctx, "feed", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetObjects fetches the given ids as a single batch, comma-joined in the
// request path. An explicit error payload fails the whole batch with
// ErrRemote. A single-object response is normalized to a one-element batch.
func (c *Client) GetObjects(ctx context.Context, ids []string) ([]schema.FetchedObject, error) {
	var resp struct {
		ID    string          `json:"id"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := c.get(ctx, "object/"+strings.Join(ids, ","), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}

	if resp.ID != "" {
		var data schema.ObjectData
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("decode object %s: %w", resp.ID, err)
		}
		return []schema.FetchedObject{{ID: resp.ID, Data: data}}, nil
	}

	var objects []schema.FetchedObject
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &objects); err != nil {
			return nil, fmt.Errorf("decode objects: %w", err)
		}
	}
	return objects, nil
}

// SubmitForm PUTs a signed form envelope. The call is idempotent: the route
// is keyed by the content identifier.
func (c *Client) SubmitForm(ctx context.Context, tender, contentID string, body []byte) error {
	return c.put(ctx, fmt.Sprintf("tender/%s/form/%s", tender, contentID), body)
}

// SubmitComment PUTs a signed comment envelope under its thread.
func (c *Client) SubmitComment(ctx context.Context, tender, thread, contentID string, body []byte) error {
	return c.put(ctx, fmt.Sprintf("tender/%s/form/%s/comment/%s", tender, thread, contentID), body)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT %s: status %d", path, resp.StatusCode)
	}

	// Submission is acknowledged only by a created field in the response.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("PUT %s: read response: %w", path, err)
	}
	var ack struct {
		Created json.RawMessage `json:"created"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil || !acked(ack.Created) {
		return fmt.Errorf("PUT %s: %w", path, ErrNotSaved)
	}
	return nil
}

func acked(created json.RawMessage) bool {
	switch string(created) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}
