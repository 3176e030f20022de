// Package zoteroapi is a minimal client for the Zotero Web API v3, covering
// the calls the sync engine needs: version probes, incremental item fetches,
// deletion listings and annotation writes.
package zoteroapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL    = "https://api.zotero.org"
	apiVersion        = "3"
	versionHeader     = "Last-Modified-Version"
	ifUnmodifiedSince = "If-Unmodified-Since-Version"
)

// ErrVersionConflict is returned when a write is rejected because the remote
// object changed since the version we submitted (HTTP 412).
var ErrVersionConflict = errors.New("remote version conflict")

// APIError is a non-retryable upstream rejection.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zotero api: status=%d message=%s", e.StatusCode, e.Message)
}

// Credentials identify one Zotero user library for a request.
type Credentials struct {
	UserID string
	APIKey string
}

// ItemData is the editable portion of a Zotero item.
type ItemData struct {
	Key          string    `json:"key,omitempty"`
	Version      int       `json:"version,omitempty"`
	ItemType     string    `json:"itemType"`
	Title        string    `json:"title,omitempty"`
	ParentItem   string    `json:"parentItem,omitempty"`
	DateModified time.Time `json:"dateModified,omitempty"`

	AnnotationType     string `json:"annotationType,omitempty"`
	AnnotationText     string `json:"annotationText,omitempty"`
	AnnotationComment  string `json:"annotationComment,omitempty"`
	AnnotationColor    string `json:"annotationColor,omitempty"`
	AnnotationPosition string `json:"annotationPosition,omitempty"`
}

// Item is one object from the items feed. Raw keeps the untouched data
// payload for conflict snapshots.
type Item struct {
	Key     string          `json:"key"`
	Version int             `json:"version"`
	Data    ItemData        `json:"data"`
	Raw     json.RawMessage `json:"-"`
}

func (i *Item) UnmarshalJSON(b []byte) error {
	type alias struct {
		Key     string          `json:"key"`
		Version int             `json:"version"`
		Data    json.RawMessage `json:"data"`
	}
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	i.Key = a.Key
	i.Version = a.Version
	i.Raw = a.Data
	if len(a.Data) > 0 {
		if err := json.Unmarshal(a.Data, &i.Data); err != nil {
			return err
		}
	}
	return nil
}

// Deletions lists object keys removed from the library since a version.
type Deletions struct {
	Items       []string `json:"items"`
	Collections []string `json:"collections"`
	Searches    []string `json:"searches"`
	Tags        []string `json:"tags"`
}

// KeyInfo describes the account and access rights behind an API key.
type KeyInfo struct {
	Key      string `json:"key"`
	UserID   int64  `json:"userID"`
	Username string `json:"username"`
	Access   struct {
		User struct {
			Library bool `json:"library"`
			Files   bool `json:"files"`
			Notes   bool `json:"notes"`
			Write   bool `json:"write"`
		} `json:"user"`
	} `json:"access"`
}

// ClientOptions configures a Client. Zero values select defaults.
type ClientOptions struct {
	BaseURL     string
	HTTPClient  *http.Client
	UserAgent   string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	RateLimiter *rate.Limiter
}

// Client talks to the Zotero Web API. It retries transport errors, 429 and
// 5xx responses with exponential backoff, honouring Retry-After and the
// Zotero Backoff header, and throttles all requests through a shared rate
// limiter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		// Zotero allows bursts but expects sustained traffic well under
		// a few requests per second per key.
		limiter = rate.NewLimiter(rate.Limit(2), 4)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		limiter:    limiter,
	}
}

// KeyInfo fetches account metadata for the supplied API key.
func (c *Client) KeyInfo(ctx context.Context, creds Credentials) (*KeyInfo, error) {
	var info KeyInfo
	_, err := c.doJSON(ctx, creds, http.MethodGet, "/keys/current", nil, 0, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// LibraryVersion returns the current remote library version without fetching
// content.
func (c *Client) LibraryVersion(ctx context.Context, creds Credentials) (int, error) {
	path := fmt.Sprintf("/users/%s/items?limit=1&format=versions", creds.UserID)
	var ignored map[string]int
	version, err := c.doJSON(ctx, creds, http.MethodGet, path, nil, 0, &ignored)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// ItemsSince fetches items changed after the given library version. The
// returned version is the remote library version at fetch time.
func (c *Client) ItemsSince(ctx context.Context, creds Credentials, since, limit int) ([]Item, int, error) {
	if limit <= 0 {
		limit = 100
	}
	path := fmt.Sprintf("/users/%s/items?since=%d&limit=%d&includeTrashed=1", creds.UserID, since, limit)
	var items []Item
	version, err := c.doJSON(ctx, creds, http.MethodGet, path, nil, 0, &items)
	if err != nil {
		return nil, 0, err
	}
	return items, version, nil
}

// DeletedSince lists objects removed after the given library version.
func (c *Client) DeletedSince(ctx context.Context, creds Credentials, since int) (*Deletions, int, error) {
	path := fmt.Sprintf("/users/%s/deleted?since=%d", creds.UserID, since)
	var del Deletions
	version, err := c.doJSON(ctx, creds, http.MethodGet, path, nil, 0, &del)
	if err != nil {
		return nil, 0, err
	}
	return &del, version, nil
}

// ChildAnnotations fetches annotation items attached to one attachment.
func (c *Client) ChildAnnotations(ctx context.Context, creds Credentials, attachmentKey string) ([]Item, error) {
	path := fmt.Sprintf("/users/%s/items/%s/children?itemType=annotation", creds.UserID, attachmentKey)
	var items []Item
	if _, err := c.doJSON(ctx, creds, http.MethodGet, path, nil, 0, &items); err != nil {
		return nil, err
	}
	return items, nil
}

type writeResponse struct {
	Successful map[string]Item           `json:"successful"`
	Failed     map[string]map[string]any `json:"failed"`
}

// CreateAnnotation writes one new annotation item and returns its assigned
// key and version.
func (c *Client) CreateAnnotation(ctx context.Context, creds Credentials, data ItemData) (key string, version int, err error) {
	path := fmt.Sprintf("/users/%s/items", creds.UserID)
	var resp writeResponse
	if _, err = c.doJSON(ctx, creds, http.MethodPost, path, []ItemData{data}, 0, &resp); err != nil {
		return "", 0, err
	}
	created, ok := resp.Successful["0"]
	if !ok {
		msg := "annotation rejected"
		if failure, exists := resp.Failed["0"]; exists {
			if m, isString := failure["message"].(string); isString {
				msg = m
			}
		}
		return "", 0, &APIError{StatusCode: http.StatusBadRequest, Message: msg}
	}
	return created.Key, created.Version, nil
}

// UpdateItem submits item data conditioned on the version we last saw. A
// remote change since then yields ErrVersionConflict.
func (c *Client) UpdateItem(ctx context.Context, creds Credentials, key string, data ItemData, lastSeenVersion int) (int, error) {
	path := fmt.Sprintf("/users/%s/items/%s", creds.UserID, key)
	return c.doJSON(ctx, creds, http.MethodPatch, path, data, lastSeenVersion, nil)
}

func (c *Client) doJSON(ctx context.Context, creds Credentials, method, path string, payload any, unmodifiedSince int, out any) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("zotero client is nil")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return 0, err
		}
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Zotero-API-Version", apiVersion)
		req.Header.Set("Zotero-API-Key", creds.APIKey)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if unmodifiedSince > 0 {
			req.Header.Set(ifUnmodifiedSince, strconv.Itoa(unmodifiedSince))
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "", "")); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			return 0, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, readErr
		}
		remoteVersion, _ := strconv.Atoi(resp.Header.Get(versionHeader))

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return remoteVersion, fmt.Errorf("decode zotero response: %w", err)
				}
			}
			return remoteVersion, nil
		}
		if resp.StatusCode == http.StatusPreconditionFailed {
			return remoteVersion, ErrVersionConflict
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"), resp.Header.Get("Backoff"))
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return 0, waitErr
			}
			continue
		}
		return remoteVersion, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader, backoffHeader string) time.Duration {
	if requested := parseSecondsHeader(retryAfterHeader); requested > 0 {
		return capDelay(requested, c.maxDelay)
	}
	if requested := parseSecondsHeader(backoffHeader); requested > 0 {
		return capDelay(requested, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return capDelay(delay, c.maxDelay)
}

func capDelay(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

func parseSecondsHeader(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
