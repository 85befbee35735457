package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"docuralis/apps/migrator/internal/source"
)

// Client pages through one Qdrant collection with the scroll API.
type Client struct {
	baseURL    string
	collection string
	apiKey     string
	client     *http.Client
	attempts   int
	retryDelay time.Duration
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithRetry sets the retry ceiling and the linear backoff base for FetchPage.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.retryDelay = delay
	}
}

func NewClient(baseURL, collection string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		client:     &http.Client{Timeout: 30 * time.Second},
		attempts:   3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type scrollRequest struct {
	Limit       int             `json:"limit"`
	WithPayload bool            `json:"with_payload"`
	WithVector  bool            `json:"with_vector"`
	Offset      json.RawMessage `json:"offset,omitempty"`
}

type scrollResponse struct {
	Result struct {
		Points []struct {
			ID      json.RawMessage `json:"id"`
			Payload json.RawMessage `json:"payload"`
		} `json:"points"`
		NextPageOffset json.RawMessage `json:"next_page_offset"`
	} `json:"result"`
}

type collectionResponse struct {
	Result struct {
		PointsCount         int `json:"points_count"`
		IndexedVectorsCount int `json:"indexed_vectors_count"`
	} `json:"result"`
}

// FetchPage scrolls one page. The cursor is the raw JSON of the previous
// next_page_offset and is sent back untouched.
func (c *Client) FetchPage(ctx context.Context, cursor *string, limit int) (source.Page, error) {
	var page source.Page
	err := source.Retry(ctx, c.attempts, c.retryDelay, func() error {
		var err error
		page, err = c.scroll(ctx, cursor, limit)
		return err
	})
	return page, err
}

func (c *Client) scroll(ctx context.Context, cursor *string, limit int) (source.Page, error) {
	reqBody := scrollRequest{Limit: limit, WithPayload: true, WithVector: false}
	if cursor != nil {
		reqBody.Offset = json.RawMessage(*cursor)
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return source.Page{}, source.Permanent(err)
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/scroll", c.baseURL, url.PathEscape(c.collection))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return source.Page{}, source.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return source.Page{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return source.Page{}, err
	}

	var result scrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		err = fmt.Errorf("decode scroll response: %w", err)
		// A body cut short may read fine on the next attempt. Anything else
		// will fail the same way every time.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return source.Page{}, err
		}
		return source.Page{}, source.Permanent(err)
	}

	page := source.Page{Records: make([]source.Record, 0, len(result.Result.Points))}
	for _, p := range result.Result.Points {
		id := source.DecodeID(p.ID)
		record, err := source.DecodeRecord(id, p.Payload)
		if err != nil {
			slog.WarnContext(ctx, "malformed qdrant point", "id", id, "error", err)
			page.Rejected = append(page.Rejected, source.Rejected{ID: id, Err: err})
			continue
		}
		page.Records = append(page.Records, record)
	}

	raw := bytes.TrimSpace(result.Result.NextPageOffset)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		next := string(raw)
		page.Next = &next
	}
	return page, nil
}

// FetchTotalCount reads points_count from the collection info. It is called
// once before the run and is not retried.
func (c *Client) FetchTotalCount(ctx context.Context) (int, error) {
	endpoint := fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(c.collection))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	var result collectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode collection info: %w", err)
	}

	slog.InfoContext(ctx, "qdrant collection info",
		"collection", c.collection,
		"points_count", result.Result.PointsCount,
		"indexed_vectors_count", result.Result.IndexedVectorsCount)

	return result.Result.PointsCount, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}

// checkStatus treats 5xx and 429 as retryable and every other 4xx as permanent.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("qdrant api error: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return source.Permanent(err)
}
