package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"docuralis/apps/migrator/internal/source"
)

// Source pages through a Weaviate class with the cursor API. The cursor is
// the id of the last object of the previous page.
type Source struct {
	client     *weaviate.Client
	className  string
	attempts   int
	retryDelay time.Duration
}

var payloadFields = []graphql.Field{
	{Name: "filename"},
	{Name: "chunkIndex"},
	{Name: "content"},
	{Name: "pageNumber"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
}

func NewSource(client *weaviate.Client, className string) *Source {
	return &Source{client: client, className: className, attempts: 3, retryDelay: time.Second}
}

// WithRetry sets the retry ceiling and linear backoff base for FetchPage.
func (s *Source) WithRetry(attempts int, delay time.Duration) *Source {
	s.attempts = attempts
	s.retryDelay = delay
	return s
}

func (s *Source) FetchPage(ctx context.Context, cursor *string, limit int) (source.Page, error) {
	var page source.Page
	err := source.Retry(ctx, s.attempts, s.retryDelay, func() error {
		var err error
		page, err = s.get(ctx, cursor, limit)
		return err
	})
	return page, err
}

func (s *Source) get(ctx context.Context, cursor *string, limit int) (source.Page, error) {
	q := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithLimit(limit).
		WithFields(payloadFields...)
	if cursor != nil {
		q = q.WithAfter(*cursor)
	}

	res, err := q.Do(ctx)
	if err != nil {
		return source.Page{}, err
	}
	if len(res.Errors) > 0 {
		return source.Page{}, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	var objects []interface{}
	if data, ok := res.Data["Get"].(map[string]interface{}); ok {
		objects, _ = data[s.className].([]interface{})
	}

	page := source.Page{Records: make([]source.Record, 0, len(objects))}
	var lastID string
	for _, o := range objects {
		props, ok := o.(map[string]interface{})
		if !ok {
			page.Rejected = append(page.Rejected, source.Rejected{Err: fmt.Errorf("unexpected object of type %T", o)})
			continue
		}
		id := objectID(props)
		if id != "" {
			lastID = id
		}
		record, err := toRecord(id, props)
		if err != nil {
			slog.WarnContext(ctx, "malformed weaviate object", "id", id, "error", err)
			page.Rejected = append(page.Rejected, source.Rejected{ID: id, Err: err})
			continue
		}
		page.Records = append(page.Records, record)
	}

	// A short page is the last one. Rejected objects still count toward it.
	if limit > 0 && len(objects) == limit && lastID != "" {
		page.Next = &lastID
	}
	return page, nil
}

func objectID(props map[string]interface{}) string {
	additional, _ := props["_additional"].(map[string]interface{})
	id, _ := additional["id"].(string)
	return id
}

func toRecord(id string, props map[string]interface{}) (source.Record, error) {
	raw, err := json.Marshal(props)
	if err != nil {
		return source.Record{}, fmt.Errorf("encode properties of %s: %w", id, err)
	}
	return source.DecodeRecord(id, raw)
}

func (s *Source) FetchTotalCount(ctx context.Context) (int, error) {
	meta := graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(s.className).
		WithFields(meta).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if classes, ok := data[s.className].([]interface{}); ok && len(classes) > 0 {
			if first, ok := classes[0].(map[string]interface{}); ok {
				if m, ok := first["meta"].(map[string]interface{}); ok {
					if count, ok := m["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, fmt.Errorf("unexpected aggregate response for class %s", s.className)
}
