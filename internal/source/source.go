package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one vector-store entry, reduced to the fields the migration needs.
type Record struct {
	ID         string
	Filename   string
	ChunkIndex int
	Content    string
	PageNumber *int
}

// Page is one fetch result. A nil Next marks the end of the stream.
type Page struct {
	Records  []Record
	Rejected []Rejected
	Next     *string
}

// Size counts every entry the source returned, decodable or not.
func (p Page) Size() int { return len(p.Records) + len(p.Rejected) }

// Rejected is an entry whose payload could not be decoded into a Record.
type Rejected struct {
	ID  string
	Err error
}

type Client interface {
	FetchPage(ctx context.Context, cursor *string, limit int) (Page, error)
	FetchTotalCount(ctx context.Context) (int, error)
}

// Payload covers both the legacy point layout (filename, chunk_index,
// combined, page_number) and the newer camelCase one.
type Payload struct {
	Filename     *string `json:"filename"`
	DocumentName *string `json:"documentName"`

	LegacyChunkIndex *int `json:"chunk_index"`
	ChunkIndex       *int `json:"chunkIndex"`

	Combined *string `json:"combined"`
	Content  *string `json:"content"`

	LegacyPageNumber *int `json:"page_number"`
	PageNumber       *int `json:"pageNumber"`
}

// NewRecord resolves a payload into a Record. The legacy key wins when both
// layouts are present.
func NewRecord(id string, p Payload) Record {
	r := Record{ID: id}
	r.Filename = firstString(p.Filename, p.DocumentName)
	r.Content = firstString(p.Combined, p.Content)
	if idx := firstInt(p.LegacyChunkIndex, p.ChunkIndex); idx != nil {
		r.ChunkIndex = *idx
	}
	r.PageNumber = firstInt(p.LegacyPageNumber, p.PageNumber)
	return r
}

// DecodeRecord unmarshals one raw payload. A type mismatch on any known
// field is an error rather than a zero value.
func DecodeRecord(id string, raw json.RawMessage) (Record, error) {
	var p Payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return Record{}, fmt.Errorf("decode payload of %s: %w", id, err)
		}
	}
	return NewRecord(id, p), nil
}

// DecodeID turns a JSON point id (unsigned integer or UUID string) into a string.
func DecodeID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}

func firstString(vals ...*string) string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			n := *v
			return &n
		}
	}
	return nil
}

// FormatCursor renders a cursor for logs.
func FormatCursor(c *string) string {
	if c == nil {
		return "<start>"
	}
	return strconv.Quote(*c)
}
