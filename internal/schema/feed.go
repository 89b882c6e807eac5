package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FeedItem is one entry of a remote feed page.
type FeedItem struct {
	ID string `json:"id"`
}

// FeedPage is the feed endpoint response. A non-nil NextPage carries the
// cursor for the following request; the engine adopts it even when Data is
// empty, so exhausted pages are never re-read.
type FeedPage struct {
	Data     []FeedItem `json:"data"`
	NextPage *NextPage  `json:"next_page"`
}

// NextPage holds the pagination cursor supplied by the remote.
type NextPage struct {
	Offset json.Number `json:"offset"`
}

// ObjectData is the stored document carried by a fetched object.
type ObjectData struct {
	Date    string          `json:"date"`
	Owner   string          `json:"owner"`
	Model   string          `json:"model"`
	Schema  string          `json:"schema"`
	Payload json.RawMessage `json:"payload"`
}

// FetchedObject is one object of a batch fetch: the content identifier plus
// the stored document.
type FetchedObject struct {
	ID   string     `json:"id"`
	Data ObjectData `json:"data"`
}

// ToRecord converts a fetched object into a store record. An empty schema
// is normalized to absent, and tender/thread are lifted out of the payload
// into the routing columns. The payload is stored as compact JSON text.
func (o *FetchedObject) ToRecord() (*Record, error) {
	var refs struct {
		Tender string `json:"tender"`
		Thread string `json:"thread"`
	}
	if err := json.Unmarshal(o.Data.Payload, &refs); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if refs.Tender == "" {
		return nil, fmt.Errorf("payload has no tender")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, o.Data.Payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	return &Record{
		ObjectID: o.ID,
		Date:     o.Data.Date,
		Owner:    o.Data.Owner,
		Model:    o.Data.Model,
		Schema:   o.Data.Schema,
		Tender:   refs.Tender,
		Thread:   refs.Thread,
		Payload:  json.RawMessage(compact.Bytes()),
	}, nil
}
