// Package schema defines the record model shared by the local store, the
// sync engine and the remote feed protocol.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Record kinds accepted for submission. The kind selects the remote route.
const (
	ModelForm    = "form"
	ModelComment = "comment"
)

// datePattern is the strict timestamp shape enforced at submission time:
// ISO-8601 with second precision.
var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)

// Per-record validation failures. The engine drops the offending record,
// logs one line and continues with its siblings.
var (
	ErrTenderMismatch = errors.New("tender mismatch")
	ErrThreadMismatch = errors.New("thread mismatch")
	ErrBadDate        = errors.New("bad date")
	ErrBadModel       = errors.New("bad model")
)

// Record is the unit of synchronization, mirroring one row of the local
// store.
//
// A record is pending while ObjectID is empty and submitted once it holds
// the content identifier acknowledged by the remote. The transition is
// one-way. Tender and Thread are transport-only routing duplicates of the
// values nested in Payload; they are stripped before hashing and signing.
type Record struct {
	// LocalID is the store surrogate key. It is never sent remotely.
	LocalID int64

	// ObjectID is the content-derived identifier, empty while pending.
	// When set it equals ContentID(canonical outbound document).
	ObjectID string

	Date   string
	Owner  string
	Model  string
	Schema string // optional; empty means absent, never stored as ""
	Tender string
	Thread string // required for comments, must be empty otherwise

	// Payload is the opaque structured document. It carries redundant
	// tender/thread copies used as a cross-check against the fields above.
	Payload json.RawMessage
}

// Validate checks the cross-field rules enforced before submission:
// tender/thread consistency with the payload, the timestamp shape and the
// closed kind set. A mismatch is an error, never silently resolved.
func (r *Record) Validate() error {
	var refs struct {
		Tender string `json:"tender"`
		Thread string `json:"thread"`
	}
	if err := json.Unmarshal(r.Payload, &refs); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}

	if r.Tender != refs.Tender {
		return fmt.Errorf("%w: %q vs payload %q", ErrTenderMismatch, r.Tender, refs.Tender)
	}
	if r.Thread != "" && r.Thread != refs.Thread {
		return fmt.Errorf("%w: %q vs payload %q", ErrThreadMismatch, r.Thread, refs.Thread)
	}
	if r.Model == ModelComment && r.Thread == "" {
		return fmt.Errorf("%w: thread is required for comments", ErrThreadMismatch)
	}
	if r.Model != ModelComment && r.Thread != "" {
		return fmt.Errorf("%w: thread set on %s record", ErrThreadMismatch, r.Model)
	}
	if !datePattern.MatchString(r.Date) {
		return fmt.Errorf("%w: %q", ErrBadDate, r.Date)
	}
	switch r.Model {
	case ModelForm, ModelComment:
	default:
		return fmt.Errorf("%w: %q", ErrBadModel, r.Model)
	}
	return nil
}

// OutboundDocument returns the document that is canonicalized, hashed and
// signed. Transport-only fields (LocalID, ObjectID, Tender, Thread) are
// stripped and an empty Schema is dropped entirely rather than sent as "".
// Payload numbers are decoded as json.Number so their literal spelling
// survives into the canonical bytes.
func (r *Record) OutboundDocument() (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(r.Payload))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	doc := map[string]any{
		"date":    r.Date,
		"owner":   r.Owner,
		"model":   r.Model,
		"payload": payload,
	}
	if r.Schema != "" {
		doc["schema"] = r.Schema
	}
	return doc, nil
}

// Envelope is the signed wrapper submitted to the remote: the stripped
// document, its content identifier and the detached signature.
type Envelope struct {
	Data map[string]any `json:"data"`
	ID   string         `json:"id"`
	Sign string         `json:"sign"`
}
