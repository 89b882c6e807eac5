// Package engine implements the push/pull synchronization cycle: local
// pending records are canonicalized, content-addressed, signed and
// submitted, then the remote feed is paged and unknown objects are fetched
// into the local store.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dozorro/dzsyncd/internal/canonical"
	"github.com/dozorro/dzsyncd/internal/schema"
	"github.com/dozorro/dzsyncd/internal/signing"
)

// FeedSource is the remote collaborator: paginated feed reads, batch object
// fetches and idempotent submissions keyed by content identifier.
type FeedSource interface {
	GetPage(ctx context.Context, cursor string, limit int) (*schema.FeedPage, error)
	GetObjects(ctx context.Context, ids []string) ([]schema.FetchedObject, error)
	SubmitForm(ctx context.Context, tender, contentID string, body []byte) error
	SubmitComment(ctx context.Context, tender, thread, contentID string, body []byte) error
}

// RecordStore is the local persistence collaborator.
type RecordStore interface {
	Exists(ctx context.Context, objectID string) (bool, error)
	InsertMany(ctx context.Context, records []*schema.Record) error
	GetPending(ctx context.Context) ([]*schema.Record, error)
	MarkSubmitted(ctx context.Context, localID int64, objectID string) error
}

// Engine drives one push/pull cycle at a time.
//
// The feed cursor is engine state held in memory only; a restart re-reads
// from the remote's default starting position. The engine is not safe for
// concurrent cycles: cursor adoption is not commutative and pending records
// must not be submitted twice concurrently.
type Engine struct {
	source FeedSource
	store  RecordStore
	signer *signing.Signer
	logger *log.Logger

	cursor    string
	feedLimit int
}

// New creates an Engine. If logger is nil, a default logger writing to
// stderr is used.
func New(source FeedSource, store RecordStore, signer *signing.Signer, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		source: source,
		store:  store,
		signer: signer,
		logger: logger,
	}
}

// SetFeedLimit sets the page size hint passed to the remote feed.
// Zero leaves the page size to the remote.
func (e *Engine) SetFeedLimit(n int) {
	e.feedLimit = n
}

// Cursor returns the current feed cursor. Empty until the remote supplies
// one.
func (e *Engine) Cursor() string {
	return e.cursor
}

// PushPending submits every pending local record to the remote.
//
// Each record is validated, stripped to its canonical document, hashed,
// signed and PUT on the route its kind selects. On acknowledgment the store
// records the content identifier. One record's failure never aborts the
// batch: the error is logged with the record's local id and the loop
// continues with the next record.
func (e *Engine) PushPending(ctx context.Context) (submitted, failed int, err error) {
	pending, err := e.store.GetPending(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("get pending: %w", err)
	}

	for _, rec := range pending {
		if err := e.pushOne(ctx, rec); err != nil {
			e.logger.Printf("PUT id=%d %v", rec.LocalID, err)
			failed++
			continue
		}
		submitted++
	}
	return submitted, failed, nil
}

func (e *Engine) pushOne(ctx context.Context, rec *schema.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	doc, err := rec.OutboundDocument()
	if err != nil {
		return err
	}
	data, err := canonical.Marshal(doc)
	if err != nil {
		return err
	}

	contentID := canonical.ContentID(data)
	sig, err := e.signer.Sign(data, rec.Owner)
	if err != nil {
		return err
	}

	body, err := canonical.Marshal(schema.Envelope{Data: doc, ID: contentID, Sign: sig})
	if err != nil {
		return err
	}

	switch rec.Model {
	case schema.ModelForm:
		err = e.source.SubmitForm(ctx, rec.Tender, contentID, body)
	case schema.ModelComment:
		err = e.source.SubmitComment(ctx, rec.Tender, rec.Thread, contentID, body)
	default:
		return fmt.Errorf("%w: %q", schema.ErrBadModel, rec.Model)
	}
	if err != nil {
		return err
	}

	if err := e.store.MarkSubmitted(ctx, rec.LocalID, contentID); err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}

	e.logger.Printf("PUT %s id=%d hash=%s tender=%s", rec.Model, rec.LocalID, contentID, rec.Tender)
	return nil
}

// PullFeed reads one feed page, stores the objects not yet known locally,
// and then adopts the remote's cursor.
//
// The cursor is committed only once the page's items are safely stored (or
// the page had nothing to store), so a failed batch fetch or insert leaves
// the feed position untouched and the same page is retried next cycle with
// no data loss. Empty and all-known pages still advance the cursor, so
// exhausted pages are never re-read. The return value is the number of
// newly stored records; zero signals "nothing to fetch" and lets the caller
// back off.
func (e *Engine) PullFeed(ctx context.Context) (int, error) {
	page, err := e.source.GetPage(ctx, e.cursor, e.feedLimit)
	if err != nil {
		return 0, fmt.Errorf("get page: %w", err)
	}

	next := e.cursor
	if page.NextPage != nil && page.NextPage.Offset != "" {
		next = page.NextPage.Offset.String()
	}

	if len(page.Data) == 0 {
		e.cursor = next
		return 0, nil
	}

	var missing []string
	for _, item := range page.Data {
		known, err := e.store.Exists(ctx, item.ID)
		if err != nil {
			return 0, fmt.Errorf("exists %s: %w", item.ID, err)
		}
		if !known {
			missing = append(missing, item.ID)
		}
	}
	e.logger.Printf("Recv %d save %d", len(page.Data), len(missing))
	if len(missing) == 0 {
		e.cursor = next
		return 0, nil
	}

	objects, err := e.source.GetObjects(ctx, missing)
	if err != nil {
		return 0, fmt.Errorf("get objects: %w", err)
	}

	records := make([]*schema.Record, 0, len(objects))
	for _, obj := range objects {
		rec, err := obj.ToRecord()
		if err != nil {
			return 0, fmt.Errorf("object %s: %w", obj.ID, err)
		}
		records = append(records, rec)
	}

	if err := e.store.InsertMany(ctx, records); err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}

	e.cursor = next
	return len(records), nil
}
