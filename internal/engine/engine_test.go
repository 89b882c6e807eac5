package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dozorro/dzsyncd/internal/canonical"
	"github.com/dozorro/dzsyncd/internal/schema"
	"github.com/dozorro/dzsyncd/internal/signing"
	"github.com/dozorro/dzsyncd/internal/store"
)

type submission struct {
	tender, thread, contentID string
	body                      []byte
}

// fakeSource is a scripted FeedSource recording every call.
type fakeSource struct {
	page       *schema.FeedPage
	pageErr    error
	objects    []schema.FetchedObject
	objectsErr error
	submitErr  error

	cursors     []string
	fetchedIDs  [][]string
	submissions []submission
}

func (f *fakeSource) GetPage(ctx context.Context, cursor string, limit int) (*schema.FeedPage, error) {
	f.cursors = append(f.cursors, cursor)
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	if f.page == nil {
		return &schema.FeedPage{}, nil
	}
	return f.page, nil
}

func (f *fakeSource) GetObjects(ctx context.Context, ids []string) ([]schema.FetchedObject, error) {
	f.fetchedIDs = append(f.fetchedIDs, ids)
	if f.objectsErr != nil {
		return nil, f.objectsErr
	}
	return f.objects, nil
}

func (f *fakeSource) SubmitForm(ctx context.Context, tender, contentID string, body []byte) error {
	f.submissions = append(f.submissions, submission{tender: tender, contentID: contentID, body: body})
	return f.submitErr
}

func (f *fakeSource) SubmitComment(ctx context.Context, tender, thread, contentID string, body []byte) error {
	f.submissions = append(f.submissions, submission{tender: tender, thread: thread, contentID: contentID, body: body})
	return f.submitErr
}

// setupEngine wires a real temporary store and a signer holding alice's key
// to the given fake source.
func setupEngine(t *testing.T, src FeedSource) (*Engine, *store.DB, ed25519.PublicKey) {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), "")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	keyPath := filepath.Join(dir, "alice.key")
	if err := os.WriteFile(keyPath, priv, 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	ring, err := signing.Load("alice", keyPath)
	if err != nil {
		t.Fatalf("failed to load key: %v", err)
	}

	eng := New(src, db, signing.NewSigner(ring), log.New(os.Stderr, "[test] ", 0))
	return eng, db, pub
}

func insertPending(t *testing.T, db *store.DB, r *schema.Record) int64 {
	t.Helper()
	id, err := db.InsertLocal(context.Background(), r)
	if err != nil {
		t.Fatalf("failed to insert pending record: %v", err)
	}
	return id
}

func pendingForm(date, tender string) *schema.Record {
	return &schema.Record{
		Date:    date,
		Owner:   "alice",
		Model:   schema.ModelForm,
		Tender:  tender,
		Payload: json.RawMessage(`{"tender":"` + tender + `"}`),
	}
}

func TestPushPendingEndToEnd(t *testing.T) {
	src := &fakeSource{}
	eng, db, pub := setupEngine(t, src)
	ctx := context.Background()

	insertPending(t, db, pendingForm("2024-01-01T00:00:00", "T1"))

	submitted, failed, err := eng.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending failed: %v", err)
	}
	if submitted != 1 || failed != 0 {
		t.Fatalf("expected submitted=1 failed=0, got %d/%d", submitted, failed)
	}
	if len(src.submissions) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(src.submissions))
	}

	sub := src.submissions[0]
	if sub.tender != "T1" {
		t.Errorf("expected tender T1, got %s", sub.tender)
	}

	// The envelope must carry the stripped document, the content id derived
	// from its canonical bytes, and a verifiable detached signature.
	var envelope struct {
		Data map[string]any `json:"data"`
		ID   string         `json:"id"`
		Sign string         `json:"sign"`
	}
	if err := json.Unmarshal(sub.body, &envelope); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	for _, field := range []string{"id", "tender", "thread"} {
		if _, ok := envelope.Data[field]; ok {
			t.Errorf("transport field %q leaked into the signed document", field)
		}
	}

	canonicalData, err := canonical.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("failed to re-canonicalize document: %v", err)
	}
	if want := canonical.ContentID(canonicalData); sub.contentID != want {
		t.Errorf("content id %s does not match canonical bytes (want %s)", sub.contentID, want)
	}
	if envelope.ID != sub.contentID {
		t.Errorf("envelope id %s differs from route id %s", envelope.ID, sub.contentID)
	}

	rawSig, err := base64.RawStdEncoding.DecodeString(envelope.Sign)
	if err != nil {
		t.Fatalf("signature is not unpadded base64: %v", err)
	}
	if !ed25519.Verify(pub, canonicalData, rawSig) {
		t.Error("signature does not verify against the canonical bytes")
	}

	// The record is now submitted: gone from pending, findable by its id.
	pending, err := db.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("record still pending after acknowledgment")
	}
	known, err := db.Exists(ctx, sub.contentID)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !known {
		t.Error("submitted record not stored under its content id")
	}
}

func TestPushPendingRejectsMismatchBeforeRemote(t *testing.T) {
	src := &fakeSource{}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	r := pendingForm("2024-01-01T00:00:00", "T1")
	r.Tender = "T2" // differs from payload.tender
	insertPending(t, db, r)

	submitted, failed, err := eng.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending failed: %v", err)
	}
	if submitted != 0 || failed != 1 {
		t.Errorf("expected submitted=0 failed=1, got %d/%d", submitted, failed)
	}
	if len(src.submissions) != 0 {
		t.Error("mismatched record must not reach the remote")
	}

	pending, err := db.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Error("rejected record should stay pending")
	}
}

func TestPushPendingFailureIsolation(t *testing.T) {
	src := &fakeSource{}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	bad := pendingForm("not-a-date", "T1")
	insertPending(t, db, bad)
	insertPending(t, db, pendingForm("2024-01-01T00:00:00", "T2"))

	submitted, failed, err := eng.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending failed: %v", err)
	}
	if submitted != 1 || failed != 1 {
		t.Errorf("expected submitted=1 failed=1, got %d/%d", submitted, failed)
	}
	if len(src.submissions) != 1 || src.submissions[0].tender != "T2" {
		t.Errorf("sibling record was not submitted: %v", src.submissions)
	}
}

func TestPushPendingUnknownOwner(t *testing.T) {
	src := &fakeSource{}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	r := pendingForm("2024-01-01T00:00:00", "T1")
	r.Owner = "mallory"
	insertPending(t, db, r)

	submitted, failed, err := eng.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending failed: %v", err)
	}
	if submitted != 0 || failed != 1 {
		t.Errorf("expected submitted=0 failed=1, got %d/%d", submitted, failed)
	}
	if len(src.submissions) != 0 {
		t.Error("record with unknown owner must not reach the remote")
	}
}

func TestPushPendingIdenticalContentSameID(t *testing.T) {
	src := &fakeSource{}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	// Two pending records with byte-identical content. Both submissions must
	// carry the same content id; the store then rejects the second mark,
	// which is the at-least-once contract, not a new identity.
	insertPending(t, db, pendingForm("2024-01-01T00:00:00", "T1"))
	insertPending(t, db, pendingForm("2024-01-01T00:00:00", "T1"))

	_, _, err := eng.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending failed: %v", err)
	}
	if len(src.submissions) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(src.submissions))
	}
	if src.submissions[0].contentID != src.submissions[1].contentID {
		t.Errorf("identical content produced different ids: %s vs %s",
			src.submissions[0].contentID, src.submissions[1].contentID)
	}
}

func TestPushPendingTransportErrorKeepsPending(t *testing.T) {
	src := &fakeSource{submitErr: errors.New("connection refused")}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	insertPending(t, db, pendingForm("2024-01-01T00:00:00", "T1"))

	submitted, failed, err := eng.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending failed: %v", err)
	}
	if submitted != 0 || failed != 1 {
		t.Errorf("expected submitted=0 failed=1, got %d/%d", submitted, failed)
	}

	pending, err := db.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Error("record must stay pending after a transport failure")
	}
}

func TestPushPendingCommentRoute(t *testing.T) {
	src := &fakeSource{}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	r := &schema.Record{
		Date:    "2024-01-01T00:00:00",
		Owner:   "alice",
		Model:   schema.ModelComment,
		Tender:  "T1",
		Thread:  "th-9",
		Payload: json.RawMessage(`{"tender":"T1","thread":"th-9","text":"ok"}`),
	}
	insertPending(t, db, r)

	submitted, _, err := eng.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending failed: %v", err)
	}
	if submitted != 1 {
		t.Fatalf("expected 1 submission")
	}
	if src.submissions[0].thread != "th-9" {
		t.Errorf("comment submission lost its thread: %+v", src.submissions[0])
	}
}

func TestPushPendingKeepsNumericLiterals(t *testing.T) {
	src := &fakeSource{}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	r := pendingForm("2024-01-01T00:00:00", "T1")
	r.Payload = json.RawMessage(`{"tender":"T1","amount":1.50,"big":12345678901234567890}`)
	insertPending(t, db, r)

	submitted, failed, err := eng.PushPending(ctx)
	if err != nil {
		t.Fatalf("PushPending failed: %v", err)
	}
	if submitted != 1 || failed != 0 {
		t.Fatalf("expected submitted=1 failed=0, got %d/%d", submitted, failed)
	}

	// The signed bytes must spell the payload numbers exactly as authored:
	// 1.50 must not become 1.5 and the 20-digit integer must not round.
	body := string(src.submissions[0].body)
	for _, literal := range []string{`"amount":1.50`, `"big":12345678901234567890`} {
		if !strings.Contains(body, literal) {
			t.Errorf("submitted body lost literal %s: %s", literal, body)
		}
	}
}

func TestPullFeedFiltersKnownAndAdvancesCursor(t *testing.T) {
	src := &fakeSource{
		page: &schema.FeedPage{
			Data:     []schema.FeedItem{{ID: "x1"}, {ID: "x2"}},
			NextPage: &schema.NextPage{Offset: json.Number("5")},
		},
		objects: []schema.FetchedObject{{
			ID: "x2",
			Data: schema.ObjectData{
				Date:    "2024-01-02T00:00:00",
				Owner:   "bob",
				Model:   schema.ModelForm,
				Payload: json.RawMessage(`{"tender":"T1"}`),
			},
		}},
	}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	// x1 is already known locally.
	if err := db.InsertMany(ctx, []*schema.Record{{
		ObjectID: "x1",
		Date:     "2024-01-01T00:00:00",
		Owner:    "bob",
		Model:    schema.ModelForm,
		Tender:   "T1",
		Payload:  json.RawMessage(`{"tender":"T1"}`),
	}}); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	fetched, err := eng.PullFeed(ctx)
	if err != nil {
		t.Fatalf("PullFeed failed: %v", err)
	}
	if fetched != 1 {
		t.Errorf("expected 1 new record, got %d", fetched)
	}
	if len(src.fetchedIDs) != 1 || len(src.fetchedIDs[0]) != 1 || src.fetchedIDs[0][0] != "x2" {
		t.Errorf("expected to fetch only x2, got %v", src.fetchedIDs)
	}
	if eng.Cursor() != "5" {
		t.Errorf("expected cursor 5, got %q", eng.Cursor())
	}

	known, err := db.Exists(ctx, "x2")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !known {
		t.Error("fetched object not persisted")
	}
}

func TestPullFeedEmptyPageAdoptsCursor(t *testing.T) {
	src := &fakeSource{
		page: &schema.FeedPage{NextPage: &schema.NextPage{Offset: json.Number("7")}},
	}
	eng, _, _ := setupEngine(t, src)

	fetched, err := eng.PullFeed(context.Background())
	if err != nil {
		t.Fatalf("PullFeed failed: %v", err)
	}
	if fetched != 0 {
		t.Errorf("expected no new records, got %d", fetched)
	}
	if eng.Cursor() != "7" {
		t.Errorf("cursor must advance on an empty page with a new cursor, got %q", eng.Cursor())
	}
	if len(src.fetchedIDs) != 0 {
		t.Error("no object fetch expected for an empty page")
	}
}

func TestPullFeedEmptyPageKeepsCursorWithoutNextPage(t *testing.T) {
	src := &fakeSource{page: &schema.FeedPage{}}
	eng, _, _ := setupEngine(t, src)

	if _, err := eng.PullFeed(context.Background()); err != nil {
		t.Fatalf("PullFeed failed: %v", err)
	}
	if eng.Cursor() != "" {
		t.Errorf("cursor must stay unchanged when the remote supplies none, got %q", eng.Cursor())
	}
}

func TestPullFeedUsesCursorOnNextCall(t *testing.T) {
	src := &fakeSource{
		page: &schema.FeedPage{NextPage: &schema.NextPage{Offset: json.Number("42")}},
	}
	eng, _, _ := setupEngine(t, src)
	ctx := context.Background()

	if _, err := eng.PullFeed(ctx); err != nil {
		t.Fatalf("PullFeed failed: %v", err)
	}
	if _, err := eng.PullFeed(ctx); err != nil {
		t.Fatalf("PullFeed failed: %v", err)
	}
	if len(src.cursors) != 2 || src.cursors[0] != "" || src.cursors[1] != "42" {
		t.Errorf("expected cursors [\"\" 42], got %v", src.cursors)
	}
}

func TestPullFeedRemoteErrorAbortsBatch(t *testing.T) {
	src := &fakeSource{
		page: &schema.FeedPage{
			Data: []schema.FeedItem{{ID: "x1"}},
		},
		objectsErr: errors.New("remote error: database unavailable"),
	}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	if _, err := eng.PullFeed(ctx); err == nil {
		t.Fatal("expected batch fetch error to propagate")
	}

	known, err := db.Exists(ctx, "x1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if known {
		t.Error("nothing should be stored when the batch fetch fails")
	}
}

func TestPullFeedKeepsCursorWhenBatchFetchFails(t *testing.T) {
	src := &fakeSource{
		page: &schema.FeedPage{
			Data:     []schema.FeedItem{{ID: "x9"}},
			NextPage: &schema.NextPage{Offset: json.Number("5")},
		},
		objectsErr: errors.New("remote error: database unavailable"),
	}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	if _, err := eng.PullFeed(ctx); err == nil {
		t.Fatal("expected batch fetch error to propagate")
	}
	if eng.Cursor() != "" {
		t.Fatalf("cursor advanced past an unstored page: %q", eng.Cursor())
	}

	// Next cycle re-reads the same page; this time the fetch succeeds and
	// the item lands in the store, only then does the cursor move.
	src.objectsErr = nil
	src.objects = []schema.FetchedObject{{
		ID: "x9",
		Data: schema.ObjectData{
			Date:    "2024-01-03T00:00:00",
			Owner:   "bob",
			Model:   schema.ModelForm,
			Payload: json.RawMessage(`{"tender":"T1"}`),
		},
	}}
	fetched, err := eng.PullFeed(ctx)
	if err != nil {
		t.Fatalf("PullFeed failed: %v", err)
	}
	if fetched != 1 {
		t.Fatalf("expected the retried page to store 1 record, got %d", fetched)
	}
	if len(src.cursors) != 2 || src.cursors[0] != "" || src.cursors[1] != "" {
		t.Errorf("expected the same page requested twice, got cursors %v", src.cursors)
	}
	if eng.Cursor() != "5" {
		t.Errorf("expected cursor 5 after the page was stored, got %q", eng.Cursor())
	}

	known, err := db.Exists(ctx, "x9")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !known {
		t.Error("retried object not persisted")
	}
}

func TestPullFeedKeepsCursorWhenObjectRejected(t *testing.T) {
	src := &fakeSource{
		page: &schema.FeedPage{
			Data:     []schema.FeedItem{{ID: "x9"}},
			NextPage: &schema.NextPage{Offset: json.Number("5")},
		},
		objects: []schema.FetchedObject{{
			ID:   "x9",
			Data: schema.ObjectData{Payload: json.RawMessage(`{"text":"no tender"}`)},
		}},
	}
	eng, _, _ := setupEngine(t, src)

	if _, err := eng.PullFeed(context.Background()); err == nil {
		t.Fatal("expected malformed object to fail the cycle")
	}
	if eng.Cursor() != "" {
		t.Errorf("cursor advanced past an unstored page: %q", eng.Cursor())
	}
}

func TestPullFeedAllKnown(t *testing.T) {
	src := &fakeSource{
		page: &schema.FeedPage{Data: []schema.FeedItem{{ID: "x1"}}},
	}
	eng, db, _ := setupEngine(t, src)
	ctx := context.Background()

	if err := db.InsertMany(ctx, []*schema.Record{{
		ObjectID: "x1",
		Date:     "2024-01-01T00:00:00",
		Owner:    "bob",
		Model:    schema.ModelForm,
		Tender:   "T1",
		Payload:  json.RawMessage(`{"tender":"T1"}`),
	}}); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	fetched, err := eng.PullFeed(ctx)
	if err != nil {
		t.Fatalf("PullFeed failed: %v", err)
	}
	if fetched != 0 {
		t.Errorf("expected no new records, got %d", fetched)
	}
	if len(src.fetchedIDs) != 0 {
		t.Error("no object fetch expected when every item is known")
	}
}
