//go:build cgo

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(filename string) Document {
	return Document{
		Filename:    filename,
		Extension:   ".pdf",
		ContentHash: "abc123",
		SizeBytes:   2048,
		UploadedBy:  "user-1",
	}
}

// completedDoc inserts a document and walks it straight to completed so
// its chunks are search-eligible.
func completedDoc(t *testing.T, s *Store, filename string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.InsertDocument(ctx, sampleDoc(filename))
	if err != nil {
		t.Fatalf("insert doc: %v", err)
	}
	if err := s.CompleteDocument(ctx, id); err != nil {
		t.Fatalf("complete doc: %v", err)
	}
	return id
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	s, err := New(filepath.Join(dir, "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Document lifecycle
// ---------------------------------------------------------------------------

func TestInsertAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertDocument(ctx, sampleDoc("rapport.pdf"))
	if err != nil {
		t.Fatalf("inserting document: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero document id")
	}

	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("getting document: %v", err)
	}
	if got.Filename != "rapport.pdf" {
		t.Errorf("filename: got %q, want %q", got.Filename, "rapport.pdf")
	}
	if got.Status != StatusPending {
		t.Errorf("status: got %q, want %q", got.Status, StatusPending)
	}
	if got.Stage != StageValidation {
		t.Errorf("stage: got %q, want %q", got.Stage, StageValidation)
	}
}

func TestFindDocumentByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertDocument(ctx, sampleDoc("a.pdf")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.FindDocumentByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("find by hash: %v", err)
	}
	if got == nil {
		t.Fatal("expected a match for known hash")
	}

	miss, err := s.FindDocumentByHash(ctx, "nope")
	if err != nil {
		t.Fatalf("find by unknown hash: %v", err)
	}
	if miss != nil {
		t.Fatalf("expected nil for unknown hash, got %+v", miss)
	}
}

func TestUpdateDocumentStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertDocument(ctx, sampleDoc("s.pdf"))
	if err := s.UpdateDocumentStatus(ctx, id, StatusProcessing, StageEmbedding); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, _ := s.GetDocument(ctx, id)
	if got.Status != StatusProcessing || got.Stage != StageEmbedding {
		t.Errorf("got %s/%s, want processing/embedding", got.Status, got.Stage)
	}
}

func TestFailAndResetForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertDocument(ctx, sampleDoc("f.pdf"))
	if err := s.FailDocument(ctx, id, StageExtraction, "corrupt xref table"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := s.GetDocument(ctx, id)
	if got.Status != StatusFailed {
		t.Fatalf("status: got %q, want failed", got.Status)
	}
	if got.FailedStage != StageExtraction {
		t.Errorf("failed_stage: got %q", got.FailedStage)
	}
	if got.ErrorMessage != "corrupt xref table" {
		t.Errorf("error_message: got %q", got.ErrorMessage)
	}

	if err := s.ResetForRetry(ctx, id, StageValidation); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ = s.GetDocument(ctx, id)
	if got.Status != StatusProcessing || got.Stage != StageValidation {
		t.Errorf("after retry: got %s/%s", got.Status, got.Stage)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count: got %d, want 1", got.RetryCount)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message not cleared: %q", got.ErrorMessage)
	}
}

func TestResetForRetryFromStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertDocument(ctx, sampleDoc("f.pdf"))
	if err := s.FailDocument(ctx, id, StageEmbedding, "provider down"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.ResetForRetry(ctx, id, StageEmbedding); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, _ := s.GetDocument(ctx, id)
	if got.Status != StatusProcessing || got.Stage != StageEmbedding {
		t.Errorf("after retry: got %s/%s, want processing/embedding", got.Status, got.Stage)
	}
	if got.FailedStage != "" {
		t.Errorf("failed_stage not cleared: %q", got.FailedStage)
	}
}

func TestResetForRetryRequiresFailedStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertDocument(ctx, sampleDoc("ok.pdf"))
	err := s.ResetForRetry(ctx, id, StageValidation)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for non-failed doc, got %v", err)
	}
}

func TestIncrementRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertDocument(ctx, sampleDoc("r.pdf"))
	for i := 0; i < 2; i++ {
		if err := s.IncrementRetryCount(ctx, id); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	got, _ := s.GetDocument(ctx, id)
	if got.RetryCount != 2 {
		t.Errorf("retry_count: got %d, want 2", got.RetryCount)
	}
}

func TestRecordStageSecondsAndCost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertDocument(ctx, sampleDoc("t.pdf"))
	if err := s.RecordStageSeconds(ctx, id, StageEmbedding, 1.5); err != nil {
		t.Fatalf("record seconds: %v", err)
	}
	if err := s.RecordStageSeconds(ctx, id, StageEmbedding, 0.5); err != nil {
		t.Fatalf("record seconds again: %v", err)
	}
	if err := s.AddDocumentCost(ctx, id, 0.0042, 2.52); err != nil {
		t.Fatalf("add cost: %v", err)
	}

	got, _ := s.GetDocument(ctx, id)
	if got.EmbedSeconds != 2.0 {
		t.Errorf("embed_seconds: got %f, want 2.0", got.EmbedSeconds)
	}
	if got.CostUSD != 0.0042 {
		t.Errorf("cost_usd: got %f", got.CostUSD)
	}
}

func TestListDocumentsFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _ := s.InsertDocument(ctx, sampleDoc("a.pdf"))
	s.InsertDocument(ctx, sampleDoc("b.pdf"))
	s.CompleteDocument(ctx, id1)

	completed, err := s.ListDocuments(ctx, ListDocumentsOpts{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed doc, got %d", len(completed))
	}
	if completed[0].ID != id1 {
		t.Errorf("expected doc %d, got %d", id1, completed[0].ID)
	}
}

func TestListDocumentsFiltersByTypeAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []Document{
		{Filename: "bail commercial.pdf", Extension: "pdf", ContentHash: "h1", SizeBytes: 1, UploadedBy: "u1"},
		{Filename: "facture.docx", Extension: "docx", ContentHash: "h2", SizeBytes: 1, UploadedBy: "u1"},
		{Filename: "notes.txt", Extension: "txt", ContentHash: "h3", SizeBytes: 1, UploadedBy: "u1"},
	}
	for _, d := range docs {
		if _, err := s.InsertDocument(ctx, d); err != nil {
			t.Fatalf("insert %s: %v", d.Filename, err)
		}
	}

	byType, err := s.ListDocuments(ctx, ListDocumentsOpts{FileTypes: []string{"pdf", "docx"}})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("expected 2 docs for pdf+docx, got %d", len(byType))
	}

	bySearch, err := s.ListDocuments(ctx, ListDocumentsOpts{Search: "commercial"})
	if err != nil {
		t.Fatalf("list by search: %v", err)
	}
	if len(bySearch) != 1 || bySearch[0].Filename != "bail commercial.pdf" {
		t.Errorf("search results = %+v", bySearch)
	}

	// LIKE wildcards in the needle must not match everything.
	wild, err := s.ListDocuments(ctx, ListDocumentsOpts{Search: "%"})
	if err != nil {
		t.Fatalf("list by wildcard: %v", err)
	}
	if len(wild) != 0 {
		t.Errorf("literal %% matched %d docs", len(wild))
	}
}

func TestListDocumentsFiltersByDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldID, _ := s.InsertDocument(ctx, sampleDoc("ancien.pdf"))
	if _, err := s.db.ExecContext(ctx,
		`UPDATE documents SET created_at = '2024-01-15 10:00:00' WHERE id = ?`, oldID); err != nil {
		t.Fatalf("backdating: %v", err)
	}
	s.InsertDocument(ctx, sampleDoc("récent.pdf"))

	recent, err := s.ListDocuments(ctx, ListDocumentsOpts{DateFrom: "2025-01-01"})
	if err != nil {
		t.Fatalf("list from: %v", err)
	}
	if len(recent) != 1 || recent[0].Filename != "récent.pdf" {
		t.Errorf("date_from results = %+v", recent)
	}

	old, err := s.ListDocuments(ctx, ListDocumentsOpts{DateTo: "2024-12-31"})
	if err != nil {
		t.Fatalf("list to: %v", err)
	}
	if len(old) != 1 || old[0].ID != oldID {
		t.Errorf("date_to results = %+v", old)
	}
}

// ---------------------------------------------------------------------------
// Chunk replacement
// ---------------------------------------------------------------------------

func TestReplaceChunksIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := completedDoc(t, s, "chunks.pdf")
	chunks := []Chunk{
		{ChunkIndex: 0, Content: "premier morceau", TokenCount: 2, PageNumber: 1},
		{ChunkIndex: 1, Content: "deuxieme morceau", TokenCount: 2, PageNumber: 1},
	}

	if _, err := s.ReplaceChunks(ctx, docID, chunks); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	// Run again; count must not grow.
	if _, err := s.ReplaceChunks(ctx, docID, chunks); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	got, err := s.GetChunksByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("get chunks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks after re-run, got %d", len(got))
	}
	if got[0].ContentHash == "" {
		t.Error("expected non-empty content_hash")
	}
	if got[1].ChunkIndex != 1 {
		t.Errorf("chunk_index: got %d, want 1", got[1].ChunkIndex)
	}
}

// ---------------------------------------------------------------------------
// Embeddings and search
// ---------------------------------------------------------------------------

func TestUpsertEmbeddingsAndVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := completedDoc(t, s, "vec.pdf")
	ids, err := s.ReplaceChunks(ctx, docID, []Chunk{
		{ChunkIndex: 0, Content: "alpha content", TokenCount: 2},
		{ChunkIndex: 1, Content: "beta content", TokenCount: 2},
	})
	if err != nil {
		t.Fatalf("replace chunks: %v", err)
	}

	err = s.UpsertEmbeddings(ctx, ids, []string{"v-0", "v-1"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}})
	if err != nil {
		t.Fatalf("upsert embeddings: %v", err)
	}

	results, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 2, SearchFilters{})
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Content != "alpha content" {
		t.Errorf("nearest: got %q", results[0].Content)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("expected first score (%f) > second (%f)", results[0].Score, results[1].Score)
	}

	n, err := s.CountEmbeddedChunks(ctx, docID)
	if err != nil {
		t.Fatalf("count embedded: %v", err)
	}
	if n != 2 {
		t.Fatalf("embedded count: got %d, want 2", n)
	}

	chunks, _ := s.GetChunksByDocument(ctx, docID)
	if chunks[0].VectorID != "v-0" {
		t.Errorf("vector_id: got %q, want v-0", chunks[0].VectorID)
	}
}

func TestVectorSearchSkipsUnfinishedDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Still pending: its chunks must never surface in search.
	docID, _ := s.InsertDocument(ctx, sampleDoc("pending.pdf"))
	ids, _ := s.ReplaceChunks(ctx, docID, []Chunk{
		{ChunkIndex: 0, Content: "hidden", TokenCount: 1},
	})
	s.UpsertEmbeddings(ctx, ids, []string{"v-0"}, [][]float32{{1, 0, 0, 0}})

	results, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 5, SearchFilters{})
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 results for pending doc, got %d", len(results))
	}
}

func TestVectorSearchFiltersByDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc1 := completedDoc(t, s, "one.pdf")
	doc2 := completedDoc(t, s, "two.pdf")
	ids1, _ := s.ReplaceChunks(ctx, doc1, []Chunk{{ChunkIndex: 0, Content: "un", TokenCount: 1}})
	ids2, _ := s.ReplaceChunks(ctx, doc2, []Chunk{{ChunkIndex: 0, Content: "deux", TokenCount: 1}})
	s.UpsertEmbeddings(ctx, ids1, []string{"a"}, [][]float32{{1, 0, 0, 0}})
	s.UpsertEmbeddings(ctx, ids2, []string{"b"}, [][]float32{{0.9, 0.1, 0, 0}})

	results, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 5,
		SearchFilters{DocumentIDs: []int64{doc2}})
	if err != nil {
		t.Fatalf("filtered search: %v", err)
	}
	if len(results) != 1 || results[0].DocumentID != doc2 {
		t.Fatalf("expected only doc2 results, got %+v", results)
	}
}

func TestFTSSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := completedDoc(t, s, "fts.pdf")
	if _, err := s.ReplaceChunks(ctx, docID, []Chunk{
		{ChunkIndex: 0, Content: "le contrat de bail commercial", TokenCount: 5},
		{ChunkIndex: 1, Content: "artificial intelligence and machine learning", TokenCount: 5},
	}); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}

	results, err := s.FTSSearch(ctx, "bail commercial", 10, SearchFilters{})
	if err != nil {
		t.Fatalf("fts search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one FTS result")
	}
	if results[0].Content != "le contrat de bail commercial" {
		t.Errorf("top FTS result: got %q", results[0].Content)
	}
	if results[0].Score <= 0 {
		t.Errorf("expected positive score, got %f", results[0].Score)
	}
}

func TestFTSSearchQuotesSpecialCharacters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := completedDoc(t, s, "q.pdf")
	s.ReplaceChunks(ctx, docID, []Chunk{
		{ChunkIndex: 0, Content: "hello world", TokenCount: 2},
	})

	// Raw FTS5 syntax characters must not break the query.
	if _, err := s.FTSSearch(ctx, `hello AND "world" (test-case)`, 10, SearchFilters{}); err != nil {
		t.Fatalf("fts search with syntax chars: %v", err)
	}
}

// ---------------------------------------------------------------------------
// DeleteDocument cascade
// ---------------------------------------------------------------------------

func TestDeleteDocumentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := completedDoc(t, s, "delete.pdf")
	ids, _ := s.ReplaceChunks(ctx, docID, []Chunk{
		{ChunkIndex: 0, Content: "chunk one", TokenCount: 2},
	})
	s.UpsertEmbeddings(ctx, ids, []string{"v-0"}, [][]float32{{1, 0, 0, 0}})

	// A cached answer grounded on this document.
	cacheID, err := s.InsertCacheEntry(ctx, CacheEntry{
		QueryHash: "h1", QueryText: "q", Response: "r", TTLSeconds: 3600,
	}, []int64{docID})
	if err != nil {
		t.Fatalf("insert cache: %v", err)
	}
	if cacheID == 0 {
		t.Fatal("expected cache id")
	}

	if err := s.DeleteDocument(ctx, docID); err != nil {
		t.Fatalf("delete document: %v", err)
	}

	if _, err := s.GetDocument(ctx, docID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected document gone, got err=%v", err)
	}

	remaining, _ := s.GetChunksByDocument(ctx, docID)
	if len(remaining) != 0 {
		t.Fatalf("expected 0 chunks after cascade, got %d", len(remaining))
	}

	// The cache entry must be purged, not just unlinked.
	hit, err := s.GetCacheByHash(ctx, "h1")
	if err != nil {
		t.Fatalf("cache lookup: %v", err)
	}
	if hit != nil {
		t.Fatal("expected cached answer purged with its grounding document")
	}

	results, _ := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 10, SearchFilters{})
	if len(results) != 0 {
		t.Fatalf("expected 0 vector results after delete, got %d", len(results))
	}
}

// ---------------------------------------------------------------------------
// Conversations, messages, feedback
// ---------------------------------------------------------------------------

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConversation(ctx, "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c, err := s.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Title != DefaultConversationTitle {
		t.Errorf("title: got %q, want %q", c.Title, DefaultConversationTitle)
	}

	if err := s.SetConversationTitle(ctx, id, "Bail commercial à Douala"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := s.SetConversationArchived(ctx, id, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	visible, _ := s.ListConversations(ctx, "user-1", false, 0)
	if len(visible) != 0 {
		t.Fatalf("archived conversation should be hidden, got %d", len(visible))
	}
	all, _ := s.ListConversations(ctx, "user-1", true, 0)
	if len(all) != 1 {
		t.Fatalf("expected 1 conversation with archived, got %d", len(all))
	}

	if err := s.DeleteConversation(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConversation(ctx, id); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected gone, got %v", err)
	}
}

func TestMessagesAndFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, _ := s.CreateConversation(ctx, "user-1")
	if _, err := s.InsertMessage(ctx, Message{
		ConversationID: convID, Role: "user", Content: "Quelle est la TVA?",
	}); err != nil {
		t.Fatalf("insert user msg: %v", err)
	}
	asstID, err := s.InsertMessage(ctx, Message{
		ConversationID: convID, Role: "assistant", Content: "19,25 %",
		Sources: `[{"document_id":1}]`, ModelUsed: "llama3.1:8b",
		TokensInput: 120, TokensOutput: 30, CostUSD: 0.0012, CostXAF: 0.72,
	})
	if err != nil {
		t.Fatalf("insert assistant msg: %v", err)
	}

	if err := s.UpsertFeedback(ctx, Feedback{MessageID: asstID, UserID: "user-1", Rating: 1}); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	// Same user revises the rating; tallies must not double count.
	if err := s.UpsertFeedback(ctx, Feedback{MessageID: asstID, UserID: "user-1", Rating: -1, Comment: "incomplet"}); err != nil {
		t.Fatalf("revise feedback: %v", err)
	}

	msgs, err := s.ListMessages(ctx, convID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	last := msgs[1]
	if last.Upvotes != 0 || last.Downvotes != 1 {
		t.Errorf("tallies: got +%d/-%d, want +0/-1", last.Upvotes, last.Downvotes)
	}
	if last.TokensInput != 120 {
		t.Errorf("tokens_input: got %d", last.TokensInput)
	}
}

func TestRecentMessagesWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convID, _ := s.CreateConversation(ctx, "user-1")
	for i := 0; i < 8; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.InsertMessage(ctx, Message{ConversationID: convID, Role: role, Content: "m"})
	}

	recent, err := s.RecentMessages(ctx, convID, 4)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("expected 4, got %d", len(recent))
	}
	// Chronological order, oldest of the window first.
	if recent[0].ID >= recent[3].ID {
		t.Errorf("window not chronological: %d..%d", recent[0].ID, recent[3].ID)
	}
}

// ---------------------------------------------------------------------------
// Query cache
// ---------------------------------------------------------------------------

func TestCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := completedDoc(t, s, "cache.pdf")
	id, err := s.InsertCacheEntry(ctx, CacheEntry{
		QueryHash: "hash-1", QueryText: "quelle tva",
		Embedding: []float32{0.5, 0.5, 0.5, 0.5},
		Response:  "19,25 %", TTLSeconds: 3600,
		TokensInput: 100, TokensOutput: 20, CostUSD: 0.001, CostXAF: 0.6,
	}, []int64{docID})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	hit, err := s.GetCacheByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit == nil {
		t.Fatal("expected hit")
	}
	if hit.Response != "19,25 %" {
		t.Errorf("response: got %q", hit.Response)
	}
	if len(hit.Embedding) != 4 {
		t.Errorf("embedding len: got %d, want 4", len(hit.Embedding))
	}

	if err := s.TouchCacheEntry(ctx, id, 7200); err != nil {
		t.Fatalf("touch: %v", err)
	}
	hit, _ = s.GetCacheByHash(ctx, "hash-1")
	if hit.HitCount != 1 {
		t.Errorf("hit_count: got %d, want 1", hit.HitCount)
	}
	if hit.TTLSeconds != 7200 {
		t.Errorf("ttl after touch: got %d, want 7200", hit.TTLSeconds)
	}
}

func TestCacheHitExtendsTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertCacheEntry(ctx, CacheEntry{
		QueryHash: "vieux", QueryText: "q", Response: "r", TTLSeconds: 60,
	}, nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Age the entry past its original deadline without any hit.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE query_cache
		SET created_at = datetime('now', '-120 seconds'),
			last_accessed_at = datetime('now', '-120 seconds')
		WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}
	if hit, _ := s.GetCacheByHash(ctx, "vieux"); hit != nil {
		t.Fatal("aged entry with no hits must be expired")
	}

	// An entry hit after creation stays live: expiry runs from the hit,
	// not from creation.
	id2, err := s.InsertCacheEntry(ctx, CacheEntry{
		QueryHash: "servi", QueryText: "q", Response: "r", TTLSeconds: 60,
	}, nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE query_cache SET created_at = datetime('now', '-120 seconds')
		WHERE id = ?`, id2); err != nil {
		t.Fatal(err)
	}
	hit, err := s.GetCacheByHash(ctx, "servi")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit == nil {
		t.Fatal("recently served entry must still be live")
	}

	if err := s.TouchCacheEntry(ctx, id2, 604800); err != nil {
		t.Fatalf("touch: %v", err)
	}
	hit, _ = s.GetCacheByHash(ctx, "servi")
	if hit == nil || hit.TTLSeconds != 604800 {
		t.Fatalf("hit must extend the TTL to the configured value, got %+v", hit)
	}
}

func TestCacheExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// TTL 0: expired the moment it lands.
	if _, err := s.InsertCacheEntry(ctx, CacheEntry{
		QueryHash: "stale", QueryText: "q", Response: "r", TTLSeconds: 0,
	}, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hit, err := s.GetCacheByHash(ctx, "stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit != nil {
		t.Fatal("expired entry must not be served")
	}

	n, err := s.PurgeExpiredCache(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
}

func TestInsertCacheEntryRejectsMissingDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertCacheEntry(ctx, CacheEntry{
		QueryHash: "h", QueryText: "q", Response: "r", TTLSeconds: 3600,
	}, []int64{9999})
	if !errors.Is(err, ErrCacheGroundingGone) {
		t.Fatalf("expected ErrCacheGroundingGone, got %v", err)
	}

	// Nothing must have been written.
	hit, _ := s.GetCacheByHash(ctx, "h")
	if hit != nil {
		t.Fatal("guarded insert must be all-or-nothing")
	}
}

func TestPurgeCacheForDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc1 := completedDoc(t, s, "d1.pdf")
	doc2 := completedDoc(t, s, "d2.pdf")
	s.InsertCacheEntry(ctx, CacheEntry{QueryHash: "a", QueryText: "q", Response: "r", TTLSeconds: 3600}, []int64{doc1})
	s.InsertCacheEntry(ctx, CacheEntry{QueryHash: "b", QueryText: "q", Response: "r", TTLSeconds: 3600}, []int64{doc2})

	n, err := s.PurgeCacheForDocument(ctx, doc1)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}

	if hit, _ := s.GetCacheByHash(ctx, "b"); hit == nil {
		t.Fatal("unrelated entry must survive")
	}
}

func TestCacheStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertCacheEntry(ctx, CacheEntry{
		QueryHash: "st", QueryText: "q", Response: "r",
		TTLSeconds: 3600, TokensInput: 100, TokensOutput: 20,
		CostUSD: 0.002, CostXAF: 1.2,
	}, nil)
	s.TouchCacheEntry(ctx, id, 3600)
	s.TouchCacheEntry(ctx, id, 3600)

	st, err := s.GetCacheStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Entries != 1 || st.TotalHits != 2 {
		t.Errorf("entries/hits: got %d/%d, want 1/2", st.Entries, st.TotalHits)
	}
	if st.TokensSaved != 240 {
		t.Errorf("tokens_saved: got %d, want 240", st.TokensSaved)
	}
	if st.SavedUSD != 0.004 {
		t.Errorf("saved_usd: got %f, want 0.004", st.SavedUSD)
	}
}

// ---------------------------------------------------------------------------
// Usage ledger and exchange rates
// ---------------------------------------------------------------------------

func TestUsageTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []UsageEvent{
		{Operation: "embedding", Model: "nomic-embed-text", TokensInput: 500, CostUSD: 0.0001, CostXAF: 0.06, ExchangeRate: 600},
		{Operation: "generation", Model: "llama3.1:8b", TokensInput: 900, TokensOutput: 200, CostUSD: 0.003, CostXAF: 1.8, ExchangeRate: 600},
		{Operation: "generation", Model: "llama3.1:8b", TokensInput: 100, TokensOutput: 50, CostUSD: 0.001, CostXAF: 0.6, ExchangeRate: 600},
	}
	for _, e := range events {
		if err := s.InsertUsage(ctx, e); err != nil {
			t.Fatalf("insert usage: %v", err)
		}
	}

	totals, err := s.UsageTotals(ctx, "")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 operation groups, got %d", len(totals))
	}
	// Ordered by operation name: embedding, generation.
	gen := totals[1]
	if gen.Operation != "generation" || gen.Events != 2 {
		t.Errorf("generation group: %+v", gen)
	}
	if gen.TokensInput != 1000 {
		t.Errorf("tokens_input: got %d, want 1000", gen.TokensInput)
	}
}

func TestExchangeRateHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if r, err := s.LatestExchangeRate(ctx, "USD/XAF"); err != nil || r != nil {
		t.Fatalf("expected nil rate before any insert, got %+v err=%v", r, err)
	}

	s.InsertExchangeRate(ctx, "USD/XAF", 590.0, "beac")
	s.InsertExchangeRate(ctx, "USD/XAF", 612.5, "beac")

	latest, err := s.LatestExchangeRate(ctx, "USD/XAF")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Rate != 612.5 {
		t.Errorf("rate: got %f, want 612.5", latest.Rate)
	}

	hist, _ := s.ListExchangeRates(ctx, "USD/XAF", 10)
	if len(hist) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(hist))
	}
}

// ---------------------------------------------------------------------------
// System config
// ---------------------------------------------------------------------------

func TestConfigHistoryOnUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetConfig(ctx, "chunk_size", "1000", "window size in tokens", "admin-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetConfig(ctx, "chunk_size", "1200", "", "admin-2"); err != nil {
		t.Fatalf("update: %v", err)
	}

	v, err := s.GetConfig(ctx, "chunk_size")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "1200" {
		t.Errorf("value: got %q, want 1200", v)
	}

	hist, err := s.ConfigHistory(ctx, "chunk_size", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(hist))
	}
	if hist[0].Value != "1000" {
		t.Errorf("history value: got %q, want the previous value", hist[0].Value)
	}

	if v, _ := s.GetConfig(ctx, "missing_key"); v != "" {
		t.Errorf("missing key: got %q, want empty", v)
	}
}

// ---------------------------------------------------------------------------
// Leases
// ---------------------------------------------------------------------------

func TestLeaseExclusivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertDocument(ctx, sampleDoc("lease.pdf"))

	if err := s.AcquireLease(ctx, id, "worker-a", StageExtraction, time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Renewal by the same owner succeeds.
	if err := s.AcquireLease(ctx, id, "worker-a", StageExtraction, time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	// A different worker is rejected while the lease is live.
	if err := s.AcquireLease(ctx, id, "worker-b", StageExtraction, time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	if err := s.ReleaseLease(ctx, id, "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.AcquireLease(ctx, id, "worker-b", StageExtraction, time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLeaseTakeoverAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertDocument(ctx, sampleDoc("expire.pdf"))
	// Already expired.
	if err := s.AcquireLease(ctx, id, "worker-a", StageEmbedding, -time.Minute); err != nil {
		t.Fatalf("acquire expired: %v", err)
	}
	if err := s.AcquireLease(ctx, id, "worker-b", StageEmbedding, time.Minute); err != nil {
		t.Fatalf("takeover should succeed: %v", err)
	}
}

func TestOrphanedDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orphan, _ := s.InsertDocument(ctx, sampleDoc("orphan.pdf"))
	s.UpdateDocumentStatus(ctx, orphan, StatusProcessing, StageEmbedding)

	leased, _ := s.InsertDocument(ctx, sampleDoc("leased.pdf"))
	s.UpdateDocumentStatus(ctx, leased, StatusProcessing, StageEmbedding)
	s.AcquireLease(ctx, leased, "worker-a", StageEmbedding, time.Minute)

	docs, err := s.OrphanedDocuments(ctx, 10)
	if err != nil {
		t.Fatalf("orphaned: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 orphan, got %d", len(docs))
	}
	if docs[0].ID != orphan {
		t.Errorf("orphan id: got %d, want %d", docs[0].ID, orphan)
	}
}
