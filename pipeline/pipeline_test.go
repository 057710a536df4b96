//go:build cgo

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ancrage-ai/ancrage/cache"
	"github.com/ancrage-ai/ancrage/cost"
	"github.com/ancrage-ai/ancrage/embed"
	"github.com/ancrage-ai/ancrage/extract"
	"github.com/ancrage-ai/ancrage/index"
	"github.com/ancrage-ai/ancrage/internal/apperr"
	"github.com/ancrage-ai/ancrage/llm"
	"github.com/ancrage-ai/ancrage/settings"
	"github.com/ancrage-ai/ancrage/store"
)

type embedOnlyProvider struct{}

func (embedOnlyProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (embedOnlyProvider) ChatStream(ctx context.Context, req llm.ChatRequest, fn func(string) error) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (embedOnlyProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t) % 97), 1, 0.5, 0}
	}
	return out, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	res := settings.NewResolver(s)
	if err := res.Seed(ctx); err != nil {
		t.Fatalf("seeding settings: %v", err)
	}

	blobs, err := NewBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	acct := cost.NewAccountant(s, res, log)

	p := New(Config{
		Store:     s,
		Queue:     NewChannelQueue(16),
		Blobs:     blobs,
		Extractor: extract.New(nil, log),
		Embedder:  embed.New(embedOnlyProvider{}, res, acct, "embed-model", log),
		Index:     index.New(s, log),
		Cache:     cache.New(s, res, log),
		Settings:  res,
		Logger:    log,
		Workers:   map[string]int{QueueProcessing: 1, QueueChunking: 1, QueueEmbedding: 1, QueueIndexing: 1},
	})
	p.Start()
	t.Cleanup(p.Close)
	return p, s
}

func uploadDocument(t *testing.T, p *Pipeline, s *store.Store, name, ext string, data []byte) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := s.InsertDocument(ctx, store.Document{
		Filename: name, Extension: ext, ContentHash: "hash-" + name,
		SizeBytes: int64(len(data)), UploadedBy: "u1",
	})
	if err != nil {
		t.Fatalf("insert document: %v", err)
	}
	if err := p.blobs.SaveUpload(id, data); err != nil {
		t.Fatalf("saving upload: %v", err)
	}
	if err := p.Submit(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func waitForTerminal(t *testing.T, s *store.Store, docID int64) *store.Document {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		doc, err := s.GetDocument(context.Background(), docID)
		if err != nil {
			t.Fatalf("get document: %v", err)
		}
		if doc.Status == store.StatusCompleted || doc.Status == store.StatusFailed {
			return doc
		}
		if time.Now().After(deadline) {
			t.Fatalf("document %d stuck in %s/%s", docID, doc.Status, doc.Stage)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

var leaseText = strings.Repeat(
	"Article 3. Le bail est conclu pour une durée de neuf années entières et consécutives. "+
		"Le preneur s'engage à payer le loyer et les charges aux échéances convenues. ", 20)

func TestPipelineProcessesTextDocument(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	docID := uploadDocument(t, p, s, "bail.txt", "txt", []byte(leaseText))
	doc := waitForTerminal(t, s, docID)

	if doc.Status != store.StatusCompleted {
		t.Fatalf("status = %s/%s, error = %q", doc.Status, doc.Stage, doc.ErrorMessage)
	}
	if doc.ExtractionMethod != extract.MethodText {
		t.Errorf("method = %q", doc.ExtractionMethod)
	}
	if doc.ChunkCount < 2 {
		t.Errorf("chunk count = %d, want several", doc.ChunkCount)
	}
	if doc.ExtractedChars == 0 || doc.PageCount == 0 {
		t.Errorf("extraction result not recorded: %+v", doc)
	}

	embedded, err := s.CountEmbeddedChunks(ctx, docID)
	if err != nil {
		t.Fatalf("counting embedded chunks: %v", err)
	}
	if embedded != doc.ChunkCount {
		t.Errorf("embedded %d of %d chunks", embedded, doc.ChunkCount)
	}

	// Lexical search over the indexed content works end to end.
	results, err := s.FTSSearch(ctx, "loyer", 5, store.SearchFilters{})
	if err != nil {
		t.Fatalf("fts search: %v", err)
	}
	if len(results) == 0 {
		t.Error("indexed document not searchable")
	}
}

func TestPipelinePublishesTerminalSnapshot(t *testing.T) {
	p, s := newTestPipeline(t)

	docID := uploadDocument(t, p, s, "bail.txt", "txt", []byte(leaseText))
	waitForTerminal(t, s, docID)

	// Subscribing after completion must deliver one snapshot and close.
	ch, cancel := p.Hub().Subscribe(docID)
	defer cancel()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("stream closed without snapshot")
		}
		if ev.Status != store.StatusCompleted || ev.ChunkCount == 0 {
			t.Errorf("snapshot = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot for late subscriber")
	}
}

func TestPipelineFailsUnsupportedFormat(t *testing.T) {
	p, s := newTestPipeline(t)

	docID := uploadDocument(t, p, s, "image.bmp", "bmp", []byte{0x42, 0x4d})
	doc := waitForTerminal(t, s, docID)

	if doc.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}
	if doc.FailedStage != store.StageExtraction {
		t.Errorf("failed stage = %q", doc.FailedStage)
	}
	if doc.ErrorMessage == "" {
		t.Error("error message missing")
	}
}

func TestPipelineFailsEmptyDocument(t *testing.T) {
	p, s := newTestPipeline(t)

	docID := uploadDocument(t, p, s, "vide.txt", "txt", []byte("   \n  "))
	doc := waitForTerminal(t, s, docID)

	if doc.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}
}

func TestPipelineRetryAfterFailure(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	// First run fails: the upload payload is missing.
	docID, err := s.InsertDocument(ctx, store.Document{
		Filename: "bail.txt", Extension: "txt", ContentHash: "h-retry",
		SizeBytes: 10, UploadedBy: "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(ctx, docID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	doc := waitForTerminal(t, s, docID)
	if doc.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}

	// Supply the payload and retry.
	if err := p.blobs.SaveUpload(docID, []byte(leaseText)); err != nil {
		t.Fatal(err)
	}
	if err := p.Retry(ctx, docID, ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
	doc = waitForTerminal(t, s, docID)
	if doc.Status != store.StatusCompleted {
		t.Fatalf("status after retry = %s/%s, error = %q", doc.Status, doc.Stage, doc.ErrorMessage)
	}
	if doc.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", doc.RetryCount)
	}
}

func TestPipelineRetryFromStage(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	docID := uploadDocument(t, p, s, "bail.txt", "txt", []byte(leaseText))
	doc := waitForTerminal(t, s, docID)
	if doc.Status != store.StatusCompleted {
		t.Fatalf("status = %s, error = %q", doc.Status, doc.ErrorMessage)
	}

	// Simulate a failure during chunking with the extraction payload on
	// disk; a retry from that stage must succeed without re-extracting.
	if err := s.FailDocument(ctx, docID, store.StageChunking, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := p.blobs.SaveExtraction(docID, &extract.Result{
		Text: leaseText, Method: extract.MethodText, PageCount: 1,
	}); err != nil {
		t.Fatal(err)
	}

	if err := p.Retry(ctx, docID, store.StageChunking); err != nil {
		t.Fatalf("retry from stage: %v", err)
	}
	doc = waitForTerminal(t, s, docID)
	if doc.Status != store.StatusCompleted {
		t.Fatalf("status after retry = %s/%s, error = %q", doc.Status, doc.Stage, doc.ErrorMessage)
	}
	if doc.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", doc.RetryCount)
	}
	if doc.FailedStage != "" || doc.ErrorMessage != "" {
		t.Errorf("failure fields not cleared: %q %q", doc.FailedStage, doc.ErrorMessage)
	}

	// The terminal snapshot carries the retry counter.
	ch, cancel := p.Hub().Subscribe(docID)
	defer cancel()
	select {
	case ev := <-ch:
		if ev.RetryCount != 1 {
			t.Errorf("snapshot retry count = %d, want 1", ev.RetryCount)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot for late subscriber")
	}
}

func TestPipelineRetryUnknownStage(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	docID := uploadDocument(t, p, s, "bail.txt", "txt", []byte(leaseText))
	waitForTerminal(t, s, docID)

	if err := p.Retry(ctx, docID, "téléportation"); err == nil {
		t.Fatal("unknown stage must be rejected")
	}
}

func TestPipelineCompletionPurgesCachedAnswers(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	// A cached answer grounded on the document predates reprocessing.
	docID := uploadDocument(t, p, s, "bail.txt", "txt", []byte(leaseText))
	waitForTerminal(t, s, docID)

	c := cache.New(s, settings.NewResolver(s), nil)
	if err := c.Store(ctx, cache.Entry{Query: "ancienne question", Response: "ancienne réponse"},
		[]int64{docID}); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	err := p.Retry(ctx, docID, "")
	if err == nil {
		t.Fatal("retry of a completed document must fail")
	}
	if !errors.Is(err, apperr.ErrNotFailed) {
		t.Errorf("error = %v, want ErrNotFailed", err)
	}
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("kind = %v, want conflict", apperr.KindOf(err))
	}

	p.complete(ctx, docID)
	if hit, _ := c.LookupExact(ctx, "ancienne question"); hit != nil {
		t.Error("stale cached answer survived reprocessing")
	}
}
