// Package pipeline drives documents through the ingestion stages:
// extraction, chunking, embedding, indexing. Stage transitions are
// committed to the store before the next task is enqueued, so a
// crashed worker loses at most one in-flight stage, which the
// reconciler requeues.
package pipeline

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ancrage-ai/ancrage/cache"
	"github.com/ancrage-ai/ancrage/chunker"
	"github.com/ancrage-ai/ancrage/embed"
	"github.com/ancrage-ai/ancrage/extract"
	"github.com/ancrage-ai/ancrage/index"
	"github.com/ancrage-ai/ancrage/internal/apperr"
	"github.com/ancrage-ai/ancrage/settings"
	"github.com/ancrage-ai/ancrage/store"
)

const (
	defaultLeaseTTL          = 5 * time.Minute
	defaultReconcileInterval = 30 * time.Second
	defaultStaleAfter        = 2 * time.Minute
	defaultSweepInterval     = time.Hour
	defaultMaxAttempts       = 3
	defaultWorkersPerQueue   = 2

	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// Config wires a Pipeline.
type Config struct {
	Store     *store.Store
	Queue     Queue
	Blobs     *Blobs
	Extractor *extract.Extractor
	Embedder  *embed.Embedder
	Index     *index.Index
	Cache     *cache.Cache
	Settings  *settings.Resolver
	Logger    *slog.Logger

	// Workers per queue name; unlisted queues get two workers.
	Workers map[string]int

	LeaseTTL          time.Duration
	ReconcileInterval time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	MaxAttempts       int
}

// Pipeline owns the worker pools, the reconciler and the cache
// sweeper.
type Pipeline struct {
	store     *store.Store
	queue     Queue
	blobs     *Blobs
	extractor *extract.Extractor
	embedder  *embed.Embedder
	index     *index.Index
	cache     *cache.Cache
	settings  *settings.Resolver
	log       *slog.Logger
	hub       *Hub

	workers           map[string]int
	leaseTTL          time.Duration
	reconcileInterval time.Duration
	staleAfter        time.Duration
	sweepInterval     time.Duration
	maxAttempts       int
	ownerBase         string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "ancrage"
	}

	p := &Pipeline{
		store:             cfg.Store,
		queue:             cfg.Queue,
		blobs:             cfg.Blobs,
		extractor:         cfg.Extractor,
		embedder:          cfg.Embedder,
		index:             cfg.Index,
		cache:             cfg.Cache,
		settings:          cfg.Settings,
		log:               log,
		hub:               NewHub(),
		workers:           cfg.Workers,
		leaseTTL:          cfg.LeaseTTL,
		reconcileInterval: cfg.ReconcileInterval,
		staleAfter:        cfg.StaleAfter,
		sweepInterval:     cfg.SweepInterval,
		maxAttempts:       cfg.MaxAttempts,
		ownerBase:         host + "-" + uuid.NewString()[:8],
	}
	if p.leaseTTL <= 0 {
		p.leaseTTL = defaultLeaseTTL
	}
	if p.reconcileInterval <= 0 {
		p.reconcileInterval = defaultReconcileInterval
	}
	if p.staleAfter <= 0 {
		p.staleAfter = defaultStaleAfter
	}
	if p.sweepInterval <= 0 {
		p.sweepInterval = defaultSweepInterval
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	return p
}

// Hub exposes the status feed for SSE handlers.
func (p *Pipeline) Hub() *Hub { return p.hub }

// Start launches the worker pools, reconciler and sweeper. They run
// until Close.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for _, queue := range QueueNames {
		n := p.workers[queue]
		if n <= 0 {
			n = defaultWorkersPerQueue
		}
		for i := 0; i < n; i++ {
			owner := fmt.Sprintf("%s-%s-%d", p.ownerBase, queue, i)
			p.wg.Add(1)
			go func(queue, owner string) {
				defer p.wg.Done()
				p.workerLoop(ctx, queue, owner)
			}(queue, owner)
		}
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.reconcileLoop(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.sweepLoop(ctx)
	}()
}

// Close stops the workers and waits for in-flight stages to finish.
func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit moves an accepted upload into processing. The status write
// commits before the enqueue; if the enqueue then fails the reconciler
// picks the document up.
func (p *Pipeline) Submit(ctx context.Context, docID int64) error {
	if err := p.store.UpdateDocumentStatus(ctx, docID, store.StatusProcessing, store.StageExtraction); err != nil {
		return fmt.Errorf("submitting document %d: %w", docID, err)
	}
	p.publish(docID, store.StatusProcessing, store.StageExtraction, "", 0)

	err := p.queue.Enqueue(ctx, QueueProcessing, Task{DocumentID: docID, FromStage: store.StageExtraction})
	if errors.Is(err, apperr.ErrQueueFull) {
		// Status is committed; the reconciler requeues once the
		// backlog drains.
		p.log.Warn("processing queue full, deferring to reconciler", "document_id", docID)
		return nil
	}
	return err
}

// Retry requeues a failed document from the given stage, or from the
// start of the pipeline when fromStage is empty. Retrying a document
// that is not failed is a conflict.
func (p *Pipeline) Retry(ctx context.Context, docID int64, fromStage string) error {
	if fromStage == "" {
		fromStage = store.StageValidation
	}
	queue := queueForStage(fromStage)
	if queue == "" {
		return apperr.Errorf(apperr.KindValidation, "pipeline.retry",
			"unknown stage %q", fromStage)
	}

	err := p.store.ResetForRetry(ctx, docID, fromStage)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.store.GetDocument(ctx, docID); getErr != nil {
			return getErr
		}
		return apperr.E(apperr.KindConflict, "pipeline.retry", apperr.ErrNotFailed)
	}
	if err != nil {
		return err
	}

	retries := 0
	if doc, err := p.store.GetDocument(ctx, docID); err == nil {
		retries = doc.RetryCount
	}
	p.publish(docID, store.StatusProcessing, fromStage, "", retries)

	err = p.queue.Enqueue(ctx, queue, Task{DocumentID: docID, FromStage: fromStage, Attempt: retries})
	if errors.Is(err, apperr.ErrQueueFull) {
		p.log.Warn("retry queue full, deferring to reconciler",
			"document_id", docID, "stage", fromStage)
		return nil
	}
	return err
}

// Drop clears pipeline state for a deleted document.
func (p *Pipeline) Drop(docID int64) {
	p.blobs.Remove(docID)
	p.hub.Forget(docID)
}

func stageForQueue(queue string) string {
	switch queue {
	case QueueProcessing:
		return store.StageExtraction
	case QueueChunking:
		return store.StageChunking
	case QueueEmbedding:
		return store.StageEmbedding
	case QueueIndexing:
		return store.StageIndexing
	}
	return ""
}

func queueForStage(stage string) string {
	switch stage {
	case store.StageValidation, store.StageExtraction:
		return QueueProcessing
	case store.StageChunking:
		return QueueChunking
	case store.StageEmbedding:
		return QueueEmbedding
	case store.StageIndexing:
		return QueueIndexing
	}
	return ""
}

func (p *Pipeline) workerLoop(ctx context.Context, queue, owner string) {
	for {
		task, err := p.queue.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("dequeue failed", "queue", queue, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		p.process(ctx, queue, owner, task)
	}
}

func (p *Pipeline) process(ctx context.Context, queue, owner string, task Task) {
	stage := stageForQueue(queue)
	docID := task.DocumentID

	if err := p.store.AcquireLease(ctx, docID, owner, stage, p.leaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return
		}
		p.log.Error("lease acquisition failed", "document_id", docID, "error", err)
		return
	}
	defer p.store.ReleaseLease(context.WithoutCancel(ctx), docID, owner)

	doc, err := p.store.GetDocument(ctx, docID)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		p.log.Error("loading document failed", "document_id", docID, "error", err)
		return
	}
	if doc.Status != store.StatusProcessing {
		// Deleted, completed, or failed between enqueue and dequeue.
		return
	}

	started := time.Now()
	err = p.runWithRetry(ctx, stage, doc)
	seconds := time.Since(started).Seconds()

	if recErr := p.store.RecordStageSeconds(ctx, docID, stage, seconds); recErr != nil {
		p.log.Warn("stage duration not recorded", "document_id", docID, "stage", stage, "error", recErr)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-stage: leave the document in processing for
			// the reconciler.
			return
		}
		p.log.Error("stage failed", "document_id", docID, "stage", stage, "error", err)
		if failErr := p.store.FailDocument(ctx, docID, stage, err.Error()); failErr != nil {
			p.log.Error("failure not recorded", "document_id", docID, "error", failErr)
		}
		p.publish(docID, store.StatusFailed, stage, err.Error(), doc.RetryCount)
		return
	}

	p.advance(ctx, doc, stage)
}

func (p *Pipeline) runWithRetry(ctx context.Context, stage string, doc *store.Document) error {
	var err error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if incErr := p.store.IncrementRetryCount(ctx, doc.ID); incErr != nil {
				p.log.Warn("retry count not recorded", "document_id", doc.ID, "error", incErr)
			} else {
				doc.RetryCount++
			}
			p.log.Info("retrying stage", "document_id", doc.ID, "stage", stage, "attempt", attempt+1)
			p.publish(doc.ID, store.StatusProcessing, stage, "", doc.RetryCount)
		}

		err = p.runStage(ctx, stage, doc)
		if err == nil || !apperr.Retriable(err) {
			return err
		}
	}
	return err
}

func (p *Pipeline) runStage(ctx context.Context, stage string, doc *store.Document) error {
	switch stage {
	case store.StageExtraction:
		return p.runExtraction(ctx, doc)
	case store.StageChunking:
		return p.runChunking(ctx, doc)
	case store.StageEmbedding:
		return p.runEmbedding(ctx, doc)
	case store.StageIndexing:
		return p.runIndexing(ctx, doc)
	}
	return fmt.Errorf("pipeline: unknown stage %q", stage)
}

// advance commits the next state and enqueues the follow-up task.
func (p *Pipeline) advance(ctx context.Context, doc *store.Document, stage string) {
	docID := doc.ID
	var nextStage, nextQueue string
	switch stage {
	case store.StageExtraction:
		nextStage, nextQueue = store.StageChunking, QueueChunking
	case store.StageChunking:
		nextStage, nextQueue = store.StageEmbedding, QueueEmbedding
	case store.StageEmbedding:
		nextStage, nextQueue = store.StageIndexing, QueueIndexing
	case store.StageIndexing:
		p.complete(ctx, docID)
		return
	}

	if err := p.store.UpdateDocumentStatus(ctx, docID, store.StatusProcessing, nextStage); err != nil {
		p.log.Error("stage transition not committed", "document_id", docID, "stage", nextStage, "error", err)
		return
	}
	p.publish(docID, store.StatusProcessing, nextStage, "", doc.RetryCount)

	if err := p.queue.Enqueue(ctx, nextQueue, Task{DocumentID: docID, FromStage: nextStage}); err != nil {
		// The committed status lets the reconciler requeue.
		p.log.Warn("enqueue failed after transition", "document_id", docID, "queue", nextQueue, "error", err)
	}
}

func (p *Pipeline) complete(ctx context.Context, docID int64) {
	if err := p.store.CompleteDocument(ctx, docID); err != nil {
		p.log.Error("completion not committed", "document_id", docID, "error", err)
		return
	}
	p.blobs.RemoveIntermediates(docID)

	// Reprocessed content invalidates answers grounded on the old
	// version.
	if n, err := p.cache.Invalidate(ctx, docID); err != nil {
		p.log.Warn("cache invalidation failed", "document_id", docID, "error", err)
	} else if n > 0 {
		p.log.Info("purged cached answers for reprocessed document", "document_id", docID, "entries", n)
	}

	ev := StatusEvent{DocumentID: docID, Status: store.StatusCompleted, Stage: store.StageDone}
	if doc, err := p.store.GetDocument(ctx, docID); err == nil {
		ev.ChunkCount = doc.ChunkCount
		ev.PageCount = doc.PageCount
		ev.RetryCount = doc.RetryCount
	}
	p.hub.Publish(ev)
	p.log.Info("document processed", "document_id", docID)
}

func (p *Pipeline) publish(docID int64, status, stage, errMsg string, retries int) {
	p.hub.Publish(StatusEvent{DocumentID: docID, Status: status, Stage: stage, Error: errMsg, RetryCount: retries})
}

// --- Stages ---

func (p *Pipeline) runExtraction(ctx context.Context, doc *store.Document) error {
	data, err := p.blobs.LoadUpload(doc.ID)
	if err != nil {
		return apperr.E(apperr.KindPermanent, "pipeline.extract",
			fmt.Errorf("upload payload missing: %w", err))
	}

	res, err := p.extractor.Extract(ctx, data, doc.Extension)
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Text) == "" {
		return apperr.E(apperr.KindPermanent, "pipeline.extract", apperr.ErrEmptyDocument)
	}

	if err := p.blobs.SaveExtraction(doc.ID, res); err != nil {
		return apperr.E(apperr.KindTransient, "pipeline.extract", err)
	}
	return p.store.SetExtractionResult(ctx, doc.ID, res.Method,
		res.PageCount, res.ImageCount, len(res.Text))
}

func (p *Pipeline) runChunking(ctx context.Context, doc *store.Document) error {
	res, err := p.blobs.LoadExtraction(doc.ID)
	if err != nil {
		return apperr.E(apperr.KindPermanent, "pipeline.chunk",
			fmt.Errorf("extraction payload missing: %w", err))
	}

	cfg := chunker.Config{
		Size:    p.settings.Int(ctx, settings.KeyChunkSize, 1000),
		Overlap: p.settings.Int(ctx, settings.KeyChunkOverlap, 200),
		MaxSize: p.settings.Int(ctx, settings.KeyChunkMaxSize, 2000),
	}

	pages := make([]chunker.Page, len(res.Pages))
	for i, pg := range res.Pages {
		pages[i] = chunker.Page{Number: pg.Number, Text: pg.Text}
	}
	fromOCR := res.Method == extract.MethodOCR || res.Method == extract.MethodHybrid

	chunks := chunker.New(cfg).Chunk(chunker.Document{
		Text:    res.Text,
		Pages:   pages,
		FromOCR: fromOCR,
	})
	if len(chunks) == 0 {
		return apperr.E(apperr.KindPermanent, "pipeline.chunk", apperr.ErrEmptyDocument)
	}

	rows := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		sum := sha256.Sum256([]byte(c.Text))
		rows[i] = store.Chunk{
			ChunkIndex:  c.Index,
			Content:     c.Text,
			ContentHash: hex.EncodeToString(sum[:]),
			TokenCount:  c.TokenCount,
			PageNumber:  c.Page,
			Language:    c.Language,
			HasTable:    c.HasTable,
			FromOCR:     c.HasOCR,
			VectorID:    c.VectorID,
		}
	}

	if _, err := p.store.ReplaceChunks(ctx, doc.ID, rows); err != nil {
		return apperr.E(apperr.KindTransient, "pipeline.chunk", err)
	}
	return p.store.SetChunkCount(ctx, doc.ID, len(rows))
}

func (p *Pipeline) runEmbedding(ctx context.Context, doc *store.Document) error {
	chunks, err := p.store.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		return apperr.E(apperr.KindTransient, "pipeline.embed", err)
	}
	if len(chunks) == 0 {
		return apperr.E(apperr.KindPermanent, "pipeline.embed",
			fmt.Errorf("document %d has no chunks", doc.ID))
	}

	texts := make([]string, len(chunks))
	chunkIDs := make([]int64, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
		chunkIDs[i] = c.ID
	}

	docID := doc.ID
	vectors, _, err := p.embedder.EmbedTexts(ctx, texts, &docID)
	if err != nil {
		return err
	}

	if err := p.blobs.SaveVectors(doc.ID, chunkIDs, vectors); err != nil {
		return apperr.E(apperr.KindTransient, "pipeline.embed", err)
	}
	return nil
}

func (p *Pipeline) runIndexing(ctx context.Context, doc *store.Document) error {
	chunkIDs, vectors, err := p.blobs.LoadVectors(doc.ID)
	if err != nil {
		return apperr.E(apperr.KindPermanent, "pipeline.index",
			fmt.Errorf("vector payload missing: %w", err))
	}

	failed, _, err := p.index.BatchUpsert(ctx, chunkIDs, vectors)
	if err != nil {
		return apperr.E(apperr.KindTransient, "pipeline.index", err)
	}

	// Re-embed rejected vectors one by one before giving up.
	if len(failed) > 0 {
		p.log.Warn("re-embedding rejected vectors",
			"document_id", doc.ID, "count", len(failed))
		if err := p.reindexFailed(ctx, doc.ID, chunkIDs, failed); err != nil {
			return err
		}
	}

	embedded, err := p.store.CountEmbeddedChunks(ctx, doc.ID)
	if err != nil {
		return apperr.E(apperr.KindTransient, "pipeline.index", err)
	}
	if embedded != len(chunkIDs) {
		return apperr.E(apperr.KindPermanent, "pipeline.index",
			fmt.Errorf("indexed %d of %d chunks", embedded, len(chunkIDs)))
	}
	return nil
}

func (p *Pipeline) reindexFailed(ctx context.Context, docID int64, chunkIDs []int64, failed []int) error {
	chunks, err := p.store.GetChunksByDocument(ctx, docID)
	if err != nil {
		return apperr.E(apperr.KindTransient, "pipeline.index", err)
	}
	content := make(map[int64]string, len(chunks))
	for _, c := range chunks {
		content[c.ID] = c.Content
	}

	for _, idx := range failed {
		chunkID := chunkIDs[idx]
		text, ok := content[chunkID]
		if !ok {
			return apperr.E(apperr.KindPermanent, "pipeline.index",
				fmt.Errorf("chunk %d vanished during indexing", chunkID))
		}
		vecs, _, err := p.embedder.EmbedTexts(ctx, []string{text}, &docID)
		if err != nil {
			return err
		}
		stillFailed, _, err := p.index.BatchUpsert(ctx, []int64{chunkID}, vecs)
		if err != nil {
			return apperr.E(apperr.KindTransient, "pipeline.index", err)
		}
		if len(stillFailed) > 0 {
			return apperr.E(apperr.KindPermanent, "pipeline.index",
				fmt.Errorf("chunk %d vector rejected twice", chunkID))
		}
	}
	return nil
}

// --- Reconciler and sweeper ---

func (p *Pipeline) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcile(ctx)
		}
	}
}

// reconcile requeues documents stuck in processing without a live
// lease, once they have been idle longer than the stale threshold.
func (p *Pipeline) reconcile(ctx context.Context) {
	docs, err := p.store.OrphanedDocuments(ctx, 50)
	if err != nil {
		p.log.Error("reconciler scan failed", "error", err)
		return
	}

	for _, doc := range docs {
		updated, err := time.Parse("2006-01-02 15:04:05", doc.UpdatedAt)
		if err == nil && time.Since(updated.UTC()) < p.staleAfter {
			continue
		}

		queue := queueForStage(doc.Stage)
		if queue == "" {
			p.log.Warn("orphaned document in unknown stage",
				"document_id", doc.ID, "stage", doc.Stage)
			continue
		}

		err = p.queue.Enqueue(ctx, queue, Task{
			DocumentID: doc.ID,
			FromStage:  doc.Stage,
			Attempt:    doc.RetryCount,
		})
		if err != nil {
			p.log.Warn("reconciler requeue failed", "document_id", doc.ID, "error", err)
			continue
		}
		p.log.Info("requeued stalled document",
			"document_id", doc.ID, "stage", doc.Stage)
	}
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.cache.Sweep(ctx); err != nil {
				p.log.Warn("cache sweep failed", "error", err)
			} else if n > 0 {
				p.log.Info("swept expired cache entries", "entries", n)
			}
		}
	}
}
