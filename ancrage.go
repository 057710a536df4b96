// Package ancrage is a document-grounded question answering engine for
// French-language corpora. Documents go through an asynchronous
// ingestion pipeline (extraction, chunking, embedding, indexing) and
// become searchable through a hybrid dense and lexical index; answers
// are generated strictly from retrieved passages, with citations,
// conversation memory and a two-level query cache.
package ancrage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ancrage-ai/ancrage/cache"
	"github.com/ancrage-ai/ancrage/chat"
	"github.com/ancrage-ai/ancrage/cost"
	"github.com/ancrage-ai/ancrage/embed"
	"github.com/ancrage-ai/ancrage/extract"
	"github.com/ancrage-ai/ancrage/index"
	"github.com/ancrage-ai/ancrage/internal/apperr"
	"github.com/ancrage-ai/ancrage/llm"
	"github.com/ancrage-ai/ancrage/pipeline"
	"github.com/ancrage-ai/ancrage/retrieval"
	"github.com/ancrage-ai/ancrage/settings"
	"github.com/ancrage-ai/ancrage/store"
)

// Service wires the storage, pipeline and chat components together. A
// process normally holds exactly one Service for the lifetime of the
// application.
type Service struct {
	cfg      Config
	log      *slog.Logger
	store    *store.Store
	settings *settings.Resolver
	acct     *cost.Accountant
	cache    *cache.Cache
	chat     *chat.Coordinator
	pipe     *pipeline.Pipeline
	blobs    *pipeline.Blobs
	queue    pipeline.Queue
}

// Option customizes Service construction.
type Option func(*Service)

// WithLogger sets the structured logger used by every component.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New opens the database, connects the configured LLM providers and
// starts the ingestion pipeline workers. Call Close to stop them.
func New(cfg Config, opts ...Option) (*Service, error) {
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Chat.Model == "" {
		return nil, apperr.E(apperr.KindValidation, "ancrage.new",
			fmt.Errorf("%w: chat model missing", apperr.ErrInvalidConfig))
	}
	if cfg.Embedding.Model == "" {
		return nil, apperr.E(apperr.KindValidation, "ancrage.new",
			fmt.Errorf("%w: embedding model missing", apperr.ErrInvalidConfig))
	}

	svc := &Service{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(svc)
	}
	log := svc.log

	dbPath := cfg.resolveDBPath()
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	st, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	svc.store = st

	ctx := context.Background()
	res := settings.NewResolver(st)
	if err := res.Seed(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("seeding settings: %w", err)
	}
	svc.settings = res

	chatLLM, err := llm.NewProvider(providerConfig(cfg.Chat))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("chat provider: %w", err)
	}
	embedLLM, err := llm.NewProvider(providerConfig(cfg.Embedding))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	// Without a vision model scanned documents fall back to whatever
	// text the extractor can salvage.
	var ocr extract.OCRClient
	if cfg.Vision.Model != "" {
		visionLLM, err := llm.NewProvider(providerConfig(cfg.Vision))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("vision provider: %w", err)
		}
		vp, ok := visionLLM.(llm.VisionProvider)
		if !ok {
			st.Close()
			return nil, apperr.E(apperr.KindValidation, "ancrage.new",
				fmt.Errorf("%w: provider %q cannot process images", apperr.ErrInvalidConfig, cfg.Vision.Provider))
		}
		ocr = extract.NewVisionOCR(vp)
	}

	rerankLLM := chatLLM
	rerankModel := cfg.Chat.Model
	if cfg.Rerank.Model != "" {
		rerankLLM, err = llm.NewProvider(providerConfig(cfg.Rerank))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("rerank provider: %w", err)
		}
		rerankModel = cfg.Rerank.Model
	}

	acct := cost.NewAccountant(st, res, log)
	svc.acct = acct

	ix := index.New(st, log)
	if err := ix.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("vector schema: %w", err)
	}

	embedder := embed.New(embedLLM, res, acct, cfg.Embedding.Model, log)
	qcache := cache.New(st, res, log)
	svc.cache = qcache

	svc.chat = chat.NewCoordinator(chat.Config{
		Store:           st,
		Cache:           qcache,
		Embedder:        embedder,
		Retriever:       retrieval.NewRetriever(ix, embedder, res, log),
		Reranker:        retrieval.NewReranker(rerankLLM, acct, rerankModel, log),
		Provider:        chatLLM,
		Accountant:      acct,
		Settings:        res,
		Logger:          log,
		GenerationModel: cfg.Chat.Model,
	})

	blobs, err := pipeline.NewBlobs(filepath.Join(filepath.Dir(dbPath), "blobs"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("blob store: %w", err)
	}
	svc.blobs = blobs

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		svc.queue = pipeline.NewRedisQueue(client, "", cfg.QueueDepth)
	} else {
		svc.queue = pipeline.NewChannelQueue(cfg.QueueDepth)
	}

	workers := make(map[string]int, len(pipeline.QueueNames))
	for _, name := range pipeline.QueueNames {
		workers[name] = cfg.Workers
	}
	svc.pipe = pipeline.New(pipeline.Config{
		Store:     st,
		Queue:     svc.queue,
		Blobs:     blobs,
		Extractor: extract.New(ocr, log),
		Embedder:  embedder,
		Index:     ix,
		Cache:     qcache,
		Settings:  res,
		Logger:    log,
		Workers:   workers,
	})
	svc.pipe.Start()

	return svc, nil
}

func providerConfig(c LLMConfig) llm.Config {
	return llm.Config{Provider: c.Provider, Model: c.Model, BaseURL: c.BaseURL, APIKey: c.APIKey}
}

// Upload is one file submitted for ingestion.
type Upload struct {
	Filename string
	Data     []byte
	Category string
	UserID   string
}

// UploadResult reports the outcome of an upload. When an identical
// file already exists, DuplicateOf carries its ID and no new document
// is created.
type UploadResult struct {
	DocumentID  int64  `json:"document_id"`
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	DuplicateOf int64  `json:"duplicate_of,omitempty"`
}

// UploadDocument validates the file, registers it and hands it to the
// pipeline. The document row is committed before the queue publish, so
// an accepted upload is never lost even if the enqueue fails.
func (s *Service) UploadDocument(ctx context.Context, up Upload) (*UploadResult, error) {
	const op = "ancrage.upload"
	if up.Filename == "" || len(up.Data) == 0 {
		return nil, apperr.E(apperr.KindValidation, op, fmt.Errorf("empty filename or payload"))
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(up.Filename)), ".")
	allowed := s.settings.Strings(ctx, settings.KeyUploadExtensions, extract.SupportedExtensions())
	if !contains(allowed, ext) {
		return nil, apperr.E(apperr.KindValidation, op,
			fmt.Errorf("%w: .%s", apperr.ErrUnsupportedFormat, ext))
	}

	maxBytes := int64(s.settings.Int(ctx, settings.KeyUploadMaxFileMB, 50)) << 20
	if s.cfg.MaxUploadBytes > 0 && s.cfg.MaxUploadBytes < maxBytes {
		maxBytes = s.cfg.MaxUploadBytes
	}
	if int64(len(up.Data)) > maxBytes {
		return nil, apperr.E(apperr.KindValidation, op,
			fmt.Errorf("%w: %d bytes (limit %d)", apperr.ErrFileTooLarge, len(up.Data), maxBytes))
	}

	// Admission-time backpressure: refuse new work while the first
	// stage queue is saturated rather than parking rows for the
	// reconciler.
	if depth, err := s.queue.Depth(ctx, pipeline.QueueProcessing); err == nil && depth >= s.cfg.QueueDepth {
		return nil, apperr.E(apperr.KindTransient, op, apperr.ErrQueueFull)
	}

	sum := sha256.Sum256(up.Data)
	hash := hex.EncodeToString(sum[:])

	if dup, err := s.store.FindDocumentByHash(ctx, hash); err != nil {
		return nil, apperr.E(apperr.KindTransient, op, err)
	} else if dup != nil && dup.Status != store.StatusFailed {
		return &UploadResult{
			DocumentID:  dup.ID,
			Filename:    dup.Filename,
			Status:      dup.Status,
			DuplicateOf: dup.ID,
		}, nil
	}

	id, err := s.store.InsertDocument(ctx, store.Document{
		Filename:    up.Filename,
		Extension:   ext,
		ContentHash: hash,
		SizeBytes:   int64(len(up.Data)),
		Category:    up.Category,
		UploadedBy:  up.UserID,
	})
	if err != nil {
		return nil, apperr.E(apperr.KindTransient, op, err)
	}
	if err := s.blobs.SaveUpload(id, up.Data); err != nil {
		return nil, apperr.E(apperr.KindTransient, op, err)
	}
	if err := s.pipe.Submit(ctx, id); err != nil {
		return nil, err
	}

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, apperr.E(apperr.KindTransient, op, err)
	}
	return &UploadResult{DocumentID: id, Filename: doc.Filename, Status: doc.Status}, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// RetryDocument requeues a failed document from fromStage, or from the
// first stage when fromStage is empty.
func (s *Service) RetryDocument(ctx context.Context, id int64, fromStage string) error {
	return s.pipe.Retry(ctx, id, fromStage)
}

// DeleteDocument removes the document, its chunks and vectors, every
// cached answer grounded on it, and the stored payloads.
func (s *Service) DeleteDocument(ctx context.Context, id int64) error {
	if _, err := s.cache.Invalidate(ctx, id); err != nil {
		s.log.Warn("purging cache for document", "document_id", id, "error", err)
	}
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.E(apperr.KindNotFound, "ancrage.delete", apperr.ErrDocumentNotFound)
		}
		return err
	}
	s.pipe.Drop(id)
	return nil
}

// GetDocument returns one document with its processing metadata.
func (s *Service) GetDocument(ctx context.Context, id int64) (*store.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "ancrage.get", apperr.ErrDocumentNotFound)
	}
	return doc, err
}

// ListDocuments returns documents newest first.
func (s *Service) ListDocuments(ctx context.Context, opts store.ListDocumentsOpts) ([]store.Document, error) {
	return s.store.ListDocuments(ctx, opts)
}

// Chat returns the conversation coordinator.
func (s *Service) Chat() *chat.Coordinator { return s.chat }

// Hub returns the document status feed for SSE subscriptions.
func (s *Service) Hub() *pipeline.Hub { return s.pipe.Hub() }

// Store exposes the underlying store for conversation, usage and
// configuration queries.
func (s *Service) Store() *store.Store { return s.store }

// Settings returns the runtime configuration resolver.
func (s *Service) Settings() *settings.Resolver { return s.settings }

// Cache returns the query answer cache.
func (s *Service) Cache() *cache.Cache { return s.cache }

// Close stops the pipeline workers and closes the database.
func (s *Service) Close() error {
	s.pipe.Close()
	if err := s.queue.Close(); err != nil {
		s.log.Warn("closing queue", "error", err)
	}
	return s.store.Close()
}
