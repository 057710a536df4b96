// Package chat coordinates the full answer path for one question:
// cache lookups, retrieval, reranking, grounded generation, message
// persistence and cache write-back, delivered as an event stream.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ancrage-ai/ancrage/cache"
	"github.com/ancrage-ai/ancrage/cost"
	"github.com/ancrage-ai/ancrage/embed"
	"github.com/ancrage-ai/ancrage/index"
	"github.com/ancrage-ai/ancrage/internal/apperr"
	"github.com/ancrage-ai/ancrage/llm"
	"github.com/ancrage-ai/ancrage/prompt"
	"github.com/ancrage-ai/ancrage/retrieval"
	"github.com/ancrage-ai/ancrage/settings"
	"github.com/ancrage-ai/ancrage/store"
)

// answerTemperature keeps grounded answers close to the documents.
const answerTemperature = 0.2

// noContextAnswer is served when retrieval finds nothing usable.
const noContextAnswer = "Je ne trouve aucun document permettant de répondre à cette question. " +
	"Reformulez la question ou vérifiez que les documents concernés ont bien été importés."

const maxTitleChars = 50

// persistTimeout bounds the detached writes that run after the client
// cancels or the stream finishes.
const persistTimeout = 10 * time.Second

// Request is one question to answer.
type Request struct {
	ConversationID int64 // 0 starts a new conversation
	UserID         string
	Query          string
	Filters        index.Filters
}

// Response is the non-streaming result of Ask.
type Response struct {
	ConversationID int64    `json:"conversation_id"`
	MessageID      int64    `json:"message_id"`
	Content        string   `json:"content"`
	Sources        []Source `json:"sources"`
	Metadata       Metadata `json:"metadata"`
}

// Coordinator runs the answer path.
type Coordinator struct {
	store     *store.Store
	cache     *cache.Cache
	embedder  *embed.Embedder
	retriever *retrieval.Retriever
	reranker  *retrieval.Reranker
	provider  llm.Provider
	acct      *cost.Accountant
	settings  *settings.Resolver
	log       *slog.Logger

	genModel   string
	titleModel string
}

// Config wires a Coordinator.
type Config struct {
	Store      *store.Store
	Cache      *cache.Cache
	Embedder   *embed.Embedder
	Retriever  *retrieval.Retriever
	Reranker   *retrieval.Reranker
	Provider   llm.Provider
	Accountant *cost.Accountant
	Settings   *settings.Resolver
	Logger     *slog.Logger

	GenerationModel string
	TitleModel      string
}

func NewCoordinator(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	titleModel := cfg.TitleModel
	if titleModel == "" {
		titleModel = cfg.GenerationModel
	}
	return &Coordinator{
		store:      cfg.Store,
		cache:      cfg.Cache,
		embedder:   cfg.Embedder,
		retriever:  cfg.Retriever,
		reranker:   cfg.Reranker,
		provider:   cfg.Provider,
		acct:       cfg.Accountant,
		settings:   cfg.Settings,
		log:        log,
		genModel:   cfg.GenerationModel,
		titleModel: titleModel,
	}
}

// Stream answers the request, delivering events to emit in order:
// start, token*, sources, metadata, done. When the context is canceled
// mid-generation the partial answer is still persisted (partial=true),
// the cache is not written, and the stream ends without error.
func (c *Coordinator) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return apperr.E(apperr.KindValidation, "chat.stream",
			fmt.Errorf("empty question"))
	}

	convID, history, err := c.openConversation(ctx, req)
	if err != nil {
		return err
	}

	userMsgID, err := c.store.InsertMessage(ctx, store.Message{
		ConversationID: convID, Role: "user", Content: query,
	})
	if err != nil {
		return fmt.Errorf("persisting question: %w", err)
	}
	if err := emit(Event{Type: EventStart, ConversationID: convID, MessageID: userMsgID}); err != nil {
		return err
	}

	started := time.Now()

	// L1: exact normalized-query match.
	if hit, err := c.cache.LookupExact(ctx, query); err != nil {
		c.log.Warn("exact cache lookup failed", "error", err)
	} else if hit != nil {
		return c.serveCached(ctx, convID, query, hit, started, emit)
	}

	queryVec, _, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return c.fail(emit, fmt.Errorf("embedding question: %w", err))
	}

	// L2: semantically equivalent earlier question.
	if hit, err := c.cache.LookupSemantic(ctx, queryVec); err != nil {
		c.log.Warn("semantic cache lookup failed", "error", err)
	} else if hit != nil {
		return c.serveCached(ctx, convID, query, hit, started, emit)
	}

	cands, err := c.retriever.Search(ctx, query, queryVec, req.Filters, 0)
	if err != nil {
		return c.fail(emit, fmt.Errorf("retrieval: %w", err))
	}

	topN := c.settings.Int(ctx, settings.KeyRerankTopK, 3)
	var ranked []retrieval.Ranked
	if c.settings.Bool(ctx, settings.KeyRerankEnabled, true) {
		ranked, err = c.reranker.Rerank(ctx, query, cands, topN)
		if err != nil {
			return c.fail(emit, fmt.Errorf("reranking: %w", err))
		}
	} else {
		ranked = retrieval.PassThrough(cands, topN)
	}

	if len(ranked) == 0 {
		return c.serveNoContext(ctx, convID, query, started, emit)
	}

	sources := toSources(ranked)
	window := c.settings.Int(ctx, settings.KeyHistoryWindow, 5)
	msgs := prompt.Build(query, toPromptSources(ranked), toTurns(history), window)

	resp, streamErr := c.provider.ChatStream(ctx, llm.ChatRequest{
		Model:       c.genModel,
		Messages:    msgs,
		Temperature: answerTemperature,
	}, func(delta string) error {
		return emit(Event{Type: EventToken, Content: delta})
	})

	if streamErr != nil {
		if ctx.Err() != nil {
			c.persistPartial(convID, resp, sources, started)
			emit(Event{Type: EventDone})
			return nil
		}
		return c.fail(emit, fmt.Errorf("generation: %w", streamErr))
	}

	sources = refineExcerpts(sources, resp.Content)
	if dangling := markCitations(sources, resp.Content); dangling > 0 {
		c.log.Warn("answer cites unknown documents", "conversation_id", convID, "count", dangling)
	}
	elapsed := time.Since(started).Seconds()
	amt, err := c.acct.Price(ctx, c.genModel, resp.PromptTokens, resp.CompletionTokens)
	if err != nil {
		c.log.Warn("pricing generation failed", "error", err)
	}

	assistantID, err := c.store.InsertMessage(ctx, store.Message{
		ConversationID:  convID,
		Role:            "assistant",
		Content:         resp.Content,
		Sources:         encodeSources(sources),
		ModelUsed:       c.genModel,
		TokensInput:     resp.PromptTokens,
		TokensOutput:    resp.CompletionTokens,
		CostUSD:         amt.USD,
		CostXAF:         amt.XAF,
		ResponseSeconds: elapsed,
	})
	if err != nil {
		return c.fail(emit, fmt.Errorf("persisting answer: %w", err))
	}

	if _, err := c.acct.Record(ctx, cost.Usage{
		Op: cost.OpGeneration, Model: c.genModel,
		TokensIn: resp.PromptTokens, TokensOut: resp.CompletionTokens,
		MessageID: &assistantID, UserID: req.UserID,
	}); err != nil {
		c.log.Warn("generation usage not recorded", "message_id", assistantID, "error", err)
	}

	if err := c.cache.Store(ctx, cache.Entry{
		Query:        query,
		Embedding:    queryVec,
		Response:     resp.Content,
		Sources:      encodeSources(sources),
		Model:        c.genModel,
		TokensInput:  resp.PromptTokens,
		TokensOutput: resp.CompletionTokens,
		CostUSD:      amt.USD,
		CostXAF:      amt.XAF,
	}, documentIDs(ranked)); err != nil {
		c.log.Warn("cache write-back failed", "error", err)
	}

	c.maybeGenerateTitle(convID, query, resp.Content)

	meta := &Metadata{
		TokensInput:     resp.PromptTokens,
		TokensOutput:    resp.CompletionTokens,
		CostUSD:         amt.USD,
		CostXAF:         amt.XAF,
		ResponseSeconds: elapsed,
		Model:           c.genModel,
	}
	if err := emit(Event{Type: EventSources, Sources: sources}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventMetadata, MessageID: assistantID, Metadata: meta}); err != nil {
		return err
	}
	return emit(Event{Type: EventDone})
}

// Ask runs the same path without streaming and returns the assembled
// response.
func (c *Coordinator) Ask(ctx context.Context, req Request) (*Response, error) {
	out := &Response{}
	var content strings.Builder
	err := c.Stream(ctx, req, func(ev Event) error {
		switch ev.Type {
		case EventStart:
			out.ConversationID = ev.ConversationID
		case EventToken:
			content.WriteString(ev.Content)
		case EventSources:
			out.Sources = ev.Sources
		case EventMetadata:
			out.MessageID = ev.MessageID
			if ev.Metadata != nil {
				out.Metadata = *ev.Metadata
			}
		case EventError:
			return fmt.Errorf("%s", ev.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Content = content.String()
	return out, nil
}

func (c *Coordinator) openConversation(ctx context.Context, req Request) (int64, []store.Message, error) {
	if req.ConversationID == 0 {
		id, err := c.store.CreateConversation(ctx, req.UserID)
		if err != nil {
			return 0, nil, fmt.Errorf("creating conversation: %w", err)
		}
		return id, nil, nil
	}

	conv, err := c.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return 0, nil, apperr.E(apperr.KindNotFound, "chat.stream", apperr.ErrConversationNotFound)
	}
	if conv.UserID != req.UserID {
		return 0, nil, apperr.E(apperr.KindPermission, "chat.stream",
			fmt.Errorf("conversation %d belongs to another user", conv.ID))
	}

	window := c.settings.Int(ctx, settings.KeyHistoryWindow, 5)
	history, err := c.store.RecentMessages(ctx, conv.ID, window)
	if err != nil {
		c.log.Warn("loading history failed", "conversation_id", conv.ID, "error", err)
	}
	return conv.ID, history, nil
}

func (c *Coordinator) serveCached(ctx context.Context, convID int64, query string, hit *cache.Hit, started time.Time, emit func(Event) error) error {
	elapsed := time.Since(started).Seconds()
	sources := decodeSources(hit.Entry.Sources)

	assistantID, err := c.store.InsertMessage(ctx, store.Message{
		ConversationID:  convID,
		Role:            "assistant",
		Content:         hit.Entry.Response,
		Sources:         encodeSources(sources),
		ModelUsed:       hit.Entry.ModelUsed,
		CacheHit:        hit.Kind,
		ResponseSeconds: elapsed,
	})
	if err != nil {
		return c.fail(emit, fmt.Errorf("persisting cached answer: %w", err))
	}

	c.maybeGenerateTitle(convID, query, hit.Entry.Response)

	if err := emit(Event{Type: EventToken, Content: hit.Entry.Response}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventSources, Sources: sources}); err != nil {
		return err
	}
	meta := &Metadata{
		CacheHit:        hit.Kind,
		ResponseSeconds: elapsed,
		Model:           hit.Entry.ModelUsed,
	}
	if err := emit(Event{Type: EventMetadata, MessageID: assistantID, Metadata: meta}); err != nil {
		return err
	}
	return emit(Event{Type: EventDone})
}

func (c *Coordinator) serveNoContext(ctx context.Context, convID int64, query string, started time.Time, emit func(Event) error) error {
	elapsed := time.Since(started).Seconds()
	assistantID, err := c.store.InsertMessage(ctx, store.Message{
		ConversationID:  convID,
		Role:            "assistant",
		Content:         noContextAnswer,
		Sources:         "[]",
		ResponseSeconds: elapsed,
	})
	if err != nil {
		return c.fail(emit, fmt.Errorf("persisting answer: %w", err))
	}

	if err := emit(Event{Type: EventToken, Content: noContextAnswer}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventSources, Sources: []Source{}}); err != nil {
		return err
	}
	meta := &Metadata{ResponseSeconds: elapsed}
	if err := emit(Event{Type: EventMetadata, MessageID: assistantID, Metadata: meta}); err != nil {
		return err
	}
	return emit(Event{Type: EventDone})
}

// persistPartial writes whatever the model produced before the client
// canceled. It runs on a detached context so the write survives the
// cancellation that triggered it.
func (c *Coordinator) persistPartial(convID int64, resp *llm.ChatResponse, sources []Source, started time.Time) {
	if resp == nil || resp.Content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), persistTimeout)
	defer cancel()

	if _, err := c.store.InsertMessage(ctx, store.Message{
		ConversationID:  convID,
		Role:            "assistant",
		Content:         resp.Content,
		Sources:         encodeSources(sources),
		ModelUsed:       c.genModel,
		TokensInput:     resp.PromptTokens,
		TokensOutput:    resp.CompletionTokens,
		Partial:         true,
		ResponseSeconds: time.Since(started).Seconds(),
	}); err != nil {
		c.log.Warn("partial answer not persisted", "conversation_id", convID, "error", err)
	}
}

func (c *Coordinator) fail(emit func(Event) error, err error) error {
	emit(Event{Type: EventError, Error: err.Error()})
	emit(Event{Type: EventDone})
	return err
}

// maybeGenerateTitle replaces the placeholder conversation title in
// the background, with the cheaper title model. Failures keep the
// placeholder.
func (c *Coordinator) maybeGenerateTitle(convID int64, question, answer string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, err := c.store.GetConversation(ctx, convID)
		if err != nil || conv.Title != store.DefaultConversationTitle {
			return
		}

		resp, err := c.provider.Chat(ctx, llm.ChatRequest{
			Model: c.titleModel,
			Messages: []llm.Message{
				{Role: "user", Content: prompt.TitlePrompt(question, answer)},
			},
			Temperature: 0.3,
			MaxTokens:   30,
		})
		if err != nil {
			c.log.Warn("title generation failed", "conversation_id", convID, "error", err)
			return
		}

		title := truncateTitle(resp.Content)
		if title == "" {
			return
		}
		if err := c.store.SetConversationTitle(ctx, convID, title); err != nil {
			c.log.Warn("title not saved", "conversation_id", convID, "error", err)
			return
		}

		if _, err := c.acct.Record(ctx, cost.Usage{
			Op: cost.OpTitle, Model: c.titleModel,
			TokensIn: resp.PromptTokens, TokensOut: resp.CompletionTokens,
		}); err != nil {
			c.log.Warn("title usage not recorded", "conversation_id", convID, "error", err)
		}
	}()
}

func truncateTitle(raw string) string {
	title := strings.Trim(strings.TrimSpace(raw), `"«»'`)
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= maxTitleChars {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleChars]))
}

func toSources(ranked []retrieval.Ranked) []Source {
	out := make([]Source, len(ranked))
	for i, r := range ranked {
		out[i] = Source{
			DocumentID: r.DocumentID,
			ChunkID:    r.ChunkID,
			ChunkIndex: r.ChunkIndex,
			Title:      r.Title,
			Category:   r.Category,
			Heading:    r.Heading,
			Page:       r.Page,
			Excerpt:    r.Content,
			Score:      r.RerankScore,
		}
	}
	return out
}

func toPromptSources(ranked []retrieval.Ranked) []prompt.Source {
	out := make([]prompt.Source, len(ranked))
	for i, r := range ranked {
		out[i] = prompt.Source{
			Title:   r.Title,
			Heading: r.Heading,
			Page:    r.Page,
			Content: r.Content,
		}
	}
	return out
}

func toTurns(history []store.Message) []prompt.Turn {
	turns := make([]prompt.Turn, 0, len(history))
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		turns = append(turns, prompt.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func documentIDs(ranked []retrieval.Ranked) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, r := range ranked {
		if !seen[r.DocumentID] {
			seen[r.DocumentID] = true
			ids = append(ids, r.DocumentID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
