package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ancrage-ai/ancrage"
	"github.com/ancrage-ai/ancrage/chat"
	"github.com/ancrage-ai/ancrage/internal/apperr"
	"github.com/ancrage-ai/ancrage/settings"
	"github.com/ancrage-ai/ancrage/store"
)

const maxMultipartMemory = 32 << 20

type handler struct {
	svc *ancrage.Service
}

func newHandler(svc *ancrage.Service) *handler {
	return &handler{svc: svc}
}

// userID identifies the caller from the X-User-ID header set by the
// front proxy after authentication.
func userID(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// POST /api/v1/documents/upload
// Multipart upload; "files" may repeat up to the configured batch size.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files in request")
		return
	}

	maxBatch := h.svc.Settings().Int(ctx, settings.KeyUploadMaxBatch, 10)
	if len(files) > maxBatch {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many files: %d (limit %d)", len(files), maxBatch))
		return
	}

	category := r.FormValue("category_id")
	if category == "" {
		category = r.FormValue("category")
	}
	user := userID(r)

	type fileResult struct {
		Filename string                `json:"filename"`
		Error    string                `json:"error,omitempty"`
		Result   *ancrage.UploadResult `json:"result,omitempty"`
	}
	results := make([]fileResult, 0, len(files))
	accepted := 0
	var rejections []error

	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			results = append(results, fileResult{Filename: fh.Filename, Error: "unreadable file"})
			rejections = append(rejections, err)
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			results = append(results, fileResult{Filename: fh.Filename, Error: "unreadable file"})
			rejections = append(rejections, err)
			continue
		}

		res, err := h.svc.UploadDocument(ctx, ancrage.Upload{
			Filename: fh.Filename,
			Data:     data,
			Category: category,
			UserID:   user,
		})
		if err != nil {
			slog.Warn("upload rejected", "filename", fh.Filename, "error", err)
			results = append(results, fileResult{Filename: fh.Filename, Error: publicError(err)})
			rejections = append(rejections, err)
			continue
		}
		accepted++
		results = append(results, fileResult{Filename: fh.Filename, Result: res})
	}

	status := http.StatusCreated
	if accepted == 0 {
		status = batchRejectionStatus(rejections)
	}
	writeJSON(w, status, map[string]any{
		"accepted": accepted,
		"results":  results,
	})
}

// batchRejectionStatus picks the status for a fully rejected batch.
// Queue saturation wins, then an all-oversize batch, then a plain 400.
func batchRejectionStatus(errs []error) int {
	oversize := len(errs) > 0
	for _, err := range errs {
		if errors.Is(err, apperr.ErrQueueFull) {
			return http.StatusTooManyRequests
		}
		if !errors.Is(err, apperr.ErrFileTooLarge) {
			oversize = false
		}
	}
	if oversize {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// GET /api/v1/documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := q.Get("category_id")
	if category == "" {
		category = q.Get("category")
	}
	opts := store.ListDocumentsOpts{
		Status:   q.Get("status"),
		Category: category,
		DateFrom: q.Get("date_from"),
		DateTo:   q.Get("date_to"),
		Search:   q.Get("search"),
		Limit:    queryInt(r, "limit", 50),
	}
	if ft := q.Get("file_types"); ft != "" {
		for _, t := range strings.Split(ft, ",") {
			if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
				opts.FileTypes = append(opts.FileTypes, t)
			}
		}
	}
	if page := queryInt(r, "page", 1); page > 1 {
		opts.Offset = (page - 1) * opts.Limit
	} else {
		opts.Offset = queryInt(r, "offset", 0)
	}
	docs, err := h.svc.ListDocuments(r.Context(), opts)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// GET /api/v1/documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := h.svc.GetDocument(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DELETE /api/v1/documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	if err := h.svc.DeleteDocument(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /api/v1/documents/{id}/retry
// Optional body: {"from_stage": "chunking"}; default restarts from the
// beginning of the pipeline.
func (h *handler) handleRetryDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	var p struct {
		FromStage string `json:"from_stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.svc.RetryDocument(r.Context(), id, p.FromStage); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

// GET /api/v1/documents/{id}/status
// Server-sent events until the document reaches a terminal state.
func (h *handler) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	if _, err := h.svc.GetDocument(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sseHeaders(w)

	events, cancel := h.svc.Hub().Subscribe(id)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, "status", ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

type chatPayload struct {
	ConversationID int64   `json:"conversation_id,omitempty"`
	Message        string  `json:"message"`
	Query          string  `json:"query,omitempty"` // accepted as an alias for message
	Category       string  `json:"category,omitempty"`
	DocumentIDs    []int64 `json:"document_ids,omitempty"`
}

func (p chatPayload) toRequest(user string) chat.Request {
	query := p.Message
	if query == "" {
		query = p.Query
	}
	req := chat.Request{
		ConversationID: p.ConversationID,
		UserID:         user,
		Query:          query,
	}
	req.Filters.Category = p.Category
	req.Filters.DocumentIDs = p.DocumentIDs
	return req
}

// POST /api/v1/chat
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancelTimeout := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancelTimeout()

	var p chatPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	resp, err := h.svc.Chat().Ask(ctx, p.toRequest(userID(r)))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/v1/chat/stream
// Server-sent events: start, token*, sources, metadata, done.
func (h *handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var p chatPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Errors before the first event still fit a plain JSON response.
	streaming := false
	err := h.svc.Chat().Stream(r.Context(), p.toRequest(userID(r)), func(ev chat.Event) error {
		if !streaming {
			sseHeaders(w)
			streaming = true
		}
		if err := writeSSE(w, ev.Type, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !streaming {
		writeAppError(w, err)
	}
}

// GET /api/v1/chat/conversations
func (h *handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("archived") == "true"
	convs, err := h.svc.Store().ListConversations(r.Context(), userID(r), includeArchived, queryInt(r, "limit", 50))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// GET /api/v1/chat/conversations/{id}
func (h *handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	msgs, err := h.svc.Store().ListMessages(r.Context(), conv.ID, 200)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	})
}

// PUT /api/v1/chat/conversations/{id}/archive
func (h *handler) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	var p struct {
		Archived *bool `json:"archived"`
	}
	archived := true
	if err := json.NewDecoder(r.Body).Decode(&p); err == nil && p.Archived != nil {
		archived = *p.Archived
	}
	if err := h.svc.Store().SetConversationArchived(r.Context(), conv.ID, archived); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": archived})
}

// DELETE /api/v1/chat/conversations/{id}
func (h *handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	if err := h.svc.Store().DeleteConversation(r.Context(), conv.ID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ownedConversation loads the conversation and enforces that it
// belongs to the caller.
func (h *handler) ownedConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return nil, false
	}
	conv, err := h.svc.Store().GetConversation(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return nil, false
	}
	if conv.UserID != userID(r) {
		writeError(w, http.StatusForbidden, "conversation belongs to another user")
		return nil, false
	}
	return conv, true
}

// POST /api/v1/chat/messages/{id}/feedback
func (h *handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var p struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if p.Rating != 1 && p.Rating != -1 {
		writeError(w, http.StatusBadRequest, "rating must be 1 or -1")
		return
	}
	if _, err := h.svc.Store().GetMessage(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = apperr.E(apperr.KindNotFound, "feedback", apperr.ErrMessageNotFound)
		}
		writeAppError(w, err)
		return
	}
	err = h.svc.Store().UpsertFeedback(r.Context(), store.Feedback{
		MessageID: id,
		UserID:    userID(r),
		Rating:    p.Rating,
		Comment:   p.Comment,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// GET /api/v1/admin/config
func (h *handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Store().AllConfig(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": entries})
}

// PUT /api/v1/admin/config/{key}
func (h *handler) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var p struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.svc.Settings().Set(r.Context(), key, p.Value, userID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": p.Value})
}

// GET /api/v1/admin/config/{key}/history
func (h *handler) handleConfigHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entries, err := h.svc.Store().ConfigHistory(r.Context(), key, queryInt(r, "limit", 20))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "history": entries})
}

// GET /api/v1/admin/cache/stats
func (h *handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Cache().Stats(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DELETE /api/v1/admin/cache
func (h *handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	purged, err := h.svc.Cache().Clear(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// POST /api/v1/admin/exchange-rate
func (h *handler) handleSetExchangeRate(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Rate   float64 `json:"rate"`
		Source string  `json:"source,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if p.Rate <= 0 {
		writeError(w, http.StatusBadRequest, "rate must be positive")
		return
	}
	source := p.Source
	if source == "" {
		source = "manual"
	}
	id, err := h.svc.Store().InsertExchangeRate(r.Context(), "USD/XAF", p.Rate, source)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "pair": "USD/XAF", "rate": p.Rate})
}

// GET /api/v1/admin/usage
func (h *handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	totals, err := h.svc.Store().UsageTotals(r.Context(), r.URL.Query().Get("since"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": totals})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps error kinds to HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrQueueFull):
		status = http.StatusTooManyRequests
	default:
		switch apperr.KindOf(err) {
		case apperr.KindValidation:
			status = http.StatusBadRequest
		case apperr.KindPermission:
			status = http.StatusForbidden
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindConflict:
			status = http.StatusConflict
		case apperr.KindTransient:
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeError(w, status, publicError(err))
}

// publicError strips internal wrapping down to the sentinel message
// when one is present.
func publicError(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Err != nil {
		return ae.Err.Error()
	}
	return err.Error()
}
