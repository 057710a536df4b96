package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// newRouter assembles the API routes and middleware chain. The health
// probe sits outside the authenticated group.
func newRouter(h *handler, apiKey, corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoveryMiddleware)
	r.Use(logMiddleware)
	if corsOrigins != "" {
		r.Use(corsMiddleware(corsOrigins))
	}

	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		if apiKey != "" {
			r.Use(authMiddleware(apiKey))
		}

		r.Route("/documents", func(r chi.Router) {
			r.Post("/upload", h.handleUpload)
			r.Get("/", h.handleListDocuments)
			r.Get("/{id}", h.handleGetDocument)
			r.Delete("/{id}", h.handleDeleteDocument)
			r.Post("/{id}/retry", h.handleRetryDocument)
			r.Get("/{id}/status", h.handleDocumentStatus)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", h.handleChat)
			r.Post("/stream", h.handleChatStream)

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", h.handleListConversations)
				r.Get("/{id}", h.handleGetConversation)
				r.Put("/{id}/archive", h.handleArchiveConversation)
				r.Delete("/{id}", h.handleDeleteConversation)
			})

			r.Post("/messages/{id}/feedback", h.handleFeedback)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/config", h.handleGetConfig)
			r.Put("/config/{key}", h.handleSetConfig)
			r.Get("/config/{key}/history", h.handleConfigHistory)
			r.Get("/cache/stats", h.handleCacheStats)
			r.Delete("/cache", h.handleClearCache)
			r.Post("/exchange-rate", h.handleSetExchangeRate)
			r.Get("/usage", h.handleUsage)
		})
	})

	return r
}

// logMiddleware logs each request with method, path, status, and duration.
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start).Round(time.Millisecond),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware checks for a valid API key in the Authorization header.
func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || auth[7:] != apiKey {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware catches panics, logs the stack trace, and returns 500.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", fmt.Sprintf("%v", err),
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for the given comma-separated origins.
func corsMiddleware(origins string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origins)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working behind the status recorder.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
