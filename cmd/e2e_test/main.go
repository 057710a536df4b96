// Command e2e_test runs a live end-to-end smoke check: upload one
// document, wait for the pipeline, ask a question, print the cited
// sources. It needs a reachable LLM endpoint (Ollama by default).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ancrage-ai/ancrage"
	"github.com/ancrage-ai/ancrage/chat"
	"github.com/ancrage-ai/ancrage/store"
)

func main() {
	docPath := flag.String("doc", "", "Document to upload")
	question := flag.String("question", "Quelle est la durée du bail ?", "Question to ask")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *docPath == "" {
		fmt.Fprintln(os.Stderr, "--doc is required")
		os.Exit(1)
	}

	tmpDir, _ := os.MkdirTemp("", "ancrage-e2e-*")
	defer os.RemoveAll(tmpDir)

	cfg := ancrage.DefaultConfig()
	cfg.DBPath = tmpDir + "/test.db"
	if v := os.Getenv("ANCRAGE_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("ANCRAGE_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	svc, err := ancrage.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Upload and wait for the pipeline.
	data, err := os.ReadFile(*docPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading document: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "\n=== UPLOADING %s ===\n", *docPath)
	res, err := svc.UploadDocument(ctx, ancrage.Upload{
		Filename: *docPath,
		Data:     data,
		UserID:   "e2e",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "upload error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "document_id=%d\n", res.DocumentID)

	events, cancelSub := svc.Hub().Subscribe(res.DocumentID)
	defer cancelSub()
	for ev := range events {
		fmt.Fprintf(os.Stderr, "status=%s stage=%s\n", ev.Status, ev.Stage)
		if ev.Status == store.StatusFailed {
			fmt.Fprintf(os.Stderr, "processing failed: %s\n", ev.Error)
			os.Exit(1)
		}
		if ev.Terminal() {
			break
		}
	}

	fmt.Fprintf(os.Stderr, "\n=== ASKING: %s ===\n", *question)
	answer, err := svc.Chat().Ask(ctx, chat.Request{UserID: "e2e", Query: *question})
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== ANSWER ===\n%s\n", answer.Content)
	fmt.Fprintf(os.Stderr, "tokens=%d/%d cost=%.4f USD (%.0f XAF) cache=%q\n",
		answer.Metadata.TokensInput, answer.Metadata.TokensOutput,
		answer.Metadata.CostUSD, answer.Metadata.CostXAF, answer.Metadata.CacheHit)

	out, _ := json.MarshalIndent(answer.Sources, "", "  ")
	fmt.Println(string(out))
}
