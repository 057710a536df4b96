// Command eval ingests a document corpus and scores the answer path
// against a question dataset.
//
// Usage:
//
//	go run -tags "sqlite_fts5" ./cmd/eval \
//	  --corpus-dir ./data/corpus \
//	  --dataset ./data/bail_fr.json \
//	  --config ./config.json
//
// The dataset is a JSON file:
//
//	{
//	  "name": "bail-fr",
//	  "items": [
//	    {"question": "Quelle est la durée du bail ?",
//	     "expected_facts": ["neuf ans|9 ans"]}
//	  ]
//	}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ancrage-ai/ancrage"
	"github.com/ancrage-ai/ancrage/eval"
	"github.com/ancrage-ai/ancrage/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	corpusDir := flag.String("corpus-dir", "", "Directory of documents to ingest before evaluating")
	datasetPath := flag.String("dataset", "", "Path to the question dataset (JSON)")
	user := flag.String("user", "eval", "User ID used for evaluation conversations")
	ingestTimeout := flag.Duration("ingest-timeout", 15*time.Minute, "Maximum time to wait for ingestion")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *datasetPath == "" {
		fmt.Fprintln(os.Stderr, "--dataset is required")
		os.Exit(1)
	}

	ds, err := eval.LoadDataset(*datasetPath)
	if err != nil {
		slog.Error("loading dataset", "error", err)
		os.Exit(1)
	}

	cfg := ancrage.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}
	if cfg.DBPath == "" {
		// A throwaway database keeps evaluation runs independent.
		tmpDir, err := os.MkdirTemp("", "ancrage-eval-*")
		if err != nil {
			slog.Error("creating temp dir", "error", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmpDir)
		cfg.DBPath = filepath.Join(tmpDir, "eval.db")
	}

	svc, err := ancrage.New(cfg)
	if err != nil {
		slog.Error("creating service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx := context.Background()

	if *corpusDir != "" {
		if err := ingestCorpus(ctx, svc, *corpusDir, *user, *ingestTimeout); err != nil {
			slog.Error("ingesting corpus", "error", err)
			os.Exit(1)
		}
	}

	report, err := eval.New(svc.Chat(), slog.Default()).Run(ctx, ds, *user)
	if err != nil {
		slog.Error("running evaluation", "error", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}

// ingestCorpus uploads every file in dir and waits until each document
// reaches a terminal status.
func ingestCorpus(ctx context.Context, svc *ancrage.Service, dir, user string, timeout time.Duration) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var ids []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		res, err := svc.UploadDocument(ctx, ancrage.Upload{
			Filename: entry.Name(),
			Data:     data,
			UserID:   user,
		})
		if err != nil {
			slog.Warn("upload rejected", "filename", entry.Name(), "error", err)
			continue
		}
		if res.DuplicateOf != 0 {
			continue
		}
		slog.Info("uploaded", "filename", entry.Name(), "document_id", res.DocumentID)
		ids = append(ids, res.DocumentID)
	}
	if len(ids) == 0 {
		return fmt.Errorf("no documents accepted from %s", dir)
	}

	deadline := time.Now().Add(timeout)
	for _, id := range ids {
		for {
			doc, err := svc.GetDocument(ctx, id)
			if err != nil {
				return err
			}
			if doc.Status == store.StatusCompleted {
				break
			}
			if doc.Status == store.StatusFailed {
				return fmt.Errorf("document %d failed at %s: %s", id, doc.FailedStage, doc.ErrorMessage)
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("document %d still %s/%s after %s", id, doc.Status, doc.Stage, timeout)
			}
			time.Sleep(500 * time.Millisecond)
		}
	}
	return nil
}
