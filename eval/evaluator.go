package eval

import (
	"context"
	"log/slog"
	"time"

	"github.com/ancrage-ai/ancrage/chat"
	"github.com/ancrage-ai/ancrage/index"
)

// Asker is the answer path under evaluation.
type Asker interface {
	Ask(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// Result holds the scores for one question.
type Result struct {
	ID           string  `json:"id,omitempty"`
	Question     string  `json:"question"`
	Answer       string  `json:"answer,omitempty"`
	FactCoverage float64 `json:"fact_coverage"`
	Relevance    float64 `json:"relevance"`
	Groundedness float64 `json:"groundedness"`
	CacheHit     string  `json:"cache_hit,omitempty"`
	Seconds      float64 `json:"seconds"`
	CostUSD      float64 `json:"cost_usd"`
	Error        string  `json:"error,omitempty"`
}

// Report aggregates a dataset run.
type Report struct {
	Dataset          string   `json:"dataset"`
	Questions        int      `json:"questions"`
	Failures         int      `json:"failures"`
	MeanFactCoverage float64  `json:"mean_fact_coverage"`
	MeanRelevance    float64  `json:"mean_relevance"`
	MeanGroundedness float64  `json:"mean_groundedness"`
	TotalCostUSD     float64  `json:"total_cost_usd"`
	TotalSeconds     float64  `json:"total_seconds"`
	Results          []Result `json:"results"`
}

// Evaluator runs a dataset through the answer path, one fresh
// conversation per question so history never leaks between items.
type Evaluator struct {
	asker Asker
	log   *slog.Logger
}

func New(asker Asker, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{asker: asker, log: log}
}

// Run asks every dataset question and scores the answers.
func (e *Evaluator) Run(ctx context.Context, ds *Dataset, userID string) (*Report, error) {
	report := &Report{Dataset: ds.Name, Questions: len(ds.Items)}

	for _, item := range ds.Items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		started := time.Now()
		resp, err := e.asker.Ask(ctx, chat.Request{
			UserID: userID,
			Query:  item.Question,
			Filters: index.Filters{
				Category:    item.Category,
				DocumentIDs: item.DocumentIDs,
			},
		})
		elapsed := time.Since(started).Seconds()

		res := Result{ID: item.ID, Question: item.Question, Seconds: elapsed}
		if err != nil {
			res.Error = err.Error()
			report.Failures++
			report.Results = append(report.Results, res)
			e.log.Warn("evaluation question failed", "question", item.Question, "error", err)
			continue
		}

		res.Answer = resp.Content
		res.FactCoverage = factCoverage(resp.Content, item.ExpectedFacts)
		res.Relevance = sourceRelevance(item.Question, resp.Sources)
		res.Groundedness = groundedness(resp.Content, resp.Sources)
		res.CacheHit = resp.Metadata.CacheHit
		res.CostUSD = resp.Metadata.CostUSD
		report.Results = append(report.Results, res)

		e.log.Info("evaluated",
			"question", item.Question,
			"fact_coverage", res.FactCoverage,
			"relevance", res.Relevance,
			"groundedness", res.Groundedness,
			"seconds", elapsed,
		)
	}

	scored := 0
	for _, r := range report.Results {
		report.TotalSeconds += r.Seconds
		if r.Error != "" {
			continue
		}
		scored++
		report.MeanFactCoverage += r.FactCoverage
		report.MeanRelevance += r.Relevance
		report.MeanGroundedness += r.Groundedness
		report.TotalCostUSD += r.CostUSD
	}
	if scored > 0 {
		report.MeanFactCoverage /= float64(scored)
		report.MeanRelevance /= float64(scored)
		report.MeanGroundedness /= float64(scored)
	}
	return report, nil
}
