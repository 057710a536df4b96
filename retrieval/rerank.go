package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ancrage-ai/ancrage/cost"
	"github.com/ancrage-ai/ancrage/index"
	"github.com/ancrage-ai/ancrage/llm"
)

// rerankReason values attached to ranked candidates.
const reasonRerankFailed = "rerank_failed"

// Ranked is a candidate with its rerank verdict. Score is the judge's
// 0..10 rating scaled to [0,1]; the retrieval score stays available on
// the embedded candidate.
type Ranked struct {
	index.Candidate
	RerankScore float64 `json:"rerank_score"`
	Reason      string  `json:"reason,omitempty"`
}

// Reranker asks an LLM to judge each candidate's relevance to the
// query.
type Reranker struct {
	provider llm.Provider
	acct     *cost.Accountant
	model    string
	log      *slog.Logger
}

func NewReranker(provider llm.Provider, acct *cost.Accountant, model string, log *slog.Logger) *Reranker {
	if log == nil {
		log = slog.Default()
	}
	return &Reranker{provider: provider, acct: acct, model: model, log: log}
}

const rerankPrompt = `Tu évalues la pertinence d'un extrait de document pour répondre à une question.

Question : %s

Extrait :
%s

Réponds uniquement en JSON : {"score": <0 à 10>, "reason": "<une phrase>"}`

type rerankVerdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Rerank judges every candidate with one chat call each, then returns
// the best topN by judge score (ties broken by retrieval score). A
// failed call scores the candidate 0 rather than failing the query.
func (rr *Reranker) Rerank(ctx context.Context, query string, cands []index.Candidate, topN int) ([]Ranked, error) {
	if topN < 1 {
		topN = 3
	}

	ranked := make([]Ranked, len(cands))
	tokensIn, tokensOut := 0, 0

	for i, c := range cands {
		ranked[i] = Ranked{Candidate: c}

		resp, err := rr.provider.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{{
				Role:    "user",
				Content: fmt.Sprintf(rerankPrompt, query, c.Content),
			}},
			Temperature:    0.0,
			MaxTokens:      200,
			ResponseFormat: "json_object",
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			rr.log.Warn("rerank call failed", "chunk_id", c.ChunkID, "error", err)
			ranked[i].Reason = reasonRerankFailed
			continue
		}
		tokensIn += resp.PromptTokens
		tokensOut += resp.CompletionTokens

		var v rerankVerdict
		if err := json.Unmarshal([]byte(resp.Content), &v); err != nil {
			rr.log.Warn("rerank verdict not parseable",
				"chunk_id", c.ChunkID, "content", resp.Content)
			ranked[i].Reason = reasonRerankFailed
			continue
		}
		if v.Score < 0 || v.Score > 10 {
			rr.log.Warn("rerank score out of range",
				"chunk_id", c.ChunkID, "score", v.Score)
			ranked[i].Reason = reasonRerankFailed
			continue
		}
		ranked[i].RerankScore = v.Score / 10
		ranked[i].Reason = v.Reason
	}

	if rr.acct != nil && tokensIn+tokensOut > 0 {
		if _, err := rr.acct.Record(ctx, cost.Usage{
			Op: cost.OpRerank, Model: rr.model,
			TokensIn: tokensIn, TokensOut: tokensOut,
		}); err != nil {
			rr.log.Warn("rerank usage not recorded", "error", err)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RerankScore != ranked[j].RerankScore {
			return ranked[i].RerankScore > ranked[j].RerankScore
		}
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked, nil
}

// PassThrough converts candidates without judging them, used when
// reranking is disabled. The retrieval score stands in for the judge
// score so downstream ordering is unchanged.
func PassThrough(cands []index.Candidate, topN int) []Ranked {
	if topN > 0 && len(cands) > topN {
		cands = cands[:topN]
	}
	out := make([]Ranked, len(cands))
	for i, c := range cands {
		out[i] = Ranked{Candidate: c, RerankScore: c.Score}
	}
	return out
}
