// Package cost converts token spend into USD and XAF amounts and
// appends them to the usage ledger.
package cost

import (
	"context"
	"log/slog"
	"math"

	"github.com/ancrage-ai/ancrage/settings"
	"github.com/ancrage-ai/ancrage/store"
)

// Operations recorded in the ledger.
const (
	OpEmbedding  = "embedding"
	OpGeneration = "generation"
	OpRerank     = "rerank"
	OpTitle      = "title"
	OpOCR        = "ocr"
)

// Usage is one unit of model spend to account for.
type Usage struct {
	Op         string
	Model      string
	TokensIn   int
	TokensOut  int
	DocumentID *int64
	MessageID  *int64
	UserID     string
}

// Amount is the priced outcome of a Record call.
type Amount struct {
	USD  float64
	XAF  float64
	Rate float64
}

// Accountant prices usage with the current tariffs and exchange rate.
type Accountant struct {
	store    *store.Store
	settings *settings.Resolver
	log      *slog.Logger
}

func NewAccountant(st *store.Store, res *settings.Resolver, log *slog.Logger) *Accountant {
	if log == nil {
		log = slog.Default()
	}
	return &Accountant{store: st, settings: res, log: log}
}

// Price converts token counts into amounts with the current tariffs
// and exchange rate, without writing anything. USD is rounded to 4
// decimal places, XAF to 2.
func (a *Accountant) Price(ctx context.Context, model string, tokensIn, tokensOut int) (Amount, error) {
	inPerMTok, outPerMTok := a.settings.Tariff(ctx, model)
	rate, err := a.settings.ExchangeRate(ctx)
	if err != nil {
		return Amount{}, err
	}
	usd := round(float64(tokensIn)*inPerMTok/1e6+float64(tokensOut)*outPerMTok/1e6, 4)
	return Amount{USD: usd, XAF: round(usd*rate, 2), Rate: rate}, nil
}

// Record prices the usage, appends a ledger row, and rolls the amount
// up into the owning document when one is named.
func (a *Accountant) Record(ctx context.Context, u Usage) (Amount, error) {
	amt, err := a.Price(ctx, u.Model, u.TokensIn, u.TokensOut)
	if err != nil {
		return Amount{}, err
	}
	usd, xaf, rate := amt.USD, amt.XAF, amt.Rate

	if err := a.store.InsertUsage(ctx, store.UsageEvent{
		Operation:    u.Op,
		Model:        u.Model,
		TokensInput:  u.TokensIn,
		TokensOutput: u.TokensOut,
		CostUSD:      usd,
		CostXAF:      xaf,
		ExchangeRate: rate,
		DocumentID:   u.DocumentID,
		MessageID:    u.MessageID,
		UserID:       u.UserID,
	}); err != nil {
		return Amount{}, err
	}

	if u.DocumentID != nil {
		if err := a.store.AddDocumentCost(ctx, *u.DocumentID, usd, xaf); err != nil {
			// The ledger row is already written; the document aggregate
			// is a convenience rollup.
			a.log.Warn("document cost rollup failed",
				"document_id", *u.DocumentID, "operation", u.Op, "error", err)
		}
	}
	return amt, nil
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
