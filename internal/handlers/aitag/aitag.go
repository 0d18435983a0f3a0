package aitag

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"marketflow/internal/budget"
	"marketflow/internal/domain"
)

// TagFunc is the opaque provider call: tag up to len(items) images, report
// how many units it consumed and what that cost.
type TagFunc func(ctx context.Context, listingID string, items []string) (units int64, costCents int64, err error)

// Tagger is the budget-aware AI tagging handler. It checks the gate before
// spending, degrades batch size under pressure, and reports usage after
// every provider call so the gate's counter stays current.
type Tagger struct {
	Gate      *budget.Gate
	Provider  string
	BatchSize int
	Tag       TagFunc
	now       func() time.Time
}

func New(gate *budget.Gate, provider string, batchSize int, tag TagFunc) *Tagger {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Tagger{Gate: gate, Provider: provider, BatchSize: batchSize, Tag: tag, now: time.Now}
}

type Request struct {
	ListingID string   `json:"listing_id"`
	ImageURLs []string `json:"image_urls"`
}

func (t *Tagger) Execute(ctx context.Context, payload []byte) domain.Result {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return domain.Terminal(fmt.Errorf("invalid aitag payload: %w", err))
	}
	if len(req.ImageURLs) == 0 {
		return domain.OK()
	}
	if t.Tag == nil {
		return domain.Terminal(fmt.Errorf("no provider call configured"))
	}

	action, err := t.Gate.CurrentAction(ctx, t.Provider)
	if err != nil {
		return domain.Retry(fmt.Errorf("budget check: %w", err))
	}

	batch := t.BatchSize
	switch action {
	case domain.BudgetReduce:
		batch = batch / 2
		if batch < 1 {
			batch = 1
		}
	case domain.BudgetQueueNext, domain.BudgetHardStop:
		// Not a failure: the gate defers new spend to the next cycle.
		until := budget.NextCycleStart(t.now())
		log.Info().
			Str("provider", t.Provider).
			Str("action", string(action)).
			Time("until", until).
			Msg("tagging deferred by budget gate")
		return domain.DeferUntil(until)
	}

	for start := 0; start < len(req.ImageURLs); start += batch {
		end := start + batch
		if end > len(req.ImageURLs) {
			end = len(req.ImageURLs)
		}
		units, costCents, err := t.Tag(ctx, req.ListingID, req.ImageURLs[start:end])
		if units > 0 || costCents > 0 {
			if rerr := t.Gate.ReportUsage(ctx, t.Provider, units, costCents); rerr != nil {
				log.Error().Err(rerr).Str("provider", t.Provider).Msg("usage report failed")
			}
		}
		if err != nil {
			return domain.Retry(fmt.Errorf("tag batch [%d:%d]: %w", start, end, err))
		}
	}
	return domain.OK()
}
