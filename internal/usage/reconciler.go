// Package usage turns raw provider token counts into the usage record of a
// turn, enriched with pricing when a model catalog is available.
package usage

import (
	"context"
	"log/slog"
	"time"

	"negotiatechat/internal/models"
)

// Reconcile merges raw counts with catalog pricing for modelID. Without a
// model id, a catalog or a catalog entry the raw counts come back unchanged.
func Reconcile(raw models.Usage, modelID string, catalog *Catalog) models.UsageRecord {
	record := models.UsageRecord{Usage: raw}
	if modelID == "" || catalog == nil {
		return record
	}
	pricing, ok := catalog.Lookup(modelID)
	if !ok {
		return record
	}
	record.ModelID = modelID
	record.Cost = summarize(raw, pricing)
	return record
}

func summarize(raw models.Usage, p ModelPricing) *models.CostSummary {
	in := float64(raw.InputTokens) * p.InputCostPerMTok / 1e6
	out := float64(raw.OutputTokens) * p.OutputCostPerMTok / 1e6
	summary := &models.CostSummary{
		InputCostUSD:  in,
		OutputCostUSD: out,
		TotalCostUSD:  in + out,
		ContextWindow: p.ContextWindow,
	}
	if p.ContextWindow > 0 {
		total := raw.TotalTokens
		if total == 0 {
			total = raw.InputTokens + raw.OutputTokens
		}
		summary.ContextUsedPercent = float64(total) * 100 / float64(p.ContextWindow)
	}
	return summary
}

// CatalogProvider hands out the current catalog, or an error when none is
// available.
type CatalogProvider interface {
	Current(ctx context.Context) (*Catalog, error)
}

// Reconciler finalizes usage with a bounded wait on the catalog.
type Reconciler struct {
	catalog      CatalogProvider
	fetchTimeout time.Duration
	logger       *slog.Logger
}

const DefaultFetchTimeout = 2 * time.Second

func NewReconciler(catalog CatalogProvider, fetchTimeout time.Duration, logger *slog.Logger) *Reconciler {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{catalog: catalog, fetchTimeout: fetchTimeout, logger: logger}
}

// Finalize never fails: catalog errors degrade to raw usage.
func (r *Reconciler) Finalize(ctx context.Context, raw models.Usage, modelID string) models.UsageRecord {
	if r == nil || r.catalog == nil || modelID == "" {
		return Reconcile(raw, modelID, nil)
	}
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
	defer cancel()
	catalog, err := r.catalog.Current(fetchCtx)
	if err != nil {
		r.logger.Warn("model catalog unavailable, using raw usage", "model", modelID, "error", err)
		return Reconcile(raw, modelID, nil)
	}
	return Reconcile(raw, modelID, catalog)
}
