package devicesync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pos-sync-platform/api/internal/branches"
	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

// applyPriceOverrideSet is an optimistic update keyed on the per-scope
// version. A stale expected_version opens a conflict and writes nothing.
func (s *Service) applyPriceOverrideSet(ctx context.Context, tx store.Tx, ec *eventContext, p *PriceOverrideSet) (Outcome, error) {
	if p.Scope == models.PriceScopeBranch && !ec.settings.FeatureEnabled(branches.FeatureBranchPriceOverrides, true) {
		return rejected(CodePriceOverrideDisabled, "branch price overrides are disabled for this branch"), nil
	}

	current, err := tx.LockPrice(ctx, ec.device.BranchID, p.ProductID, p.Scope)
	if errors.Is(err, store.ErrNotFound) {
		return rejected(CodeProductNotFound, "product does not exist"), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lock price: %w", err)
	}

	if p.ExpectedVersion != nil && *p.ExpectedVersion != current.Version {
		conflict, err := s.openConflict(ctx, tx, ec, models.ConflictVersionMismatch, map[string]any{
			"product_id":       p.ProductID,
			"scope":            p.Scope,
			"expected_version": *p.ExpectedVersion,
			"current_version":  current.Version,
			"current_price":    current.Price.String(),
			"proposed_price":   p.Price.String(),
		})
		if err != nil {
			return Outcome{}, err
		}
		return conflicted(CodeVersionMismatch, fmt.Sprintf("price version is %d, expected %d", current.Version, *p.ExpectedVersion), conflict.ConflictID).
			with("price_version", current.Version).
			with("scope", p.Scope), nil
	}

	next := current
	next.Price = *p.Price
	next.Version = current.Version + 1
	next.Exists = true
	if err := tx.SavePrice(ctx, next, ec.now); err != nil {
		return Outcome{}, fmt.Errorf("save price: %w", err)
	}

	var old *decimal.Decimal
	if current.Exists {
		prev := current.Price
		old = &prev
	}
	eventID := ec.env.EventID
	deviceID := ec.device.DeviceID
	if err := tx.InsertPriceAudit(ctx, models.PriceChangeAudit{
		BranchID:   ec.device.BranchID,
		ProductID:  p.ProductID,
		Scope:      p.Scope,
		OldPrice:   old,
		NewPrice:   next.Price,
		OldVersion: current.Version,
		NewVersion: next.Version,
		DeviceID:   &deviceID,
		EventID:    &eventID,
		ActorID:    deviceActor(ec.device).ActorID,
		Reason:     strings.TrimSpace(p.Reason),
		CreatedAt:  ec.now,
	}); err != nil {
		return Outcome{}, fmt.Errorf("insert price audit: %w", err)
	}

	return accepted(CodePriceUpdated, "price updated").
		with("scope", p.Scope).
		with("price", next.Price.String()).
		with("price_version", next.Version), nil
}
