package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
)

func (t *tx) ListStream(ctx context.Context, stream string, branchID uuid.UUID, after models.StreamCursor, limit int) ([]models.StreamRow, error) {
	if err := t.fault("ListStream"); err != nil {
		return nil, err
	}
	rows, err := t.streamRows(stream, branchID, false)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if after.Includes(r) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) SnapshotStream(ctx context.Context, stream string, branchID uuid.UUID) ([]models.StreamRow, error) {
	if err := t.fault("SnapshotStream"); err != nil {
		return nil, err
	}
	return t.streamRows(stream, branchID, true)
}

func (t *tx) streamRows(stream string, branchID uuid.UUID, snapshot bool) ([]models.StreamRow, error) {
	var rows []models.StreamRow
	add := func(id uuid.UUID, wm time.Time, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		rows = append(rows, models.StreamRow{ID: id.String(), Watermark: wm, Data: b})
		return nil
	}

	switch stream {
	case models.StreamCatalog:
		for _, p := range t.st.products {
			item := models.CatalogItem{
				ProductID:    p.ProductID,
				SKU:          p.SKU,
				Barcode:      p.Barcode,
				Name:         p.Name,
				SectionID:    p.SectionID,
				BasePrice:    p.BasePrice,
				PriceVersion: p.PriceVersion,
				Price:        p.BasePrice,
				Active:       p.Active,
				UpdatedAt:    p.UpdatedAt,
			}
			if o, ok := t.st.overrides[stockKey{branch: branchID, product: p.ProductID}]; ok {
				item.Price = o.Price
				item.BranchPriceVersion = o.Version
				if o.UpdatedAt.After(item.UpdatedAt) {
					item.UpdatedAt = o.UpdatedAt
				}
			}
			if err := add(p.ProductID, item.UpdatedAt, item); err != nil {
				return nil, err
			}
		}
	case models.StreamSections:
		for _, s := range t.st.sections {
			if s.BranchID != nil && *s.BranchID != branchID {
				continue
			}
			if err := add(s.SectionID, s.UpdatedAt, s); err != nil {
				return nil, err
			}
		}
	case models.StreamOrders:
		for _, o := range t.st.orders {
			if o.BranchID != branchID {
				continue
			}
			if err := add(o.OrderID, o.UpdatedAt, o); err != nil {
				return nil, err
			}
		}
	case models.StreamInventory:
		for _, e := range t.st.ledger {
			if e.BranchID != branchID {
				continue
			}
			if err := add(e.EntryID, e.CreatedAt, e); err != nil {
				return nil, err
			}
		}
	case models.StreamConflicts:
		for _, c := range t.st.conflicts {
			if c.BranchID != branchID {
				continue
			}
			if snapshot && c.Status != models.ConflictOpen {
				continue
			}
			if err := add(c.ConflictID, c.UpdatedAt, c); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("memstore: unknown stream %q", stream)
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Watermark.Equal(rows[j].Watermark) {
			return rows[i].Watermark.Before(rows[j].Watermark)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}
