package devicesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/metricsx"
	"pos-sync-platform/shared/observability"
)

var epoch = time.Unix(0, 0).UTC()

type PullRequest struct {
	Credentials Credentials
	// Limit is per stream; zero selects the default.
	Limit int
	// Since overrides the stored cursor of the named streams.
	Since map[string]time.Time
}

type StreamPage struct {
	Rows   []json.RawMessage `json:"rows"`
	Cursor time.Time         `json:"cursor"`
	// CursorID is set when the page ended inside a group of rows sharing
	// Cursor; the next pull resumes after it.
	CursorID string `json:"cursor_id,omitempty"`
	HasMore  bool   `json:"has_more"`
}

type PullResult struct {
	Streams    map[string]StreamPage `json:"streams"`
	Limit      int                   `json:"limit"`
	ServerTime time.Time             `json:"server_time"`
}

type BootstrapResult struct {
	Settings      models.BranchSettings `json:"settings"`
	Catalog       []json.RawMessage     `json:"catalog"`
	Sections      []json.RawMessage     `json:"sections"`
	OpenConflicts []json.RawMessage     `json:"open_conflicts"`
	Cursors       map[string]time.Time  `json:"cursors"`
	ServerTime    time.Time             `json:"server_time"`
}

func (s *Service) pullLimit(limit int) int {
	if limit <= 0 {
		return s.opts.PullDefaultLimit
	}
	if limit > s.opts.PullMaxLimit {
		return s.opts.PullMaxLimit
	}
	return limit
}

// Pull returns rows changed since each stream's cursor and advances the
// stored cursors. A cursor never moves backwards, even when the caller
// passes an older override.
func (s *Service) Pull(ctx context.Context, req PullRequest, body []byte) (PullResult, error) {
	ctx, span := observability.Tracer("devicesync").Start(ctx, "sync.pull")
	defer span.End()

	for stream := range req.Since {
		if !knownStream(stream) {
			return PullResult{}, errBadRequest(ReasonInvalidRequest, "unknown stream %q", stream)
		}
	}
	limit := s.pullLimit(req.Limit)

	var (
		result PullResult
		p      principal
		total  = map[string]int{}
	)
	err := s.store.WithTx(ctx, store.TxOptions{Snapshot: true}, func(tx store.Tx) error {
		var err error
		p, err = s.authenticate(ctx, tx, req.Credentials, body, false)
		if err != nil {
			return err
		}
		if err := s.requireActiveBranch(ctx, p.device); err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		stored, err := tx.GetCursors(ctx, p.device.DeviceID, p.device.BranchID)
		if err != nil {
			return fmt.Errorf("get cursors: %w", err)
		}

		result = PullResult{Streams: make(map[string]StreamPage, len(models.Streams)), Limit: limit, ServerTime: now}
		for _, stream := range models.Streams {
			base, ok := stored[stream]
			if since, override := req.Since[stream]; override {
				base, ok = models.StreamCursor{Watermark: since}, true
			}
			if !ok {
				base = models.StreamCursor{Watermark: epoch}
			}
			rows, err := tx.ListStream(ctx, stream, p.device.BranchID, base, limit+1)
			if err != nil {
				return fmt.Errorf("list %s: %w", stream, err)
			}
			next := nextCursor(base, rows, limit)
			hasMore := len(rows) > limit
			if hasMore {
				rows = rows[:limit]
			}
			page := StreamPage{
				Rows:     make([]json.RawMessage, 0, len(rows)),
				Cursor:   next.Watermark,
				CursorID: next.AfterID,
				HasMore:  hasMore,
			}
			for _, row := range rows {
				page.Rows = append(page.Rows, row.Data)
			}
			if err := tx.AdvanceCursor(ctx, p.device.DeviceID, p.device.BranchID, stream, next); err != nil {
				return fmt.Errorf("advance %s cursor: %w", stream, err)
			}
			result.Streams[stream] = page
			total[stream] = len(page.Rows)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return PullResult{}, err
	}

	attrs := []slog.Attr{
		slog.String("device_id", p.device.DeviceID.String()),
		slog.Int("limit", limit),
	}
	for stream, n := range total {
		metricsx.AddPullRows(stream, n)
		attrs = append(attrs, slog.Int(stream, n))
	}
	s.logger.Debug(ctx, "sync_pull", "delta pull served", attrs...)
	return result, nil
}

// Bootstrap returns a consistent snapshot for a fresh terminal and seeds
// every cursor to the snapshot time.
func (s *Service) Bootstrap(ctx context.Context, creds Credentials, body []byte) (BootstrapResult, error) {
	ctx, span := observability.Tracer("devicesync").Start(ctx, "sync.bootstrap")
	defer span.End()

	var (
		result   BootstrapResult
		deviceID string
	)
	err := s.store.WithTx(ctx, store.TxOptions{Snapshot: true}, func(tx store.Tx) error {
		p, err := s.authenticate(ctx, tx, creds, body, false)
		if err != nil {
			return err
		}
		settings, err := s.branchSettings(ctx, p.device.BranchID)
		if err != nil {
			return err
		}
		if !settings.Active {
			return errForbidden(ReasonBranchInactive, "branch is not active")
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}

		snapshot := func(stream string) ([]json.RawMessage, error) {
			rows, err := tx.SnapshotStream(ctx, stream, p.device.BranchID)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s: %w", stream, err)
			}
			out := make([]json.RawMessage, 0, len(rows))
			for _, row := range rows {
				out = append(out, row.Data)
			}
			return out, nil
		}
		result = BootstrapResult{Settings: settings, ServerTime: now, Cursors: map[string]time.Time{}}
		if result.Catalog, err = snapshot(models.StreamCatalog); err != nil {
			return err
		}
		if result.Sections, err = snapshot(models.StreamSections); err != nil {
			return err
		}
		if result.OpenConflicts, err = snapshot(models.StreamConflicts); err != nil {
			return err
		}
		for _, stream := range models.Streams {
			if err := tx.AdvanceCursor(ctx, p.device.DeviceID, p.device.BranchID, stream, models.StreamCursor{Watermark: now}); err != nil {
				return fmt.Errorf("seed %s cursor: %w", stream, err)
			}
			result.Cursors[stream] = now
		}
		deviceID = p.device.DeviceID.String()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return BootstrapResult{}, err
	}
	s.logger.Info(ctx, "sync_bootstrap", "bootstrap snapshot served",
		slog.String("device_id", deviceID),
		slog.Int("catalog", len(result.Catalog)),
		slog.Int("sections", len(result.Sections)),
		slog.Int("open_conflicts", len(result.OpenConflicts)),
	)
	return result, nil
}

func (s *Service) requireActiveBranch(ctx context.Context, device models.Device) error {
	settings, err := s.branchSettings(ctx, device.BranchID)
	if err != nil {
		return err
	}
	if !settings.Active {
		return errForbidden(ReasonBranchInactive, "branch is not active")
	}
	return nil
}

func knownStream(name string) bool {
	for _, s := range models.Streams {
		if s == name {
			return true
		}
	}
	return false
}

// nextCursor is the position after the first limit rows. It keeps the last
// row's id only when the row that follows shares its watermark.
func nextCursor(base models.StreamCursor, rows []models.StreamRow, limit int) models.StreamCursor {
	n := len(rows)
	if n > limit {
		n = limit
	}
	if n == 0 {
		return base
	}
	last := rows[n-1]
	next := models.StreamCursor{Watermark: last.Watermark}
	if len(rows) > n && rows[n].Watermark.Equal(last.Watermark) {
		next.AfterID = last.ID
	}
	return next
}
