package devicesync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/shared/events"
)

// underflow pushes an adjustment that clamps and returns the opened conflict.
func underflow(t *testing.T, h *harness) models.Conflict {
	t.Helper()
	h.mem.PutBranchStock(h.branch.BranchID, h.muffin.ProductID, 2)
	res := h.mustPush(t, h.event(t, models.EventInventoryAdjusted, map[string]any{"product_id": h.muffin.ProductID, "delta": -5}))
	require.Equal(t, CodeInventoryUnderflow, decodeAck(t, res.Acks[0])["code"])
	conflicts := h.mem.Conflicts()
	require.Len(t, conflicts, 1)
	return conflicts[0]
}

func TestResolveConflictAppliesInventoryAdjustment(t *testing.T) {
	h := newHarness(t)
	c := underflow(t, h)

	resolution := json.RawMessage(`{"product_id":"` + h.muffin.ProductID.String() + `","delta":4,"reason":"recount"}`)
	closed, err := h.svc.ResolveConflict(context.Background(), c.ConflictID, ResolveRequest{Action: ActionApplyInventoryAdjustment, Resolution: resolution}, h.manager)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, closed.Status)
	require.NotNil(t, closed.ResolvedBy)
	assert.Equal(t, h.manager.ActorID, *closed.ResolvedBy)

	qty, _ := h.mem.BranchStock(h.branch.BranchID, h.muffin.ProductID)
	assert.Equal(t, int64(4), qty)
	ledger := h.mem.Ledger()
	require.Len(t, ledger, 2)
	assert.Equal(t, "recount", ledger[1].Reason)
	assert.Equal(t, h.manager.ActorID, ledger[1].ActorID)

	for _, task := range h.mem.Tasks() {
		assert.Equal(t, models.TaskDone, task.Status)
		assert.NotNil(t, task.CompletedAt)
	}
	stored := h.mem.Conflicts()[0]
	assert.Equal(t, models.ConflictResolved, stored.Status)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(stored.Resolution, &doc))
	assert.EqualValues(t, 4, doc["applied_delta"])

	outbox := h.mem.Outbox()
	last := outbox[len(outbox)-1]
	assert.Equal(t, events.TopicSyncConflicts, last.Topic)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(last.Payload, &env))
	assert.Equal(t, events.TypeConflictResolved, env.EventType)
}

func TestResolveConflictAdjustmentStillClamps(t *testing.T) {
	h := newHarness(t)
	c := underflow(t, h)

	resolution := json.RawMessage(`{"sku":"MUF-1","delta":-3}`)
	_, err := h.svc.ResolveConflict(context.Background(), c.ConflictID, ResolveRequest{Action: ActionApplyInventoryAdjustment, Resolution: resolution}, h.manager)
	require.NoError(t, err)
	qty, _ := h.mem.BranchStock(h.branch.BranchID, h.muffin.ProductID)
	assert.Equal(t, int64(0), qty)
	assert.Len(t, h.mem.Conflicts(), 1, "resolution never opens a new conflict")
}

func TestResolveConflictDismissAndRetry(t *testing.T) {
	h := newHarness(t)
	c := underflow(t, h)
	closed, err := h.svc.ResolveConflict(context.Background(), c.ConflictID, ResolveRequest{Action: "Dismiss"}, h.manager)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictDismissed, closed.Status)

	h2 := newHarness(t)
	c2 := underflow(t, h2)
	closed, err = h2.svc.ResolveConflict(context.Background(), c2.ConflictID, ResolveRequest{Action: ActionRetryEvent}, h2.manager)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, closed.Status)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(closed.Resolution, &doc))
	assert.Equal(t, true, doc["event_settled"])
	assert.Equal(t, c2.EventID.String(), doc["event_id"])
}

func TestResolveConflictErrors(t *testing.T) {
	h := newHarness(t)
	c := underflow(t, h)
	ctx := context.Background()

	cashier := models.Actor{BranchID: h.branch.BranchID, ActorID: "user-cashier", Role: models.RoleCashier}
	_, err := h.svc.ResolveConflict(ctx, c.ConflictID, ResolveRequest{Action: ActionResolve}, cashier)
	requireCallError(t, err, http.StatusForbidden, ReasonForbidden)

	_, err = h.svc.ResolveConflict(ctx, c.ConflictID, ResolveRequest{Action: "merge"}, h.manager)
	requireCallError(t, err, http.StatusBadRequest, ReasonInvalidAction)

	_, err = h.svc.ResolveConflict(ctx, c.ConflictID, ResolveRequest{Action: ActionApplyInventoryAdjustment, Resolution: json.RawMessage(`{"delta":1}`)}, h.manager)
	requireCallError(t, err, http.StatusBadRequest, ReasonInvalidResolution)

	_, err = h.svc.ResolveConflict(ctx, c.ConflictID, ResolveRequest{Action: ActionApplyInventoryAdjustment, Resolution: json.RawMessage(`{"sku":"NOPE","delta":1}`)}, h.manager)
	requireCallError(t, err, http.StatusNotFound, ReasonProductNotFound)

	_, err = h.svc.ResolveConflict(ctx, uuid.New(), ResolveRequest{Action: ActionResolve}, h.manager)
	requireCallError(t, err, http.StatusNotFound, ReasonConflictNotFound)

	otherBranch := models.Actor{BranchID: uuid.New(), ActorID: "user-elsewhere", Role: models.RoleOwner}
	_, err = h.svc.ResolveConflict(ctx, c.ConflictID, ResolveRequest{Action: ActionResolve}, otherBranch)
	requireCallError(t, err, http.StatusNotFound, ReasonConflictNotFound)

	_, err = h.svc.ResolveConflict(ctx, c.ConflictID, ResolveRequest{Action: ActionResolve}, h.manager)
	require.NoError(t, err)
	_, err = h.svc.ResolveConflict(ctx, c.ConflictID, ResolveRequest{Action: ActionResolve}, h.manager)
	requireCallError(t, err, http.StatusConflict, ReasonConflictClosed)
}

func TestListConflictsFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	c := underflow(t, h)
	h.mustPush(t, h.event(t, models.EventPriceOverrideSet, map[string]any{"product_id": h.coffee.ProductID, "price": "1.00", "expected_version": 7}))

	all, err := h.svc.ListConflicts(context.Background(), h.manager, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = h.svc.ResolveConflict(context.Background(), c.ConflictID, ResolveRequest{Action: ActionResolve}, h.manager)
	require.NoError(t, err)

	open, err := h.svc.ListConflicts(context.Background(), h.manager, "open", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.ConflictVersionMismatch, open[0].ConflictType)

	_, err = h.svc.ListConflicts(context.Background(), h.manager, "stuck", 0)
	requireCallError(t, err, http.StatusBadRequest, ReasonInvalidRequest)
}
