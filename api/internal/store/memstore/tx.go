package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

var errReadOnly = errors.New("memstore: write in read-only transaction")

type tx struct {
	st     *state
	now    time.Time
	faults map[string]error
	ro     bool
}

var _ store.Tx = (*tx)(nil)

func (t *tx) fault(op string) error {
	if err, ok := t.faults[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (t *tx) write(op string) error {
	if err := t.fault(op); err != nil {
		return err
	}
	if t.ro {
		return errReadOnly
	}
	return nil
}

func (t *tx) Now(ctx context.Context) (time.Time, error) {
	if err := t.fault("Now"); err != nil {
		return time.Time{}, err
	}
	return t.now, nil
}

func (t *tx) Savepoint(ctx context.Context, fn func(store.Tx) error) error {
	snapshot := t.st.clone()
	if err := fn(t); err != nil {
		*t.st = *snapshot
		return err
	}
	return nil
}

// Devices and keys.

func (t *tx) GetDevice(ctx context.Context, deviceID uuid.UUID) (models.Device, error) {
	if err := t.fault("GetDevice"); err != nil {
		return models.Device{}, err
	}
	d, ok := t.st.devices[deviceID]
	if !ok {
		return models.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (t *tx) FindDeviceByTerminal(ctx context.Context, branchID uuid.UUID, terminalCode string) (models.Device, error) {
	if err := t.fault("FindDeviceByTerminal"); err != nil {
		return models.Device{}, err
	}
	for _, d := range t.st.devices {
		if d.BranchID == branchID && strings.EqualFold(d.TerminalCode, terminalCode) {
			return d, nil
		}
	}
	return models.Device{}, store.ErrNotFound
}

func (t *tx) UpsertDevice(ctx context.Context, device models.Device) (models.Device, error) {
	if err := t.write("UpsertDevice"); err != nil {
		return models.Device{}, err
	}
	for _, d := range t.st.devices {
		if d.DeviceID != device.DeviceID && d.BranchID == device.BranchID && strings.EqualFold(d.TerminalCode, device.TerminalCode) {
			return models.Device{}, store.ErrConflict
		}
	}
	if existing, ok := t.st.devices[device.DeviceID]; ok {
		device.CreatedAt = existing.CreatedAt
		if device.LastSeenAt == nil {
			device.LastSeenAt = existing.LastSeenAt
		}
	} else if device.CreatedAt.IsZero() {
		device.CreatedAt = t.now
	}
	device.UpdatedAt = t.now
	t.st.devices[device.DeviceID] = device
	return device, nil
}

func (t *tx) SetDeviceStatus(ctx context.Context, deviceID uuid.UUID, status string, at time.Time) error {
	if err := t.write("SetDeviceStatus"); err != nil {
		return err
	}
	d, ok := t.st.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = at
	t.st.devices[deviceID] = d
	return nil
}

func (t *tx) TouchDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	if err := t.write("TouchDevice"); err != nil {
		return err
	}
	d, ok := t.st.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	seen := at
	d.LastSeenAt = &seen
	t.st.devices[deviceID] = d
	return nil
}

func (t *tx) GetActiveKey(ctx context.Context, deviceID uuid.UUID) (models.DeviceKey, error) {
	if err := t.fault("GetActiveKey"); err != nil {
		return models.DeviceKey{}, err
	}
	for _, k := range t.st.keys {
		if k.DeviceID == deviceID && k.IsActive {
			return k, nil
		}
	}
	return models.DeviceKey{}, store.ErrNotFound
}

func (t *tx) DeactivateKeys(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	if err := t.write("DeactivateKeys"); err != nil {
		return err
	}
	for i, k := range t.st.keys {
		if k.DeviceID == deviceID && k.IsActive {
			stamp := at
			k.IsActive = false
			k.DeactivatedAt = &stamp
			t.st.keys[i] = k
		}
	}
	return nil
}

func (t *tx) MaxKeyVersion(ctx context.Context, deviceID uuid.UUID) (int, error) {
	if err := t.fault("MaxKeyVersion"); err != nil {
		return 0, err
	}
	maxVersion := 0
	for _, k := range t.st.keys {
		if k.DeviceID == deviceID && k.KeyVersion > maxVersion {
			maxVersion = k.KeyVersion
		}
	}
	return maxVersion, nil
}

func (t *tx) InsertKey(ctx context.Context, key models.DeviceKey) error {
	if err := t.write("InsertKey"); err != nil {
		return err
	}
	for _, k := range t.st.keys {
		if k.DeviceID != key.DeviceID {
			continue
		}
		if k.KeyVersion == key.KeyVersion || (k.IsActive && key.IsActive) {
			return store.ErrConflict
		}
	}
	t.st.keys = append(t.st.keys, key)
	return nil
}

// Dedupe and journal.

func (t *tx) MaxAppliedSeq(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	if err := t.fault("MaxAppliedSeq"); err != nil {
		return 0, err
	}
	var maxSeq int64
	for _, rec := range t.st.dedupe {
		if rec.DeviceID != deviceID {
			continue
		}
		if rec.Status != models.OutcomeAccepted && rec.Status != models.OutcomeConflict {
			continue
		}
		if rec.DeviceSeq > maxSeq {
			maxSeq = rec.DeviceSeq
		}
	}
	return maxSeq, nil
}

func (t *tx) ReserveDedupe(ctx context.Context, rec models.DedupeRecord) (bool, error) {
	if err := t.write("ReserveDedupe"); err != nil {
		return false, err
	}
	if _, ok := t.st.dedupe[rec.EventID]; ok {
		return false, nil
	}
	for _, existing := range t.st.dedupe {
		if existing.IdempotencyKey == rec.IdempotencyKey {
			return false, nil
		}
		if existing.DeviceID == rec.DeviceID && existing.DeviceSeq == rec.DeviceSeq && existing.Status != models.OutcomeRejected {
			return false, nil
		}
	}
	rec.CreatedAt = t.now
	rec.UpdatedAt = t.now
	t.st.dedupe[rec.EventID] = rec
	return true, nil
}

func (t *tx) FindDedupe(ctx context.Context, eventID uuid.UUID, idempotencyKey string, deviceID uuid.UUID, deviceSeq int64) (models.DedupeRecord, error) {
	if err := t.fault("FindDedupe"); err != nil {
		return models.DedupeRecord{}, err
	}
	if rec, ok := t.st.dedupe[eventID]; ok {
		return rec, nil
	}
	for _, rec := range t.st.dedupe {
		if rec.IdempotencyKey == idempotencyKey {
			return rec, nil
		}
	}
	for _, rec := range t.st.dedupe {
		if rec.DeviceID == deviceID && rec.DeviceSeq == deviceSeq && rec.Status != models.OutcomeRejected {
			return rec, nil
		}
	}
	return models.DedupeRecord{}, store.ErrNotFound
}

func (t *tx) FinalizeDedupe(ctx context.Context, eventID uuid.UUID, status string, code string, ack []byte, at time.Time) error {
	if err := t.write("FinalizeDedupe"); err != nil {
		return err
	}
	rec, ok := t.st.dedupe[eventID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	rec.Code = code
	rec.Ack = append([]byte(nil), ack...)
	rec.UpdatedAt = at
	t.st.dedupe[eventID] = rec
	return nil
}

func (t *tx) AppendJournal(ctx context.Context, entry models.JournalEntry) (models.JournalEntry, error) {
	if err := t.write("AppendJournal"); err != nil {
		return models.JournalEntry{}, err
	}
	if entry.JournalID == uuid.Nil {
		entry.JournalID = uuid.New()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = t.now
	}
	t.st.journal = append(t.st.journal, entry)
	return entry, nil
}

func (t *tx) UpdateJournal(ctx context.Context, journalID uuid.UUID, status string, code string, orderID *uuid.UUID, conflictID *uuid.UUID, at time.Time) error {
	if err := t.write("UpdateJournal"); err != nil {
		return err
	}
	for i, e := range t.st.journal {
		if e.JournalID != journalID {
			continue
		}
		processed := at
		e.Status = status
		e.Code = code
		e.OrderID = orderID
		e.ConflictID = conflictID
		e.ProcessedAt = &processed
		t.st.journal[i] = e
		return nil
	}
	return store.ErrNotFound
}

// Audit trails.

func (t *tx) InsertSecurityAudit(ctx context.Context, entry models.SecurityAuditLog) error {
	if err := t.write("InsertSecurityAudit"); err != nil {
		return err
	}
	if entry.AuditID == uuid.Nil {
		entry.AuditID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now
	}
	t.st.securityAudits = append(t.st.securityAudits, entry)
	return nil
}

func (t *tx) InsertPriceAudit(ctx context.Context, entry models.PriceChangeAudit) error {
	if err := t.write("InsertPriceAudit"); err != nil {
		return err
	}
	if entry.AuditID == uuid.Nil {
		entry.AuditID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now
	}
	t.st.priceAudits = append(t.st.priceAudits, entry)
	return nil
}

// Conflicts and reconciliation tasks.

func (t *tx) InsertConflict(ctx context.Context, conflict models.Conflict) (models.Conflict, error) {
	if err := t.write("InsertConflict"); err != nil {
		return models.Conflict{}, err
	}
	if conflict.ConflictID == uuid.Nil {
		conflict.ConflictID = uuid.New()
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = t.now
	}
	conflict.UpdatedAt = conflict.CreatedAt
	if conflict.Status == "" {
		conflict.Status = models.ConflictOpen
	}
	t.st.conflicts[conflict.ConflictID] = conflict
	return conflict, nil
}

func (t *tx) LockConflict(ctx context.Context, conflictID uuid.UUID) (models.Conflict, error) {
	if err := t.fault("LockConflict"); err != nil {
		return models.Conflict{}, err
	}
	c, ok := t.st.conflicts[conflictID]
	if !ok {
		return models.Conflict{}, store.ErrNotFound
	}
	return c, nil
}

func (t *tx) CloseConflict(ctx context.Context, conflict models.Conflict) error {
	if err := t.write("CloseConflict"); err != nil {
		return err
	}
	existing, ok := t.st.conflicts[conflict.ConflictID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = conflict.Status
	existing.Resolution = conflict.Resolution
	existing.ResolvedBy = conflict.ResolvedBy
	existing.ResolvedAt = conflict.ResolvedAt
	existing.UpdatedAt = t.now
	if conflict.ResolvedAt != nil {
		existing.UpdatedAt = *conflict.ResolvedAt
	}
	t.st.conflicts[conflict.ConflictID] = existing
	return nil
}

func (t *tx) ListConflicts(ctx context.Context, branchID uuid.UUID, status string, limit int) ([]models.Conflict, error) {
	if err := t.fault("ListConflicts"); err != nil {
		return nil, err
	}
	out := make([]models.Conflict, 0)
	for _, c := range t.st.conflicts {
		if c.BranchID != branchID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ConflictID.String() < out[j].ConflictID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertReconciliationTask(ctx context.Context, task models.ReconciliationTask) (models.ReconciliationTask, error) {
	if err := t.write("InsertReconciliationTask"); err != nil {
		return models.ReconciliationTask{}, err
	}
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = t.now
	}
	if task.Status == "" {
		task.Status = models.TaskOpen
	}
	t.st.tasks = append(t.st.tasks, task)
	return task, nil
}

func (t *tx) CompleteReconciliationTasks(ctx context.Context, conflictID uuid.UUID, at time.Time) (int, error) {
	if err := t.write("CompleteReconciliationTasks"); err != nil {
		return 0, err
	}
	n := 0
	for i, task := range t.st.tasks {
		if task.ConflictID == nil || *task.ConflictID != conflictID || task.Status != models.TaskOpen {
			continue
		}
		done := at
		task.Status = models.TaskDone
		task.CompletedAt = &done
		t.st.tasks[i] = task
		n++
	}
	return n, nil
}

// Catalog, stock and prices.

func (t *tx) FindProduct(ctx context.Context, ref models.ProductRef) (models.Product, error) {
	if err := t.fault("FindProduct"); err != nil {
		return models.Product{}, err
	}
	if ref.ProductID != nil {
		if p, ok := t.st.products[*ref.ProductID]; ok {
			return p, nil
		}
		return models.Product{}, store.ErrNotFound
	}
	for _, p := range t.st.products {
		if ref.SKU != "" && strings.EqualFold(p.SKU, ref.SKU) {
			return p, nil
		}
	}
	for _, p := range t.st.products {
		if ref.Barcode != "" && p.Barcode == ref.Barcode {
			return p, nil
		}
	}
	return models.Product{}, store.ErrNotFound
}

func (t *tx) EffectivePrice(ctx context.Context, branchID uuid.UUID, productID uuid.UUID) (models.PriceState, error) {
	if err := t.fault("EffectivePrice"); err != nil {
		return models.PriceState{}, err
	}
	if o, ok := t.st.overrides[stockKey{branch: branchID, product: productID}]; ok {
		return models.PriceState{BranchID: branchID, ProductID: productID, Scope: models.PriceScopeBranch, Price: o.Price, Version: o.Version, Exists: true}, nil
	}
	p, ok := t.st.products[productID]
	if !ok {
		return models.PriceState{}, store.ErrNotFound
	}
	return models.PriceState{BranchID: branchID, ProductID: productID, Scope: models.PriceScopeGlobal, Price: p.BasePrice, Version: p.PriceVersion, Exists: true}, nil
}

func (t *tx) LockStock(ctx context.Context, branchID uuid.UUID, productID uuid.UUID) (models.StockCounter, error) {
	if err := t.fault("LockStock"); err != nil {
		return models.StockCounter{}, err
	}
	if s, ok := t.st.stock[stockKey{branch: branchID, product: productID}]; ok {
		return models.StockCounter{BranchID: branchID, ProductID: productID, Scope: models.StockScopeBranch, Quantity: s.quantity}, nil
	}
	p, ok := t.st.products[productID]
	if !ok {
		return models.StockCounter{}, store.ErrNotFound
	}
	return models.StockCounter{BranchID: branchID, ProductID: productID, Scope: models.StockScopeGlobal, Quantity: p.Stock}, nil
}

func (t *tx) SetStock(ctx context.Context, counter models.StockCounter, at time.Time) error {
	if err := t.write("SetStock"); err != nil {
		return err
	}
	if counter.Quantity < 0 {
		return fmt.Errorf("memstore: negative stock %d", counter.Quantity)
	}
	if counter.Scope == models.StockScopeBranch {
		t.st.stock[stockKey{branch: counter.BranchID, product: counter.ProductID}] = branchStock{quantity: counter.Quantity, updatedAt: at}
		return nil
	}
	p, ok := t.st.products[counter.ProductID]
	if !ok {
		return store.ErrNotFound
	}
	p.Stock = counter.Quantity
	t.st.products[counter.ProductID] = p
	return nil
}

func (t *tx) InsertLedger(ctx context.Context, entry models.InventoryLedgerEntry) (models.InventoryLedgerEntry, error) {
	if err := t.write("InsertLedger"); err != nil {
		return models.InventoryLedgerEntry{}, err
	}
	if entry.EntryID == uuid.Nil {
		entry.EntryID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now
	}
	t.st.ledger = append(t.st.ledger, entry)
	return entry, nil
}

func (t *tx) LockPrice(ctx context.Context, branchID uuid.UUID, productID uuid.UUID, scope string) (models.PriceState, error) {
	if err := t.fault("LockPrice"); err != nil {
		return models.PriceState{}, err
	}
	p, ok := t.st.products[productID]
	if !ok {
		return models.PriceState{}, store.ErrNotFound
	}
	if scope == models.PriceScopeGlobal {
		return models.PriceState{BranchID: branchID, ProductID: productID, Scope: scope, Price: p.BasePrice, Version: p.PriceVersion, Exists: true}, nil
	}
	if o, ok := t.st.overrides[stockKey{branch: branchID, product: productID}]; ok {
		return models.PriceState{BranchID: branchID, ProductID: productID, Scope: scope, Price: o.Price, Version: o.Version, Exists: true}, nil
	}
	return models.PriceState{BranchID: branchID, ProductID: productID, Scope: scope, Price: p.BasePrice}, nil
}

func (t *tx) SavePrice(ctx context.Context, s models.PriceState, at time.Time) error {
	if err := t.write("SavePrice"); err != nil {
		return err
	}
	p, ok := t.st.products[s.ProductID]
	if !ok {
		return store.ErrNotFound
	}
	if s.Scope == models.PriceScopeGlobal {
		p.BasePrice = s.Price
		p.PriceVersion = s.Version
		p.UpdatedAt = at
		t.st.products[s.ProductID] = p
		return nil
	}
	t.st.overrides[stockKey{branch: s.BranchID, product: s.ProductID}] = models.PriceOverride{
		BranchID:  s.BranchID,
		ProductID: s.ProductID,
		Price:     s.Price,
		Version:   s.Version,
		UpdatedAt: at,
	}
	return nil
}

// Orders.

func (t *tx) FindOrderByClientOrderID(ctx context.Context, branchID uuid.UUID, clientOrderID string) (models.Order, error) {
	if err := t.fault("FindOrderByClientOrderID"); err != nil {
		return models.Order{}, err
	}
	for _, o := range t.st.orders {
		if o.BranchID == branchID && o.ClientOrderID == clientOrderID {
			return cloneOrder(o), nil
		}
	}
	return models.Order{}, store.ErrNotFound
}

func (t *tx) NextOrderNumber(ctx context.Context, branchID uuid.UUID) (string, error) {
	if err := t.write("NextOrderNumber"); err != nil {
		return "", err
	}
	t.st.orderSeq[branchID]++
	return fmt.Sprintf("ORD-%06d", t.st.orderSeq[branchID]), nil
}

func (t *tx) InsertOrder(ctx context.Context, order models.Order) (models.Order, error) {
	if err := t.write("InsertOrder"); err != nil {
		return models.Order{}, err
	}
	for _, o := range t.st.orders {
		if o.BranchID == order.BranchID && order.ClientOrderID != "" && o.ClientOrderID == order.ClientOrderID {
			return models.Order{}, store.ErrConflict
		}
	}
	if order.OrderID == uuid.Nil {
		order.OrderID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = t.now
	}
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		if order.Items[i].ItemID == uuid.Nil {
			order.Items[i].ItemID = uuid.New()
		}
		order.Items[i].OrderID = order.OrderID
	}
	t.st.orders[order.OrderID] = cloneOrder(order)
	return order, nil
}

func (t *tx) LockOrder(ctx context.Context, branchID uuid.UUID, orderID uuid.UUID) (models.Order, error) {
	if err := t.fault("LockOrder"); err != nil {
		return models.Order{}, err
	}
	o, ok := t.st.orders[orderID]
	if !ok || o.BranchID != branchID {
		return models.Order{}, store.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string, at time.Time) error {
	if err := t.write("UpdateOrderStatus"); err != nil {
		return err
	}
	o, ok := t.st.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	t.st.orders[orderID] = o
	return nil
}

func cloneOrder(o models.Order) models.Order {
	o.Items = cloneSlice(o.Items)
	return o
}

// Cursors.

func (t *tx) GetCursors(ctx context.Context, deviceID uuid.UUID, branchID uuid.UUID) (map[string]models.StreamCursor, error) {
	if err := t.fault("GetCursors"); err != nil {
		return nil, err
	}
	out := map[string]models.StreamCursor{}
	for k, v := range t.st.cursors {
		if k.device == deviceID && k.branch == branchID {
			out[k.stream] = v
		}
	}
	return out, nil
}

func (t *tx) AdvanceCursor(ctx context.Context, deviceID uuid.UUID, branchID uuid.UUID, stream string, cursor models.StreamCursor) error {
	if err := t.write("AdvanceCursor"); err != nil {
		return err
	}
	k := cursorKey{device: deviceID, branch: branchID, stream: stream}
	if current, ok := t.st.cursors[k]; ok && !current.Before(cursor) {
		return nil
	}
	t.st.cursors[k] = cursor
	return nil
}

// Outbox.

func (t *tx) EnqueueOutbox(ctx context.Context, event models.OutboxEvent) error {
	if err := t.write("EnqueueOutbox"); err != nil {
		return err
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = "pending"
	}
	event.CreatedAt = t.now
	event.UpdatedAt = t.now
	t.st.outbox = append(t.st.outbox, event)
	return nil
}
