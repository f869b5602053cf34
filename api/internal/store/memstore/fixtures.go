package memstore

import (
	"sort"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
)

// Seeding and inspection helpers. They bypass transactions and are meant
// for tests and local fixtures.

func (m *Store) PutBranch(s models.BranchSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.clock.Now()
	}
	m.state.branches[s.BranchID] = cloneSettings(s)
}

func (m *Store) PutSection(s models.Section) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.clock.Now()
	}
	m.state.sections[s.SectionID] = s
}

func (m *Store) PutProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = m.clock.Now()
	}
	m.state.products[p.ProductID] = p
}

func (m *Store) PutBranchStock(branchID uuid.UUID, productID uuid.UUID, quantity int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.stock[stockKey{branch: branchID, product: productID}] = branchStock{quantity: quantity, updatedAt: m.clock.Now()}
}

func (m *Store) PutOverride(o models.PriceOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = m.clock.Now()
	}
	m.state.overrides[stockKey{branch: o.BranchID, product: o.ProductID}] = o
}

func (m *Store) PutDevice(d models.Device, key models.DeviceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
		d.UpdatedAt = now
	}
	m.state.devices[d.DeviceID] = d
	if key.Secret != "" {
		if key.CreatedAt.IsZero() {
			key.CreatedAt = now
		}
		key.DeviceID = d.DeviceID
		m.state.keys = append(m.state.keys, key)
	}
}

func (m *Store) Device(id uuid.UUID) (models.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.devices[id]
	return d, ok
}

func (m *Store) Keys(deviceID uuid.UUID) []models.DeviceKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeviceKey
	for _, k := range m.state.keys {
		if k.DeviceID == deviceID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyVersion < out[j].KeyVersion })
	return out
}

func (m *Store) Product(id uuid.UUID) (models.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.products[id]
	return p, ok
}

func (m *Store) BranchStock(branchID uuid.UUID, productID uuid.UUID) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.stock[stockKey{branch: branchID, product: productID}]
	return s.quantity, ok
}

func (m *Store) Override(branchID uuid.UUID, productID uuid.UUID) (models.PriceOverride, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.overrides[stockKey{branch: branchID, product: productID}]
	return o, ok
}

func (m *Store) Orders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, 0, len(m.state.orders))
	for _, o := range m.state.orders {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}

func (m *Store) Conflicts() []models.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Conflict, 0, len(m.state.conflicts))
	for _, c := range m.state.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Store) Tasks() []models.ReconciliationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSlice(m.state.tasks)
}

func (m *Store) Ledger() []models.InventoryLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSlice(m.state.ledger)
}

func (m *Store) Journal() []models.JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSlice(m.state.journal)
}

func (m *Store) Dedupe(eventID uuid.UUID) (models.DedupeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.state.dedupe[eventID]
	return rec, ok
}

func (m *Store) SecurityAudits() []models.SecurityAuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSlice(m.state.securityAudits)
}

func (m *Store) PriceAudits() []models.PriceChangeAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSlice(m.state.priceAudits)
}

func (m *Store) Outbox() []models.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSlice(m.state.outbox)
}

func (m *Store) Cursors(deviceID uuid.UUID, branchID uuid.UUID) map[string]models.StreamCursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]models.StreamCursor{}
	for k, v := range m.state.cursors {
		if k.device == deviceID && k.branch == branchID {
			out[k.stream] = v
		}
	}
	return out
}
