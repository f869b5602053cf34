// Package memstore is an in-memory store.Store. Transactions are serialised
// and work on a copy of the state that is swapped in on commit, so a failed
// transaction leaves nothing behind.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

type stockKey struct {
	branch  uuid.UUID
	product uuid.UUID
}

type cursorKey struct {
	device uuid.UUID
	branch uuid.UUID
	stream string
}

type branchStock struct {
	quantity  int64
	updatedAt time.Time
}

type state struct {
	branches       map[uuid.UUID]models.BranchSettings
	devices        map[uuid.UUID]models.Device
	keys           []models.DeviceKey
	dedupe         map[uuid.UUID]models.DedupeRecord
	journal        []models.JournalEntry
	securityAudits []models.SecurityAuditLog
	priceAudits    []models.PriceChangeAudit
	conflicts      map[uuid.UUID]models.Conflict
	tasks          []models.ReconciliationTask
	sections       map[uuid.UUID]models.Section
	products       map[uuid.UUID]models.Product
	stock          map[stockKey]branchStock
	overrides      map[stockKey]models.PriceOverride
	orders         map[uuid.UUID]models.Order
	orderSeq       map[uuid.UUID]int
	ledger         []models.InventoryLedgerEntry
	cursors        map[cursorKey]models.StreamCursor
	outbox         []models.OutboxEvent
}

func newState() *state {
	return &state{
		branches:  map[uuid.UUID]models.BranchSettings{},
		devices:   map[uuid.UUID]models.Device{},
		dedupe:    map[uuid.UUID]models.DedupeRecord{},
		conflicts: map[uuid.UUID]models.Conflict{},
		sections:  map[uuid.UUID]models.Section{},
		products:  map[uuid.UUID]models.Product{},
		stock:     map[stockKey]branchStock{},
		overrides: map[stockKey]models.PriceOverride{},
		orders:    map[uuid.UUID]models.Order{},
		orderSeq:  map[uuid.UUID]int{},
		cursors:   map[cursorKey]models.StreamCursor{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSlice[V any](in []V) []V {
	if in == nil {
		return nil
	}
	out := make([]V, len(in))
	copy(out, in)
	return out
}

func (s *state) clone() *state {
	return &state{
		branches:       cloneMap(s.branches),
		devices:        cloneMap(s.devices),
		keys:           cloneSlice(s.keys),
		dedupe:         cloneMap(s.dedupe),
		journal:        cloneSlice(s.journal),
		securityAudits: cloneSlice(s.securityAudits),
		priceAudits:    cloneSlice(s.priceAudits),
		conflicts:      cloneMap(s.conflicts),
		tasks:          cloneSlice(s.tasks),
		sections:       cloneMap(s.sections),
		products:       cloneMap(s.products),
		stock:          cloneMap(s.stock),
		overrides:      cloneMap(s.overrides),
		orders:         cloneMap(s.orders),
		orderSeq:       cloneMap(s.orderSeq),
		ledger:         cloneSlice(s.ledger),
		cursors:        cloneMap(s.cursors),
		outbox:         cloneSlice(s.outbox),
	}
}

// Store implements store.Store. The zero value is not usable; call New.
// txMu serialises transactions; mu only guards the committed state and
// faults, so reads from inside a transaction do not block on it.
type Store struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	state  *state
	clock  *Clock
	faults map[string]error
}

func New() *Store {
	return &Store{
		state:  newState(),
		clock:  NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		faults: map[string]error{},
	}
}

func (m *Store) Clock() *Clock { return m.clock }

// FailOn makes every later call of the named Tx method return err. A nil
// err clears the fault.
func (m *Store) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

func (m *Store) WithTx(ctx context.Context, opts store.TxOptions, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	t := &tx{
		st:     m.state.clone(),
		now:    m.clock.Now(),
		faults: cloneMap(m.faults),
		ro:     opts.ReadOnly,
	}
	m.mu.Unlock()

	if err := fn(t); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = t.st
	m.mu.Unlock()
	return nil
}

// LoadSettings lets the store act as the branch settings source. It reads
// committed state and is safe to call from inside WithTx.
func (m *Store) LoadSettings(ctx context.Context, branchID uuid.UUID) (models.BranchSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.branches[branchID]
	if !ok {
		return models.BranchSettings{}, store.ErrNotFound
	}
	return cloneSettings(s), nil
}

func cloneSettings(s models.BranchSettings) models.BranchSettings {
	s.OpenHours = cloneSlice(s.OpenHours)
	if s.Features != nil {
		s.Features = cloneMap(s.Features)
	}
	return s
}

// Clock is a manually advanced clock shared by the store and its callers.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
