package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/marketsync/internal/ir"
)

// Operation names accepted by Memory.FailNext and reported to hooks.
const (
	OpListAll          = "list_all"
	OpListChangedSince = "list_changed_since"
	OpCreate           = "create"
	OpUpdate           = "update"
	OpDelete           = "delete"
	OpGetByIDs         = "get_by_ids"
)

// Memory is an in-process Authority.
//
// It issues ids "srv-1", "srv-2", ... and stamps every write with the
// injected clock. Failures can be queued per operation, and a BeforeReturn
// hook runs after an operation took effect but before it returns, which is
// how tests stage races against in-flight requests.
//
// Thread-safety: Memory is safe for concurrent use. The hook runs without
// the internal lock held.
type Memory struct {
	mu           sync.Mutex
	clock        Clock
	nextID       int
	seq          int64
	collections  map[string]map[string]*memRecord
	failures     map[string][]error
	calls        map[string]int
	beforeReturn func(op, collection string)
}

type memRecord struct {
	entity   ir.Entity
	modified time.Time
	seq      int64
}

// NewMemory creates an empty authority. A nil clock uses time.Now.
func NewMemory(clock Clock) *Memory {
	if clock == nil {
		clock = systemClock{}
	}
	return &Memory{
		clock:       clock,
		collections: make(map[string]map[string]*memRecord),
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Put writes e server-side (another client or an admin edit) and stamps
// its modification time.
func (m *Memory) Put(collection string, e ir.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(collection, e.Clone())
	return nil
}

// Remove deletes an entity server-side without going through Delete.
func (m *Memory) Remove(collection, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collections[collection]
	if _, ok := coll[id]; !ok {
		return false
	}
	delete(coll, id)
	return true
}

// Entity returns a copy of the server's entity.
func (m *Memory) Entity(collection, id string) (ir.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.collections[collection][id]
	if !ok {
		return nil, false
	}
	return rec.entity.Clone(), true
}

// Entities returns copies of every server entity sorted by id.
func (m *Memory) Entities(collection string) []ir.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ir.Entity, 0, len(m.collections[collection]))
	for _, rec := range m.collections[collection] {
		out = append(out, rec.entity.Clone())
	}
	ir.SortEntities(out)
	return out
}

// FailNext queues err as the result of the next call to op.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetBeforeReturn installs a hook run after each successful operation
// takes effect. Pass nil to remove it.
func (m *Memory) SetBeforeReturn(fn func(op, collection string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeReturn = fn
}

// Calls returns how many times op was invoked, failures included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) ListAll(ctx context.Context, collection string) ([]ir.Entity, error) {
	out, err := m.list(ctx, OpListAll, collection, func(*memRecord) bool { return true })
	if err != nil {
		return nil, err
	}
	ir.SortEntities(out)
	return out, nil
}

func (m *Memory) ListChangedSince(ctx context.Context, collection string, since time.Time) ([]ir.Entity, error) {
	return m.list(ctx, OpListChangedSince, collection, func(r *memRecord) bool {
		return !r.modified.Before(since)
	})
}

func (m *Memory) list(ctx context.Context, op, collection string, keep func(*memRecord) bool) ([]ir.Entity, error) {
	m.mu.Lock()
	if err := m.beginLocked(ctx, op); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var recs []*memRecord
	for _, rec := range m.collections[collection] {
		if keep(rec) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].modified.Equal(recs[j].modified) {
			return recs[i].modified.Before(recs[j].modified)
		}
		return recs[i].seq < recs[j].seq
	})
	out := make([]ir.Entity, len(recs))
	for i, rec := range recs {
		out[i] = rec.entity.Clone()
	}
	hook := m.beforeReturn
	m.mu.Unlock()

	runHook(hook, op, collection)
	return out, nil
}

func (m *Memory) Create(ctx context.Context, collection string, draft ir.IRObject) (ir.Entity, error) {
	m.mu.Lock()
	if err := m.beginLocked(ctx, OpCreate); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nextID++
	e := ir.NewEntity(fmt.Sprintf("srv-%d", m.nextID), ir.Entity(draft).WithoutID())
	m.putLocked(collection, e)
	out := e.Clone()
	hook := m.beforeReturn
	m.mu.Unlock()

	runHook(hook, OpCreate, collection)
	return out, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, patch ir.Patch) (ir.Entity, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if err := m.beginLocked(ctx, OpUpdate); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	rec, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	updated := ir.ApplyPatch(rec.entity, patch)
	m.putLocked(collection, updated)
	out := updated.Clone()
	hook := m.beforeReturn
	m.mu.Unlock()

	runHook(hook, OpUpdate, collection)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.beginLocked(ctx, OpDelete); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := m.collections[collection][id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	delete(m.collections[collection], id)
	hook := m.beforeReturn
	m.mu.Unlock()

	runHook(hook, OpDelete, collection)
	return nil
}

func (m *Memory) GetByIDs(ctx context.Context, collection string, ids []string) ([]ir.Entity, error) {
	for _, id := range ids {
		if err := checkID(id); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	if err := m.beginLocked(ctx, OpGetByIDs); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	out := make([]ir.Entity, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.collections[collection][id]; ok {
			out = append(out, rec.entity.Clone())
		}
	}
	hook := m.beforeReturn
	m.mu.Unlock()

	runHook(hook, OpGetByIDs, collection)
	return out, nil
}

// beginLocked counts the call and pops a queued failure. Caller holds m.mu.
func (m *Memory) beginLocked(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Memory) putLocked(collection string, e ir.Entity) {
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]*memRecord)
		m.collections[collection] = coll
	}
	m.seq++
	coll[e.ID()] = &memRecord{entity: e, modified: m.clock.Now(), seq: m.seq}
}

func runHook(hook func(op, collection string), op, collection string) {
	if hook != nil {
		hook(op, collection)
	}
}
