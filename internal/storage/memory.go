package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chorebot/internal/chore"
)

// memStore is a non-durable Store used by tests and dry runs. It applies the
// same semantics as the SQLite store, including pause filtering and the
// active-instance exclusion in DueDefinitions.
type memStore struct {
	mu        sync.Mutex
	nextDefID int64
	defs      map[int64]*chore.Definition
	insts     map[string]*chore.Instance
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		defs:  map[int64]*chore.Definition{},
		insts: map[string]*chore.Instance{},
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) CreateDefinition(_ context.Context, d *chore.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.defs {
		if ex.OwnerID == d.OwnerID && ex.Name == d.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
		}
	}
	m.nextDefID++
	d.ID = m.nextDefID
	cp := *d
	m.defs[d.ID] = &cp
	return nil
}

func (m *memStore) GetDefinition(_ context.Context, owner int64, name string) (*chore.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.OwnerID == owner && d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (m *memStore) GetDefinitionByID(_ context.Context, id int64) (*chore.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: definition %d", ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDefinitions(_ context.Context, owner int64) ([]*chore.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*chore.Definition
	for _, d := range m.defs {
		if d.OwnerID == owner {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(out[j].NextFireAt) })
	return out, nil
}

func (m *memStore) DueDefinitions(_ context.Context, asOf time.Time) ([]*chore.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*chore.Definition
	for _, d := range m.defs {
		if d.NextFireAt.After(asOf) {
			continue
		}
		if !d.PausedUntil.IsZero() && d.PausedUntil.After(asOf) {
			continue
		}
		if m.activeLocked(d.ID) != nil {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(out[j].NextFireAt) })
	return out, nil
}

func (m *memStore) PauseDefinition(_ context.Context, owner int64, name string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.defs {
		if d.OwnerID == owner && d.Name == name {
			d.PausedUntil = until
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (m *memStore) DeleteDefinition(_ context.Context, owner int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.defs {
		if d.OwnerID == owner && d.Name == name {
			delete(m.defs, id)
			for iid, inst := range m.insts {
				if inst.DefinitionID == id {
					delete(m.insts, iid)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (m *memStore) UpsertInstance(_ context.Context, inst *chore.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.insts[inst.ID] = &cp
	return nil
}

func (m *memStore) CompleteCycle(_ context.Context, inst *chore.Instance, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[inst.DefinitionID]
	if !ok {
		return fmt.Errorf("%w: definition %d", ErrNotFound, inst.DefinitionID)
	}
	cp := *inst
	m.insts[inst.ID] = &cp
	d.NextFireAt = next
	return nil
}

func (m *memStore) GetInstance(_ context.Context, id string) (*chore.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[id]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	cp := *inst
	return &cp, nil
}

func (m *memStore) SetInstanceMessage(_ context.Context, instanceID string, slot MessageSlot, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[instanceID]
	if !ok {
		return fmt.Errorf("%w: instance %s", ErrNotFound, instanceID)
	}
	if slot == SlotVerify {
		inst.VerifyMsgID = messageID
	} else {
		inst.ReminderMsgID = messageID
	}
	return nil
}

func (m *memStore) ActiveInstance(_ context.Context, defID int64) (*chore.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst := m.activeLocked(defID); inst != nil {
		cp := *inst
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) activeLocked(defID int64) *chore.Instance {
	for _, inst := range m.insts {
		if inst.DefinitionID == defID && !inst.State.Terminal() {
			return inst
		}
	}
	return nil
}

func (m *memStore) DueInstances(_ context.Context, asOf time.Time) ([]*chore.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*chore.Instance
	for _, inst := range m.insts {
		if inst.State.Terminal() || inst.DueAt.After(asOf) {
			continue
		}
		if d, ok := m.defs[inst.DefinitionID]; ok && !d.PausedUntil.IsZero() && d.PausedUntil.After(asOf) {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *memStore) PruneVerified(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, inst := range m.insts {
		if inst.State.Terminal() && !inst.ResolvedAt.IsZero() && inst.ResolvedAt.Before(before) {
			delete(m.insts, id)
			n++
		}
	}
	return n, nil
}
