package settlement

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]*Ledger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]*Ledger)}
}

func (m *MemoryStore) Create(ctx context.Context, ledger *Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ledger
	m.ledgers[ledger.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, ledger *Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledgers[ledger.ID]; !ok {
		return ErrLedgerNotFound
	}
	cp := *ledger
	m.ledgers[ledger.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.ledgers[id]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) FindByIDOrReference(ctx context.Context, id, reference string) (*Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id != "" {
		if l, ok := m.ledgers[id]; ok {
			cp := *l
			return &cp, nil
		}
	}
	if reference != "" {
		for _, l := range m.ledgers {
			if l.Reference == reference {
				cp := *l
				return &cp, nil
			}
		}
	}
	return nil, ErrLedgerNotFound
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Ledger
	for _, l := range m.ledgers {
		if !matches(l, filter) {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matches(l *Ledger, f Filter) bool {
	if f.Account != "" && l.Buyer != f.Account && l.Seller != f.Account {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.TrackingID != "" && l.TrackingID != f.TrackingID {
		return false
	}
	if f.Hash != "" && l.Hash != f.Hash {
		return false
	}
	if f.Reference != "" && l.Reference != f.Reference {
		return false
	}
	return true
}

func (m *MemoryStore) TrackingIDExists(ctx context.Context, trackingID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.ledgers {
		if l.TrackingID == trackingID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HashExists(ctx context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.ledgers {
		if l.Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Analytics(ctx context.Context, accountID string) (*Analytics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := &Analytics{}
	for _, l := range m.ledgers {
		if l.Buyer != accountID && l.Seller != accountID {
			continue
		}
		a.TotalTransactions++
		if l.Seller == accountID && l.Status == StatusCompleted {
			a.TotalSales += l.Amount
		}
	}
	return a, nil
}
