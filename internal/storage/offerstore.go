package storage

import (
	"context"
	"sync"

	"github.com/example/delivery-relay/internal/models"
)

// OfferStore persists urgent-order offers. SaveOffer is called once when an
// offer is created and UpdateOffer when it reaches a terminal state.
type OfferStore interface {
	SaveOffer(ctx context.Context, o *models.Offer) error
	UpdateOffer(ctx context.Context, o *models.Offer) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]models.Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]models.Offer)}
}

func (m *MemoryStore) SaveOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; ok {
		return nil
	}
	m.offers[o.ID] = *o
	return nil
}

// UpdateOffer never rewrites an offer that is already terminal.
func (m *MemoryStore) UpdateOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.offers[o.ID]; ok && cur.State.Terminal() {
		return nil
	}
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) Get(id string) (models.Offer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	return o, ok
}
