// Package hospitals is the facility index: where hospitals are and how much
// emergency capacity they have left.
package hospitals

import (
	"context"
	"math"
	"sync"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/models"
)

// Delta is a signed change to a hospital's counters.
type Delta struct {
	Beds       int `json:"beds"`
	Ambulances int `json:"ambulances"`
}

// Store answers facility lookups. AdjustCapacity applies a Delta atomically
// and fails with Conflict rather than let a counter go below zero.
type Store interface {
	Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.Hospital, error)
	Get(ctx context.Context, id string) (*models.Hospital, error)
	Put(ctx context.Context, h *models.Hospital) error
	AdjustCapacity(ctx context.Context, id string, d Delta) (*models.Hospital, error)
}

func validateNearby(center models.Coord, radiusMeters float64, limit int) error {
	const op = "hospitals.Nearby"
	if err := center.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	if !(radiusMeters > 0) || math.IsInf(radiusMeters, 0) {
		return apperr.E(apperr.KindInvalidArgument, op, "radius must be > 0, got %v", radiusMeters)
	}
	if limit < 0 {
		return apperr.E(apperr.KindInvalidArgument, op, "limit must be >= 0")
	}
	return nil
}

func validateHospital(h *models.Hospital) error {
	const op = "hospitals.Put"
	if h.ID == "" {
		return apperr.E(apperr.KindInvalidArgument, op, "hospital id is required")
	}
	if err := h.Loc.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	if h.BedsAvailable < 0 || h.AmbulancesAvailable < 0 {
		return apperr.E(apperr.KindInvalidArgument, op, "capacity counters must be >= 0")
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	hospitals map[string]models.Hospital
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hospitals: make(map[string]models.Hospital)}
}

func (m *MemoryStore) Put(ctx context.Context, h *models.Hospital) error {
	if err := validateHospital(h); err != nil {
		return err
	}
	cp := *h
	cp.DistanceMeters = 0
	cp.Specialties = append([]string(nil), h.Specialties...)
	m.mu.Lock()
	m.hospitals[h.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hospitals[id]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "hospitals.Get", "hospital %s not found", id)
	}
	return &h, nil
}

func (m *MemoryStore) Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.Hospital, error) {
	if err := validateNearby(center, radiusMeters, limit); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "hospitals.Nearby", err)
	}
	m.mu.RLock()
	cands := make([]models.Candidate, 0)
	byID := make(map[string]models.Hospital)
	for id, h := range m.hospitals {
		d := geo.Haversine(center.Lat, center.Lng, h.Loc.Lat, h.Loc.Lng)
		if d <= radiusMeters {
			h.DistanceMeters = d
			byID[id] = h
			cands = append(cands, models.Candidate{ID: id, DistanceMeters: d})
		}
	}
	m.mu.RUnlock()

	geo.SortCandidates(cands)
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]models.Hospital, 0, len(cands))
	for _, c := range cands {
		out = append(out, byID[c.ID])
	}
	return out, nil
}

func (m *MemoryStore) AdjustCapacity(ctx context.Context, id string, d Delta) (*models.Hospital, error) {
	const op = "hospitals.AdjustCapacity"
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hospitals[id]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, op, "hospital %s not found", id)
	}
	if h.BedsAvailable+d.Beds < 0 || h.AmbulancesAvailable+d.Ambulances < 0 {
		return nil, apperr.E(apperr.KindConflict, op, "hospital %s has insufficient capacity", id)
	}
	h.BedsAvailable += d.Beds
	h.AmbulancesAvailable += d.Ambulances
	m.hospitals[id] = h
	return &h, nil
}
