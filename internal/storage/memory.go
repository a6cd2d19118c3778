package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
)

// MemoryStore implements RecordStore and ProfileStore in process. Values are
// copied in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]models.EmergencyRecord
	users    map[string]models.User
	profiles map[string]models.MedicalProfile // by user id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]models.EmergencyRecord),
		users:    make(map[string]models.User),
		profiles: make(map[string]models.MedicalProfile),
	}
}

func (m *MemoryStore) CreateRecord(ctx context.Context, r *models.EmergencyRecord) error {
	const op = "storage.CreateRecord"
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return apperr.E(apperr.KindConflict, op, "record %s already exists", r.ID)
	}
	m.records[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (*models.EmergencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "storage.GetRecord", "record %s not found", id)
	}
	return &r, nil
}

func (m *MemoryStore) UpdateRecord(ctx context.Context, r *models.EmergencyRecord, expectedVersion int64) error {
	const op = "storage.UpdateRecord"
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[r.ID]
	if !ok {
		return apperr.E(apperr.KindNotFound, op, "record %s not found", r.ID)
	}
	if cur.Version != expectedVersion {
		return &apperr.Error{
			Kind:          apperr.KindConflict,
			Op:            op,
			Message:       "record was modified concurrently",
			CurrentStatus: cur.Status,
		}
	}
	m.records[r.ID] = *r
	return nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, f RecordFilter) ([]models.EmergencyRecord, int, error) {
	m.mu.RLock()
	out := make([]models.EmergencyRecord, 0)
	for _, r := range m.records {
		if f.ReporterID != "" && r.ReporterID != f.ReporterID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, total, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return apperr.E(apperr.KindConflict, "storage.CreateUser", "user %s already exists", u.ID)
	}
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "storage.GetUser", "user %s not found", id)
	}
	return &u, nil
}

func (m *MemoryStore) GetMedicalProfile(ctx context.Context, userID string) (*models.MedicalProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "storage.GetMedicalProfile", "no medical profile for user %s", userID)
	}
	return copyProfile(p), nil
}

func (m *MemoryStore) GetMedicalProfileByID(ctx context.Context, id string) (*models.MedicalProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if p.ID == id {
			return copyProfile(p), nil
		}
	}
	return nil, apperr.E(apperr.KindNotFound, "storage.GetMedicalProfileByID", "medical profile %s not found", id)
}

// UpsertMedicalProfile keeps the existing profile id for a user so records
// that reference it stay linked.
func (m *MemoryStore) UpsertMedicalProfile(ctx context.Context, p *models.MedicalProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.UserID]; !ok {
		return apperr.E(apperr.KindNotFound, "storage.UpsertMedicalProfile", "user %s not found", p.UserID)
	}
	if cur, ok := m.profiles[p.UserID]; ok {
		p.ID = cur.ID
	}
	m.profiles[p.UserID] = *copyProfile(*p)
	return nil
}

func copyProfile(p models.MedicalProfile) *models.MedicalProfile {
	p.Conditions = cloneStrings(p.Conditions)
	p.Allergies = cloneStrings(p.Allergies)
	p.Medications = cloneStrings(p.Medications)
	p.EmergencyContacts = cloneStrings(p.EmergencyContacts)
	return &p
}

// cloneStrings never returns nil so lists encode as [] rather than null.
func cloneStrings(s []string) []string {
	return append(make([]string, 0, len(s)), s...)
}
