package storage

import (
	"context"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
)

// RecordStore persists emergency records. Records are never deleted.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *models.EmergencyRecord) error
	GetRecord(ctx context.Context, id string) (*models.EmergencyRecord, error)
	// UpdateRecord commits r only if the stored version still equals
	// expectedVersion; otherwise it fails with a Conflict error and the
	// stored record is untouched.
	UpdateRecord(ctx context.Context, r *models.EmergencyRecord, expectedVersion int64) error
	ListRecords(ctx context.Context, f RecordFilter) ([]models.EmergencyRecord, int, error)
}

// RecordFilter narrows ListRecords. Zero values mean "any".
type RecordFilter struct {
	ReporterID    string
	Status        models.Status
	CreatedBefore time.Time
	Limit         int
}

// ProfileStore holds users and their medical profiles.
type ProfileStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetMedicalProfile(ctx context.Context, userID string) (*models.MedicalProfile, error)
	GetMedicalProfileByID(ctx context.Context, id string) (*models.MedicalProfile, error)
	UpsertMedicalProfile(ctx context.Context, p *models.MedicalProfile) error
}

const defaultListLimit = 100

func (f RecordFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultListLimit
	}
	return f.Limit
}
