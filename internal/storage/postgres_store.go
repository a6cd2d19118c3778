package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
)

// PostgresStore implements RecordStore and ProfileStore on Postgres.
// Same-record serialization is the version predicate in UpdateRecord.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const recordColumns = `id, reporter_id, lat, lng, status, responder_note, medical_profile_id, responder_id, hospital_id, version, created_at, updated_at`

func (p *PostgresStore) CreateRecord(ctx context.Context, r *models.EmergencyRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO emergency_records(`+recordColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.ReporterID, r.Loc.Lat, r.Loc.Lng, r.Status, r.ResponderNote, r.MedicalProfileID, r.ResponderID, r.HospitalID, r.Version, r.CreatedAt, r.UpdatedAt)
	return classify("storage.CreateRecord", err)
}

func (p *PostgresStore) GetRecord(ctx context.Context, id string) (*models.EmergencyRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM emergency_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err != nil {
		return nil, classify("storage.GetRecord", err)
	}
	return r, nil
}

func (p *PostgresStore) UpdateRecord(ctx context.Context, r *models.EmergencyRecord, expectedVersion int64) error {
	const op = "storage.UpdateRecord"
	res, err := p.db.ExecContext(ctx, `UPDATE emergency_records
		SET status = $1, responder_note = $2, responder_id = $3, hospital_id = $4, version = $5, updated_at = $6
		WHERE id = $7 AND version = $8`,
		r.Status, r.ResponderNote, r.ResponderID, r.HospitalID, r.Version, r.UpdatedAt, r.ID, expectedVersion)
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 1 {
		return nil
	}
	var status models.Status
	err = p.db.QueryRowContext(ctx, `SELECT status FROM emergency_records WHERE id = $1`, r.ID).Scan(&status)
	if err != nil {
		return classify(op, err)
	}
	return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "record was modified concurrently", CurrentStatus: status}
}

func (p *PostgresStore) ListRecords(ctx context.Context, f RecordFilter) ([]models.EmergencyRecord, int, error) {
	const op = "storage.ListRecords"
	var (
		where []string
		args  []any
	)
	if f.ReporterID != "" {
		args = append(args, f.ReporterID)
		where = append(where, fmt.Sprintf("reporter_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM emergency_records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, classify(op, err)
	}

	args = append(args, f.limit())
	rows, err := p.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM emergency_records`+clause+
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, 0, classify(op, err)
	}
	defer rows.Close()
	out := make([]models.EmergencyRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, classify(op, err)
		}
		out = append(out, *r)
	}
	return out, total, classify(op, rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.EmergencyRecord, error) {
	var r models.EmergencyRecord
	err := s.Scan(&r.ID, &r.ReporterID, &r.Loc.Lat, &r.Loc.Lng, &r.Status, &r.ResponderNote,
		&r.MedicalProfileID, &r.ResponderID, &r.HospitalID, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(id, name, email, phone_number, role, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Name, u.Email, u.PhoneNumber, u.Role, u.CreatedAt)
	return classify("storage.CreateUser", err)
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := p.db.QueryRowContext(ctx, `SELECT id, name, email, phone_number, role, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.PhoneNumber, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, classify("storage.GetUser", err)
	}
	return &u, nil
}

const profileColumns = `id, user_id, blood_type, conditions, allergies, medications, emergency_contacts, updated_at`

func (p *PostgresStore) GetMedicalProfile(ctx context.Context, userID string) (*models.MedicalProfile, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM medical_profiles WHERE user_id = $1`, userID)
	mp, err := scanProfile(row)
	if err != nil {
		return nil, classify("storage.GetMedicalProfile", err)
	}
	return mp, nil
}

func (p *PostgresStore) GetMedicalProfileByID(ctx context.Context, id string) (*models.MedicalProfile, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM medical_profiles WHERE id = $1`, id)
	mp, err := scanProfile(row)
	if err != nil {
		return nil, classify("storage.GetMedicalProfileByID", err)
	}
	return mp, nil
}

// UpsertMedicalProfile keeps the first profile id a user was given; the
// RETURNING clause writes it back into mp.
func (p *PostgresStore) UpsertMedicalProfile(ctx context.Context, mp *models.MedicalProfile) error {
	err := p.db.QueryRowContext(ctx, `INSERT INTO medical_profiles(`+profileColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id) DO UPDATE SET
			blood_type = EXCLUDED.blood_type,
			conditions = EXCLUDED.conditions,
			allergies = EXCLUDED.allergies,
			medications = EXCLUDED.medications,
			emergency_contacts = EXCLUDED.emergency_contacts,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		mp.ID, mp.UserID, mp.BloodType, pq.Array(cloneStrings(mp.Conditions)), pq.Array(cloneStrings(mp.Allergies)),
		pq.Array(cloneStrings(mp.Medications)), pq.Array(cloneStrings(mp.EmergencyContacts)), mp.UpdatedAt).Scan(&mp.ID)
	return classify("storage.UpsertMedicalProfile", err)
}

func scanProfile(s scanner) (*models.MedicalProfile, error) {
	var mp models.MedicalProfile
	var conditions, allergies, medications, contacts pq.StringArray
	if err := s.Scan(&mp.ID, &mp.UserID, &mp.BloodType, &conditions, &allergies, &medications, &contacts, &mp.UpdatedAt); err != nil {
		return nil, err
	}
	mp.Conditions = cloneStrings(conditions)
	mp.Allergies = cloneStrings(allergies)
	mp.Medications = cloneStrings(medications)
	mp.EmergencyContacts = cloneStrings(contacts)
	return &mp, nil
}

// classify maps driver errors onto the apperr taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return apperr.Wrap(apperr.KindConflict, op, err)
		case "23503": // foreign_key_violation
			return apperr.Wrap(apperr.KindNotFound, op, err)
		case "23514", "22P02": // check_violation, invalid_text_representation
			return apperr.Wrap(apperr.KindInvalidArgument, op, err)
		}
	}
	return apperr.FromBackend(op, err, apperr.KindUnavailable)
}
