// Package dispatch is the only writer of emergency records. It creates
// reports, attaches nearby responder candidates and the reporter's medical
// profile, applies status transitions and emits the resulting events.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/hospitals"
	"github.com/example/emergency-dispatch/internal/lifecycle"
	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/notify"
	"github.com/example/emergency-dispatch/internal/observability"
	"github.com/example/emergency-dispatch/internal/storage"
)

const (
	DefaultRadiusMeters   = 5000.0
	DefaultCandidateLimit = 10
	DefaultOpTimeout      = 3 * time.Second
)

// Engine wires the record store, geo index and publisher together.
// Hospitals is optional; without it hospital assignment is unavailable.
type Engine struct {
	Records   storage.RecordStore
	Profiles  storage.ProfileStore
	Geo       geo.Index
	Hospitals hospitals.Store
	Publisher notify.Publisher
	Log       *zap.SugaredLogger

	RadiusMeters   float64
	CandidateLimit int
	OpTimeout      time.Duration

	Now   func() time.Time
	NewID func() string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) log() *zap.SugaredLogger {
	if e.Log == nil {
		return logging.Nop()
	}
	return e.Log
}

func (e *Engine) radius() float64 {
	if e.RadiusMeters > 0 {
		return e.RadiusMeters
	}
	return DefaultRadiusMeters
}

func (e *Engine) limit() int {
	if e.CandidateLimit > 0 {
		return e.CandidateLimit
	}
	return DefaultCandidateLimit
}

// bounded applies OpTimeout when the caller set no deadline.
func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	d := e.OpTimeout
	if d <= 0 {
		d = DefaultOpTimeout
	}
	return context.WithTimeout(ctx, d)
}

func (e *Engine) publish(ctx context.Context, ev models.Event) {
	if e.Publisher == nil {
		return
	}
	// the write already committed; the caller going away must not stop the event
	if err := e.Publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.log().Warnw("event publish failed", "record", ev.RecordID, "type", ev.Type, "error", err)
	}
}

// CreateReport persists a new pending record for reporterID at loc and
// emits emergency.created with the responders found nearby. Finding no
// responders is not an error. Calling it twice creates two records.
func (e *Engine) CreateReport(ctx context.Context, reporterID string, loc models.Coord) (*models.EmergencyRecord, error) {
	const op = "dispatch.CreateReport"
	if reporterID == "" {
		return nil, apperr.E(apperr.KindInvalidArgument, op, "reporter id is required")
	}
	if err := loc.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var profileID string
	if e.Profiles != nil {
		mp, err := e.Profiles.GetMedicalProfile(ctx, reporterID)
		switch {
		case err == nil:
			profileID = mp.ID
		case apperr.KindOf(err) == apperr.KindNotFound:
		default:
			e.log().Warnw("medical profile lookup failed; reporting without it", "reporter", reporterID, "error", err)
		}
	}

	now := e.now()
	rec := &models.EmergencyRecord{
		ID:               e.newID(),
		ReporterID:       reporterID,
		Loc:              loc,
		Status:           models.StatusPending,
		MedicalProfileID: profileID,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := ctx.Err(); err != nil {
		observability.ReportFailures.WithLabelValues(string(apperr.KindUnavailable)).Inc()
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	if err := e.Records.CreateRecord(ctx, rec); err != nil {
		kind := apperr.KindReportCreationFailed
		if ctx.Err() != nil || apperr.KindOf(err) == apperr.KindUnavailable {
			kind = apperr.KindUnavailable
		}
		observability.ReportFailures.WithLabelValues(string(kind)).Inc()
		e.log().Errorw("report persistence failed", "reporter", reporterID, "error", err)
		return nil, &apperr.Error{Kind: kind, Op: op, Message: "emergency report was not saved; retry immediately", Err: err}
	}
	observability.ReportsCreated.Inc()

	cands := e.candidates(ctx, loc)
	observability.CandidatesFound.Observe(float64(len(cands)))
	e.log().Infow("emergency reported", "record", rec.ID, "reporter", reporterID, "candidates", len(cands))

	e.publish(ctx, models.Event{
		Type:         models.EventEmergencyCreated,
		RecordID:     rec.ID,
		ReporterID:   rec.ReporterID,
		NewStatus:    rec.Status,
		Loc:          rec.Loc,
		CandidateIDs: geo.IDs(cands),
		Version:      rec.Version,
		OccurredAt:   now,
	})
	out := *rec
	return &out, nil
}

// candidates is advisory: a failed lookup is logged and yields none.
func (e *Engine) candidates(ctx context.Context, loc models.Coord) []models.Candidate {
	if e.Geo == nil {
		return []models.Candidate{}
	}
	cands, err := e.Geo.Nearby(ctx, geo.Query{Center: loc, RadiusMeters: e.radius(), Kind: geo.KindResponder, Limit: e.limit()})
	if err != nil {
		e.log().Warnw("responder lookup failed", "error", err)
		return []models.Candidate{}
	}
	return cands
}

// UpdateRequest asks to move RecordID to Status on behalf of Actor. A nil
// Note keeps the existing note. HospitalID assigns a facility and is only
// accepted on a move to dispatched. ExpectedVersion, when set, must match
// the stored version.
type UpdateRequest struct {
	RecordID        string
	Actor           models.Actor
	Status          models.Status
	Note            *string
	HospitalID      string
	ExpectedVersion int64
}

// UpdateStatus applies one transition. The write is conditional on the
// version that was read, so of two concurrent callers exactly one wins and
// the other gets Conflict. Nothing is emitted unless the write commits.
func (e *Engine) UpdateStatus(ctx context.Context, req UpdateRequest) (*models.EmergencyRecord, error) {
	const op = "dispatch.UpdateStatus"
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	cur, err := e.Records.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	if err := e.checkUpdate(cur, req); err != nil {
		observability.Transitions.WithLabelValues(string(cur.Status), string(req.Status), string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	next := *cur
	next.Status = req.Status
	if req.Note != nil {
		next.ResponderNote = *req.Note
	}
	if next.ResponderID == "" {
		next.ResponderID = req.Actor.ID
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = e.now()

	reserved, err := e.assignHospital(ctx, cur, &next, req.HospitalID)
	if err != nil {
		return nil, err
	}

	err = ctx.Err()
	if err == nil {
		err = e.Records.UpdateRecord(ctx, &next, cur.Version)
	}
	if err != nil {
		err = apperr.FromBackend(op, err, apperr.KindUnavailable)
		e.releaseHospital(ctx, reserved)
		observability.Transitions.WithLabelValues(string(cur.Status), string(req.Status), string(apperr.KindOf(err))).Inc()
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(cur.Status), string(req.Status), "ok").Inc()

	if lifecycle.Terminal(next.Status) && cur.HospitalID != "" {
		e.releaseHospital(ctx, cur.HospitalID)
	}
	e.log().Infow("emergency status changed", "record", next.ID, "from", cur.Status, "to", next.Status, "actor", req.Actor.ID, "version", next.Version)

	e.publish(ctx, models.Event{
		Type:         models.EventStatusChanged,
		RecordID:     next.ID,
		ReporterID:   next.ReporterID,
		OldStatus:    cur.Status,
		NewStatus:    next.Status,
		Note:         next.ResponderNote,
		Loc:          next.Loc,
		CandidateIDs: []string{},
		Version:      next.Version,
		OccurredAt:   next.UpdatedAt,
	})
	return &next, nil
}

// checkUpdate runs the state machine, then the ownership rules on top of
// it: once dispatched, only the accepting responder may re-note, and an
// ExpectedVersion must match what was read.
func (e *Engine) checkUpdate(cur *models.EmergencyRecord, req UpdateRequest) error {
	const op = "dispatch.UpdateStatus"
	if err := lifecycle.Check(cur.Status, req.Actor.Role, req.Status); err != nil {
		return err
	}
	if cur.Status == models.StatusDispatched && req.Status == models.StatusDispatched &&
		cur.ResponderID != "" && cur.ResponderID != req.Actor.ID {
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "record was already accepted by responder " + cur.ResponderID, CurrentStatus: cur.Status}
	}
	if req.ExpectedVersion > 0 && req.ExpectedVersion != cur.Version {
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: fmt.Sprintf("record is at version %d, not %d", cur.Version, req.ExpectedVersion), CurrentStatus: cur.Status}
	}
	return nil
}

// assignHospital reserves one ambulance at hospitalID and records it on
// next. It returns the id to release if the write later fails.
func (e *Engine) assignHospital(ctx context.Context, cur *models.EmergencyRecord, next *models.EmergencyRecord, hospitalID string) (string, error) {
	const op = "dispatch.assignHospital"
	if hospitalID == "" || hospitalID == cur.HospitalID {
		return "", nil
	}
	if next.Status != models.StatusDispatched {
		return "", apperr.E(apperr.KindInvalidArgument, op, "a hospital can only be assigned when dispatching")
	}
	if cur.HospitalID != "" {
		return "", &apperr.Error{Kind: apperr.KindInvalidArgument, Op: op, Message: "record is already assigned to hospital " + cur.HospitalID, CurrentStatus: cur.Status}
	}
	if e.Hospitals == nil {
		return "", apperr.E(apperr.KindUnavailable, op, "hospital index is not configured")
	}
	if _, err := e.Hospitals.AdjustCapacity(ctx, hospitalID, hospitals.Delta{Ambulances: -1}); err != nil {
		return "", err
	}
	next.HospitalID = hospitalID
	return hospitalID, nil
}

func (e *Engine) releaseHospital(ctx context.Context, hospitalID string) {
	if hospitalID == "" || e.Hospitals == nil {
		return
	}
	if _, err := e.Hospitals.AdjustCapacity(context.WithoutCancel(ctx), hospitalID, hospitals.Delta{Ambulances: 1}); err != nil {
		e.log().Errorw("ambulance release failed", "hospital", hospitalID, "error", err)
	}
}

// GetReport returns a record with its reporter and medical profile. A
// reporter can only read their own records.
func (e *Engine) GetReport(ctx context.Context, id string, actor models.Actor) (*models.EmergencyDetail, error) {
	const op = "dispatch.GetReport"
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	rec, err := e.Records.GetRecord(ctx, id)
	if err != nil {
		return nil, apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	if actor.Role != models.RoleResponder && rec.ReporterID != actor.ID {
		return nil, apperr.E(apperr.KindPermissionDenied, op, "record belongs to another reporter")
	}
	detail := &models.EmergencyDetail{EmergencyRecord: *rec}
	if e.Profiles == nil {
		return detail, nil
	}
	if u, err := e.Profiles.GetUser(ctx, rec.ReporterID); err == nil {
		detail.Reporter = u
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	if rec.MedicalProfileID != "" {
		if mp, err := e.Profiles.GetMedicalProfileByID(ctx, rec.MedicalProfileID); err == nil {
			detail.MedicalProfile = mp
		} else if apperr.KindOf(err) != apperr.KindNotFound {
			return nil, apperr.FromBackend(op, err, apperr.KindUnavailable)
		}
	}
	return detail, nil
}

// ListReports lists records newest first. Reporters only ever see their own.
func (e *Engine) ListReports(ctx context.Context, actor models.Actor, f storage.RecordFilter) ([]models.EmergencyRecord, int, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	if actor.Role != models.RoleResponder {
		f.ReporterID = actor.ID
	}
	recs, total, err := e.Records.ListRecords(ctx, f)
	if err != nil {
		return nil, 0, apperr.FromBackend("dispatch.ListReports", err, apperr.KindUnavailable)
	}
	return recs, total, nil
}

// NearbyResponders is the read-only candidate query behind the responders
// endpoint.
func (e *Engine) NearbyResponders(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.Candidate, error) {
	q := geo.Query{Center: center, RadiusMeters: radiusMeters, Kind: geo.KindResponder, Limit: limit}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if e.Geo == nil {
		return []models.Candidate{}, nil
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	cands, err := e.Geo.Nearby(ctx, q)
	if err != nil {
		return nil, apperr.FromBackend("dispatch.NearbyResponders", err, apperr.KindUnavailable)
	}
	return cands, nil
}

func (e *Engine) NearbyHospitals(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.Hospital, error) {
	const op = "dispatch.NearbyHospitals"
	if e.Hospitals == nil {
		return nil, apperr.E(apperr.KindUnavailable, op, "hospital index is not configured")
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	hs, err := e.Hospitals.Nearby(ctx, center, radiusMeters, limit)
	if err != nil {
		return nil, apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	return hs, nil
}

// AdjustHospitalCapacity lets a responder correct bed and ambulance counts.
func (e *Engine) AdjustHospitalCapacity(ctx context.Context, actor models.Actor, id string, d hospitals.Delta) (*models.Hospital, error) {
	const op = "dispatch.AdjustHospitalCapacity"
	if actor.Role != models.RoleResponder {
		return nil, apperr.E(apperr.KindPermissionDenied, op, "only responders may change hospital capacity")
	}
	if e.Hospitals == nil {
		return nil, apperr.E(apperr.KindUnavailable, op, "hospital index is not configured")
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	h, err := e.Hospitals.AdjustCapacity(ctx, id, d)
	if err != nil {
		return nil, apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	return h, nil
}

// RegisterHospital adds a facility to the index or replaces the entry with
// the same id.
func (e *Engine) RegisterHospital(ctx context.Context, actor models.Actor, h models.Hospital) (*models.Hospital, error) {
	const op = "dispatch.RegisterHospital"
	if actor.Role != models.RoleResponder {
		return nil, apperr.E(apperr.KindPermissionDenied, op, "only responders may register hospitals")
	}
	if e.Hospitals == nil {
		return nil, apperr.E(apperr.KindUnavailable, op, "hospital index is not configured")
	}
	if strings.TrimSpace(h.Name) == "" {
		return nil, apperr.E(apperr.KindInvalidArgument, op, "name is required")
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	if err := e.Hospitals.Put(ctx, &h); err != nil {
		return nil, apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	e.log().Infow("hospital registered", "hospital", h.ID, "by", actor.ID)
	return &h, nil
}

// PendingBefore returns up to limit pending records created before cutoff.
func (e *Engine) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.EmergencyRecord, error) {
	recs, _, err := e.Records.ListRecords(ctx, storage.RecordFilter{Status: models.StatusPending, CreatedBefore: cutoff, Limit: limit})
	if err != nil {
		return nil, apperr.FromBackend("dispatch.PendingBefore", err, apperr.KindUnavailable)
	}
	return recs, nil
}

// Remind emits emergency.pending_reminder for rec with a fresh candidate
// list. The record itself is not touched.
func (e *Engine) Remind(ctx context.Context, rec models.EmergencyRecord) {
	cands := e.candidates(ctx, rec.Loc)
	e.publish(ctx, models.Event{
		Type:         models.EventPendingReminder,
		RecordID:     rec.ID,
		ReporterID:   rec.ReporterID,
		NewStatus:    rec.Status,
		Note:         rec.ResponderNote,
		Loc:          rec.Loc,
		CandidateIDs: geo.IDs(cands),
		Version:      rec.Version,
		OccurredAt:   e.now(),
	})
}
