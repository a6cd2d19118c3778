package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/hospitals"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/notify"
	"github.com/example/emergency-dispatch/internal/observability"
	"github.com/example/emergency-dispatch/internal/storage"
)

const maxBodyBytes = 64 << 10

// decode reads a single JSON object into v. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	const op = "http.decode"
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.E(apperr.KindInvalidArgument, op, "request body is required")
		}
		return apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	return nil
}

func (s *Server) actor(r *http.Request) models.Actor {
	a, _ := actorFromContext(r.Context())
	return a
}

func (s *Server) handleCreateEmergency(w http.ResponseWriter, r *http.Request) {
	var in models.CoordInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, ok, err := in.Coord()
	if err == nil && !ok {
		err = errors.New("location is required")
	}
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInvalidArgument, "http.createEmergency", err))
		return
	}
	rec, err := s.engine.CreateReport(r.Context(), s.actor(r).ID, loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListEmergencies(w http.ResponseWriter, r *http.Request) {
	const op = "http.listEmergencies"
	q := r.URL.Query()
	var f storage.RecordFilter
	if v := q.Get("status"); v != "" {
		st, err := models.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindInvalidArgument, op, err))
			return
		}
		f.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, apperr.E(apperr.KindInvalidArgument, op, "limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindInvalidArgument, op, err))
			return
		}
		f.CreatedBefore = t
	}
	recs, total, err := s.engine.ListReports(r.Context(), s.actor(r), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "total": total})
}

func (s *Server) handleGetEmergency(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetReport(r.Context(), mux.Vars(r)["id"], s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type updateBody struct {
	Status     string  `json:"status"`
	Note       *string `json:"note"`
	HospitalID string  `json:"hospital_id"`
	Version    int64   `json:"version"`
}

func (s *Server) handleUpdateEmergency(w http.ResponseWriter, r *http.Request) {
	var in updateBody
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := models.ParseStatus(in.Status)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInvalidArgument, "http.updateEmergency", err))
		return
	}
	rec, err := s.engine.UpdateStatus(r.Context(), dispatch.UpdateRequest{
		RecordID:        mux.Vars(r)["id"],
		Actor:           s.actor(r),
		Status:          st,
		Note:            in.Note,
		HospitalID:      strings.TrimSpace(in.HospitalID),
		ExpectedVersion: in.Version,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// proximity parses near=lat,lng plus optional radius and limit.
func (s *Server) proximity(r *http.Request) (models.Coord, float64, int, error) {
	const op = "http.proximity"
	q := r.URL.Query()
	near := q.Get("near")
	if near == "" {
		return models.Coord{}, 0, 0, apperr.E(apperr.KindInvalidArgument, op, "near=lat,lng is required")
	}
	parts := strings.Split(near, ",")
	if len(parts) != 2 {
		return models.Coord{}, 0, 0, apperr.E(apperr.KindInvalidArgument, op, "near must be lat,lng")
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err := errors.Join(err1, err2); err != nil {
		return models.Coord{}, 0, 0, apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	center := models.Coord{Lat: lat, Lng: lng}
	if err := center.Validate(); err != nil {
		return models.Coord{}, 0, 0, apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}

	radius := s.defaultRadius
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return models.Coord{}, 0, 0, apperr.Wrap(apperr.KindInvalidArgument, op, err)
		}
		radius = f
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return models.Coord{}, 0, 0, apperr.Wrap(apperr.KindInvalidArgument, op, err)
		}
		limit = n
	}
	return center, radius, limit, nil
}

func (s *Server) handleNearbyResponders(w http.ResponseWriter, r *http.Request) {
	center, radius, limit, err := s.proximity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cands, err := s.engine.NearbyResponders(r.Context(), center, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cands})
}

func (s *Server) handleNearbyHospitals(w http.ResponseWriter, r *http.Request) {
	center, radius, limit, err := s.proximity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hs, err := s.engine.NearbyHospitals(r.Context(), center, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": hs})
}

func (s *Server) handleAdjustCapacity(w http.ResponseWriter, r *http.Request) {
	var d hospitals.Delta
	if err := decode(w, r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.engine.AdjustHospitalCapacity(r.Context(), s.actor(r), mux.Vars(r)["id"], d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleRegisterHospital takes the same shape GET /hospitals returns.
func (s *Server) handleRegisterHospital(w http.ResponseWriter, r *http.Request) {
	var h models.Hospital
	if err := decode(w, r, &h); err != nil {
		s.writeError(w, r, err)
		return
	}
	h.ID = strings.TrimSpace(h.ID)
	h.DistanceMeters = 0
	saved, err := s.engine.RegisterHospital(r.Context(), s.actor(r), h)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

type userBody struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
}

// handleCreateUser registers the caller. Id and role come from the token.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in userBody
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		s.writeError(w, r, apperr.E(apperr.KindInvalidArgument, "http.createUser", "name is required"))
		return
	}
	a := s.actor(r)
	u := &models.User{
		ID:          a.ID,
		Name:        strings.TrimSpace(in.Name),
		Email:       strings.TrimSpace(in.Email),
		PhoneNumber: strings.TrimSpace(in.PhoneNumber),
		Role:        a.Role,
		CreatedAt:   s.now(),
	}
	if err := s.profiles.CreateUser(r.Context(), u); err != nil {
		s.writeError(w, r, apperr.FromBackend("http.createUser", err, apperr.KindUnavailable))
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	const op = "http.getMe"
	a := s.actor(r)
	u, err := s.profiles.GetUser(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, r, apperr.FromBackend(op, err, apperr.KindUnavailable))
		return
	}
	mp, err := s.profiles.GetMedicalProfile(r.Context(), a.ID)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		s.writeError(w, r, apperr.FromBackend(op, err, apperr.KindUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u, "medical_profile": mp})
}

type profileBody struct {
	BloodType         string   `json:"blood_type"`
	Conditions        []string `json:"conditions"`
	Allergies         []string `json:"allergies"`
	Medications       []string `json:"medications"`
	EmergencyContacts []string `json:"emergency_contacts"`
}

func (s *Server) handlePutMedicalProfile(w http.ResponseWriter, r *http.Request) {
	var in profileBody
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	mp := &models.MedicalProfile{
		ID:                uuid.NewString(),
		UserID:            s.actor(r).ID,
		BloodType:         strings.TrimSpace(in.BloodType),
		Conditions:        in.Conditions,
		Allergies:         in.Allergies,
		Medications:       in.Medications,
		EmergencyContacts: in.EmergencyContacts,
		UpdatedAt:         s.now(),
	}
	if err := s.profiles.UpsertMedicalProfile(r.Context(), mp); err != nil {
		s.writeError(w, r, apperr.FromBackend("http.putMedicalProfile", err, apperr.KindUnavailable))
		return
	}
	saved, err := s.profiles.GetMedicalProfile(r.Context(), mp.UserID)
	if err != nil {
		s.writeError(w, r, apperr.FromBackend("http.putMedicalProfile", err, apperr.KindUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handlePutLocation applies a fix to the local index and, when Kafka is
// configured, forwards it so other instances converge.
func (s *Server) handlePutLocation(w http.ResponseWriter, r *http.Request) {
	const op = "http.putLocation"
	var in models.CoordInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, ok, err := in.Coord()
	if err == nil && !ok {
		err = fmt.Errorf("location is required")
	}
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInvalidArgument, op, err))
		return
	}
	a := s.actor(r)
	kind := geo.KindForRole(a.Role)
	sample := models.LocationSample{UserID: a.ID, Loc: loc, UpdatedAt: s.now()}
	if err := s.geo.Upsert(r.Context(), kind, sample); err != nil {
		s.writeError(w, r, apperr.FromBackend(op, err, apperr.KindUnavailable))
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), kind, sample); err != nil {
			s.logger.Warnw("location publish failed", "user", a.ID, "error", err)
		}
	}
	observability.LocationUpdates.WithLabelValues(string(kind)).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteLocation takes the caller out of the proximity index. For a
// responder this is going off duty; the next PUT puts them back.
func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	const op = "http.deleteLocation"
	a := s.actor(r)
	kind := geo.KindForRole(a.Role)
	if err := s.geo.Remove(r.Context(), kind, a.ID); err != nil {
		s.writeError(w, r, apperr.FromBackend(op, err, apperr.KindUnavailable))
		return
	}
	if s.locations != nil {
		if err := s.locations.RemoveLocation(r.Context(), kind, a.ID); err != nil {
			s.logger.Warnw("location removal publish failed", "user", a.ID, "error", err)
		}
	}
	observability.LocationRemovals.WithLabelValues(string(kind)).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribeWS(w http.ResponseWriter, r *http.Request) {
	notify.ServeWS(s.hub, s.logger, w, r, s.actor(r))
}

// handleSubscribeSSE lifts the server write timeout for this stream only.
func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	notify.ServeSSE(s.hub, s.logger, w, r, s.actor(r), s.sseKeepalive)
}
