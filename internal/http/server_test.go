package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/auth"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/hospitals"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/notify"
	"github.com/example/emergency-dispatch/internal/storage"
)

type testEnv struct {
	srv       *Server
	store     *storage.MemoryStore
	geo       *geo.MemIndex
	hospitals *hospitals.MemoryStore
	verifier  *auth.Verifier
	locations *captureLocations
}

type captureLocations struct {
	kinds   []geo.Kind
	removed []string
}

func (c *captureLocations) PublishLocation(ctx context.Context, kind geo.Kind, s models.LocationSample) error {
	c.kinds = append(c.kinds, kind)
	return nil
}

func (c *captureLocations) RemoveLocation(ctx context.Context, kind geo.Kind, userID string) error {
	c.removed = append(c.removed, string(kind)+":"+userID)
	return nil
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	v, err := auth.NewVerifier("test-secret", "dispatch-test")
	require.NoError(t, err)
	env := &testEnv{
		store:     storage.NewMemoryStore(),
		geo:       geo.NewIndex(),
		hospitals: hospitals.NewMemoryStore(),
		verifier:  v,
		locations: &captureLocations{},
	}
	hub := notify.NewHub(16)
	eng := &dispatch.Engine{
		Records:   env.store,
		Profiles:  env.store,
		Geo:       env.geo,
		Hospitals: env.hospitals,
		Publisher: hub,
	}
	opts := Options{
		Engine:    eng,
		Profiles:  env.store,
		Geo:       env.geo,
		Hub:       hub,
		Locations: env.locations,
		Verifier:  v,
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.srv = NewServer(opts)
	return env
}

func (e *testEnv) token(t *testing.T, a models.Actor) string {
	t.Helper()
	tok, err := e.verifier.Issue(a, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, a *models.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if a != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *a))
	}
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	return rr
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out.Error
}

var (
	reporter  = models.Actor{ID: "u1", Role: models.RoleReporter}
	other     = models.Actor{ID: "u2", Role: models.RoleReporter}
	responder = models.Actor{ID: "resp-a", Role: models.RoleResponder}
	second    = models.Actor{ID: "resp-b", Role: models.RoleResponder}
)

func createEmergency(t *testing.T, env *testEnv) models.EmergencyRecord {
	t.Helper()
	rr := env.do(t, &reporter, http.MethodPost, "/api/v1/emergencies", map[string]float64{"lat": 40.0, "lng": -75.0})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var rec models.EmergencyRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyReportsFailedChecks(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Checks = map[string]ReadyCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
		}
	})
	rr := env.do(t, nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "redis")

	ok := newTestEnv(t, nil)
	assert.Equal(t, http.StatusOK, ok.do(t, nil, http.MethodGet, "/ready", nil).Code)
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, nil, http.MethodGet, "/api/v1/emergencies", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthenticated", decodeError(t, rr).Kind)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/emergencies", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateEmergency(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := createEmergency(t, env)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "u1", rec.ReporterID)
	assert.EqualValues(t, 1, rec.Version)
}

func TestCreateEmergencyRejectsBadLocation(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, body := range []any{
		map[string]float64{"lat": 40},
		map[string]float64{"lat": 100, "lng": 0},
		map[string]any{},
		map[string]any{"lat": 1, "lng": 1, "extra": true},
	} {
		rr := env.do(t, &reporter, http.MethodPost, "/api/v1/emergencies", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "%v", body)
		assert.Equal(t, "invalid_argument", decodeError(t, rr).Kind)
	}
	recs, total, err := env.store.ListRecords(context.Background(), storage.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, total)
}

func TestUpdateEmergencyLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := createEmergency(t, env)
	path := "/api/v1/emergencies/" + rec.ID

	rr := env.do(t, &responder, http.MethodPatch, path, map[string]any{"status": "dispatched", "note": "en route"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var got models.EmergencyRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, models.StatusDispatched, got.Status)
	assert.Equal(t, "en route", got.ResponderNote)
	assert.Equal(t, "resp-a", got.ResponderID)

	rr = env.do(t, &responder, http.MethodPatch, path, map[string]any{"status": "pending"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	e := decodeError(t, rr)
	assert.Equal(t, "invalid_transition", e.Kind)
	assert.Equal(t, "dispatched", e.CurrentStatus)

	rr = env.do(t, &responder, http.MethodPatch, path, map[string]any{"status": "resolved"})
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestUpdateEmergencyByReporterIsForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := createEmergency(t, env)
	rr := env.do(t, &reporter, http.MethodPatch, "/api/v1/emergencies/"+rec.ID, map[string]any{"status": "dispatched"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "permission_denied", decodeError(t, rr).Kind)
}

func TestUpdateEmergencyConflictCarriesCurrentStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := createEmergency(t, env)
	path := "/api/v1/emergencies/" + rec.ID
	require.Equal(t, http.StatusOK, env.do(t, &responder, http.MethodPatch, path, map[string]any{"status": "dispatched"}).Code)

	rr := env.do(t, &second, http.MethodPatch, path, map[string]any{"status": "dispatched"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	e := decodeError(t, rr)
	assert.Equal(t, "conflict", e.Kind)
	assert.Equal(t, "dispatched", e.CurrentStatus)

	rr = env.do(t, &responder, http.MethodPatch, path, map[string]any{"status": "resolved", "version": 1})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestUpdateEmergencyUnknownStatusAndMissingRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := createEmergency(t, env)
	rr := env.do(t, &responder, http.MethodPatch, "/api/v1/emergencies/"+rec.ID, map[string]any{"status": "cancelled"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &responder, http.MethodPatch, "/api/v1/emergencies/nope", map[string]any{"status": "dispatched"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetEmergencyScopedToReporter(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := createEmergency(t, env)
	path := "/api/v1/emergencies/" + rec.ID

	assert.Equal(t, http.StatusOK, env.do(t, &reporter, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, &responder, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, &other, http.MethodGet, path, nil).Code)
}

func TestListEmergencies(t *testing.T) {
	env := newTestEnv(t, nil)
	createEmergency(t, env)
	createEmergency(t, env)

	var page struct {
		Items []models.EmergencyRecord `json:"items"`
		Total int                      `json:"total"`
	}
	rr := env.do(t, &responder, http.MethodGet, "/api/v1/emergencies?status=pending&limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Total)

	rr = env.do(t, &other, http.MethodGet, "/api/v1/emergencies", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	assert.Empty(t, page.Items)

	assert.Equal(t, http.StatusBadRequest, env.do(t, &responder, http.MethodGet, "/api/v1/emergencies?status=lost", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, &responder, http.MethodGet, "/api/v1/emergencies?before=yesterday", nil).Code)
}

func TestNearbyResponders(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.geo.Upsert(ctx, geo.KindResponder, models.LocationSample{UserID: "far", Loc: models.Coord{Lat: 40.02, Lng: -75}}))
	require.NoError(t, env.geo.Upsert(ctx, geo.KindResponder, models.LocationSample{UserID: "near", Loc: models.Coord{Lat: 40.001, Lng: -75}}))

	rr := env.do(t, &responder, http.MethodGet, "/api/v1/responders?near=40,-75&radius=5000", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Items []models.Candidate `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, []string{"near", "far"}, geo.IDs(out.Items))

	for _, q := range []string{"", "?near=40", "?near=a,b", "?near=91,0", "?near=40,-75&radius=0", "?near=40,-75&limit=x"} {
		rr := env.do(t, &responder, http.MethodGet, "/api/v1/responders"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestHospitalsAndCapacity(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.hospitals.Put(context.Background(), &models.Hospital{
		ID: "h1", Name: "General", Loc: models.Coord{Lat: 40.001, Lng: -75}, BedsAvailable: 3, AmbulancesAvailable: 1,
	}))

	rr := env.do(t, &reporter, http.MethodGet, "/api/v1/hospitals?near=40,-75", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"h1"`)

	rr = env.do(t, &reporter, http.MethodPatch, "/api/v1/hospitals/h1/capacity", map[string]int{"beds": -1})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &responder, http.MethodPatch, "/api/v1/hospitals/h1/capacity", map[string]int{"beds": -1})
	require.Equal(t, http.StatusOK, rr.Code)
	var h models.Hospital
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &h))
	assert.Equal(t, 2, h.BedsAvailable)

	rr = env.do(t, &responder, http.MethodPatch, "/api/v1/hospitals/h1/capacity", map[string]int{"ambulances": -2})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRegisterHospitalThenFindNearby(t *testing.T) {
	env := newTestEnv(t, nil)
	body := map[string]any{
		"id":                   "h-river",
		"name":                 "Riverside",
		"loc":                  map[string]float64{"lat": 40.002, "lng": -75},
		"beds_available":       4,
		"ambulances_available": 2,
	}

	rr := env.do(t, &reporter, http.MethodPost, "/api/v1/hospitals", body)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &responder, http.MethodPost, "/api/v1/hospitals", map[string]any{"id": "h-bad", "name": "Nowhere", "loc": map[string]float64{"lat": 95, "lng": 0}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &responder, http.MethodPost, "/api/v1/hospitals", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = env.do(t, &reporter, http.MethodGet, "/api/v1/hospitals?near=40,-75&radius=1000", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Items []models.Hospital `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out.Items, 1)
	assert.Equal(t, "h-river", out.Items[0].ID)
	assert.Equal(t, 2, out.Items[0].AmbulancesAvailable)
}

func TestUsersAndMedicalProfile(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, &reporter, http.MethodPost, "/api/v1/users", map[string]string{"name": "Ada", "email": "ada@example.com"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, http.StatusConflict, env.do(t, &reporter, http.MethodPost, "/api/v1/users", map[string]string{"name": "Ada"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, &other, http.MethodPost, "/api/v1/users", map[string]string{}).Code)

	rr = env.do(t, &reporter, http.MethodGet, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"medical_profile":null`)

	rr = env.do(t, &reporter, http.MethodPut, "/api/v1/users/me/medical-profile", map[string]any{"blood_type": "O-", "allergies": []string{"penicillin"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var first models.MedicalProfile
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))

	rr = env.do(t, &reporter, http.MethodPut, "/api/v1/users/me/medical-profile", map[string]any{"blood_type": "O+"})
	require.Equal(t, http.StatusOK, rr.Code)
	var updated models.MedicalProfile
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &updated))
	assert.Equal(t, first.ID, updated.ID)
	assert.Equal(t, "O+", updated.BloodType)

	assert.Equal(t, http.StatusNotFound, env.do(t, &other, http.MethodGet, "/api/v1/users/me", nil).Code)
}

func TestPutLocationIndexesByRole(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, &responder, http.MethodPut, "/api/v1/users/me/location", map[string]float64{"lat": 40, "lng": -75})
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"resp-a"}, indexed(t, env, geo.KindResponder))

	rr = env.do(t, &reporter, http.MethodPut, "/api/v1/users/me/location", map[string]float64{"lat": 40, "lng": -75})
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"u1"}, indexed(t, env, geo.KindUser))
	assert.Equal(t, []string{"resp-a"}, indexed(t, env, geo.KindResponder))
	assert.Equal(t, []geo.Kind{geo.KindResponder, geo.KindUser}, env.locations.kinds)

	rr = env.do(t, &reporter, http.MethodPut, "/api/v1/users/me/location", map[string]float64{"lat": 40})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func indexed(t *testing.T, env *testEnv, kind geo.Kind) []string {
	t.Helper()
	got, err := env.geo.Nearby(context.Background(), geo.Query{Center: models.Coord{Lat: 40, Lng: -75}, RadiusMeters: 100, Kind: kind})
	require.NoError(t, err)
	return geo.IDs(got)
}

func TestDeleteLocationTakesResponderOffDuty(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, a := range []*models.Actor{&responder, &second} {
		rr := env.do(t, a, http.MethodPut, "/api/v1/users/me/location", map[string]float64{"lat": 40, "lng": -75})
		require.Equal(t, http.StatusNoContent, rr.Code)
	}
	nearby := func() []string {
		rr := env.do(t, &responder, http.MethodGet, "/api/v1/responders?near=40,-75&radius=1000", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var out struct {
			Items []models.Candidate `json:"items"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		return geo.IDs(out.Items)
	}
	assert.ElementsMatch(t, []string{"resp-a", "resp-b"}, nearby())

	rr := env.do(t, &responder, http.MethodDelete, "/api/v1/users/me/location", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"resp-b"}, nearby())
	assert.Equal(t, []string{"responder:resp-a"}, env.locations.removed)

	// removing twice is harmless
	rr = env.do(t, &responder, http.MethodDelete, "/api/v1/users/me/location", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, nil, http.MethodDelete, "/api/v1/users/me/location", nil).Code)
}

func TestAccessLogCarriesActor(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	env := newTestEnv(t, func(o *Options) { o.Logger = zap.New(core).Sugar() })

	rr := env.do(t, &responder, http.MethodGet, "/api/v1/responders?near=40,-75", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	env.do(t, nil, http.MethodGet, "/api/v1/responders?near=40,-75", nil)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "resp-a", fields["actor"])
	assert.Equal(t, "responder", fields["role"])
	assert.Equal(t, "/api/v1/responders", fields["route"])
	assert.NotContains(t, entries[1].ContextMap(), "actor")
}

func TestCreateEmergencyRateLimited(t *testing.T) {
	lim := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 1})
	env := newTestEnv(t, func(o *Options) { o.Limiter = lim })

	createEmergency(t, env)
	rr := env.do(t, &reporter, http.MethodPost, "/api/v1/emergencies", map[string]float64{"lat": 40, "lng": -75})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rr).Kind)

	// the limit is per actor
	rr = env.do(t, &other, http.MethodPost, "/api/v1/emergencies", map[string]float64{"lat": 40, "lng": -75})
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[string]int{
		"invalid_argument":       http.StatusBadRequest,
		"invalid_transition":     http.StatusBadRequest,
		"unauthenticated":        http.StatusUnauthorized,
		"permission_denied":      http.StatusForbidden,
		"not_found":              http.StatusNotFound,
		"conflict":               http.StatusConflict,
		"unavailable":            http.StatusServiceUnavailable,
		"report_creation_failed": http.StatusInternalServerError,
		"internal":               http.StatusInternalServerError,
	}
	for kind, code := range cases {
		assert.Equal(t, code, statusFor(apperr.Kind(kind)), kind)
	}
}
