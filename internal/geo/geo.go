package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// Kind selects which population a query runs against.
type Kind string

const (
	KindResponder Kind = "responder"
	KindUser      Kind = "user"
)

// KindForRole maps a user role to the population its locations are indexed in.
func KindForRole(r models.Role) Kind {
	if r == models.RoleResponder {
		return KindResponder
	}
	return KindUser
}

type Query struct {
	Center       models.Coord
	RadiusMeters float64
	Kind         Kind
	// Limit caps the result size; zero means no cap.
	Limit int
}

func (q Query) Validate() error {
	const op = "geo.Query"
	if err := q.Center.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	if !(q.RadiusMeters > 0) || math.IsInf(q.RadiusMeters, 0) {
		return apperr.E(apperr.KindInvalidArgument, op, "radius must be > 0, got %v", q.RadiusMeters)
	}
	switch q.Kind {
	case KindResponder, KindUser:
	default:
		return apperr.E(apperr.KindInvalidArgument, op, "unknown kind %q", q.Kind)
	}
	if q.Limit < 0 {
		return apperr.E(apperr.KindInvalidArgument, op, "limit must be >= 0")
	}
	return nil
}

// Index answers proximity queries. Nearby is read-only and returns
// candidates nearest first; an empty result is not an error. Upsert and
// Remove belong to the location path.
type Index interface {
	Nearby(ctx context.Context, q Query) ([]models.Candidate, error)
	Upsert(ctx context.Context, kind Kind, s models.LocationSample) error
	Remove(ctx context.Context, kind Kind, id string) error
}

// MemIndex is an in-process Index. Writers take the lock briefly; readers
// share it.
type MemIndex struct {
	mu      sync.RWMutex
	samples map[Kind]map[string]models.LocationSample
}

func NewIndex() *MemIndex {
	return &MemIndex{samples: make(map[Kind]map[string]models.LocationSample)}
}

func (g *MemIndex) Upsert(ctx context.Context, kind Kind, s models.LocationSample) error {
	if err := s.Loc.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, "geo.Upsert", err)
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.samples[kind]
	if !ok {
		m = make(map[string]models.LocationSample)
		g.samples[kind] = m
	}
	// latest sample wins; an older fix arriving late is ignored
	if cur, ok := m[s.UserID]; ok && cur.UpdatedAt.After(s.UpdatedAt) {
		return nil
	}
	m[s.UserID] = s
	return nil
}

func (g *MemIndex) Remove(ctx context.Context, kind Kind, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.samples[kind], id)
	return nil
}

// naive scan; fine for a single node, use RedisGeo for shared state
func (g *MemIndex) Nearby(ctx context.Context, q Query) ([]models.Candidate, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "geo.Nearby", err)
	}
	start := time.Now()
	defer func() {
		observability.GeoQueryLatency.WithLabelValues("memory", string(q.Kind)).Observe(time.Since(start).Seconds())
	}()

	g.mu.RLock()
	out := make([]models.Candidate, 0)
	for id, s := range g.samples[q.Kind] {
		d := Haversine(q.Center.Lat, q.Center.Lng, s.Loc.Lat, s.Loc.Lng)
		if d <= q.RadiusMeters {
			out = append(out, models.Candidate{ID: id, DistanceMeters: d})
		}
	}
	g.mu.RUnlock()

	SortCandidates(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SortCandidates orders by distance, ties broken by id so results are stable.
func SortCandidates(c []models.Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceMeters != c[j].DistanceMeters {
			return c[i].DistanceMeters < c[j].DistanceMeters
		}
		return c[i].ID < c[j].ID
	})
}

// IDs returns candidate ids in order, never nil.
func IDs(c []models.Candidate) []string {
	ids := make([]string, 0, len(c))
	for _, x := range c {
		ids = append(ids, x.ID)
	}
	return ids
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
