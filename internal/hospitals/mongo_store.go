package hospitals

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
)

const collectionName = "hospitals"

type geoPoint struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"` // lng, lat
}

type hospitalDoc struct {
	ID                  string   `bson:"_id"`
	Name                string   `bson:"name"`
	Address             string   `bson:"address,omitempty"`
	Contact             string   `bson:"contact,omitempty"`
	Loc                 geoPoint `bson:"loc"`
	Specialties         []string `bson:"specialties,omitempty"`
	BedsAvailable       int      `bson:"beds_available"`
	AmbulancesAvailable int      `bson:"ambulances_available"`
	EmergencyCapacity   int      `bson:"emergency_capacity"`
	Distance            float64  `bson:"distance,omitempty"`
}

func toDoc(h *models.Hospital) hospitalDoc {
	return hospitalDoc{
		ID:                  h.ID,
		Name:                h.Name,
		Address:             h.Address,
		Contact:             h.Contact,
		Loc:                 geoPoint{Type: "Point", Coordinates: []float64{h.Loc.Lng, h.Loc.Lat}},
		Specialties:         h.Specialties,
		BedsAvailable:       h.BedsAvailable,
		AmbulancesAvailable: h.AmbulancesAvailable,
		EmergencyCapacity:   h.EmergencyCapacity,
	}
}

func (d hospitalDoc) model() models.Hospital {
	h := models.Hospital{
		ID:                  d.ID,
		Name:                d.Name,
		Address:             d.Address,
		Contact:             d.Contact,
		Specialties:         d.Specialties,
		BedsAvailable:       d.BedsAvailable,
		AmbulancesAvailable: d.AmbulancesAvailable,
		EmergencyCapacity:   d.EmergencyCapacity,
		DistanceMeters:      d.Distance,
	}
	if len(d.Loc.Coordinates) == 2 {
		h.Loc = models.Coord{Lng: d.Loc.Coordinates[0], Lat: d.Loc.Coordinates[1]}
	}
	return h
}

// MongoStore keeps hospitals in a collection with a 2dsphere index on loc.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, pings and makes sure the geo index exists.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s := &MongoStore{client: client, coll: client.Database(database).Collection(collectionName)}
	_, err = s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "loc", Value: "2dsphere"}}})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, readpref.Primary()) }

func (s *MongoStore) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

func (s *MongoStore) Put(ctx context.Context, h *models.Hospital) error {
	if err := validateHospital(h); err != nil {
		return err
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": h.ID}, toDoc(h), options.Replace().SetUpsert(true))
	return classify("hospitals.Put", err)
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Hospital, error) {
	var d hospitalDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, classify("hospitals.Get", err)
	}
	h := d.model()
	return &h, nil
}

func (s *MongoStore) Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.Hospital, error) {
	const op = "hospitals.Nearby"
	if err := validateNearby(center, radiusMeters, limit); err != nil {
		return nil, err
	}
	pipeline := mongo.Pipeline{
		{{Key: "$geoNear", Value: bson.D{
			{Key: "near", Value: geoPoint{Type: "Point", Coordinates: []float64{center.Lng, center.Lat}}},
			{Key: "distanceField", Value: "distance"},
			{Key: "maxDistance", Value: radiusMeters},
			{Key: "spherical", Value: true},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "distance", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify(op, err)
	}
	var docs []hospitalDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify(op, err)
	}
	out := make([]models.Hospital, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.model())
	}
	return out, nil
}

// AdjustCapacity is a single conditional $inc; the $gte guards keep the
// counters non-negative without a read-modify-write.
func (s *MongoStore) AdjustCapacity(ctx context.Context, id string, d Delta) (*models.Hospital, error) {
	const op = "hospitals.AdjustCapacity"
	filter := capacityFilter(id, d)
	update := bson.M{"$inc": bson.M{"beds_available": d.Beds, "ambulances_available": d.Ambulances}}
	var doc hospitalDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, classify(op, cerr)
		}
		if n == 0 {
			return nil, apperr.E(apperr.KindNotFound, op, "hospital %s not found", id)
		}
		return nil, apperr.E(apperr.KindConflict, op, "hospital %s has insufficient capacity", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	h := doc.model()
	return &h, nil
}

func capacityFilter(id string, d Delta) bson.M {
	filter := bson.M{"_id": id}
	if d.Beds < 0 {
		filter["beds_available"] = bson.M{"$gte": -d.Beds}
	}
	if d.Ambulances < 0 {
		filter["ambulances_available"] = bson.M{"$gte": -d.Ambulances}
	}
	return filter
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Wrap(apperr.KindConflict, op, err)
	}
	return apperr.FromBackend(op, err, apperr.KindUnavailable)
}
