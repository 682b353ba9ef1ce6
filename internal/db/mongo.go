package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/fleet-integrity/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	ReadingsCollection      = "readings"
	MileageStatesCollection = "mileage_states"
	AlertsCollection        = "fraud_alerts"
	TrustEventsCollection   = "trust_events"
	TrustScoresCollection   = "trust_scores"
	BatchesCollection       = "batches"
)

// ConnectMongo connects to MongoDB and verifies the connection with a ping.
func ConnectMongo(uri string, timeout time.Duration) (*mongo.Client, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is empty")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// MongoStore implements Store on MongoDB. Trust ledger appends need a
// replica set or sharded cluster because they run in a transaction.
type MongoStore struct {
	client   *mongo.Client
	readings *mongo.Collection
	mileage  *mongo.Collection
	alerts   *mongo.Collection
	events   *mongo.Collection
	scores   *mongo.Collection
	batches  *mongo.Collection
}

// NewMongoStore binds the store to a database.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:   client,
		readings: db.Collection(ReadingsCollection),
		mileage:  db.Collection(MileageStatesCollection),
		alerts:   db.Collection(AlertsCollection),
		events:   db.Collection(TrustEventsCollection),
		scores:   db.Collection(TrustScoresCollection),
		batches:  db.Collection(BatchesCollection),
	}
}

// EnsureIndexes creates the unique indexes the invariants rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.batches, mongo.IndexModel{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "date", Value: 1}}, Options: unique}},
		{s.events, mongo.IndexModel{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "sequence", Value: 1}}, Options: unique}},
		{s.scores, mongo.IndexModel{Keys: bson.D{{Key: "vehicle_id", Value: 1}}, Options: unique}},
		{s.mileage, mongo.IndexModel{Keys: bson.D{{Key: "vehicle_id", Value: 1}}, Options: unique}},
		{s.readings, mongo.IndexModel{Keys: bson.D{{Key: "reading.vehicle_id", Value: 1}, {Key: "date", Value: 1}, {Key: "reading.timestamp", Value: 1}}}},
		{s.alerts, mongo.IndexModel{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "detected_at", Value: -1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// InsertReading inserts an ingested reading.
func (s *MongoStore) InsertReading(ctx context.Context, reading models.StoredReading) error {
	if s.readings == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := s.readings.InsertOne(ctx, reading)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// UpdateReadingResult sets the validation result of a stored reading.
func (s *MongoStore) UpdateReadingResult(ctx context.Context, vehicleID, id string, result models.MileageValidationResult) error {
	if s.readings == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	filter := bson.M{"_id": id, "reading.vehicle_id": vehicleID}
	res, err := s.readings.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"result": result}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindAcceptedReadings queries the VALID readings for a vehicle and date.
func (s *MongoStore) FindAcceptedReadings(ctx context.Context, vehicleID, date string) ([]models.TelemetryReading, error) {
	if s.readings == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	filter := bson.M{
		"reading.vehicle_id": vehicleID,
		"date":               date,
		"result.status":      models.StatusValid,
	}
	opts := options.Find().SetSort(bson.D{{Key: "reading.timestamp", Value: 1}})
	cursor, err := s.readings.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var stored []models.StoredReading
	if err := cursor.All(ctx, &stored); err != nil {
		return nil, err
	}
	out := make([]models.TelemetryReading, len(stored))
	for i, r := range stored {
		out[i] = r.Reading
	}
	return out, nil
}

// GetMileageState finds the verified mileage of a vehicle.
func (s *MongoStore) GetMileageState(ctx context.Context, vehicleID string) (*models.VehicleMileageState, error) {
	var state models.VehicleMileageState
	err := s.mileage.FindOne(ctx, bson.M{"vehicle_id": vehicleID}).Decode(&state)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

// AdvanceMileage upserts the state only when it does not lower the stored
// mileage. A higher stored value makes the upsert collide with the unique
// vehicle_id index, which is reported as ErrConflict.
func (s *MongoStore) AdvanceMileage(ctx context.Context, state models.VehicleMileageState) error {
	filter := bson.M{
		"vehicle_id":            state.VehicleID,
		"last_verified_mileage": bson.M{"$lte": state.LastVerifiedMileage},
	}
	_, err := s.mileage.UpdateOne(ctx, filter, bson.M{"$set": state}, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

// InsertAlert inserts a fraud alert and assigns its ID.
func (s *MongoStore) InsertAlert(ctx context.Context, alert *models.FraudAlert) error {
	if s.alerts == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	if alert.ID.IsZero() {
		alert.ID = primitive.NewObjectID()
	}
	_, err := s.alerts.InsertOne(ctx, alert)
	return err
}

// FindAlerts queries a vehicle's alerts, newest first.
func (s *MongoStore) FindAlerts(ctx context.Context, vehicleID string) ([]models.FraudAlert, error) {
	opts := options.Find().SetSort(bson.D{{Key: "detected_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.alerts.Find(ctx, bson.M{"vehicle_id": vehicleID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	alerts := []models.FraudAlert{}
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// FindAlertByID finds an alert by its ID.
func (s *MongoStore) FindAlertByID(ctx context.Context, id string) (*models.FraudAlert, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: alert %q", ErrInvalidID, id)
	}
	var alert models.FraudAlert
	err = s.alerts.FindOne(ctx, bson.M{"_id": objectID}).Decode(&alert)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &alert, nil
}

// UpdateAlertStatus moves an alert from one status to another.
func (s *MongoStore) UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus, at time.Time) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%w: alert %q", ErrInvalidID, id)
	}
	result, err := s.alerts.UpdateOne(ctx,
		bson.M{"_id": objectID, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": at}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		if _, err := s.FindAlertByID(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// GetTrustScore finds the trust projection of a vehicle.
func (s *MongoStore) GetTrustScore(ctx context.Context, vehicleID string) (*models.TrustScoreState, error) {
	var state models.TrustScoreState
	err := s.scores.FindOne(ctx, bson.M{"vehicle_id": vehicleID}).Decode(&state)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

// AppendTrustEvent writes the event and advances the projection in one
// transaction, conditioned on the projection's version.
func (s *MongoStore) AppendTrustEvent(ctx context.Context, event models.TrustEvent) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		projection := projectionFrom(event)
		if event.Sequence == 1 {
			if _, err := s.scores.InsertOne(sc, projection); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return nil, ErrConflict
				}
				return nil, err
			}
		} else {
			result, err := s.scores.UpdateOne(sc,
				bson.M{"vehicle_id": event.VehicleID, "version": event.Sequence - 1},
				bson.M{"$set": projection},
			)
			if err != nil {
				return nil, err
			}
			if result.MatchedCount == 0 {
				return nil, ErrConflict
			}
		}
		if _, err := s.events.InsertOne(sc, event); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrConflict
			}
			return nil, err
		}
		return nil, nil
	})
	return err
}

// FindTrustEvents returns a vehicle's events by ascending sequence.
func (s *MongoStore) FindTrustEvents(ctx context.Context, vehicleID string) ([]models.TrustEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := s.events.Find(ctx, bson.M{"vehicle_id": vehicleID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	events := []models.TrustEvent{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// InsertBatch inserts a batch. The unique (vehicle_id, date) index makes
// concurrent inserts for the same key resolve to one winner.
func (s *MongoStore) InsertBatch(ctx context.Context, batch *models.TelemetryBatch) error {
	if s.batches == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	if batch.ID.IsZero() {
		batch.ID = primitive.NewObjectID()
	}
	_, err := s.batches.InsertOne(ctx, batch)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// FindBatch finds the batch of a vehicle for a date.
func (s *MongoStore) FindBatch(ctx context.Context, vehicleID, date string) (*models.TelemetryBatch, error) {
	var batch models.TelemetryBatch
	err := s.batches.FindOne(ctx, bson.M{"vehicle_id": vehicleID, "date": date}).Decode(&batch)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// UpdateBatch replaces a batch whose stored status is still expected.
func (s *MongoStore) UpdateBatch(ctx context.Context, batch *models.TelemetryBatch, expected models.BatchStatus) error {
	filter := bson.M{"vehicle_id": batch.VehicleID, "date": batch.Date, "status": expected}
	result, err := s.batches.ReplaceOne(ctx, filter, batch)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		if _, err := s.FindBatch(ctx, batch.VehicleID, batch.Date); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
