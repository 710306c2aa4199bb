package consumer

import (
	"context"
	"fmt"
	"time"

	"rideguard/internal/detector"
	"rideguard/internal/models"
	"rideguard/internal/tripstats"
)

// 本文件是消费管线单元测试用的内存假实现。

type fakeDeviceStore struct {
	userID        *string
	lastSeen      map[string]time.Time
	panicOnUpsert bool
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{lastSeen: make(map[string]time.Time)}
}

func (f *fakeDeviceStore) UpsertDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	if f.panicOnUpsert {
		panic("store exploded")
	}
	return &models.Device{DeviceID: deviceID, UserID: f.userID}, nil
}

func (f *fakeDeviceStore) UpdateLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	f.lastSeen[deviceID] = ts
	return nil
}

type closedTrip struct {
	tripID  string
	endTime time.Time
	endLat  *float64
	endLng  *float64
	stats   tripstats.Stats
}

type fakeTripStore struct {
	seq    int
	trips  map[string]*models.Trip // trip_id -> trip
	closed []closedTrip
}

func newFakeTripStore() *fakeTripStore {
	return &fakeTripStore{trips: make(map[string]*models.Trip)}
}

func (f *fakeTripStore) CreateTrip(ctx context.Context, userID *string, deviceID string, startTime time.Time, startLat, startLng *float64) (*models.Trip, error) {
	f.seq++
	trip := &models.Trip{
		TripID:    fmt.Sprintf("trip-%d", f.seq),
		UserID:    userID,
		DeviceID:  deviceID,
		Status:    models.TripStatusRecording,
		StartTime: startTime,
	}
	f.trips[trip.TripID] = trip
	return trip, nil
}

func (f *fakeTripStore) GetTripByID(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, ok := f.trips[tripID]
	if !ok {
		return nil, nil
	}
	return trip, nil
}

func (f *fakeTripStore) GetActiveTripForDevice(ctx context.Context, deviceID string) (*models.Trip, error) {
	for _, trip := range f.trips {
		if trip.DeviceID == deviceID && trip.Status == models.TripStatusRecording {
			return trip, nil
		}
	}
	return nil, nil
}

func (f *fakeTripStore) CloseTrip(ctx context.Context, tripID string, endTime time.Time, endLat, endLng *float64, crashDetected *bool, stats tripstats.Stats) error {
	trip, ok := f.trips[tripID]
	if !ok {
		return fmt.Errorf("trip not found: %s", tripID)
	}
	trip.Status = models.TripStatusCompleted
	trip.EndTime = &endTime
	f.closed = append(f.closed, closedTrip{
		tripID:  tripID,
		endTime: endTime,
		endLat:  endLat,
		endLng:  endLng,
		stats:   stats,
	})
	return nil
}

type fakeTelemetryStore struct {
	points    map[string][]models.TripPoint // trip_id -> points
	insertErr error
}

func newFakeTelemetryStore() *fakeTelemetryStore {
	return &fakeTelemetryStore{points: make(map[string][]models.TripPoint)}
}

func (f *fakeTelemetryStore) InsertTripPoint(ctx context.Context, p *models.TripPoint) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.points[p.TripID] = append(f.points[p.TripID], *p)
	return nil
}

func (f *fakeTelemetryStore) GetPointsForTrip(ctx context.Context, tripID string) ([]models.TripPoint, error) {
	return f.points[tripID], nil
}

func (f *fakeTelemetryStore) GetLastKnownLocation(ctx context.Context, tripID string) (*float64, *float64, error) {
	points := f.points[tripID]
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].Lat != nil && points[i].Lng != nil {
			return points[i].Lat, points[i].Lng, nil
		}
	}
	return nil, nil, nil
}

type fakeAlertStore struct {
	alerts []*models.Alert
}

func (f *fakeAlertStore) InsertAlert(ctx context.Context, a *models.Alert) (*models.Alert, error) {
	a.AlertID = fmt.Sprintf("alert-%d", len(f.alerts)+1)
	f.alerts = append(f.alerts, a)
	return a, nil
}

type fakeNotifier struct {
	users    []string
	messages []models.BroadcastMessage
}

func (f *fakeNotifier) PushToUser(userID string, msg models.BroadcastMessage) {
	f.users = append(f.users, userID)
	f.messages = append(f.messages, msg)
}

type fakeRiskCache struct {
	updates map[string]models.RiskAssessment
	purged  []string
}

func newFakeRiskCache() *fakeRiskCache {
	return &fakeRiskCache{updates: make(map[string]models.RiskAssessment)}
}

func (f *fakeRiskCache) UpdateRisk(ctx context.Context, deviceID string, assessment models.RiskAssessment) error {
	f.updates[deviceID] = assessment
	return nil
}

func (f *fakeRiskCache) PurgeRisk(ctx context.Context, deviceID string) error {
	f.purged = append(f.purged, deviceID)
	return nil
}

// fakeScorer 检测器用的固定结果打分器
type fakeScorer struct {
	result detector.ScoreResult
}

func (f *fakeScorer) Score(window []detector.FeatureSample) (*detector.ScoreResult, error) {
	r := f.result
	return &r, nil
}

type fakePredictionStore struct {
	predictions []*models.Prediction
}

func (f *fakePredictionStore) InsertPrediction(ctx context.Context, p *models.Prediction) error {
	f.predictions = append(f.predictions, p)
	return nil
}

type fakePublisher struct {
	published []*models.Alert
}

func (f *fakePublisher) PublishAlert(ctx context.Context, a *models.Alert) error {
	f.published = append(f.published, a)
	return nil
}
