package mqttingest

import (
	"context"
	"errors"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-integrity/internal/ingest"
	"github.com/ukydev/fleet-integrity/internal/models"
)

type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) IngestReading(ctx context.Context, vehicleID string, raw ingest.RawReading) (models.MileageValidationResult, error) {
	args := m.Called(ctx, vehicleID, raw)
	return args.Get(0).(models.MileageValidationResult), args.Error(1)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestSubscriber(ingester Ingester) (*Subscriber, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetOutput(io.Discard)
	logger.SetLevel(log.DebugLevel)
	return NewSubscriber(Options{Topic: "fleet/+/odometer"}, ingester, logger), hook
}

func TestVehicleFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"fleet/veh-1/odometer", "veh-1", true},
		{"fleet//odometer", "", false},
		{"fleet/veh-1", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := VehicleFromTopic(tt.topic)
		assert.Equal(t, tt.ok, ok, tt.topic)
		assert.Equal(t, tt.want, got, tt.topic)
	}
}

func TestHandleMessage_IngestsWithMQTTSource(t *testing.T) {
	ingester := new(MockIngester)
	ingester.On("IngestReading", mock.Anything, "veh-1", mock.MatchedBy(func(raw ingest.RawReading) bool {
		return raw.Source == Source && raw.Mileage != nil && *raw.Mileage == 1200
	})).Return(models.MileageValidationResult{Status: models.StatusValid}, nil)

	s, hook := newTestSubscriber(ingester)
	s.HandleMessage(nil, fakeMessage{topic: "fleet/veh-1/odometer", payload: []byte(`{"mileage": 1200}`)})

	ingester.AssertExpectations(t)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.DebugLevel, hook.LastEntry().Level)
}

func TestHandleMessage_KeepsDeclaredSource(t *testing.T) {
	ingester := new(MockIngester)
	ingester.On("IngestReading", mock.Anything, "veh-1", mock.MatchedBy(func(raw ingest.RawReading) bool {
		return raw.Source == "obd"
	})).Return(models.MileageValidationResult{Status: models.StatusValid}, nil)

	s, _ := newTestSubscriber(ingester)
	s.HandleMessage(nil, fakeMessage{topic: "fleet/veh-1/odometer", payload: []byte(`{"mileage": 5, "source": "obd"}`)})
	ingester.AssertExpectations(t)
}

func TestHandleMessage_LogsOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		result  models.MileageValidationResult
		err     error
		level   log.Level
		message string
	}{
		{
			name:    "flagged",
			result:  models.MileageValidationResult{Status: models.StatusRollbackDetected, Flagged: true, Reason: "rollback"},
			level:   log.WarnLevel,
			message: "Fraud detected in MQTT telemetry",
		},
		{
			name:    "invalid",
			err:     &ingest.ValidationError{Field: "mileage", Reason: "required"},
			level:   log.WarnLevel,
			message: "Rejected invalid telemetry",
		},
		{
			name:    "store failure",
			err:     errors.New("connection refused"),
			level:   log.ErrorLevel,
			message: "Failed to ingest telemetry",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingester := new(MockIngester)
			ingester.On("IngestReading", mock.Anything, "veh-1", mock.Anything).Return(tt.result, tt.err)

			s, hook := newTestSubscriber(ingester)
			s.HandleMessage(nil, fakeMessage{topic: "fleet/veh-1/odometer", payload: []byte(`{"mileage": 1}`)})

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, tt.message, entry.Message)
			assert.Equal(t, "veh-1", entry.Data["vehicle_id"])
		})
	}
}

func TestHandleMessage_DropsBadMessages(t *testing.T) {
	ingester := new(MockIngester)
	s, hook := newTestSubscriber(ingester)

	s.HandleMessage(nil, fakeMessage{topic: "fleet/veh-1/odometer", payload: []byte(`not json`)})
	assert.Equal(t, "Dropping malformed telemetry payload", hook.LastEntry().Message)

	s.HandleMessage(nil, fakeMessage{topic: "odometer", payload: []byte(`{"mileage": 1}`)})
	assert.Equal(t, "Dropping message on unexpected topic", hook.LastEntry().Message)

	ingester.AssertNotCalled(t, "IngestReading", mock.Anything, mock.Anything, mock.Anything)
}

func TestStop_NotConnected(t *testing.T) {
	s, _ := newTestSubscriber(new(MockIngester))
	assert.ErrorIs(t, s.Stop(), ErrNotConnected)
}
