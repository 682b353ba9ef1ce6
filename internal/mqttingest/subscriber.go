// Package mqttingest feeds odometer telemetry published over MQTT into the
// integrity engine. Topics follow fleet/<vehicleID>/odometer.
package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-integrity/internal/ingest"
	"github.com/ukydev/fleet-integrity/internal/models"
)

// Source labels readings that arrived over MQTT.
const Source = "mqtt"

var ErrNotConnected = errors.New("mqtt: not connected")

// Ingester is the engine entry point the subscriber drives.
type Ingester interface {
	IngestReading(ctx context.Context, vehicleID string, raw ingest.RawReading) (models.MileageValidationResult, error)
}

// Options configures the broker connection.
type Options struct {
	Broker         string
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	HandleTimeout  time.Duration
}

// Subscriber consumes telemetry messages from a broker.
type Subscriber struct {
	opts     Options
	ingester Ingester
	logger   log.FieldLogger
	client   mqtt.Client
}

func NewSubscriber(opts Options, ingester Ingester, logger log.FieldLogger) *Subscriber {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Subscriber{opts: opts, ingester: ingester, logger: logger.WithField("component", "mqtt")}
}

// Start connects and subscribes. The subscription is restored on reconnect.
func (s *Subscriber) Start() error {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID(s.opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.WithError(err).Warn("MQTT connection lost")
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(s.opts.Topic, s.opts.QoS, s.HandleMessage)
			if token.WaitTimeout(s.opts.ConnectTimeout) && token.Error() != nil {
				s.logger.WithError(token.Error()).Error("MQTT subscribe failed")
				return
			}
			s.logger.WithField("topic", s.opts.Topic).Info("Subscribed to telemetry topic")
		})

	s.client = mqtt.NewClient(clientOpts)
	token := s.client.Connect()
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt: connect to %s timed out", s.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", s.opts.Broker, err)
	}
	return nil
}

// Stop disconnects, giving in-flight work a moment to finish.
func (s *Subscriber) Stop() error {
	if s.client == nil || !s.client.IsConnected() {
		return ErrNotConnected
	}
	s.client.Disconnect(250)
	return nil
}

// VehicleFromTopic extracts the vehicle id from fleet/<vehicleID>/odometer.
func VehicleFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// HandleMessage ingests one telemetry message. Bad payloads are logged and
// dropped; there is no reply channel to report them on.
func (s *Subscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	logger := s.logger.WithField("topic", msg.Topic())
	vehicleID, ok := VehicleFromTopic(msg.Topic())
	if !ok {
		logger.Warn("Dropping message on unexpected topic")
		return
	}

	var raw ingest.RawReading
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		logger.WithError(err).Warn("Dropping malformed telemetry payload")
		return
	}
	if raw.Source == "" {
		raw.Source = Source
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandleTimeout)
	defer cancel()

	result, err := s.ingester.IngestReading(ctx, vehicleID, raw)
	logger = logger.WithField("vehicle_id", vehicleID)
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		logger.WithError(err).Warn("Rejected invalid telemetry")
	case err != nil:
		logger.WithError(err).Error("Failed to ingest telemetry")
	case result.Flagged:
		logger.WithFields(log.Fields{
			"status": result.Status,
			"reason": result.Reason,
		}).Warn("Fraud detected in MQTT telemetry")
	default:
		logger.WithField("status", result.Status).Debug("Telemetry ingested")
	}
}
