// Package mqtt publishes cycle results to an MQTT broker, with Home
// Assistant discovery so the controller shows up as a device without
// manual configuration.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/rueda1208/hems-controller/internal/config"
	"github.com/rueda1208/hems-controller/internal/controller"
)

type sensorConfiguration struct {
	UniqueID          string `json:"unique_id"`
	Name              string `json:"name"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateTopic        string `json:"state_topic"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
}

// Publisher pushes cycle snapshots to the broker. It satisfies
// controller.StatusPublisher.
type Publisher struct {
	client          paho.Client
	topicPrefix     string
	discoveryPrefix string
	buildingID      string
	logger          *logrus.Logger
}

func clientOptions(cfg *config.MQTTConfig, logger *logrus.Logger) *paho.ClientOptions {
	return paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(client paho.Client, err error) {
			logger.WithError(err).Warn("MQTT connection lost")
		}).
		SetReconnectingHandler(func(client paho.Client, opts *paho.ClientOptions) {
			logger.Info("MQTT reconnecting")
		})
}

// NewPublisher connects to the broker and registers the discovery
// sensors.
func NewPublisher(cfg *config.MQTTConfig, buildingID string, logger *logrus.Logger) (*Publisher, error) {
	client := paho.NewClient(clientOptions(cfg, logger))
	if t := client.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", t.Error())
	}

	p := &Publisher{
		client:          client,
		topicPrefix:     cfg.TopicPrefix,
		discoveryPrefix: cfg.DiscoveryPrefix,
		buildingID:      buildingID,
		logger:          logger,
	}

	if err := p.registerSensors(); err != nil {
		client.Disconnect(250)
		return nil, err
	}

	return p, nil
}

// registerSensors publishes retained discovery configs so Home Assistant
// picks the controller sensors up automatically.
func (p *Publisher) registerSensors() error {
	sensors := []struct {
		name        string
		deviceClass string
		unit        string
		topic       string
	}{
		{"Outdoor temperature", "temperature", "°C", p.stateTopic("outdoor_temperature")},
		{"Heat pump COP", "", "", p.stateTopic("heat_pump_cop")},
		{"Heat pump mode", "", "", p.stateTopic("heat_pump_mode")},
		{"Peak event active", "", "", p.stateTopic("peak_event_active")},
	}

	for _, sensor := range sensors {
		uniqueID := p.buildingID + "_" + strings.ReplaceAll(strings.ToLower(sensor.name), " ", "_")

		payload, err := json.Marshal(sensorConfiguration{
			UniqueID:          uniqueID,
			Name:              sensor.name,
			DeviceClass:       sensor.deviceClass,
			StateTopic:        sensor.topic,
			UnitOfMeasurement: sensor.unit,
		})
		if err != nil {
			return err
		}

		configTopic := fmt.Sprintf("%v/sensor/%v/config", p.discoveryPrefix, uniqueID)
		if t := p.client.Publish(configTopic, 0, true, payload); t.Wait() && t.Error() != nil {
			return fmt.Errorf("publishing discovery config: %w", t.Error())
		}
	}

	return nil
}

// PublishStatus pushes the per-cycle sensor states and the full snapshot.
func (p *Publisher) PublishStatus(status controller.Status) error {
	states := map[string]string{
		p.stateTopic("outdoor_temperature"): fmt.Sprintf("%.1f", status.OutdoorTempC),
		p.stateTopic("heat_pump_cop"):       fmt.Sprintf("%.2f", status.HeatPumpCOP),
		p.stateTopic("heat_pump_mode"):      string(status.HeatPumpMode),
		p.stateTopic("peak_event_active"):   fmt.Sprintf("%t", status.PeakEventActive),
	}
	for zone, setpoint := range status.ZoneSetpoints {
		states[p.stateTopic("setpoint/"+zone)] = fmt.Sprintf("%.1f", setpoint)
	}

	for topic, payload := range states {
		if t := p.client.Publish(topic, 0, false, payload); t.Wait() && t.Error() != nil {
			return fmt.Errorf("publishing state: %w", t.Error())
		}
	}

	snapshot, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if t := p.client.Publish(p.stateTopic("status"), 0, false, snapshot); t.Wait() && t.Error() != nil {
		return fmt.Errorf("publishing snapshot: %w", t.Error())
	}

	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func (p *Publisher) stateTopic(suffix string) string {
	return fmt.Sprintf("%v/%v/%v", p.topicPrefix, p.buildingID, suffix)
}
