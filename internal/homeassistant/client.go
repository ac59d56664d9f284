// Package homeassistant is a thin client for the Home Assistant Core REST
// API. It reads entity states and issues climate service calls on behalf
// of the control loop.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rueda1208/hems-controller/internal/models"
)

var (
	ErrRequest = errors.New("error making home assistant request")
	ErrStatus  = errors.New("error status from home assistant")
)

// Client talks to a single Home Assistant instance. Outbound calls are
// rate limited so a tight loop cannot hammer the Supervisor proxy.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, limit float64, burst int, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		logger:  logger,
	}
}

// entityPayload mirrors the wire format of /api/states entries.
type entityPayload struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRequest, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := string(data)
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		return nil, fmt.Errorf("%w: got %d from %s: %s", ErrStatus, resp.StatusCode, path, excerpt)
	}

	return data, nil
}

// ClimateDevices lists the entity ids of all climate and weather entities
// known to Home Assistant.
func (c *Client) ClimateDevices(ctx context.Context) ([]string, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/states", nil)
	if err != nil {
		return nil, err
	}

	var entities []entityPayload
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("failed to decode states response: %v", err)
	}

	var devices []string
	for _, entity := range entities {
		if strings.HasPrefix(entity.EntityID, "climate.") || strings.HasPrefix(entity.EntityID, "weather.") {
			devices = append(devices, entity.EntityID)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"count": len(devices),
	}).Debug("Climate devices retrieved from API")

	return devices, nil
}

// State fetches one entity state. The attributes extracted depend on the
// entity domain: weather entities report an ambient temperature, climate
// entities report current and target temperatures.
func (c *Client) State(ctx context.Context, entityID string) (models.DeviceState, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/states/"+entityID, nil)
	if err != nil {
		return models.DeviceState{}, err
	}

	var entity entityPayload
	if err := json.Unmarshal(data, &entity); err != nil {
		return models.DeviceState{}, fmt.Errorf("failed to decode state of %s: %v", entityID, err)
	}

	state := models.DeviceState{
		EntityID:    entityID,
		State:       strings.ToLower(entity.State),
		LastChanged: entity.LastChanged,
	}

	switch {
	case strings.HasPrefix(entityID, "weather."):
		state.Temperature = numericAttr(entity.Attributes, "temperature")
	case strings.HasPrefix(entityID, "climate."):
		state.CurrentTemperature = numericAttr(entity.Attributes, "current_temperature")
		state.TargetTemperature = numericAttr(entity.Attributes, "temperature")
	default:
		// sensors report their value as the state string
		state.Temperature = numericState(entity.State)
	}

	return state, nil
}

// States fetches the state of each listed entity. Entities that fail to
// resolve are skipped with a warning so one dead device does not sink the
// whole cycle.
func (c *Client) States(ctx context.Context, entityIDs []string) (map[string]models.DeviceState, error) {
	states := make(map[string]models.DeviceState, len(entityIDs))
	for _, id := range entityIDs {
		state, err := c.State(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRequest) {
				return nil, err
			}
			c.logger.WithFields(logrus.Fields{
				"entity_id": id,
			}).WithError(err).Warn("Skipping unreadable entity")
			continue
		}
		states[id] = state
	}
	return states, nil
}

type serviceCall struct {
	EntityID    string  `json:"entity_id"`
	HVACMode    string  `json:"hvac_mode,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// SetHVACMode calls climate.set_hvac_mode on the given entity.
func (c *Client) SetHVACMode(ctx context.Context, entityID string, mode models.HVACMode) error {
	_, err := c.do(ctx, http.MethodPost, "/api/services/climate/set_hvac_mode", serviceCall{
		EntityID: entityID,
		HVACMode: string(mode),
	})
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"entity_id": entityID,
		"hvac_mode": mode,
	}).Info("Requested hvac mode change")
	return nil
}

// SetTemperature calls climate.set_temperature on the given entity.
func (c *Client) SetTemperature(ctx context.Context, entityID string, tempC float64) error {
	_, err := c.do(ctx, http.MethodPost, "/api/services/climate/set_temperature", serviceCall{
		EntityID:    entityID,
		Temperature: tempC,
	})
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"entity_id":   entityID,
		"temperature": tempC,
	}).Info("Requested setpoint change")
	return nil
}

func numericAttr(attrs map[string]interface{}, key string) *float64 {
	raw, ok := attrs[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		return models.Float(v)
	case int:
		return models.Float(float64(v))
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return models.Float(f)
		}
	}
	return nil
}

func numericState(state string) *float64 {
	var f float64
	if _, err := fmt.Sscanf(state, "%g", &f); err != nil {
		return nil
	}
	return models.Float(f)
}
