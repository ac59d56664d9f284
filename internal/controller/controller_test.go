package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rueda1208/hems-controller/internal/config"
	"github.com/rueda1208/hems-controller/internal/cop"
	"github.com/rueda1208/hems-controller/internal/history"
	"github.com/rueda1208/hems-controller/internal/models"
	"github.com/rueda1208/hems-controller/internal/peakevents"
	"github.com/rueda1208/hems-controller/internal/schedule"
)

type modeCall struct {
	entityID string
	mode     models.HVACMode
}

type tempCall struct {
	entityID string
	tempC    float64
}

type fakeGateway struct {
	states    map[string]models.DeviceState
	statesErr error

	modeCalls []modeCall
	tempCalls []tempCall
	callErr   error
}

func (f *fakeGateway) ClimateDevices(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.states))
	for id := range f.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeGateway) States(ctx context.Context, entityIDs []string) (map[string]models.DeviceState, error) {
	if f.statesErr != nil {
		return nil, f.statesErr
	}
	return f.states, nil
}

func (f *fakeGateway) SetHVACMode(ctx context.Context, entityID string, mode models.HVACMode) error {
	if f.callErr != nil {
		return f.callErr
	}
	f.modeCalls = append(f.modeCalls, modeCall{entityID, mode})
	return nil
}

func (f *fakeGateway) SetTemperature(ctx context.Context, entityID string, tempC float64) error {
	if f.callErr != nil {
		return f.callErr
	}
	f.tempCalls = append(f.tempCalls, tempCall{entityID, tempC})
	return nil
}

func (f *fakeGateway) setpointFor(entityID string) (float64, bool) {
	for _, call := range f.tempCalls {
		if call.entityID == entityID {
			return call.tempC, true
		}
	}
	return 0, false
}

type fakeEvents struct {
	events []peakevents.Event
	err    error
}

func (f *fakeEvents) PeakEvents(ctx context.Context) ([]peakevents.Event, error) {
	return f.events, f.err
}

func allDaySchedule(target float64) schedule.WeekSchedule {
	day := schedule.DaySchedule{
		TimeSlots: map[string]schedule.Slot{"0h00-24h00": {TargetTempC: target}},
	}
	return schedule.WeekSchedule{Weekday: day, Weekend: day}
}

// constantModels fits flat COP curves so tests can pin exact values.
func constantModels(t *testing.T, heatingCOP, coolingCOP float64) *cop.Models {
	t.Helper()
	fit := func(value float64) *cop.Model {
		m, err := cop.Fit([]cop.Point{
			{OutdoorTempC: -20, COP: value},
			{OutdoorTempC: 0, COP: value},
			{OutdoorTempC: 30, COP: value},
		})
		require.NoError(t, err)
		return m
	}
	return &cop.Models{Heating: fit(heatingCOP), Cooling: fit(coolingCOP)}
}

func testConfig() *config.Config {
	return &config.Config{
		Controller: config.ControllerConfig{
			BuildingID:          "bldg-1",
			HeatPumpEnabled:     true,
			EnvironmentSensorID: "sensor.outdoor",
			WeatherEntityID:     "weather.home",
			HeatPumpEntityID:    "climate.heat_pump",
		},
		HVACSystems: map[string]config.ZoneConfig{
			"climate.living_room": {
				HeatPumpImpact: 0.8,
				Flexibility:    config.Flexibility{Upward: 2, Downward: 1.5},
				Schedule:       allDaySchedule(21),
			},
			"climate.garage": {
				HeatPumpImpact: 0,
				Schedule:       allDaySchedule(17),
			},
			"climate.heat_pump": {
				Heating: &config.ModeScheduleConfig{Schedule: allDaySchedule(20)},
				Cooling: &config.ModeScheduleConfig{Schedule: allDaySchedule(24)},
			},
		},
	}
}

func weatherState(tempC float64) models.DeviceState {
	return models.DeviceState{EntityID: "weather.home", State: "cloudy", Temperature: models.Float(tempC)}
}

func climateState(state string, inside, target float64) models.DeviceState {
	return models.DeviceState{
		State:              state,
		CurrentTemperature: models.Float(inside),
		TargetTemperature:  models.Float(target),
	}
}

func newTestController(t *testing.T, cfg *config.Config, gateway *fakeGateway, events peakevents.Client, heatingCOP float64) *Controller {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	metrics := NewMetrics(prometheus.NewRegistry(), cfg.Controller.BuildingID)
	c := New(cfg, gateway, events, constantModels(t, heatingCOP, 4.0), history.NopRecorder{}, metrics, logger)

	// A Wednesday; the all-day schedules make the exact hour irrelevant.
	c.now = func() time.Time { return time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC) }
	return c
}

func TestCycleHeatingEfficientPump(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(-5),
		"climate.living_room": climateState("heat", 19, 18),
		"climate.garage":      climateState("heat", 15, 15),
		"climate.heat_pump":   climateState("off", 19, 18),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	// Pump flips to heating, setpoint one degree above the zone target.
	require.Len(t, gateway.modeCalls, 1)
	assert.Equal(t, modeCall{"climate.heat_pump", models.ModeHeat}, gateway.modeCalls[0])

	hpSet, ok := gateway.setpointFor("climate.heat_pump")
	require.True(t, ok)
	assert.Equal(t, 22.0, hpSet)

	// Efficient pump: baseboards held one degree below target.
	zoneSet, ok := gateway.setpointFor("climate.living_room")
	require.True(t, ok)
	assert.Equal(t, 20.0, zoneSet)

	// Unimpacted zone follows its own schedule.
	garageSet, ok := gateway.setpointFor("climate.garage")
	require.True(t, ok)
	assert.Equal(t, 17.0, garageSet)
}

func TestCycleHeatingInefficientPumpUsesAux(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(-5),
		"climate.living_room": climateState("heat", 19, 18),
		"climate.heat_pump":   climateState("heat", 19, 22),
		"climate.garage":      climateState("heat", 15, 17),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 1.8)
	require.NoError(t, c.Cycle(context.Background()))

	// Low COP: the zone setpoint meets the target so aux heat can engage.
	zoneSet, ok := gateway.setpointFor("climate.living_room")
	require.True(t, ok)
	assert.Equal(t, 21.0, zoneSet)
}

func TestCycleHeatingAtTargetBacksOffAux(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(-5),
		"climate.living_room": climateState("heat", 22, 18),
		"climate.heat_pump":   climateState("heat", 22, 22),
		"climate.garage":      climateState("heat", 17, 17),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	hpSet, ok := gateway.setpointFor("climate.heat_pump")
	require.True(t, ok)
	assert.Equal(t, 21.0, hpSet, "pump alone holds the target")

	zoneSet, ok := gateway.setpointFor("climate.living_room")
	require.True(t, ok)
	assert.Equal(t, 19.0, zoneSet, "aux heating pushed well below target")
}

func TestCycleCooling(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(28),
		"climate.living_room": climateState("heat", 24, 18),
		"climate.heat_pump":   climateState("heat", 24, 22),
		"climate.garage":      climateState("off", 22, 17),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	require.Len(t, gateway.modeCalls, 1)
	assert.Equal(t, models.ModeCool, gateway.modeCalls[0].mode)

	// Inside above target: cool one degree past it.
	hpSet, ok := gateway.setpointFor("climate.heat_pump")
	require.True(t, ok)
	assert.Equal(t, 20.0, hpSet)

	// Zone heating forced off.
	zoneSet, ok := gateway.setpointFor("climate.living_room")
	require.True(t, ok)
	assert.Equal(t, 5.0, zoneSet)
}

func TestCycleNeutralBandTurnsPumpOff(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(15),
		"climate.living_room": climateState("heat", 20, 18),
		"climate.heat_pump":   climateState("heat", 20, 22),
		"climate.garage":      climateState("off", 18, 17),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	require.Len(t, gateway.modeCalls, 1)
	assert.Equal(t, models.ModeOff, gateway.modeCalls[0].mode)

	// No setpoint write for a pump going off; the zone floor disables heat.
	_, ok := gateway.setpointFor("climate.heat_pump")
	assert.False(t, ok)

	zoneSet, ok := gateway.setpointFor("climate.living_room")
	require.True(t, ok)
	assert.Equal(t, 10.0, zoneSet)

	status := c.Status()
	require.NotNil(t, status)
	assert.Equal(t, models.ModeOff, status.HeatPumpMode)
	assert.Equal(t, 0.0, status.HeatPumpCOP)
}

func TestCycleSuppressesNoOpCommands(t *testing.T) {
	// Device state already matches every decision output.
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(-5),
		"climate.living_room": climateState("heat", 19, 20),
		"climate.heat_pump":   climateState("heat", 19, 22),
		"climate.garage":      climateState("heat", 16, 17),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	assert.Empty(t, gateway.modeCalls)
	assert.Empty(t, gateway.tempCalls)

	status := c.Status()
	require.NotNil(t, status)
	assert.Equal(t, 0, status.CommandsIssued)
}

func TestCycleHeatPumpDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Controller.HeatPumpEnabled = false

	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(-5),
		"climate.living_room": climateState("off", 19, 18),
		"climate.heat_pump":   climateState("off", 19, 18),
		"climate.garage":      climateState("off", 15, 15),
	}}

	c := newTestController(t, cfg, gateway, &fakeEvents{}, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	// Pump untouched; every zone runs plain thermostat logic.
	assert.Empty(t, gateway.modeCalls)

	_, ok := gateway.setpointFor("climate.heat_pump")
	assert.False(t, ok)

	livingSet, ok := gateway.setpointFor("climate.living_room")
	require.True(t, ok)
	assert.Equal(t, 21.0, livingSet)

	garageSet, ok := gateway.setpointFor("climate.garage")
	require.True(t, ok)
	assert.Equal(t, 17.0, garageSet)
}

func TestCyclePeakEventShedsLoad(t *testing.T) {
	cfg := testConfig()
	cfg.Controller.HeatPumpEnabled = false

	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	events := &fakeEvents{events: []peakevents.Event{{
		Offre:     "CPC-D",
		DateDebut: now.Add(-time.Hour),
		DateFin:   now.Add(time.Hour),
	}}}

	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(-5),
		"climate.living_room": climateState("heat", 19, 21),
		"climate.heat_pump":   climateState("off", 19, 21),
		"climate.garage":      climateState("heat", 16, 16),
	}}

	c := newTestController(t, cfg, gateway, events, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	// Living room sheds its downward flexibility during the event.
	livingSet, ok := gateway.setpointFor("climate.living_room")
	require.True(t, ok)
	assert.Equal(t, 19.5, livingSet)

	// The garage has no flexibility configured, so it holds schedule.
	garageSet, ok := gateway.setpointFor("climate.garage")
	require.True(t, ok)
	assert.Equal(t, 17.0, garageSet)

	status := c.Status()
	require.NotNil(t, status)
	assert.True(t, status.PeakEventActive)
}

func TestCyclePeakEventFetchFailureDegrades(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"weather.home":        weatherState(-5),
		"climate.living_room": climateState("heat", 19, 18),
		"climate.heat_pump":   climateState("heat", 19, 22),
		"climate.garage":      climateState("heat", 16, 17),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{err: errors.New("backend down")}, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	// Plain schedule targets still applied.
	zoneSet, ok := gateway.setpointFor("climate.living_room")
	require.True(t, ok)
	assert.Equal(t, 20.0, zoneSet)
}

func TestCycleNoOutdoorTemperature(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"climate.living_room": climateState("heat", 19, 18),
		"climate.heat_pump":   climateState("heat", 19, 22),
		"climate.garage":      climateState("heat", 16, 17),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 3.0)
	err := c.Cycle(context.Background())
	assert.ErrorIs(t, err, ErrNoOutdoorTemperature)
}

func TestCycleEnvironmentSensorFallback(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"sensor.outdoor":      {EntityID: "sensor.outdoor", State: "-8.5", Temperature: models.Float(-8.5)},
		"climate.living_room": climateState("heat", 19, 18),
		"climate.heat_pump":   climateState("off", 19, 22),
		"climate.garage":      climateState("heat", 16, 17),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 3.0)
	require.NoError(t, c.Cycle(context.Background()))

	status := c.Status()
	require.NotNil(t, status)
	assert.Equal(t, -8.5, status.OutdoorTempC)
	assert.Equal(t, models.ModeHeat, status.HeatPumpMode)
}

func TestDiscoverIncludesSensors(t *testing.T) {
	gateway := &fakeGateway{states: map[string]models.DeviceState{
		"climate.living_room": climateState("heat", 19, 18),
	}}

	c := newTestController(t, testConfig(), gateway, &fakeEvents{}, 3.0)
	devices, err := c.Discover(context.Background())
	require.NoError(t, err)

	assert.Contains(t, devices, "climate.living_room")
	assert.Contains(t, devices, "weather.home")
	assert.Contains(t, devices, "sensor.outdoor")
}
