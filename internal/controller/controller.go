// Package controller implements the periodic heat pump and thermostat
// decision loop at the core of the add-on.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rueda1208/hems-controller/internal/config"
	"github.com/rueda1208/hems-controller/internal/cop"
	"github.com/rueda1208/hems-controller/internal/history"
	"github.com/rueda1208/hems-controller/internal/models"
	"github.com/rueda1208/hems-controller/internal/peakevents"
	"github.com/rueda1208/hems-controller/internal/schedule"
)

// Outdoor temperature thresholds for mode selection. Between them the
// pump is left off.
const (
	coolingThresholdC = 20.0
	heatingThresholdC = 10.0
)

// Heating with a COP below this is no cheaper than resistive baseboards,
// so auxiliary heat is allowed to carry part of the load.
const auxHeatCOPThreshold = 2.5

// Setpoints forcing zone heating off in cooling and off modes.
const (
	coolingZoneFloorC = 5.0
	offZoneFloorC     = 10.0
)

var ErrNoOutdoorTemperature = errors.New("no outdoor temperature available")

// DeviceGateway is the slice of the Home Assistant client the controller
// depends on.
type DeviceGateway interface {
	ClimateDevices(ctx context.Context) ([]string, error)
	States(ctx context.Context, entityIDs []string) (map[string]models.DeviceState, error)
	SetHVACMode(ctx context.Context, entityID string, mode models.HVACMode) error
	SetTemperature(ctx context.Context, entityID string, tempC float64) error
}

// StatusPublisher receives the cycle snapshot after each run. Implemented
// by the MQTT publisher; nil disables publishing.
type StatusPublisher interface {
	PublishStatus(status Status) error
}

// Status is the snapshot of the last completed control cycle, served by
// the web surface.
type Status struct {
	CycleID          string             `json:"cycle_id"`
	Time             time.Time          `json:"time"`
	OutdoorTempC     float64            `json:"outdoor_temp_c"`
	HeatPumpMode     models.HVACMode    `json:"heat_pump_mode"`
	HeatPumpCOP      float64            `json:"heat_pump_cop"`
	HeatPumpSetpoint *float64           `json:"heat_pump_setpoint,omitempty"`
	ZoneSetpoints    map[string]float64 `json:"zone_setpoints"`
	PeakEventActive  bool               `json:"peak_event_active"`
	CommandsIssued   int                `json:"commands_issued"`
}

// Controller runs the decision loop.
type Controller struct {
	cfg       *config.Config
	gateway   DeviceGateway
	events    peakevents.Client
	copModels *cop.Models
	recorder  history.Recorder
	publisher StatusPublisher
	metrics   *Metrics
	logger    *logrus.Logger
	now       func() time.Time

	mu      sync.RWMutex
	devices []string
	status  *Status
}

func New(
	cfg *config.Config,
	gateway DeviceGateway,
	events peakevents.Client,
	copModels *cop.Models,
	recorder history.Recorder,
	metrics *Metrics,
	logger *logrus.Logger,
) *Controller {
	return &Controller{
		cfg:       cfg,
		gateway:   gateway,
		events:    events,
		copModels: copModels,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// SetPublisher attaches an optional status publisher.
func (c *Controller) SetPublisher(p StatusPublisher) {
	c.publisher = p
}

// Status returns the snapshot of the last completed cycle, or nil before
// the first one.
func (c *Controller) Status() *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status == nil {
		return nil
	}
	snapshot := *c.status
	return &snapshot
}

// Discover refreshes the device list from Home Assistant and makes sure
// the weather entity and environment sensor are polled too.
func (c *Controller) Discover(ctx context.Context) ([]string, error) {
	devices, err := c.gateway.ClimateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("device discovery failed: %w", err)
	}

	seen := make(map[string]bool, len(devices))
	for _, id := range devices {
		seen[id] = true
	}
	for _, id := range []string{c.cfg.Controller.WeatherEntityID, c.cfg.Controller.EnvironmentSensorID} {
		if id != "" && !seen[id] {
			devices = append(devices, id)
		}
	}

	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"devices": len(devices),
	}).Info("Device discovery complete")

	return devices, nil
}

// Cycle runs one full read-decide-execute pass.
func (c *Controller) Cycle(ctx context.Context) error {
	start := c.now()
	cycleID := uuid.NewString()
	log := c.logger.WithFields(logrus.Fields{"cycle_id": cycleID})

	defer func() {
		c.metrics.cycleDuration.Observe(time.Since(start).Seconds())
	}()

	c.mu.RLock()
	devices := c.devices
	c.mu.RUnlock()
	if len(devices) == 0 {
		if _, err := c.Discover(ctx); err != nil {
			c.metrics.cycleErrors.Inc()
			return err
		}
		c.mu.RLock()
		devices = c.devices
		c.mu.RUnlock()
	}

	states, err := c.gateway.States(ctx, devices)
	if err != nil {
		c.metrics.cycleErrors.Inc()
		return fmt.Errorf("reading device states: %w", err)
	}

	outdoor, err := c.outdoorTemperature(states)
	if err != nil {
		c.metrics.cycleErrors.Inc()
		return err
	}
	c.metrics.outdoorTemp.Set(outdoor)

	mode, copValue := c.selectMode(outdoor)
	c.metrics.heatPumpCOP.Set(copValue)
	c.metrics.observeMode(mode == models.ModeHeat, mode == models.ModeCool)

	log.WithFields(logrus.Fields{
		"outdoor_temp": outdoor,
		"mode":         mode,
		"cop":          fmt.Sprintf("%.2f", copValue),
	}).Debug("Mode selected")

	window, eventActive := c.peakEventWindow(ctx, log)
	if eventActive {
		c.metrics.peakEventActive.Set(1)
	} else {
		c.metrics.peakEventActive.Set(0)
	}

	actions := c.decide(states, mode, copValue, window, log)

	issued := c.execute(ctx, actions, states, log)

	status := &Status{
		CycleID:         cycleID,
		Time:            start,
		OutdoorTempC:    outdoor,
		HeatPumpMode:    mode,
		HeatPumpCOP:     copValue,
		ZoneSetpoints:   actions.ZoneSetpoints,
		PeakEventActive: eventActive,
		CommandsIssued:  issued,
	}
	if actions.HeatPump != nil {
		status.HeatPumpMode = actions.HeatPump.Mode
		status.HeatPumpSetpoint = actions.HeatPump.Setpoint
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.record(ctx, status, states, log)

	if c.publisher != nil {
		if err := c.publisher.PublishStatus(*status); err != nil {
			log.WithError(err).Warn("Status publish failed")
		}
	}

	log.WithFields(logrus.Fields{
		"commands": issued,
		"duration": time.Since(start).String(),
	}).Info("Control cycle complete")

	return nil
}

// outdoorTemperature prefers the weather entity, falling back to the
// configured environment sensor.
func (c *Controller) outdoorTemperature(states map[string]models.DeviceState) (float64, error) {
	if s, ok := states[c.cfg.Controller.WeatherEntityID]; ok && s.Temperature != nil {
		return *s.Temperature, nil
	}
	if s, ok := states[c.cfg.Controller.EnvironmentSensorID]; ok && s.Temperature != nil {
		return *s.Temperature, nil
	}
	return 0, ErrNoOutdoorTemperature
}

func (c *Controller) selectMode(outdoor float64) (models.HVACMode, float64) {
	switch {
	case outdoor > coolingThresholdC:
		return models.ModeCool, c.copModels.Cooling.Eval(outdoor)
	case outdoor < heatingThresholdC:
		return models.ModeHeat, c.copModels.Heating.Eval(outdoor)
	default:
		return models.ModeOff, 0.0
	}
}

// peakEventWindow resolves today's relevant peak event. Fetch failures
// degrade to schedule-only operation rather than failing the cycle.
func (c *Controller) peakEventWindow(ctx context.Context, log *logrus.Entry) (*schedule.EventWindow, bool) {
	events, err := c.events.PeakEvents(ctx)
	if err != nil {
		log.WithError(err).Warn("Peak events unavailable, using plain schedule")
		return nil, false
	}

	now := c.now()
	ev := peakevents.Next(events, now)
	if ev == nil {
		return nil, false
	}

	log.WithFields(logrus.Fields{
		"start": ev.DateDebut,
		"end":   ev.DateFin,
	}).Debug("Peak event in effect today")

	window := &schedule.EventWindow{Start: ev.DateDebut, End: ev.DateFin}
	active := !now.Before(ev.DateDebut) && now.Before(ev.DateFin)
	return window, active
}

type zoneMetrics struct {
	insideTemp float64
	targetTemp float64
}

// decide computes the full action set for one cycle.
func (c *Controller) decide(
	states map[string]models.DeviceState,
	mode models.HVACMode,
	copValue float64,
	window *schedule.EventWindow,
	log *logrus.Entry,
) models.ControlActions {
	now := c.now()
	actions := models.ControlActions{ZoneSetpoints: make(map[string]float64)}

	if c.cfg.Controller.HeatPumpEnabled {
		impacted := c.zoneMetricsFor(c.cfg.ZonesWithImpact(true), states, window, now, log)
		if len(impacted) == 0 {
			log.Warn("No zones with heat pump impact, using heat pump schedule")
			actions.HeatPump = c.heatPumpScheduleCommand(mode, now)
		} else {
			c.heatPumpLogic(&actions, impacted, mode, copValue, log)
		}
	}

	// Thermostat logic for zones the heat pump does not reach.
	for zone, m := range c.zoneMetricsFor(c.cfg.ZonesWithImpact(false), states, window, now, log) {
		actions.ZoneSetpoints[zone] = m.targetTemp
		log.WithFields(logrus.Fields{
			"zone":        zone,
			"inside_temp": m.insideTemp,
			"target_temp": m.targetTemp,
		}).Debug("Thermostat zone target")
	}

	return actions
}

// heatPumpScheduleCommand falls back to the heat pump's own per-mode
// schedule when no zone informs its setpoint.
func (c *Controller) heatPumpScheduleCommand(mode models.HVACMode, now time.Time) *models.HeatPumpCommand {
	cmd := &models.HeatPumpCommand{Mode: mode}
	if mode == models.ModeOff {
		return cmd
	}

	zcfg, ok := c.cfg.HVACSystems[c.cfg.Controller.HeatPumpEntityID]
	if !ok {
		return cmd
	}

	var ms *config.ModeScheduleConfig
	if mode == models.ModeHeat {
		ms = zcfg.Heating
	} else {
		ms = zcfg.Cooling
	}
	if ms == nil {
		return cmd
	}

	if target, found := ms.Schedule.TargetAt(now); found {
		cmd.Setpoint = models.Float(target)
	}
	return cmd
}

// heatPumpLogic sets the heat pump command and the setpoints of the
// impacted zones from the mean conditions across them.
//
// TODO: consider weighting the means by heat_pump_impact instead of a
// straight average.
func (c *Controller) heatPumpLogic(
	actions *models.ControlActions,
	impacted map[string]zoneMetrics,
	mode models.HVACMode,
	copValue float64,
	log *logrus.Entry,
) {
	var insideSum, targetSum float64
	for _, m := range impacted {
		insideSum += m.insideTemp
		targetSum += m.targetTemp
	}
	inside := insideSum / float64(len(impacted))
	target := targetSum / float64(len(impacted))

	log.WithFields(logrus.Fields{
		"mean_inside_temp": fmt.Sprintf("%.2f", inside),
		"mean_target_temp": fmt.Sprintf("%.2f", target),
	}).Debug("Heat pump zone means")

	cmd := &models.HeatPumpCommand{Mode: mode}

	switch mode {
	case models.ModeHeat:
		if inside < target {
			cmd.Setpoint = models.Float(target + 1)
			if copValue >= auxHeatCOPThreshold {
				// Pump is efficient: keep baseboards a step behind it.
				for zone := range impacted {
					actions.ZoneSetpoints[zone] = target - 1
				}
			} else {
				// Let auxiliary heating share the load.
				for zone := range impacted {
					actions.ZoneSetpoints[zone] = target
				}
			}
		} else {
			cmd.Setpoint = models.Float(target)
			for zone := range impacted {
				actions.ZoneSetpoints[zone] = target - 2
			}
		}

	case models.ModeCool:
		// Make sure zone heating cannot fight the pump.
		for zone := range impacted {
			actions.ZoneSetpoints[zone] = coolingZoneFloorC
		}
		if inside > target {
			cmd.Setpoint = models.Float(target - 1)
		} else {
			cmd.Setpoint = models.Float(target)
		}

	default:
		for zone := range impacted {
			actions.ZoneSetpoints[zone] = offZoneFloorC
		}
	}

	actions.HeatPump = cmd
}

// zoneMetricsFor resolves inside and event-adjusted target temperatures
// for the given zones, dropping any zone missing either.
func (c *Controller) zoneMetricsFor(
	zones map[string]float64,
	states map[string]models.DeviceState,
	window *schedule.EventWindow,
	now time.Time,
	log *logrus.Entry,
) map[string]zoneMetrics {
	result := make(map[string]zoneMetrics, len(zones))
	for zone := range zones {
		state, ok := states[zone]
		if !ok || state.CurrentTemperature == nil {
			log.WithFields(logrus.Fields{"zone": zone}).Warn("No inside temperature, skipping zone")
			continue
		}

		zcfg := c.cfg.HVACSystems[zone]
		target, found := zcfg.Schedule.EventAdjustedTarget(
			now, window,
			zcfg.Flexibility.Upward, zcfg.Flexibility.Downward,
			zcfg.Preconditioning,
		)
		if !found {
			log.WithFields(logrus.Fields{"zone": zone}).Warn("No target temperature, skipping zone")
			continue
		}

		result[zone] = zoneMetrics{
			insideTemp: *state.CurrentTemperature,
			targetTemp: target,
		}
		c.metrics.zoneTemperature.WithLabelValues(zone).Set(*state.CurrentTemperature)
	}
	return result
}

// execute issues the service calls for the action set, skipping commands
// whose value matches the current device state. Returns the number of
// calls issued; individual failures are logged and do not stop the rest.
func (c *Controller) execute(
	ctx context.Context,
	actions models.ControlActions,
	states map[string]models.DeviceState,
	log *logrus.Entry,
) int {
	issued := 0
	hpEntity := c.cfg.Controller.HeatPumpEntityID

	if cmd := actions.HeatPump; cmd != nil {
		current := states[hpEntity]

		if string(cmd.Mode) == current.State {
			log.Debug("No change to heat pump mode requested")
		} else if err := c.gateway.SetHVACMode(ctx, hpEntity, cmd.Mode); err != nil {
			log.WithError(err).Error("Failed to set heat pump mode")
		} else {
			c.metrics.commandsTotal.WithLabelValues("set_hvac_mode").Inc()
			issued++
		}

		switch {
		case cmd.Mode == models.ModeOff:
			log.Debug("Heat pump off, skipping setpoint adjustment")
		case cmd.Setpoint == nil:
			log.Warn("No heat pump setpoint resolved")
		case current.TargetTemperature != nil && *current.TargetTemperature == *cmd.Setpoint:
			log.Debug("No change to heat pump setpoint requested")
		default:
			if err := c.gateway.SetTemperature(ctx, hpEntity, *cmd.Setpoint); err != nil {
				log.WithError(err).Error("Failed to set heat pump setpoint")
			} else {
				c.metrics.commandsTotal.WithLabelValues("set_temperature").Inc()
				c.metrics.zoneSetpoint.WithLabelValues(hpEntity).Set(*cmd.Setpoint)
				issued++
			}
		}
	}

	for zone, setpoint := range actions.ZoneSetpoints {
		current := states[zone]
		if current.TargetTemperature != nil && *current.TargetTemperature == setpoint {
			log.WithFields(logrus.Fields{"zone": zone}).Debug("No change to zone setpoint requested")
			continue
		}

		if err := c.gateway.SetTemperature(ctx, zone, setpoint); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"zone": zone}).Error("Failed to set zone setpoint")
			continue
		}
		c.metrics.commandsTotal.WithLabelValues("set_temperature").Inc()
		c.metrics.zoneSetpoint.WithLabelValues(zone).Set(setpoint)
		issued++
	}

	return issued
}

// record persists the cycle's observations. Best effort: storage problems
// must never fail control.
func (c *Controller) record(ctx context.Context, status *Status, states map[string]models.DeviceState, log *logrus.Entry) {
	buildingID := c.cfg.Controller.BuildingID
	now := status.Time

	observations := []models.Observation{
		{Time: now, BuildingID: buildingID, EntityID: c.cfg.Controller.WeatherEntityID, Metric: "outdoor_temperature", Value: status.OutdoorTempC},
		{Time: now, BuildingID: buildingID, EntityID: c.cfg.Controller.HeatPumpEntityID, Metric: "cop", Value: status.HeatPumpCOP},
	}
	if status.HeatPumpSetpoint != nil {
		observations = append(observations, models.Observation{
			Time: now, BuildingID: buildingID, EntityID: c.cfg.Controller.HeatPumpEntityID,
			Metric: "setpoint", Value: *status.HeatPumpSetpoint,
		})
	}
	for zone, setpoint := range status.ZoneSetpoints {
		observations = append(observations, models.Observation{
			Time: now, BuildingID: buildingID, EntityID: zone, Metric: "setpoint", Value: setpoint,
		})
		if state, ok := states[zone]; ok && state.CurrentTemperature != nil {
			observations = append(observations, models.Observation{
				Time: now, BuildingID: buildingID, EntityID: zone,
				Metric: "inside_temperature", Value: *state.CurrentTemperature,
			})
		}
	}

	if err := c.recorder.Record(ctx, observations); err != nil {
		log.WithError(err).Warn("Failed to record observations")
	}
}
