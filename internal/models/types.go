package models

import "time"

// HVACMode is a Home Assistant climate hvac_mode value.
type HVACMode string

const (
	ModeHeat HVACMode = "heat"
	ModeCool HVACMode = "cool"
	ModeOff  HVACMode = "off"
)

// DeviceState holds the subset of a Home Assistant entity state the
// controller cares about. Attribute fields are nil when the entity does
// not report them.
type DeviceState struct {
	EntityID    string
	State       string
	LastChanged time.Time

	// weather.* entities
	Temperature *float64

	// climate.* entities
	CurrentTemperature *float64
	TargetTemperature  *float64
}

// HeatPumpCommand is the desired heat pump state for one control cycle.
// Setpoint is nil when the pump is commanded off.
type HeatPumpCommand struct {
	Mode     HVACMode
	Setpoint *float64
}

// ControlActions is the full output of one decision pass: the heat pump
// command plus a setpoint per zone entity.
type ControlActions struct {
	HeatPump      *HeatPumpCommand
	ZoneSetpoints map[string]float64
}

// Observation is a single recorded metric sample, keyed by building and
// entity for downstream aggregation.
type Observation struct {
	Time       time.Time `json:"time"`
	BuildingID string    `json:"building_id"`
	EntityID   string    `json:"entity_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
}

// Float returns a pointer to v. Convenience for optional attributes.
func Float(v float64) *float64 { return &v }
