// Package hemscontroller implements the controller add-on of a home
// energy management system.
//
// # Architecture
//
// The controller is structured into several key packages:
//   - homeassistant: REST client for reading climate devices and issuing
//     service calls
//   - peakevents: Hydro-Québec peak event retrieval (HEMS API or local file)
//   - cop: quadratic COP models fitted from manufacturer performance specs
//   - schedule: zone temperature schedules and peak event adjustments
//   - controller: the periodic read-decide-execute loop
//   - history: TimescaleDB storage for controller observations
//   - web: HTTP surface (health, status, history, Prometheus metrics)
//   - mqtt: optional publishing with Home Assistant discovery
//
// Key Features
//
//   - Heat Pump Coordination:
//     The heat pump and the zone thermostats it influences are driven
//     together, using the fitted COP to decide when auxiliary heating
//     should share the load.
//
//   - Peak Events:
//     During grid peak events zone targets shed their downward
//     flexibility, with optional preconditioning before the event and a
//     recovery ramp after it.
//
//   - Observability:
//     Every cycle updates Prometheus gauges, persists observations to
//     TimescaleDB and can publish a snapshot over MQTT.
//
// For more information about specific packages, see their respective
// documentation.
package hemscontroller
