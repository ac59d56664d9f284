package controller

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the controller's Prometheus collectors. The Telegraf add-on
// scrapes these from the /metrics endpoint.
type Metrics struct {
	outdoorTemp     prometheus.Gauge
	heatPumpCOP     prometheus.Gauge
	heatPumpHeating prometheus.Gauge
	heatPumpCooling prometheus.Gauge
	peakEventActive prometheus.Gauge
	zoneSetpoint    *prometheus.GaugeVec
	zoneTemperature *prometheus.GaugeVec
	commandsTotal   *prometheus.CounterVec
	cycleErrors     prometheus.Counter
	cycleDuration   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer, buildingID string) *Metrics {
	constLabels := prometheus.Labels{"building_id": buildingID}

	m := &Metrics{
		outdoorTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "outdoor_temperature_celsius",
			Help:        "Outdoor temperature used for the last control decision",
			ConstLabels: constLabels,
		}),
		heatPumpCOP: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "heat_pump_cop",
			Help:        "Modeled heat pump COP at current outdoor temperature",
			ConstLabels: constLabels,
		}),
		heatPumpHeating: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "heat_pump_heating_binary",
			Help:        "Heat pump commanded into heating mode",
			ConstLabels: constLabels,
		}),
		heatPumpCooling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "heat_pump_cooling_binary",
			Help:        "Heat pump commanded into cooling mode",
			ConstLabels: constLabels,
		}),
		peakEventActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "peak_event_active_binary",
			Help:        "A grid peak event is currently active",
			ConstLabels: constLabels,
		}),
		zoneSetpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "zone_setpoint_celsius",
			Help:        "Last commanded setpoint per zone",
			ConstLabels: constLabels,
		}, []string{"zone"}),
		zoneTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "zone_temperature_celsius",
			Help:        "Last observed inside temperature per zone",
			ConstLabels: constLabels,
		}, []string{"zone"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "commands_total",
			Help:        "Climate service calls issued, by service",
			ConstLabels: constLabels,
		}, []string{"service"}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "cycle_errors_total",
			Help:        "Control cycles that aborted with an error",
			ConstLabels: constLabels,
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "hems",
			Subsystem:   "controller",
			Name:        "cycle_duration_seconds",
			Help:        "Control cycle duration",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		m.outdoorTemp,
		m.heatPumpCOP,
		m.heatPumpHeating,
		m.heatPumpCooling,
		m.peakEventActive,
		m.zoneSetpoint,
		m.zoneTemperature,
		m.commandsTotal,
		m.cycleErrors,
		m.cycleDuration,
	)

	return m
}

func (m *Metrics) observeMode(heating, cooling bool) {
	set := func(g prometheus.Gauge, on bool) {
		if on {
			g.Set(1)
		} else {
			g.Set(0)
		}
	}
	set(m.heatPumpHeating, heating)
	set(m.heatPumpCooling, cooling)
}
