package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rueda1208/hems-controller/internal/schedule"
)

// Config holds all configuration for the controller add-on.
type Config struct {
	HomeAssistant HomeAssistantConfig   `mapstructure:"home_assistant"`
	HEMS          HEMSConfig            `mapstructure:"hems"`
	Controller    ControllerConfig      `mapstructure:"controller"`
	HeatPump      HeatPumpConfig        `mapstructure:"heat_pump"`
	HVACSystems   map[string]ZoneConfig `mapstructure:"hvac_systems"`
	Web           WebConfig             `mapstructure:"web"`
	Database      *DatabaseConfig       `mapstructure:"database"`
	MQTT          *MQTTConfig           `mapstructure:"mqtt"`
	Logging       LoggingConfig         `mapstructure:"logging"`

	// Bundled-Telegraf variant only; the controller never reads the file,
	// it just hands the path to the Telegraf launcher.
	TelegrafConfigPath string `mapstructure:"telegraf_config_path"`
}

type HomeAssistantConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Token          string  `mapstructure:"token"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

func (c HomeAssistantConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type HEMSConfig struct {
	APIBaseURL     string `mapstructure:"api_base_url"`
	PeakEventsFile string `mapstructure:"peak_events_file"`
}

type ControllerConfig struct {
	BuildingID          string `mapstructure:"building_id"`
	HeatPumpEnabled     bool   `mapstructure:"heat_pump_enabled"`
	EnvironmentSensorID string `mapstructure:"environment_sensor_id"`
	WeatherEntityID     string `mapstructure:"weather_entity_id"`
	HeatPumpEntityID    string `mapstructure:"heat_pump_entity_id"`
	Schedule            string `mapstructure:"schedule"`
}

// HeatPumpConfig carries the manufacturer COP performance points used to
// fit the per-mode COP regression models.
type HeatPumpConfig struct {
	PerformanceSpecs PerformanceSpecs `mapstructure:"performance_specs"`
}

type PerformanceSpecs struct {
	Heating ModeSpec `mapstructure:"heating"`
	Cooling ModeSpec `mapstructure:"cooling"`
}

type ModeSpec struct {
	COPPoints map[string]COPPoint `mapstructure:"COP_points"`
}

type COPPoint struct {
	OutdoorDryBulbC float64 `mapstructure:"outdoor_dry_bulb_C"`
	Max             float64 `mapstructure:"max"`
}

// ZoneConfig describes one hvac_systems entry. Regular zones carry a flat
// schedule; the heat pump entry carries one schedule per operating mode.
type ZoneConfig struct {
	HeatPumpImpact  float64               `mapstructure:"heat_pump_impact"`
	Flexibility     Flexibility           `mapstructure:"flexibility"`
	Preconditioning bool                  `mapstructure:"preconditioning"`
	Schedule        schedule.WeekSchedule `mapstructure:"schedule"`
	Heating         *ModeScheduleConfig   `mapstructure:"heating"`
	Cooling         *ModeScheduleConfig   `mapstructure:"cooling"`
}

type Flexibility struct {
	Upward   float64 `mapstructure:"upward"`
	Downward float64 `mapstructure:"downward"`
}

type ModeScheduleConfig struct {
	Schedule schedule.WeekSchedule `mapstructure:"schedule"`
}

type WebConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type DatabaseConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Name              string `mapstructure:"name"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	SSLMode           string `mapstructure:"ssl_mode"`
	MaxConnections    int    `mapstructure:"max_connections"`
	ConnectionTimeout int    `mapstructure:"connection_timeout"`
}

// ConnString builds a lib/pq connection string from the section.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type MQTTConfig struct {
	Broker          string `mapstructure:"broker"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	TopicPrefix     string `mapstructure:"topic_prefix"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
//
// The file is read once, environment references ($VAR or ${VAR}) are
// expanded, and the result is decoded through viper so defaults and the
// add-on environment overrides (HEMS_API_BASE_URL, BUILDING_ID,
// HEAT_PUMP_ENABLED, ENVIRONMENT_SENSOR_ID) apply.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables before parsing
	expanded := os.ExpandEnv(string(data))

	// The default "." key delimiter would split hvac_systems map keys,
	// which are entity IDs like "climate.living_room".
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigType("yaml")
	setDefaults(v)
	bindAddonEnv(v)

	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.HomeAssistant.Token == "" {
		config.HomeAssistant.Token = os.Getenv("SUPERVISOR_TOKEN")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home_assistant::base_url", "http://supervisor/core")
	v.SetDefault("home_assistant::timeout_seconds", 30)
	v.SetDefault("home_assistant::rate_limit", 5.0)
	v.SetDefault("home_assistant::rate_limit_burst", 10)

	v.SetDefault("hems::api_base_url", "http://hems.hydroquebec.lab:8500")

	v.SetDefault("controller::building_id", "")
	v.SetDefault("controller::heat_pump_enabled", false)
	v.SetDefault("controller::environment_sensor_id", "")
	v.SetDefault("controller::weather_entity_id", "weather.home")
	v.SetDefault("controller::heat_pump_entity_id", "climate.heat_pump")
	v.SetDefault("controller::schedule", "*/5 * * * *")

	v.SetDefault("web::listen_addr", ":9100")

	v.SetDefault("logging::level", "info")
	v.SetDefault("logging::format", "json")
}

// bindAddonEnv maps the add-on launch environment onto config keys. The
// run script exports these from bashio::config before starting us.
func bindAddonEnv(v *viper.Viper) {
	v.BindEnv("hems::api_base_url", "HEMS_API_BASE_URL")
	v.BindEnv("controller::building_id", "BUILDING_ID")
	v.BindEnv("controller::heat_pump_enabled", "HEAT_PUMP_ENABLED")
	v.BindEnv("controller::environment_sensor_id", "ENVIRONMENT_SENSOR_ID")
	v.BindEnv("telegraf_config_path", "TELEGRAF_CONFIG_PATH")
}

// ZonesWithImpact partitions hvac_systems by heat pump impact. The heat
// pump entry itself is never included. When heat pump control is disabled
// every zone is treated as unimpacted with impact 0.
func (c *Config) ZonesWithImpact(withImpact bool) map[string]float64 {
	result := make(map[string]float64)
	for zone, settings := range c.HVACSystems {
		if strings.Contains(zone, "heat_pump") {
			continue
		}

		if !c.Controller.HeatPumpEnabled {
			if withImpact {
				continue
			}
			result[zone] = 0.0
			continue
		}

		if (settings.HeatPumpImpact > 0.0) == withImpact {
			result[zone] = settings.HeatPumpImpact
		}
	}
	return result
}
