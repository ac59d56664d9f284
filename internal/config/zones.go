package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// UpdateZones adds hvac_systems entries for newly discovered climate
// entities so a fresh installation starts with sensible schedules the
// user can then tune. Existing entries are never touched. Returns the
// entity IDs that were added.
func UpdateZones(path string, entityIDs []string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}

	systems, ok := doc["hvac_systems"].(map[string]any)
	if !ok {
		systems = make(map[string]any)
		doc["hvac_systems"] = systems
	}

	var added []string
	for _, id := range entityIDs {
		if !strings.HasPrefix(id, "climate.") {
			continue
		}
		if _, exists := systems[id]; exists {
			continue
		}

		if strings.Contains(id, "heat_pump") {
			systems[id] = defaultHeatPumpEntry()
		} else {
			systems[id] = defaultZoneEntry()
		}
		added = append(added, id)
	}

	if len(added) == 0 {
		return nil, nil
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write config file: %w", err)
	}

	return added, nil
}

func defaultWeekSchedule() map[string]any {
	slot := func(target float64) map[string]any {
		return map[string]any{"target_temp_C": target}
	}
	return map[string]any{
		"weekday": map[string]any{
			"time_slots": map[string]any{
				"6h00-22h00": slot(21),
				"22h00-6h00": slot(18),
			},
		},
		"weekend": map[string]any{
			"time_slots": map[string]any{
				"8h00-23h00": slot(22),
				"23h00-8h00": slot(19),
			},
		},
	}
}

func defaultZoneEntry() map[string]any {
	return map[string]any{
		"heat_pump_impact": 0.0,
		"flexibility": map[string]any{
			"upward":   0.0,
			"downward": 0.0,
		},
		"preconditioning": false,
		"schedule":        defaultWeekSchedule(),
	}
}

func defaultHeatPumpEntry() map[string]any {
	return map[string]any{
		"heating": map[string]any{"schedule": defaultWeekSchedule()},
		"cooling": map[string]any{"schedule": defaultWeekSchedule()},
	}
}
