package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// TariffPeriod is one configured time-of-day pricing window. Start and End
// are "HH:MM" local-time strings; Start after End means the window wraps past
// midnight into the next day.
type TariffPeriod struct {
	Label       string  `json:"label"`
	Start       string  `json:"start"`
	End         string  `json:"end"`
	EurosPerKWH float64 `json:"eurosPerKWH"`
}

// Settings represents the per-home configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// Pause all battery/heater commands (decisions still computed and logged).
	Pause bool `json:"pause"`

	// Battery
	// BatteryCapacityKWH is the fallback capacity used until the device
	// reports its own. Zero means unknown.
	BatteryCapacityKWH float64 `json:"batteryCapacityKWH"`

	// Tariff
	// Up to 6 periods; time not covered by any period is billed at the
	// default price. Overlapping periods resolve in declaration order.
	TariffPeriods           []TariffPeriod `json:"tariffPeriods"`
	DefaultTariffEurosPerKWH float64       `json:"defaultTariffEurosPerKWH"`

	// Seasonal minimum SoC floors for the nightly plan.
	SummerMinSOC float64 `json:"summerMinSOC"`
	WinterMinSOC float64 `json:"winterMinSOC"`
	// WinterMonths lists the months (1-12) treated as winter.
	WinterMonths []int `json:"winterMonths"`

	// Water heater
	HeaterEnabled     bool    `json:"heaterEnabled"`
	HeaterPowerW      float64 `json:"heaterPowerW"`
	HeaterDailyMinKWH float64 `json:"heaterDailyMinKWH"`

	// PlanHourLocal is the local hour (0-23) at which the nightly plan runs.
	PlanHourLocal int `json:"planHourLocal"`

	// Timezone is the IANA location all local-time logic runs in.
	Timezone string `json:"timezone"`
}

// DefaultSettings returns the settings applied on a fresh install: a French
// HC/HSC tariff layout and the stock battery/heater parameters.
func DefaultSettings() Settings {
	return Settings{
		BatteryCapacityKWH:       13.4,
		DefaultTariffEurosPerKWH: 0.27,
		TariffPeriods: []TariffPeriod{
			{Label: "hc_night", Start: "23:00", End: "02:00", EurosPerKWH: 0.21},
			{Label: "hsc", Start: "02:00", End: "06:00", EurosPerKWH: 0.16},
			{Label: "hc_morning", Start: "06:00", End: "07:00", EurosPerKWH: 0.21},
		},
		SummerMinSOC:      20,
		WinterMinSOC:      50,
		WinterMonths:      []int{11, 12, 1, 2, 3},
		HeaterEnabled:     true,
		HeaterPowerW:      2000,
		HeaterDailyMinKWH: 3,
		PlanHourLocal:     21,
		Timezone:          "Europe/Paris",
	}
}

// Location resolves the configured timezone, falling back to UTC if the
// settings haven't been migrated yet.
func (s Settings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// SeasonFor returns the season the given instant falls in, per WinterMonths.
func (s Settings) SeasonFor(t time.Time) Season {
	m := int(t.Month())
	for _, wm := range s.WinterMonths {
		if m == wm {
			return SeasonWinter
		}
	}
	return SeasonSummer
}

// MinSOCFor returns the seasonal minimum SoC floor for the given instant.
func (s Settings) MinSOCFor(t time.Time) float64 {
	if s.SeasonFor(t) == SeasonWinter {
		return s.WinterMinSOC
	}
	return s.SummerMinSOC
}

// Validate rejects settings that the engine can't act on. It's called at the
// reconfiguration boundary; a failed validation leaves the previous settings
// active.
func (s Settings) Validate() error {
	if len(s.TariffPeriods) > 6 {
		return fmt.Errorf("at most 6 tariff periods supported, got %d", len(s.TariffPeriods))
	}
	for i, p := range s.TariffPeriods {
		if p.Label == "" {
			return fmt.Errorf("tariff period %d missing label", i)
		}
		start, err := ParseClock(p.Start)
		if err != nil {
			return fmt.Errorf("tariff period %q start: %w", p.Label, err)
		}
		end, err := ParseClock(p.End)
		if err != nil {
			return fmt.Errorf("tariff period %q end: %w", p.Label, err)
		}
		if start == end {
			return fmt.Errorf("tariff period %q start and end are equal", p.Label)
		}
		if p.EurosPerKWH < 0 {
			return fmt.Errorf("tariff period %q has negative price", p.Label)
		}
	}
	if s.DefaultTariffEurosPerKWH < 0 {
		return fmt.Errorf("default tariff price is negative")
	}
	if s.BatteryCapacityKWH < 0 {
		return fmt.Errorf("battery capacity is negative")
	}
	if s.SummerMinSOC < 0 || s.SummerMinSOC > 100 {
		return fmt.Errorf("summer min SoC %.1f outside 0-100", s.SummerMinSOC)
	}
	if s.WinterMinSOC < 0 || s.WinterMinSOC > 100 {
		return fmt.Errorf("winter min SoC %.1f outside 0-100", s.WinterMinSOC)
	}
	for _, m := range s.WinterMonths {
		if m < 1 || m > 12 {
			return fmt.Errorf("winter month %d outside 1-12", m)
		}
	}
	if s.HeaterPowerW < 0 {
		return fmt.Errorf("heater power is negative")
	}
	if s.HeaterDailyMinKWH < 0 {
		return fmt.Errorf("heater daily minimum is negative")
	}
	if s.PlanHourLocal < 0 || s.PlanHourLocal > 23 {
		return fmt.Errorf("plan hour %d outside 0-23", s.PlanHourLocal)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return nil
}

// ParseClock parses an "HH:MM" time-of-day string into minutes since
// midnight.
func ParseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid time-of-day %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial defaults
			if s.BatteryCapacityKWH == 0 {
				s.BatteryCapacityKWH = 13.4
				migrated = true
			}
			if s.DefaultTariffEurosPerKWH == 0 {
				s.DefaultTariffEurosPerKWH = 0.27
				migrated = true
			}
			if s.SummerMinSOC == 0 {
				s.SummerMinSOC = 20
				migrated = true
			}
			if s.WinterMinSOC == 0 {
				s.WinterMinSOC = 50
				migrated = true
			}
			if len(s.WinterMonths) == 0 {
				s.WinterMonths = []int{11, 12, 1, 2, 3}
				migrated = true
			}
			if s.HeaterPowerW == 0 {
				s.HeaterPowerW = 2000
				migrated = true
			}
		case 2:
			// version 2: add the heater daily minimum
			if s.HeaterDailyMinKWH == 0 {
				s.HeaterDailyMinKWH = 3
				migrated = true
			}
		case 3:
			// version 3: add plan hour and timezone
			if s.PlanHourLocal == 0 {
				s.PlanHourLocal = 21
				migrated = true
			}
			if s.Timezone == "" {
				s.Timezone = "Europe/Paris"
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
