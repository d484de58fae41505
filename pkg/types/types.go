package types

import (
	"time"
)

// TelemetrySample is one decoded reading from the battery's live stream.
// Sign conventions follow the vendor payload: BatteryPowerW is positive while
// charging, GridPowerW is positive while importing from the grid.
type TelemetrySample struct {
	Timestamp time.Time `json:"timestamp"`

	BatterySOC float64 `json:"batterySOC"`
	BatterySOH float64 `json:"batterySOH"`

	SolarW        float64 `json:"solarW"`
	BatteryPowerW float64 `json:"batteryPowerW"`
	GridPowerW    float64 `json:"gridPowerW"`
	// ConsumptionW is the house load. The stream doesn't report it directly so
	// it is derived from the other three readings when decoded.
	ConsumptionW float64 `json:"consumptionW"`

	// CapacityKWH is the usable battery capacity as reported by the device.
	// Zero when the device hasn't reported it yet.
	CapacityKWH float64 `json:"capacityKWH,omitempty"`
	// WorkingMode is the vendor's operating-mode label (e.g. "auto",
	// "advanced"), informational only.
	WorkingMode string `json:"workingMode,omitempty"`
}

// GridExportW returns the power currently being exported to the grid, or 0
// when importing.
func (t TelemetrySample) GridExportW() float64 {
	if t.GridPowerW < 0 {
		return -t.GridPowerW
	}
	return 0
}

// GridImportW returns the power currently being imported from the grid, or 0
// when exporting.
func (t TelemetrySample) GridImportW() float64 {
	if t.GridPowerW > 0 {
		return t.GridPowerW
	}
	return 0
}

// ForecastHour is a single hour of solar production forecast, in average
// watts over the hour starting at Start.
type ForecastHour struct {
	Start time.Time `json:"start"`
	P10W  float64   `json:"p10W"`
	P50W  float64   `json:"p50W"`
	P90W  float64   `json:"p90W"`
}

// ForecastSample is one source's pre-parsed forecast covering today and
// tomorrow, hourly. Sources that only publish a single estimate synthesize
// the P10/P90 variants around it.
type ForecastSample struct {
	SourceID  string         `json:"sourceID"`
	FetchedAt time.Time      `json:"fetchedAt"`
	Hours     []ForecastHour `json:"hours"`
}

// Confidence grades how much of the forecast ensemble actually contributed.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// EnsembleForecast is the merged multi-source solar forecast.
type EnsembleForecast struct {
	GeneratedAt time.Time `json:"generatedAt"`
	// Sources lists the source IDs that contributed this cycle.
	Sources    []string   `json:"sources"`
	Confidence Confidence `json:"confidence"`

	// TodayKWH and TomorrowKWH are the median (P50) daily totals.
	TodayKWH    float64 `json:"todayKWH"`
	TomorrowKWH float64 `json:"tomorrowKWH"`

	Hours []ForecastHour `json:"hours"`
}

// ChargePhase names one stage of the nightly battery plan.
type ChargePhase string

const (
	// PhaseHold keeps the battery idle: no discharge, no grid charge.
	PhaseHold ChargePhase = "hold"
	// PhaseOffPeakCharge charges from the grid during an off-peak window.
	PhaseOffPeakCharge ChargePhase = "offpeak_charge"
	// PhaseCheapCharge charges from the grid during the cheapest window.
	PhaseCheapCharge ChargePhase = "cheap_charge"
	// PhaseSolarPriority lets solar and the battery carry the house: discharge
	// allowed, no grid charge.
	PhaseSolarPriority ChargePhase = "solar_priority"
)

// PlanPhase is one entry of the plan's phase schedule. End is exclusive.
type PlanPhase struct {
	Phase ChargePhase `json:"phase"`
	Start time.Time   `json:"start"`
	End   time.Time   `json:"end"`
}

// OptimizationPlan is the nightly charge plan. It is replaced wholesale on
// every planning cycle and never mutated in place.
type OptimizationPlan struct {
	TargetSOC    float64     `json:"targetSOC"`
	ChargePowerW int         `json:"chargePowerW"`
	Phases       []PlanPhase `json:"phases"`
	Reasoning    string      `json:"reasoning"`
	ComputedAt   time.Time   `json:"computedAt"`
}

// PhaseAt returns the phase covering the given instant, or PhaseHold if the
// instant falls outside the schedule (e.g. a stale plan past its horizon).
func (p OptimizationPlan) PhaseAt(t time.Time) ChargePhase {
	for _, ph := range p.Phases {
		if !t.Before(ph.Start) && t.Before(ph.End) {
			return ph.Phase
		}
	}
	return PhaseHold
}

// HeaterRule identifies which rule of the water-heater decision table fired.
type HeaterRule string

const (
	HeaterRuleDisabled       HeaterRule = "disabled"
	HeaterRuleExportSurplus  HeaterRule = "export_surplus"
	HeaterRuleExportLost     HeaterRule = "export_lost"
	HeaterRuleStorageSurplus HeaterRule = "storage_surplus"
	HeaterRuleStorageLost    HeaterRule = "storage_lost"
	HeaterRuleBatteryFull    HeaterRule = "battery_full"
	HeaterRuleBatteryDrained HeaterRule = "battery_drained"
	HeaterRuleOffPeakTopUp   HeaterRule = "offpeak_topup"
	HeaterRulePeakImport     HeaterRule = "peak_import"
	HeaterRuleHold           HeaterRule = "hold"
)

// WaterHeaterState is the heater's current decision state, including the
// hysteresis flags that keep surplus-driven heating from oscillating.
type WaterHeaterState struct {
	On               bool       `json:"on"`
	ActiveRule       HeaterRule `json:"activeRule"`
	DailyEnergyKWH   float64    `json:"dailyEnergyKWH"`
	LastTransitionAt time.Time  `json:"lastTransitionAt"`

	ViaExportSurplus  bool `json:"viaExportSurplus"`
	ViaStorageSurplus bool `json:"viaStorageSurplus"`
	ViaBatteryFull    bool `json:"viaBatteryFull"`
}

// SafetyVerdict is the safety monitor's output for one evaluation. It is
// transient and recomputed every cycle, never persisted.
type SafetyVerdict struct {
	// EmergencyStop forces prevent-discharge with no grid charge, overriding
	// whatever the plan says.
	EmergencyStop bool `json:"emergencyStop"`
	// Stale is set once telemetry is older than the warning threshold.
	Stale bool `json:"stale"`
	// FallbackToAuto is set once telemetry has been gone long enough that the
	// battery should be handed back to the vendor's automatic mode.
	FallbackToAuto bool   `json:"fallbackToAuto"`
	Reason         string `json:"reason,omitempty"`
}

// BatteryCommand is the directive sent to the battery's control channel.
type BatteryCommand struct {
	PreventDischarge bool `json:"preventDischarge"`
	AllowGridCharge  bool `json:"allowGridCharge"`
	ChargePowerW     int  `json:"chargePowerW"`

	// MinSOC and MaxSOC bound the battery while under manual control. MaxSOC
	// caps grid charging at the plan target so the battery stops on its own
	// even if a command is missed.
	MinSOC int `json:"minSOC"`
	MaxSOC int `json:"maxSOC"`
}

// DecisionKind categorizes entries in the decision log.
type DecisionKind string

const (
	DecisionBattery DecisionKind = "battery"
	DecisionHeater  DecisionKind = "heater"
	DecisionSafety  DecisionKind = "safety"
)

// Decision is one logged action: a battery command, a heater transition, or a
// safety escalation, with the reasoning that produced it.
type Decision struct {
	Timestamp time.Time    `json:"timestamp"`
	Kind      DecisionKind `json:"kind"`

	Phase    ChargePhase     `json:"phase,omitempty"`
	Command  *BatteryCommand `json:"command,omitempty"`
	HeaterOn *bool           `json:"heaterOn,omitempty"`

	Reason string `json:"reason"`
}

// Season is the planning season, which selects the minimum SoC floor.
type Season string

const (
	SeasonSummer Season = "summer"
	SeasonWinter Season = "winter"
)

// BucketState is the persisted form of one consumption bucket.
type BucketState struct {
	Day   int     `json:"day"`
	Hour  int     `json:"hour"`
	MeanW float64 `json:"meanW"`
	// Welford accumulators for the running variance.
	Count int64   `json:"count"`
	WMean float64 `json:"wMean"`
	M2    float64 `json:"m2"`
}

// AccuracyOutcome is one recorded prediction-vs-actual pair for a forecast
// source. Date is a local calendar day formatted as 2006-01-02.
type AccuracyOutcome struct {
	Date         string  `json:"date"`
	PredictedKWH float64 `json:"predictedKWH"`
	ActualKWH    float64 `json:"actualKWH"`
}

// SavedState is everything the engine persists so learned statistics and
// hysteresis survive a restart. The layout is internal to sunpilot, not a
// public contract.
type SavedState struct {
	Buckets  []BucketState                `json:"buckets,omitempty"`
	Outcomes map[string][]AccuracyOutcome `json:"outcomes,omitempty"`

	Heater   WaterHeaterState  `json:"heater"`
	LastPlan *OptimizationPlan `json:"lastPlan,omitempty"`

	// DayPredictions holds each source's first predicted total for the current
	// day, matched against measured production at midnight.
	DayPredictions map[string]float64 `json:"dayPredictions,omitempty"`
	// ProducedTodayKWH is solar production integrated from telemetry since
	// local midnight.
	ProducedTodayKWH float64 `json:"producedTodayKWH"`

	SavedAt time.Time `json:"savedAt"`
}
