// Package alerts evaluates typed alert rules against point-in-time telemetry
// snapshots and delivers fired alerts to notification channels.
package alerts

import (
	"encoding/json"
	"time"
)

// Kind names a rule variant. It is also the YAML/JSON "type" discriminator.
type Kind string

const (
	KindSiteDown        Kind = "site_down"
	KindNewMentions     Kind = "new_mentions"
	KindBatteryLow      Kind = "battery_low"
	KindTemperatureHigh Kind = "temperature_high"
	KindCPUHigh         Kind = "cpu_high"
	KindCustom          Kind = "custom"
)

// Rule is the closed set of alert conditions. Only types in this package
// implement it.
type Rule interface {
	Kind() Kind
	rule()
}

// SiteDown matches a monitor that has been down for at least Minutes.
type SiteDown struct {
	Minutes int `json:"minutes"`
}

// NewMentions would match Count mentions within Hours. Mention history is not
// tracked, so it never matches.
type NewMentions struct {
	Count int `json:"count"`
	Hours int `json:"hours"`
}

// BatteryLow matches a battery-powered device below ThresholdPct.
type BatteryLow struct {
	ThresholdPct float64 `json:"threshold_pct"`
}

// TemperatureHigh matches CPU temperature above ThresholdC. Duration is the
// sustain window; Evaluate ignores it, SustainTracker enforces it.
type TemperatureHigh struct {
	ThresholdC float64       `json:"threshold_c"`
	Duration   time.Duration `json:"duration"`
}

// CPUHigh matches CPU usage above ThresholdPct. Duration as for TemperatureHigh.
type CPUHigh struct {
	ThresholdPct float64       `json:"threshold_pct"`
	Duration     time.Duration `json:"duration"`
}

// Custom delegates to a plugin-side evaluator and never matches here.
type Custom struct {
	PluginID string          `json:"plugin_id"`
	Config   json.RawMessage `json:"config,omitempty"`
}

func (SiteDown) Kind() Kind        { return KindSiteDown }
func (NewMentions) Kind() Kind     { return KindNewMentions }
func (BatteryLow) Kind() Kind      { return KindBatteryLow }
func (TemperatureHigh) Kind() Kind { return KindTemperatureHigh }
func (CPUHigh) Kind() Kind         { return KindCPUHigh }
func (Custom) Kind() Kind          { return KindCustom }

func (SiteDown) rule()        {}
func (NewMentions) rule()     {}
func (BatteryLow) rule()      {}
func (TemperatureHigh) rule() {}
func (CPUHigh) rule()         {}
func (Custom) rule()          {}

// Evaluate reports whether rule holds for the snapshot at time now. It never
// mutates its inputs and returns false when the fields a rule needs are absent.
func Evaluate(rule Rule, snap Context, now time.Time) bool {
	switch r := rule.(type) {
	case SiteDown:
		if snap.Monitor == nil || snap.Monitor.IsUp {
			return false
		}
		downMinutes := int64(now.Sub(snap.Monitor.CheckedAt) / time.Minute)
		return downMinutes >= int64(r.Minutes)
	case NewMentions:
		return false
	case BatteryLow:
		cpu := snap.CPU
		if cpu == nil || !cpu.HasBattery || cpu.BatteryLevel < 0 {
			return false
		}
		return cpu.BatteryLevel < r.ThresholdPct
	case TemperatureHigh:
		if snap.CPU == nil {
			return false
		}
		return snap.CPU.Temperature > r.ThresholdC
	case CPUHigh:
		if snap.System == nil {
			return false
		}
		return snap.System.CPUUsage > r.ThresholdPct
	case Custom:
		return false
	default:
		return false
	}
}

// sustainWindow returns the sustain duration carried by rule, or zero.
func sustainWindow(rule Rule) time.Duration {
	switch r := rule.(type) {
	case TemperatureHigh:
		return r.Duration
	case CPUHigh:
		return r.Duration
	}
	return 0
}
