package alerts

import "time"

// Context is the telemetry snapshot a rule is evaluated against. Nil sections
// mean the collector had nothing to report.
type Context struct {
	MonitorID string
	Monitor   *MonitorStatus
	CPU       *CPUDetails
	System    *SystemMetrics
	Custom    map[string]any
}

type MonitorStatus struct {
	IsUp      bool
	CheckedAt time.Time
}

type CPUDetails struct {
	HasBattery bool
	// BatteryLevel is a percentage, or -1 when the reading is unavailable.
	BatteryLevel float64
	Temperature  float64
}

type SystemMetrics struct {
	CPUUsage float64
}
