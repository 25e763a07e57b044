package alerts

import (
	"maps"
	"sync"
	"time"
)

// Metric names a plugin may emit in its "metrics" object to feed alerting.
const (
	MetricSiteUp       = "site_up"
	MetricCPUUsage     = "cpu_usage"
	MetricTemperature  = "temperature"
	MetricBatteryLevel = "battery_level"
	MetricHasBattery   = "has_battery"
)

type monitorState struct {
	up        bool
	downSince time.Time
	checkedAt time.Time
}

// Snapshotter folds plugin metrics into the latest telemetry Context.
type Snapshotter struct {
	mu       sync.Mutex
	monitors map[string]*monitorState
	cpu      *CPUDetails
	system   *SystemMetrics
	custom   map[string]any
}

func NewSnapshotter() *Snapshotter {
	return &Snapshotter{
		monitors: make(map[string]*monitorState),
		custom:   make(map[string]any),
	}
}

// Observe records the metrics one plugin reported at time at. Unknown metric
// names are kept under Custom as "<plugin>.<name>".
func (s *Snapshotter) Observe(pluginID string, metrics map[string]float64, at time.Time) {
	if len(metrics) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, v := range metrics {
		switch name {
		case MetricSiteUp:
			st, ok := s.monitors[pluginID]
			if !ok {
				st = &monitorState{up: true}
				s.monitors[pluginID] = st
			}
			up := v != 0
			if !up && (st.up || st.downSince.IsZero()) {
				st.downSince = at
			}
			st.up = up
			st.checkedAt = at
		case MetricCPUUsage:
			s.system = &SystemMetrics{CPUUsage: v}
		case MetricTemperature:
			s.ensureCPU().Temperature = v
		case MetricBatteryLevel:
			s.ensureCPU().BatteryLevel = v
		case MetricHasBattery:
			s.ensureCPU().HasBattery = v != 0
		default:
			s.custom[pluginID+"."+name] = v
		}
	}
}

func (s *Snapshotter) ensureCPU() *CPUDetails {
	if s.cpu == nil {
		s.cpu = &CPUDetails{BatteryLevel: -1}
	}
	return s.cpu
}

// Snapshot returns a copy of the current telemetry. When several monitors
// report, the one down the longest is chosen; a down monitor's CheckedAt is
// the moment it went down.
func (s *Snapshotter) Snapshot() Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Context
	for id, st := range s.monitors {
		cand := MonitorStatus{IsUp: st.up, CheckedAt: st.checkedAt}
		if !st.up {
			cand.CheckedAt = st.downSince
		}
		if snap.Monitor == nil || betterMonitor(cand, *snap.Monitor) {
			m := cand
			snap.Monitor = &m
			snap.MonitorID = id
		}
	}
	if s.cpu != nil {
		c := *s.cpu
		snap.CPU = &c
	}
	if s.system != nil {
		m := *s.system
		snap.System = &m
	}
	if len(s.custom) > 0 {
		snap.Custom = maps.Clone(s.custom)
	}
	return snap
}

func betterMonitor(cand, cur MonitorStatus) bool {
	if cand.IsUp != cur.IsUp {
		return !cand.IsUp
	}
	if !cand.IsUp {
		return cand.CheckedAt.Before(cur.CheckedAt)
	}
	return cand.CheckedAt.After(cur.CheckedAt)
}
