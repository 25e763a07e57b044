package main

import (
	"log/slog"
	"reflect"
	"slices"

	"github.com/basket/go-beacon/internal/alerts"
	"github.com/basket/go-beacon/internal/config"
	"github.com/basket/go-beacon/internal/plugins"
)

// syncPlugins makes the registry match the configured plugins. Unchanged
// entries keep their schedule; changed ones are re-added and run on the next
// tick. It returns how many entries were added, replaced or removed.
func syncPlugins(reg *plugins.Registry, pcs []config.PluginConfig, logger *slog.Logger) int {
	changed := 0
	want := make(map[string]bool, len(pcs))
	for _, pc := range pcs {
		p := pc.Plugin()
		want[p.ID] = true
		if cur, err := reg.Get(p.ID); err == nil {
			cur.LastRun = nil
			if reflect.DeepEqual(cur, p) {
				continue
			}
			reg.Remove(p.ID)
		}
		if err := reg.Add(p); err != nil {
			logger.Warn("plugin skipped", "plugin_id", p.ID, "error", err)
			continue
		}
		changed++
	}
	for _, p := range reg.List() {
		if !want[p.ID] {
			reg.Remove(p.ID)
			changed++
		}
	}
	return changed
}

// syncAlerts makes the manager match the configured alerts, carrying the last
// firing time over so a reload does not reset cooldowns.
func syncAlerts(m *alerts.Manager, acs []config.AlertConfig, logger *slog.Logger) int {
	changed := 0
	want := make(map[string]bool, len(acs))
	for _, ac := range acs {
		a, err := ac.Alert()
		if err != nil {
			logger.Warn("alert skipped", "alert_id", ac.ID, "error", err)
			continue
		}
		want[a.ID] = true
		if cur, err := m.Get(a.ID); err == nil {
			a.LastFired = cur.LastFired
			if sameAlert(cur, a) {
				continue
			}
			m.Remove(a.ID)
		}
		if err := m.Add(a); err != nil {
			logger.Warn("alert skipped", "alert_id", a.ID, "error", err)
			continue
		}
		changed++
	}
	for _, a := range m.List() {
		if !want[a.ID] {
			m.Remove(a.ID)
			changed++
		}
	}
	return changed
}

func sameAlert(a, b alerts.Alert) bool {
	return a.Name == b.Name &&
		a.Enabled == b.Enabled &&
		a.Cooldown == b.Cooldown &&
		slices.Equal(a.Channels, b.Channels) &&
		reflect.DeepEqual(alerts.SpecOf(a.Rule), alerts.SpecOf(b.Rule))
}
