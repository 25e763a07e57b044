package alerts

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleSpec is the flat, config-file form of a Rule:
//
//	rule:
//	  type: cpu_high
//	  threshold: 90
//	  duration: 5m
type RuleSpec struct {
	Type      Kind           `yaml:"type" json:"type"`
	Minutes   int            `yaml:"minutes,omitempty" json:"minutes,omitempty"`
	Count     int            `yaml:"count,omitempty" json:"count,omitempty"`
	Hours     int            `yaml:"hours,omitempty" json:"hours,omitempty"`
	Threshold float64        `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Duration  time.Duration  `yaml:"duration,omitempty" json:"duration,omitempty"`
	PluginID  string         `yaml:"plugin_id,omitempty" json:"plugin_id,omitempty"`
	Config    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Build validates the spec and returns the typed rule.
func (s RuleSpec) Build() (Rule, error) {
	switch s.Type {
	case KindSiteDown:
		if s.Minutes < 0 {
			return nil, fmt.Errorf("%w: site_down minutes must be >= 0", ErrInvalidRule)
		}
		return SiteDown{Minutes: s.Minutes}, nil
	case KindNewMentions:
		return NewMentions{Count: s.Count, Hours: s.Hours}, nil
	case KindBatteryLow:
		return BatteryLow{ThresholdPct: s.Threshold}, nil
	case KindTemperatureHigh:
		if s.Duration < 0 {
			return nil, fmt.Errorf("%w: negative duration", ErrInvalidRule)
		}
		return TemperatureHigh{ThresholdC: s.Threshold, Duration: s.Duration}, nil
	case KindCPUHigh:
		if s.Duration < 0 {
			return nil, fmt.Errorf("%w: negative duration", ErrInvalidRule)
		}
		return CPUHigh{ThresholdPct: s.Threshold, Duration: s.Duration}, nil
	case KindCustom:
		if s.PluginID == "" {
			return nil, fmt.Errorf("%w: custom rule needs plugin_id", ErrInvalidRule)
		}
		var raw json.RawMessage
		if len(s.Config) > 0 {
			b, err := json.Marshal(s.Config)
			if err != nil {
				return nil, fmt.Errorf("%w: custom config: %v", ErrInvalidRule, err)
			}
			raw = b
		}
		return Custom{PluginID: s.PluginID, Config: raw}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, s.Type)
	}
}

// SpecOf flattens rule back into its config form.
func SpecOf(rule Rule) RuleSpec {
	switch r := rule.(type) {
	case SiteDown:
		return RuleSpec{Type: KindSiteDown, Minutes: r.Minutes}
	case NewMentions:
		return RuleSpec{Type: KindNewMentions, Count: r.Count, Hours: r.Hours}
	case BatteryLow:
		return RuleSpec{Type: KindBatteryLow, Threshold: r.ThresholdPct}
	case TemperatureHigh:
		return RuleSpec{Type: KindTemperatureHigh, Threshold: r.ThresholdC, Duration: r.Duration}
	case CPUHigh:
		return RuleSpec{Type: KindCPUHigh, Threshold: r.ThresholdPct, Duration: r.Duration}
	case Custom:
		spec := RuleSpec{Type: KindCustom, PluginID: r.PluginID}
		if len(r.Config) > 0 {
			_ = json.Unmarshal(r.Config, &spec.Config)
		}
		return spec
	}
	return RuleSpec{}
}

// MarshalJSON renders the rule through its RuleSpec so API clients see the
// variant type.
func (a Alert) MarshalJSON() ([]byte, error) {
	type view struct {
		ID        string     `json:"id"`
		Name      string     `json:"name"`
		Rule      RuleSpec   `json:"rule"`
		Channels  []string   `json:"channels,omitempty"`
		Enabled   bool       `json:"enabled"`
		Cooldown  string     `json:"cooldown"`
		LastFired *time.Time `json:"last_fired,omitempty"`
	}
	return json.Marshal(view{
		ID:        a.ID,
		Name:      a.Name,
		Rule:      SpecOf(a.Rule),
		Channels:  a.Channels,
		Enabled:   a.Enabled,
		Cooldown:  a.Cooldown.String(),
		LastFired: a.LastFired,
	})
}
