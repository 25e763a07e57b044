package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultCooldown is the minimum gap between two firings of the same alert.
const DefaultCooldown = 5 * time.Minute

var (
	ErrNotFound    = errors.New("alert not found")
	ErrDuplicateID = errors.New("alert id already registered")
	ErrInvalidRule = errors.New("invalid alert rule")
)

// Alert is a rule plus its delivery and rate-limit settings.
type Alert struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Rule      Rule          `json:"-"`
	Channels  []string      `json:"channels,omitempty"`
	Enabled   bool          `json:"enabled"`
	Cooldown  time.Duration `json:"cooldown"`
	LastFired *time.Time    `json:"last_fired,omitempty"`
}

// NewAlert returns an enabled alert with the default cooldown.
func NewAlert(id, name string, rule Rule) Alert {
	return Alert{ID: id, Name: name, Rule: rule, Enabled: true, Cooldown: DefaultCooldown}
}

// coolingDown reports whether a previous firing still suppresses this alert.
func (a Alert) coolingDown(now time.Time) bool {
	return a.LastFired != nil && now.Sub(*a.LastFired) < a.Cooldown
}

// Notifier delivers a fired alert message to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, message string, snap Context) error
}

// Firing describes one alert that fired during Evaluate.
type Firing struct {
	AlertID  string
	Name     string
	Message  string
	At       time.Time
	Channels []string
	// Failed lists channels whose delivery errored.
	Failed []string
}

type Config struct {
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Now     func() time.Time
}

// Manager owns the alert registry and notifier set behind one lock.
// Notifications are sent after the lock is released.
type Manager struct {
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	now     func() time.Time
	sustain *SustainTracker

	mu        sync.Mutex
	alerts    map[string]*Alert
	order     []string
	notifiers map[string]Notifier
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		logger:    cfg.Logger,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		sustain:   NewSustainTracker(),
		alerts:    make(map[string]*Alert),
		notifiers: make(map[string]Notifier),
	}
}

// Add registers a. An existing id is left untouched and ErrDuplicateID returned.
func (m *Manager) Add(a Alert) error {
	if a.ID == "" || a.Rule == nil {
		return fmt.Errorf("%w: id and rule are required", ErrInvalidRule)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
	}
	stored := a
	stored.Channels = slices.Clone(a.Channels)
	m.alerts[a.ID] = &stored
	m.order = append(m.order, a.ID)
	return nil
}

// Remove deletes the alert; unknown ids are ignored.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[id]; !ok {
		return
	}
	delete(m.alerts, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	m.sustain.Forget(id)
}

// Get returns a copy of the alert.
func (m *Manager) Get(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyAlert(a), nil
}

// SetEnabled toggles an alert.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Enabled = enabled
	return nil
}

// List returns alerts in registration order.
func (m *Manager) List() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, copyAlert(m.alerts[id]))
	}
	return out
}

// RegisterNotifier binds a channel id used in Alert.Channels to n.
func (m *Manager) RegisterNotifier(channelID string, n Notifier) {
	m.mu.Lock()
	m.notifiers[channelID] = n
	m.mu.Unlock()
}

type delivery struct {
	firing    Firing
	notifiers map[string]Notifier
}

// Evaluate checks every alert against snap, records firings and delivers
// their messages. Rules with a sustain window must hold across consecutive
// evaluations for that long before they fire.
func (m *Manager) Evaluate(ctx context.Context, snap Context) []Firing {
	now := m.now()

	var pending []delivery
	m.mu.Lock()
	for _, id := range m.order {
		a := m.alerts[id]
		matched := Evaluate(a.Rule, snap, now)
		held := m.sustain.Observe(a.ID, matched, sustainWindow(a.Rule), now)
		if !a.Enabled || a.coolingDown(now) || !held {
			continue
		}
		fired := now
		a.LastFired = &fired
		d := delivery{
			firing: Firing{
				AlertID:  a.ID,
				Name:     a.Name,
				Message:  "Alert triggered: " + a.Name,
				At:       now,
				Channels: slices.Clone(a.Channels),
			},
			notifiers: make(map[string]Notifier, len(a.Channels)),
		}
		for _, ch := range a.Channels {
			if n, ok := m.notifiers[ch]; ok {
				d.notifiers[ch] = n
			}
		}
		pending = append(pending, d)
	}
	m.mu.Unlock()

	firings := make([]Firing, 0, len(pending))
	for _, d := range pending {
		f := d.firing
		for _, ch := range f.Channels {
			n, ok := d.notifiers[ch]
			if !ok {
				m.logger.Warn("alert channel not registered", "alert_id", f.AlertID, "channel", ch)
				f.Failed = append(f.Failed, ch)
				continue
			}
			if err := n.Notify(ctx, f.Message, snap); err != nil {
				m.logger.Error("alert delivery failed", "alert_id", f.AlertID, "channel", ch, "notifier", n.Name(), "error", err)
				m.metrics.NotifyErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", ch)))
				f.Failed = append(f.Failed, ch)
			}
		}
		m.metrics.AlertsFired.Add(ctx, 1, metric.WithAttributes(otel.AttrAlertID.String(f.AlertID)))
		m.logger.Info("alert fired", "alert_id", f.AlertID, "name", f.Name, "channels", len(f.Channels), "failed", len(f.Failed))
		m.bus.Publish(bus.TopicAlertFired, bus.AlertEvent{
			AlertID:  f.AlertID,
			Name:     f.Name,
			Message:  f.Message,
			Channels: f.Channels,
		})
		firings = append(firings, f)
	}
	return firings
}

func copyAlert(a *Alert) Alert {
	out := *a
	out.Channels = slices.Clone(a.Channels)
	if a.LastFired != nil {
		t := *a.LastFired
		out.LastFired = &t
	}
	return out
}
