// Package health tracks the state of the watcher's moving parts: the roster
// and presence endpoints, the panel, the Discord gateway and the state store.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/lanternops/placewatch/internal/logging"
)

var log = logging.L("health")

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Components.
const (
	ComponentRoster   = "roster"
	ComponentPresence = "presence"
	ComponentPanel    = "panel"
	ComponentDiscord  = "discord"
	ComponentStore    = "store"
)

func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// rank orders statuses from best to worst. Unknown ranks worst so a
// component that never reported keeps the overall status honest.
func (s Status) rank() int {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	}
	return 0
}

// Check is the latest report for one component. Since is when the component
// entered its current status; CheckedAt moves on every report.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Since     time.Time `json:"since"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Report is a consistent snapshot of every component.
type Report struct {
	Status     Status  `json:"status"`
	Components []Check `json:"components"`
}

// ByName returns component statuses keyed by name.
func (r Report) ByName() map[string]string {
	out := make(map[string]string, len(r.Components))
	for _, c := range r.Components {
		out[c.Name] = string(c.Status)
	}
	return out
}

// ChangeFunc observes status transitions. prev is the zero Check the first
// time a component reports.
type ChangeFunc func(prev, next Check)

type Monitor struct {
	mu        sync.RWMutex
	checks    map[string]Check
	listeners []ChangeFunc
	now       func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
		now:    time.Now,
	}
}

// OnChange registers fn for every status transition. Listeners run on the
// reporting goroutine after the monitor lock is released.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Update records a report for name. An invalid status is stored as
// Unhealthy. Repeated reports of the same status refresh CheckedAt and the
// message without logging or notifying.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unhealthy
	}

	m.mu.Lock()
	now := m.now()
	prev, had := m.checks[name]
	next := Check{Name: name, Status: status, Message: message, Since: now, CheckedAt: now}
	changed := !had || prev.Status != status
	if !changed {
		next.Since = prev.Since
	}
	m.checks[name] = next
	listeners := m.listeners
	m.mu.Unlock()

	if !changed {
		return
	}
	switch {
	case status != Healthy:
		log.Warn("component not healthy", logging.KeyComponent, name, "status", string(status), "message", message)
	case had:
		log.Info("component recovered", logging.KeyComponent, name,
			"after", now.Sub(prev.Since).Round(time.Second).String())
	}
	for _, fn := range listeners {
		fn(prev, next)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status, or Unknown before anything reported.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if c.Status.rank() > worst.rank() {
			worst = c.Status
		}
	}
	return worst
}

// Report takes the overall status and the components under one lock so they
// always agree. Components are sorted by name.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{Status: m.overallLocked(), Components: make([]Check, 0, len(m.checks))}
	for _, c := range m.checks {
		r.Components = append(r.Components, c)
	}
	sort.Slice(r.Components, func(i, j int) bool { return r.Components[i].Name < r.Components[j].Name })
	return r
}
