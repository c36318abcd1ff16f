package sharing

import (
	"fmt"
	"time"
)

// QuietHours is a daily window, in local hours, during which non-safety alerts
// are held back. Start is inclusive and End exclusive; Start > End wraps past
// midnight and Start == End is an empty window.
type QuietHours struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	StartHour int    `json:"startHour" yaml:"startHour"`
	EndHour   int    `json:"endHour" yaml:"endHour"`
	Location  string `json:"location,omitempty" yaml:"location,omitempty"`
}

// Validate checks the hour bounds and time zone.
func (q QuietHours) Validate() error {
	if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
		return fmt.Errorf("quiet hours %d-%d out of range", q.StartHour, q.EndHour)
	}
	if q.Location != "" {
		if _, err := time.LoadLocation(q.Location); err != nil {
			return fmt.Errorf("quiet hours location: %w", err)
		}
	}
	return nil
}

// ContainsHour reports whether hour falls in the window.
func (q QuietHours) ContainsHour(hour int) bool {
	if !q.Enabled || q.StartHour == q.EndHour {
		return false
	}
	if q.StartHour < q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	return hour >= q.StartHour || hour < q.EndHour
}

// Contains reports whether at falls in the window, evaluated in the window's
// time zone when one is set.
func (q QuietHours) Contains(at time.Time) bool {
	if q.Location != "" {
		if loc, err := time.LoadLocation(q.Location); err == nil {
			at = at.In(loc)
		}
	}
	return q.ContainsHour(at.Hour())
}
