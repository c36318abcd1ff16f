// Package domain defines the syncable entities of the primary device and their
// cloud sync state machine.
package domain

import (
	"fmt"
	"strings"
)

// Discipline tags a training session or competition.
type Discipline string

const (
	DisciplineRiding   Discipline = "riding"
	DisciplineRunning  Discipline = "running"
	DisciplineSwimming Discipline = "swimming"
	DisciplineShooting Discipline = "shooting"
)

// LiveTrackedDiscipline is the only discipline with live tracking.
const LiveTrackedDiscipline = DisciplineRiding

// Disciplines lists every known discipline.
var Disciplines = []Discipline{DisciplineRiding, DisciplineRunning, DisciplineSwimming, DisciplineShooting}

// ParseDiscipline validates a discipline tag.
func ParseDiscipline(value string) (Discipline, error) {
	d := Discipline(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Disciplines {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown discipline %q", value)
}

// Metrics is the finalized numeric summary of a session.
type Metrics struct {
	DurationSeconds  float64 `json:"duration"`
	DistanceMeters   float64 `json:"distance"`
	AverageSpeed     float64 `json:"averageSpeed"`
	MaxSpeed         float64 `json:"maxSpeed"`
	AverageHeartRate int     `json:"averageHeartRate"`
	MaxHeartRate     int     `json:"maxHeartRate"`
	MinHeartRate     int     `json:"minHeartRate"`
}
