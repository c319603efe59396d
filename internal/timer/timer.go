// Package timer implements the timed-action engine: set an entity attribute,
// then revert it after a delay unless something else turns it off first.
package timer

import (
	"math"
	"time"

	"thenmore/internal/clock"
	"thenmore/internal/entity"
	"thenmore/internal/store"
)

// Action is the attribute write performed when a timer is armed
type Action struct {
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

// OnOffAction switches the entity on
func OnOffAction() Action {
	return Action{Attribute: entity.CapabilityOnOff, Value: true}
}

// DimAction dims the entity to level (0..1)
func DimAction(level float64) Action {
	return Action{Attribute: entity.CapabilityDim, Value: math.Max(0, math.Min(1, level))}
}

// Policy controls how Run treats an entity that is already on or already has a timer.
//
// IgnoreWhenOn keeps the inverted meaning of the original flow card: when it is
// false, Run engages even if the entity is on.
type Policy struct {
	IgnoreWhenOn   bool `json:"ignoreWhenOn"`
	OverruleLonger bool `json:"overruleLonger"`
	Restore        bool `json:"restore"`
}

// Outcome reports what Run did
type Outcome string

const (
	OutcomeArmed   Outcome = "armed"
	OutcomeRearmed Outcome = "rearmed"
	OutcomeIgnored Outcome = "ignored"
	OutcomeAborted Outcome = "aborted"
)

// Timer is a pending reversion for one entity
type Timer struct {
	EntityID      string
	EntityName    string
	Attribute     string
	TargetValue   any
	PreviousValue any
	ArmedAt       time.Time
	Duration      time.Duration
	Deadline      time.Time

	watch   *watch
	pending clock.Timer
	token   string
}

// View is the exported form of a timer
type View struct {
	EntityID         string    `json:"entityId"`
	EntityName       string    `json:"entityName"`
	Attribute        string    `json:"attribute"`
	TargetValue      any       `json:"targetValue"`
	PreviousValue    any       `json:"previousValue"`
	ArmedAt          time.Time `json:"armedAt"`
	DurationSeconds  float64   `json:"durationSeconds"`
	Deadline         time.Time `json:"deadline"`
	RemainingSeconds float64   `json:"remainingSeconds"`
}

// View returns the exported form of t as seen at now
func (t *Timer) View(now time.Time) View {
	remaining := t.Deadline.Sub(now).Seconds()
	if remaining < 0 {
		remaining = 0
	}
	return View{
		EntityID:         t.EntityID,
		EntityName:       t.EntityName,
		Attribute:        t.Attribute,
		TargetValue:      t.TargetValue,
		PreviousValue:    t.PreviousValue,
		ArmedAt:          t.ArmedAt,
		DurationSeconds:  t.Duration.Seconds(),
		Deadline:         t.Deadline,
		RemainingSeconds: math.Ceil(remaining),
	}
}

// revertValue is written on expiry
func (t *Timer) revertValue() any {
	if t.PreviousValue != nil {
		return t.PreviousValue
	}
	return entity.DefaultOff(t.Attribute)
}

func (t *Timer) persisted() store.PersistedTimer {
	return store.PersistedTimer{
		EntityID:        t.EntityID,
		Attribute:       t.Attribute,
		TargetValue:     t.TargetValue,
		PreviousValue:   t.PreviousValue,
		ArmedAt:         t.ArmedAt,
		DurationSeconds: t.Duration.Seconds(),
		Deadline:        t.Deadline,
	}
}

func fromPersisted(p store.PersistedTimer, name string) *Timer {
	return &Timer{
		EntityID:      p.EntityID,
		EntityName:    name,
		Attribute:     p.Attribute,
		TargetValue:   p.TargetValue,
		PreviousValue: p.PreviousValue,
		ArmedAt:       p.ArmedAt,
		Duration:      time.Duration(p.DurationSeconds * float64(time.Second)),
		Deadline:      p.Deadline,
	}
}
