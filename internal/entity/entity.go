// Package entity is the capability-level view of controllable devices that the
// timer engine consumes: read and write a named attribute, watch it for
// changes, and list what can be controlled.
package entity

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Capability identifiers understood by the gateway
const (
	CapabilityOnOff = "onoff"
	CapabilityDim   = "dim"
)

var (
	// ErrNotFound is returned when the entity does not exist on the gateway
	ErrNotFound = errors.New("entity not found")

	// ErrUnsupportedCapability is returned for attributes an entity does not expose
	ErrUnsupportedCapability = errors.New("unsupported capability")
)

// Capability is the current value of one attribute of an entity
type Capability struct {
	ID      string `json:"id"`
	Value   any    `json:"value"`
	Setable bool   `json:"setable"`
}

// Entity is a controllable device and its attributes
type Entity struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Domain       string                `json:"domain"`
	Capabilities map[string]Capability `json:"capabilities"`
}

// Has reports whether the entity exposes a setable capability
func (e *Entity) Has(capability string) bool {
	c, ok := e.Capabilities[capability]
	return ok && c.Setable
}

// Value returns the current value of a capability
func (e *Entity) Value(capability string) (any, bool) {
	c, ok := e.Capabilities[capability]
	if !ok {
		return nil, false
	}
	return c.Value, true
}

// IsOn reports the on/off state. Entities without an onoff capability fall
// back to whether their dim level is non-zero.
func (e *Entity) IsOn() bool {
	if v, ok := e.Value(CapabilityOnOff); ok {
		return Truthy(v)
	}
	if v, ok := e.Value(CapabilityDim); ok {
		return Truthy(v)
	}
	return false
}

// Truthy reports whether an attribute value counts as "on".
// false, zero, nil and the empty string are off.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}

// DefaultOff returns the value an attribute reverts to when no previous value
// was remembered
func DefaultOff(capability string) any {
	if capability == CapabilityDim {
		return 0.0
	}
	return false
}

// FilterByCapability returns the entities exposing a setable capability, sorted by name
func FilterByCapability(entities []*Entity, capability string) []*Entity {
	result := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		if e.Has(capability) {
			result = append(result, e)
		}
	}
	sortByName(result)
	return result
}

// Search returns entities whose name or ID contains query, case-insensitively
func Search(entities []*Entity, query string) []*Entity {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return entities
	}

	result := make([]*Entity, 0)
	for _, e := range entities {
		if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(strings.ToLower(e.ID), q) {
			result = append(result, e)
		}
	}
	return result
}

func sortByName(entities []*Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Name != entities[j].Name {
			return entities[i].Name < entities[j].Name
		}
		return entities[i].ID < entities[j].ID
	})
}
