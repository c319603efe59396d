package ha

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrEntityNotFound is returned when Home Assistant has no state for an entity
var ErrEntityNotFound = errors.New("entity not found")

// Message is the envelope of every WebSocket frame exchanged with Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the payload of a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Domain returns the part of the entity ID before the dot ("light" for "light.kitchen")
func (s *State) Domain() string {
	return Domain(s.EntityID)
}

// Domain extracts the domain from an entity ID
func Domain(entityID string) string {
	for i := 0; i < len(entityID); i++ {
		if entityID[i] == '.' {
			return entityID[:i]
		}
	}
	return ""
}

// request is implemented by every outgoing command that expects a result frame
type request interface {
	requestID() int
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

func (r *CallServiceRequest) requestID() int { return r.ID }

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

func (r *GetStatesRequest) requestID() int { return r.ID }

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

func (r *SubscribeEventsRequest) requestID() int { return r.ID }

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription represents an active per-entity state subscription
type Subscription interface {
	Unsubscribe() error
}

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscriberSet is the per-entity handler table shared by Client and MockClient
type subscriberSet struct {
	entries map[string][]subscriberEntry
	nextID  int
}

func newSubscriberSet() subscriberSet {
	return subscriberSet{entries: make(map[string][]subscriberEntry)}
}

func (s *subscriberSet) add(entityID string, handler StateChangeHandler) int {
	id := s.nextID
	s.nextID++
	s.entries[entityID] = append(s.entries[entityID], subscriberEntry{subID: id, handler: handler})
	return id
}

func (s *subscriberSet) remove(entityID string, subID int) {
	entries, ok := s.entries[entityID]
	if !ok {
		return
	}

	for i, entry := range entries {
		if entry.subID == subID {
			s.entries[entityID] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}

	if len(s.entries[entityID]) == 0 {
		delete(s.entries, entityID)
	}
}

func (s *subscriberSet) handlers(entityID string) []subscriberEntry {
	return append([]subscriberEntry(nil), s.entries[entityID]...)
}

func (s *subscriberSet) count(entityID string) int {
	return len(s.entries[entityID])
}

// subscription implements Subscription for both clients
type subscription struct {
	entityID string
	subID    int
	remove   func(entityID string, subID int)
}

func (s *subscription) Unsubscribe() error {
	s.remove(s.entityID, s.subID)
	return nil
}
