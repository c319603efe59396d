package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient in memory for tests. Service calls against
// switch-like domains update the recorded state and notify subscribers
// synchronously, mirroring what Home Assistant would push back.
type MockClient struct {
	statesMu sync.RWMutex
	states   map[string]*State

	subsMu sync.RWMutex
	subs   subscriberSet

	connMu    sync.RWMutex
	connected bool

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
	callErr      error
	getErr       error
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// EntityID returns the entity_id the call targeted
func (c ServiceCall) EntityID() string {
	id, _ := c.Data["entity_id"].(string)
	return id
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subs:         newSubscriberSet(),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subsMu.Lock()
	m.subs = newSubscriberSet()
	m.subsMu.Unlock()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// FailCalls makes every subsequent CallService return err (nil to clear)
func (m *MockClient) FailCalls(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.callErr = err
}

// FailReads makes every subsequent GetState/GetAllStates return err (nil to clear)
func (m *MockClient) FailReads(err error) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	m.getErr = err
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	if m.getErr != nil {
		return nil, m.getErr
	}

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}
	return copyState(state), nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	if m.getErr != nil {
		return nil, m.getErr
	}

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, copyState(state))
	}
	return states, nil
}

// CallService records a service call and applies it to the mock state
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	if m.callErr != nil {
		err := m.callErr
		m.callsMu.Unlock()
		return err
	}
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if entityID, ok := data["entity_id"].(string); ok {
		m.applyServiceCall(entityID, service, data)
	}
	return nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.subs.add(entityID, handler)
	m.subsMu.Unlock()

	return &subscription{
		entityID: entityID,
		subID:    subID,
		remove:   m.unsubscribe,
	}, nil
}

func (m *MockClient) unsubscribe(entityID string, subID int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs.remove(entityID, subID)
}

// SubscriberCount returns the number of live subscriptions for an entity
func (m *MockClient) SubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return m.subs.count(entityID)
}

// SetState sets a mock state and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	now := time.Now()
	m.statesMu.Lock()
	oldState := m.states[entityID]
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// SimulateStateChange changes only the state string, keeping attributes,
// as an external actor flipping a switch would
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	attributes := make(map[string]interface{})
	if oldState != nil {
		for k, v := range oldState.Attributes {
			attributes[k] = v
		}
	}
	if newStateValue == "off" {
		delete(attributes, "brightness")
	}

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// RemoveState deletes an entity, as if it was removed from Home Assistant.
// Subscribers see a state change with a nil new state.
func (m *MockClient) RemoveState(entityID string) {
	m.statesMu.Lock()
	oldState, ok := m.states[entityID]
	delete(m.states, entityID)
	m.statesMu.Unlock()

	if ok {
		m.notifySubscribers(entityID, oldState, nil)
	}
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// applyServiceCall mirrors turn_on/turn_off semantics of switch-like domains
func (m *MockClient) applyServiceCall(entityID, service string, data map[string]interface{}) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	if oldState == nil {
		m.statesMu.Unlock()
		return
	}

	attributes := make(map[string]interface{}, len(oldState.Attributes))
	for k, v := range oldState.Attributes {
		attributes[k] = v
	}

	newStateValue := oldState.State
	switch service {
	case "turn_on":
		newStateValue = "on"
		if brightness, ok := data["brightness"]; ok {
			attributes["brightness"] = toFloat(brightness)
		} else if _, ok := attributes["brightness"]; !ok && oldState.Domain() == "light" {
			attributes["brightness"] = 255.0
		}
	case "turn_off":
		newStateValue = "off"
		delete(attributes, "brightness")
	case "toggle":
		if oldState.State == "on" {
			newStateValue = "off"
		} else {
			newStateValue = "on"
		}
	}

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := m.subs.handlers(entityID)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

func copyState(s *State) *State {
	c := *s
	c.Attributes = make(map[string]interface{}, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
