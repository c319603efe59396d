package timer

// Event kinds
const (
	EventTimerStarted = "timer_started"
	EventTimerDeleted = "timer_deleted"
)

// Publisher delivers engine events to observers. Publish must not block;
// delivery failures are the publisher's to log.
type Publisher interface {
	Publish(kind string, payload any)
}

// NopPublisher discards events
type NopPublisher struct{}

// Publish does nothing
func (NopPublisher) Publish(string, any) {}

// TimerStarted is published after a timer is armed or re-armed
type TimerStarted struct {
	Timers        map[string]View `json:"timers"`
	Entity        string          `json:"entity"`
	EntityName    string          `json:"entityName"`
	Attribute     string          `json:"attribute"`
	Value         any             `json:"value"`
	PreviousValue any             `json:"previousValue"`
}

// TimerDeleted is published after a timer is removed for any reason
type TimerDeleted struct {
	Timers     map[string]View `json:"timers"`
	Entity     string          `json:"entity"`
	EntityName string          `json:"entityName"`
}
