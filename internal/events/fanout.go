package events

// Publisher receives engine events
type Publisher interface {
	Publish(kind string, payload any)
}

// Fanout forwards each event to every publisher in order
type Fanout []Publisher

// Publish forwards to every publisher
func (f Fanout) Publish(kind string, payload any) {
	for _, p := range f {
		p.Publish(kind, payload)
	}
}
