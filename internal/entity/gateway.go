package entity

// AttributeHandler receives the new value of a watched attribute
type AttributeHandler func(value any)

// Subscription is a live attribute watch
type Subscription interface {
	Unsubscribe() error
}

// Gateway reads, writes and watches entity attributes
type Gateway interface {
	GetEntity(entityID string) (*Entity, error)
	GetAttributeValue(entityID, attribute string) (any, error)
	SetAttributeValue(entityID, attribute string, value any) error
	SubscribeAttribute(entityID, attribute string, handler AttributeHandler) (Subscription, error)
	ListEntities() ([]*Entity, error)
}
