package entity

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"thenmore/internal/ha"
)

// Domains whose entities expose an onoff capability
var switchDomains = map[string]bool{
	"light":         true,
	"switch":        true,
	"fan":           true,
	"input_boolean": true,
}

const maxBrightness = 255.0

// lightAttributes is the subset of Home Assistant attributes the gateway reads
type lightAttributes struct {
	FriendlyName        string   `mapstructure:"friendly_name"`
	Brightness          *float64 `mapstructure:"brightness"`
	SupportedColorModes []string `mapstructure:"supported_color_modes"`
}

// HAGateway implements Gateway on top of a Home Assistant client
type HAGateway struct {
	client   ha.HAClient
	logger   *zap.Logger
	readOnly bool
}

// NewHAGateway creates a gateway. In read-only mode writes are logged and dropped.
func NewHAGateway(client ha.HAClient, logger *zap.Logger, readOnly bool) *HAGateway {
	return &HAGateway{
		client:   client,
		logger:   logger.Named("entity"),
		readOnly: readOnly,
	}
}

// GetEntity returns the current view of one entity
func (g *HAGateway) GetEntity(entityID string) (*Entity, error) {
	state, err := g.client.GetState(entityID)
	if err != nil {
		if errors.Is(err, ha.ErrEntityNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "%s", entityID)
		}
		return nil, errors.Wrapf(err, "get state of %s", entityID)
	}
	return g.fromState(state), nil
}

// GetAttributeValue reads one attribute of an entity
func (g *HAGateway) GetAttributeValue(entityID, attribute string) (any, error) {
	e, err := g.GetEntity(entityID)
	if err != nil {
		return nil, err
	}
	v, ok := e.Value(attribute)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedCapability, "%s has no %s", entityID, attribute)
	}
	return v, nil
}

// SetAttributeValue writes one attribute by calling the matching service
func (g *HAGateway) SetAttributeValue(entityID, attribute string, value any) error {
	domain := ha.Domain(entityID)
	if !switchDomains[domain] {
		return errors.Wrapf(ErrUnsupportedCapability, "%s has no %s", entityID, attribute)
	}

	var (
		service string
		data    = map[string]interface{}{"entity_id": entityID}
	)

	switch attribute {
	case CapabilityOnOff:
		service = "turn_off"
		if Truthy(value) {
			service = "turn_on"
		}
	case CapabilityDim:
		if domain != "light" {
			return errors.Wrapf(ErrUnsupportedCapability, "%s has no %s", entityID, attribute)
		}
		level, ok := toLevel(value)
		if !ok {
			return errors.Newf("invalid dim value %v for %s", value, entityID)
		}
		if level == 0 {
			service = "turn_off"
		} else {
			service = "turn_on"
			data["brightness"] = int(math.Round(level * maxBrightness))
		}
	default:
		return errors.Wrapf(ErrUnsupportedCapability, "%s has no %s", entityID, attribute)
	}

	if g.readOnly {
		g.logger.Info("READ-ONLY: would call service",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.Any("data", data))
		return nil
	}

	if err := g.client.CallService(domain, service, data); err != nil {
		return errors.Wrapf(err, "%s.%s on %s", domain, service, entityID)
	}

	g.logger.Debug("Attribute written",
		zap.String("entity_id", entityID),
		zap.String("attribute", attribute),
		zap.Any("value", value))
	return nil
}

// SubscribeAttribute watches one attribute. An entity that disappears or no
// longer reports the attribute is delivered as its off value.
func (g *HAGateway) SubscribeAttribute(entityID, attribute string, handler AttributeHandler) (Subscription, error) {
	sub, err := g.client.SubscribeStateChanges(entityID, func(_ string, oldState, newState *ha.State) {
		if newState == nil {
			handler(DefaultOff(attribute))
			return
		}
		v, ok := g.fromState(newState).Value(attribute)
		if !ok {
			v = DefaultOff(attribute)
		}
		if oldState != nil {
			if prev, ok := g.fromState(oldState).Value(attribute); ok && prev == v {
				return
			}
		}
		handler(v)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s of %s", attribute, entityID)
	}
	return sub, nil
}

// ListEntities returns every controllable entity
func (g *HAGateway) ListEntities() ([]*Entity, error) {
	states, err := g.client.GetAllStates()
	if err != nil {
		return nil, errors.Wrap(err, "list states")
	}

	entities := make([]*Entity, 0, len(states))
	for _, state := range states {
		if !switchDomains[state.Domain()] {
			continue
		}
		entities = append(entities, g.fromState(state))
	}
	sortByName(entities)
	return entities, nil
}

func (g *HAGateway) fromState(state *ha.State) *Entity {
	var attrs lightAttributes
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &attrs,
	})
	if err == nil {
		err = decoder.Decode(state.Attributes)
	}
	if err != nil {
		g.logger.Debug("Failed to decode attributes",
			zap.String("entity_id", state.EntityID),
			zap.Error(err))
	}

	name := attrs.FriendlyName
	if name == "" {
		name = state.EntityID
	}

	domain := state.Domain()
	on := state.State == "on"
	e := &Entity{
		ID:           state.EntityID,
		Name:         name,
		Domain:       domain,
		Capabilities: make(map[string]Capability),
	}

	if switchDomains[domain] {
		e.Capabilities[CapabilityOnOff] = Capability{ID: CapabilityOnOff, Value: on, Setable: true}
	}

	if domain == "light" && dimmable(attrs) {
		level := 0.0
		if on && attrs.Brightness != nil {
			level = math.Round(*attrs.Brightness/maxBrightness*100) / 100
		}
		e.Capabilities[CapabilityDim] = Capability{ID: CapabilityDim, Value: level, Setable: true}
	}

	return e
}

func dimmable(attrs lightAttributes) bool {
	if attrs.Brightness != nil {
		return true
	}
	for _, mode := range attrs.SupportedColorModes {
		if mode != "onoff" {
			return true
		}
	}
	return false
}

// toLevel converts a dim value to the 0..1 range
func toLevel(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case bool:
		if n {
			f = 1
		}
	default:
		return 0, false
	}
	return math.Max(0, math.Min(1, f)), true
}
