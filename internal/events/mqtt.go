package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const disconnectQuiesce = 250 // milliseconds

// MQTTPublisher mirrors timer events to an MQTT broker under <topicRoot>/<kind>
type MQTTPublisher struct {
	topicRoot string
	opts      *paho.ClientOptions
	client    paho.Client
	logger    *zap.Logger
}

// NewMQTTPublisher creates a publisher. Call Connect before publishing.
func NewMQTTPublisher(brokerURL, clientID, topicRoot string, logger *zap.Logger) *MQTTPublisher {
	opts := paho.NewClientOptions().AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	return &MQTTPublisher{
		topicRoot: strings.TrimSuffix(topicRoot, "/"),
		opts:      opts,
		logger:    logger.Named("mqtt"),
	}
}

// Connect opens the broker connection
func (p *MQTTPublisher) Connect() error {
	p.client = paho.NewClient(p.opts)
	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect error: %w", err)
	}

	p.logger.Info("Connected to MQTT broker", zap.String("topic_root", p.topicRoot))
	return nil
}

// Disconnect closes the broker connection
func (p *MQTTPublisher) Disconnect() {
	if p.client == nil {
		return
	}
	p.client.Disconnect(disconnectQuiesce)
}

// Publish sends the payload as JSON. Delivery errors are logged.
func (p *MQTTPublisher) Publish(kind string, payload any) {
	if p.client == nil {
		p.logger.Warn("MQTT client not connected, dropping event", zap.String("type", kind))
		return
	}

	topic := p.topic(kind)
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to encode event", zap.String("topic", topic), zap.Error(err))
		return
	}

	token := p.client.Publish(topic, 0, false, data)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Error("Failed to publish event", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

func (p *MQTTPublisher) topic(kind string) string {
	if p.topicRoot == "" {
		return kind
	}
	return p.topicRoot + "/" + kind
}
