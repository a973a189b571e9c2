package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
)

const defaultPrefix = "staydesk"

// Publisher pushes routing events to MQTT so agent consoles and front-desk
// displays can subscribe per property or per agent.
//
// Topics:
//
//	{prefix}/{property}/{type}            e.g. staydesk/hotel-1/transfer/assigned
//	{prefix}/{property}/agent/{agent_id}  every event that names an agent
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewPublisher initializes the MQTT publisher
func NewPublisher(brokerURL, prefix string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("staydesk-handoff-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("Connected to MQTT broker", "broker", brokerURL)
	return newPublisher(client, prefix), nil
}

func newPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Publisher{client: client, prefix: prefix, qos: 1}
}

// Publish implements ports.EventSink.
func (p *Publisher) Publish(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(map[string]any{
		"type":    e.Type,
		"payload": e,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topics := []string{p.eventTopic(e)}
	if e.AgentID != "" {
		topics = append(topics, fmt.Sprintf("%s/%s/agent/%s", p.prefix, e.PropertyID, e.AgentID))
	}
	for _, topic := range topics {
		if err := p.publish(ctx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) eventTopic(e domain.Event) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, e.PropertyID, strings.ReplaceAll(string(e.Type), ".", "/"))
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
}

// Close disconnects after giving in-flight messages a moment to leave.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
