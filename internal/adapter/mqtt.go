package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"sprout/internal/logs"
	"sprout/internal/message"
)

// Топики: devices/{device_id}/telemetry | commands | ack.
const (
	mqttTelemetryFilter = "devices/+/telemetry"
	mqttAckFilter       = "devices/+/ack"
)

// MQTTConfig — параметры подключения к брокеру.
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTT — адаптер поверх paho: телеметрия и ack-и подпиской, команды
// публикацией в девайсный топик.
type MQTT struct {
	cfg     MQTTConfig
	client  mqtt.Client
	sink    TelemetrySink
	waiters *ackWaiters
}

func NewMQTT(cfg MQTTConfig, sink TelemetrySink) *MQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("sprout-bridge-%d", time.Now().Unix())
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	return &MQTT{cfg: cfg, sink: sink, waiters: newAckWaiters()}
}

func (m *MQTT) Name() string { return "mqtt" }

// Init — коннект и подписки; идемпотентен.
func (m *MQTT) Init(ctx context.Context) error {
	if m.client != nil && m.client.IsConnected() {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logs.Logger.Errorf("mqtt connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// после реконнекта подписки восстанавливаем сами
		if err := m.subscribe(c); err != nil {
			logs.Logger.Errorf("mqtt resubscribe: %v", err)
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("%w: mqtt connect timeout (%s)", ErrInit, m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	m.client = client
	logs.Logger.Infof("mqtt adapter connected to %s", m.cfg.Broker)
	return nil
}

func (m *MQTT) subscribe(c mqtt.Client) error {
	if token := c.Subscribe(mqttTelemetryFilter, m.cfg.QoS, m.onTelemetry); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := c.Subscribe(mqttAckFilter, m.cfg.QoS, m.onAck); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// deviceIDFromTopic: devices/{device_id}/...
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 && parts[0] == "devices" {
		return parts[1]
	}
	return ""
}

func (m *MQTT) onTelemetry(_ mqtt.Client, msg mqtt.Message) {
	var t message.Telemetry
	if err := json.Unmarshal(msg.Payload(), &t); err != nil {
		logs.Logger.Warnf("mqtt: bad telemetry payload on %s: %v", msg.Topic(), err)
		return
	}
	if t.DeviceID == "" {
		t.DeviceID = deviceIDFromTopic(msg.Topic())
	}
	if t.TS == "" {
		t.TS = message.Now()
	}
	if err := m.sink(context.Background(), t); err != nil {
		logs.Logger.Warnf("mqtt: telemetry from %s rejected: %v", t.DeviceID, err)
	}
}

func (m *MQTT) onAck(_ mqtt.Client, msg mqtt.Message) {
	var a message.Ack
	if err := json.Unmarshal(msg.Payload(), &a); err != nil {
		logs.Logger.Warnf("mqtt: bad ack payload on %s: %v", msg.Topic(), err)
		return
	}
	if a.DeviceID == "" {
		a.DeviceID = deviceIDFromTopic(msg.Topic())
	}
	m.waiters.resolve(a)
}

func (m *MQTT) PublishTelemetry(ctx context.Context, t message.Telemetry) error {
	return m.sink(ctx, t)
}

// SendCommand публикует в девайсный топик и ждёт ack по command_id.
func (m *MQTT) SendCommand(ctx context.Context, c message.Command) (message.Ack, error) {
	if m.client == nil || !m.client.IsConnected() {
		return message.Ack{}, fmt.Errorf("%w: mqtt", ErrNotConnected)
	}
	if c.CommandID == "" {
		c.CommandID = uuid.NewString()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return message.Ack{}, fmt.Errorf("%w: marshal: %v", ErrDelivery, err)
	}

	m.waiters.register(c.CommandID)
	topic := "devices/" + c.DeviceID + "/commands"
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		m.waiters.unregister(c.CommandID)
		return message.Ack{}, fmt.Errorf("%w: publish timeout", ErrDelivery)
	}
	if err := token.Error(); err != nil {
		m.waiters.unregister(c.CommandID)
		return message.Ack{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	return m.waiters.wait(ctx, c.CommandID)
}

func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}
