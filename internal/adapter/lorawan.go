package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"sprout/internal/logs"
	"sprout/internal/message"
	"sprout/internal/security"
)

// DecodeFunc — прикладной декодер uplink-пейлоада (байты → метрики).
// Инжектится на приложение или устройство: кодек знает прошивка, не мост.
type DecodeFunc func(deviceID string, payload []byte) (map[string]any, error)

// LoRaWANConfig — интеграция с сетевым сервером (LNS).
type LoRaWANConfig struct {
	Mode string // "webhook" | "mqtt"

	// webhook-режим: LNS пушит uplink-и POST-ом, подпись — HMAC тела.
	WebhookSecret string

	// mqtt-режим: подписка на uplink-топик LNS.
	MQTT             MQTTConfig
	UplinkTopic      string // v3/{app}/devices/+/up
	DownlinkTopicTpl string // v3/{app}/devices/{devId}/down/push

	// downlink через REST (webhook-режим).
	APIBaseURL string
	APIToken   string

	// DevEUI → device_id моста.
	DeviceMap map[string]string

	Decode DecodeFunc
}

// LoRaWAN — адаптер LNS-интеграции. Единственный адаптер с бинарным
// кодеком: uplink приходит base64-пейлоадом, метрики достаёт Decode.
type LoRaWAN struct {
	cfg    LoRaWANConfig
	sink   TelemetrySink
	client mqtt.Client
	httpc  *http.Client
}

func NewLoRaWAN(cfg LoRaWANConfig, sink TelemetrySink) *LoRaWAN {
	return &LoRaWAN{cfg: cfg, sink: sink, httpc: &http.Client{Timeout: 10 * time.Second}}
}

func (l *LoRaWAN) Name() string { return "lorawan" }

func (l *LoRaWAN) Init(ctx context.Context) error {
	if l.cfg.Mode != "mqtt" {
		return nil // webhook-режим живёт на общем HTTP-сервере
	}
	if l.client != nil && l.client.IsConnected() {
		return nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(l.cfg.MQTT.Broker)
	opts.SetClientID(l.cfg.MQTT.ClientID)
	if l.cfg.MQTT.Username != "" {
		opts.SetUsername(l.cfg.MQTT.Username)
		opts.SetPassword(l.cfg.MQTT.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(l.cfg.UplinkTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			if err := l.HandleUplink(context.Background(), msg.Payload()); err != nil {
				logs.Logger.Warnf("lorawan uplink: %v", err)
			}
		})
		if token.Wait() && token.Error() != nil {
			logs.Logger.Errorf("lorawan subscribe: %v", token.Error())
		}
	})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("%w: lorawan mqtt connect timeout", ErrInit)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	l.client = client
	return nil
}

// VerifyWebhook — HMAC-SHA256 hex сырого тела, ключ — секрет интеграции.
// Пустой секрет в конфиге отключает проверку.
func (l *LoRaWAN) VerifyWebhook(rawBody []byte, signature string) bool {
	if l.cfg.WebhookSecret == "" {
		return true
	}
	return security.Verify(l.cfg.WebhookSecret, string(rawBody), signature)
}

// Конверт uplink-а: понимаем и TTS (end_device_ids/uplink_message), и
// плоский формат (devEui/data).
type lnsUplink struct {
	DevEUI       string `json:"devEui"`
	Data         string `json:"data"`
	Time         string `json:"time"`
	ReceivedAt   string `json:"received_at"`
	EndDeviceIDs struct {
		DevEUI string `json:"dev_eui"`
	} `json:"end_device_ids"`
	UplinkMessage struct {
		FrmPayload string `json:"frm_payload"`
		FPort      int    `json:"f_port"`
	} `json:"uplink_message"`
}

// HandleUplink разбирает конверт LNS, декодирует base64-пейлоад в метрики
// и отдаёт телеметрию в ingest.
func (l *LoRaWAN) HandleUplink(ctx context.Context, rawBody []byte) error {
	var up lnsUplink
	if err := json.Unmarshal(rawBody, &up); err != nil {
		return fmt.Errorf("bad uplink envelope: %w", err)
	}

	devEUI := up.DevEUI
	if devEUI == "" {
		devEUI = up.EndDeviceIDs.DevEUI
	}
	if devEUI == "" {
		return fmt.Errorf("uplink without DevEUI")
	}
	deviceID := devEUI
	if mapped, ok := l.cfg.DeviceMap[devEUI]; ok {
		deviceID = mapped
	}

	ts := up.Time
	if ts == "" {
		ts = up.ReceivedAt
	}
	if ts == "" {
		ts = message.Now()
	}

	frm := up.Data
	if frm == "" {
		frm = up.UplinkMessage.FrmPayload
	}
	payload, err := base64.StdEncoding.DecodeString(frm)
	if err != nil {
		return fmt.Errorf("bad frm_payload base64: %w", err)
	}

	metrics, err := l.decode(deviceID, payload)
	if err != nil {
		return fmt.Errorf("decode uplink for %s: %w", deviceID, err)
	}

	return l.sink(ctx, message.Telemetry{
		DeviceID: deviceID,
		TS:       ts,
		Metrics:  metrics,
		Status:   message.StatusOK,
	})
}

func (l *LoRaWAN) decode(deviceID string, payload []byte) (map[string]any, error) {
	if l.cfg.Decode == nil {
		// без кодека метрик не достать; размер — хоть какой-то сигнал
		return map[string]any{"payload_size": len(payload)}, nil
	}
	return l.cfg.Decode(deviceID, payload)
}

func (l *LoRaWAN) PublishTelemetry(ctx context.Context, t message.Telemetry) error {
	return l.sink(ctx, t)
}

// SendCommand кодирует downlink: params.port (f_port, дефолт 10) и
// params.data (base64) либо params.bytes. Положительный Ack означает
// "поставлено в очередь LNS", не подтверждение устройства.
func (l *LoRaWAN) SendCommand(ctx context.Context, c message.Command) (message.Ack, error) {
	if c.CommandID == "" {
		c.CommandID = uuid.NewString()
	}
	port := 10
	if v, ok := c.Params["port"].(float64); ok {
		port = int(v)
	}
	b64, err := downlinkPayload(c.Params)
	if err != nil {
		return message.Ack{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	switch {
	case l.cfg.Mode == "mqtt" && l.client != nil && l.client.IsConnected():
		topic := replaceDevID(l.cfg.DownlinkTopicTpl, c.DeviceID)
		body, _ := json.Marshal(map[string]any{
			"downlinks": []map[string]any{
				{"f_port": port, "frm_payload": b64, "confirmed": false},
			},
		})
		token := l.client.Publish(topic, 0, false, body)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			return message.Ack{}, fmt.Errorf("%w: downlink publish", ErrDelivery)
		}
	case l.cfg.APIBaseURL != "":
		if err := l.downlinkREST(ctx, c.DeviceID, port, b64); err != nil {
			return message.Ack{}, err
		}
	default:
		return message.Ack{}, fmt.Errorf("%w: no downlink path configured", ErrDelivery)
	}

	return message.Ack{
		DeviceID:  c.DeviceID,
		CommandID: c.CommandID,
		TS:        message.Now(),
		Success:   true,
		Message:   "downlink queued",
	}, nil
}

func (l *LoRaWAN) downlinkREST(ctx context.Context, deviceID string, port int, b64 string) error {
	body, _ := json.Marshal(map[string]any{
		"deviceQueueItem": map[string]any{"fPort": port, "data": b64, "confirmed": false},
	})
	url := l.cfg.APIBaseURL + "/devices/" + deviceID + "/queue"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.cfg.APIToken != "" {
		req.Header.Set("Authorization", l.cfg.APIToken)
	}
	resp, err := l.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: lns api %s", ErrDelivery, resp.Status)
	}
	return nil
}

func downlinkPayload(params map[string]any) (string, error) {
	if s, ok := params["data"].(string); ok && s != "" {
		if _, err := base64.StdEncoding.DecodeString(s); err != nil {
			return "", fmt.Errorf("params.data is not base64: %v", err)
		}
		return s, nil
	}
	if raw, ok := params["bytes"].([]any); ok {
		b := make([]byte, 0, len(raw))
		for _, v := range raw {
			f, ok := v.(float64)
			if !ok || f < 0 || f > 255 {
				return "", fmt.Errorf("params.bytes: bad byte %v", v)
			}
			b = append(b, byte(f))
		}
		return base64.StdEncoding.EncodeToString(b), nil
	}
	return "", fmt.Errorf("params must carry data (base64) or bytes")
}

func replaceDevID(tpl, devID string) string {
	return strings.ReplaceAll(tpl, "{devId}", devID)
}

func (l *LoRaWAN) Close() error {
	if l.client != nil && l.client.IsConnected() {
		l.client.Disconnect(250)
	}
	return nil
}
