package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	MQTT_PAYLOAD_ONLINE  = "online"
	MQTT_PAYLOAD_OFFLINE = "offline"
)

// TokenPublisher is the part of mqtt.Client used for publishing.
type TokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

func OptsFromConfig(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(fmt.Sprintf("apsim_%d", rand.Intn(1000)))
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.WillEnabled = true
	opts.WillPayload = []byte(MQTT_PAYLOAD_OFFLINE)
	opts.WillRetained = true
	opts.WillTopic = stateTopic(cfg.BaseTopic)
	opts.WillQos = 0
	return opts
}

func stateTopic(base string) string {
	return base + "/bridge/state"
}

// Connect dials the broker and announces the bridge as online.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger *zap.SugaredLogger) (mqtt.Client, error) {
	opts := OptsFromConfig(cfg)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warnf("MQTT connection lost: %v", err)
		}
	}
	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if err := wait(ctx, client.Publish(stateTopic(cfg.BaseTopic), 0, true, MQTT_PAYLOAD_ONLINE)); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt publish state: %w", err)
	}
	return client, nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MQTTPublisher publishes the whole report to <base>/meterdata and every reading to
// <base>/meter/<meter>/state.
type MQTTPublisher struct {
	client    TokenPublisher
	baseTopic string
	timeout   time.Duration
	logger    *zap.SugaredLogger
}

func NewMQTTPublisher(client TokenPublisher, baseTopic string, logger *zap.SugaredLogger) *MQTTPublisher {
	return &MQTTPublisher{
		client:    client,
		baseTopic: baseTopic,
		timeout:   5 * time.Second,
		logger:    logger,
	}
}

func (p *MQTTPublisher) ReportTopic() string {
	return p.baseTopic + "/meterdata"
}

// MeterTopic replaces characters not allowed in a topic level.
func (p *MQTTPublisher) MeterTopic(meter string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	return fmt.Sprintf("%s/meter/%s/state", p.baseTopic, r.Replace(meter))
}

func (p *MQTTPublisher) Publish(ctx context.Context, r Report) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var errs []error
	if err := wait(ctx, p.client.Publish(p.ReportTopic(), 0, false, b)); err != nil {
		errs = append(errs, fmt.Errorf("publish %s: %w", p.ReportTopic(), err))
	}
	for _, rd := range r.MeterData {
		b, err := json.Marshal(rd)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		topic := p.MeterTopic(rd.Meter)
		if err := wait(ctx, p.client.Publish(topic, 0, true, b)); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
		}
	}
	err = errors.Join(errs...)
	if err != nil && p.logger != nil {
		p.logger.Warnf("MQTT publish failed: %v", err)
	}
	return err
}
