package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/smallblackbox/internal/ble"
	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

// Publisher is the part of mqtt.Client the diagnostics uplink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const publishTimeout = 5 * time.Second

// ConnectMQTT connects to broker with auto-reconnect. It gives up after
// ctx ends; the returned client keeps reconnecting on its own afterwards.
func ConnectMQTT(ctx context.Context, broker, clientID string, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	for !token.WaitTimeout(200 * time.Millisecond) {
		if ctx.Err() != nil {
			client.Disconnect(0)
			return nil, ctx.Err()
		}
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

// MQTTPublisher mirrors the position and connectivity channels onto two
// retained topics. A position payload of null means "no fix".
type MQTTPublisher struct {
	client   Publisher
	fixes    *watch.Channel[*gps.Fix]
	states   *watch.Channel[ble.State]
	topicGPS string
	topicBLE string
	logger   *slog.Logger
}

func NewMQTTPublisher(client Publisher, fixes *watch.Channel[*gps.Fix], states *watch.Channel[ble.State], topicGPS, topicBLE string, logger *slog.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client:   client,
		fixes:    fixes,
		states:   states,
		topicGPS: topicGPS,
		topicBLE: topicBLE,
		logger:   logger.With("component", "mqtt"),
	}
}

// Run publishes every change until ctx ends. Publish failures are logged
// and the next change is tried as usual.
func (p *MQTTPublisher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mirror(ctx, p, p.fixes.Subscribe(), p.topicGPS)
	})
	g.Go(func() error {
		return mirror(ctx, p, p.states.Subscribe(), p.topicBLE)
	})
	return g.Wait()
}

func mirror[T any](ctx context.Context, p *MQTTPublisher, rx *watch.Receiver[T], topic string) error {
	for {
		v, err := rx.Changed(ctx)
		if err != nil {
			return err
		}
		p.publish(topic, v)
	}
}

func (p *MQTTPublisher) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("json marshal error", "topic", topic, "error", err)
		return
	}

	token := p.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("mqtt publish error", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("published", "topic", topic, "payload", string(payload))
}
