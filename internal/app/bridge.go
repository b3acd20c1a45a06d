package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/relabs-tech/smallblackbox/internal/ble"
	"github.com/relabs-tech/smallblackbox/internal/config"
	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

// channelHandler decodes each retained diagnostics message and replays it
// into a local channel, so remote state looks the same as in-process state.
func channelHandler[T any](ch *watch.Channel[T], logger *slog.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var v T
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			logger.Warn("payload unmarshal error", "topic", msg.Topic(), "error", err)
			return
		}
		ch.Send(v)
	}
}

// Subscriber is the part of mqtt.Client the bridge needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// SubscribeState feeds the tracker's MQTT topics into fixes and states.
func SubscribeState(client Subscriber, topicGPS, topicBLE string, fixes *watch.Channel[*gps.Fix], states *watch.Channel[ble.State], logger *slog.Logger) error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{topicGPS, channelHandler(fixes, logger)},
		{topicBLE, channelHandler(states, logger)},
	}
	for _, s := range subs {
		token := client.Subscribe(s.topic, 0, s.handler)
		token.Wait()
		if err := token.Error(); err != nil {
			return err
		}
		logger.Info("subscribed to MQTT topic", "topic", s.topic)
	}
	return nil
}

// RunWeb serves the diagnostics web interface from a separate process,
// fed by the tracker's MQTT topics instead of in-process channels.
func RunWeb(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger = logger.With("component", "web-bridge")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := ConnectMQTT(connectCtx, cfg.MQTTBroker, cfg.MQTTClientID+"-web", logger)
	cancel()
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	fixes := watch.New[*gps.Fix]()
	states := watch.New[ble.State]()
	if err := SubscribeState(client, cfg.TopicGPS, cfg.TopicBLE, fixes, states, logger); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	web := NewWebServer(fixes, states, reg, logger)
	port := cfg.WebServerPort
	if port == 0 {
		port = 8080
	}
	if err := web.Run(ctx, ":"+strconv.Itoa(port)); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
