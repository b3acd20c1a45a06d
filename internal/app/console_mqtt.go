package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/smallblackbox/internal/ble"
	"github.com/relabs-tech/smallblackbox/internal/config"
	"github.com/relabs-tech/smallblackbox/internal/gps"
)

// RunConsole subscribes to the tracker's diagnostics topics and prints one
// line per message to out until ctx ends.
func RunConsole(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := ConnectMQTT(connectCtx, cfg.MQTTBroker, cfg.MQTTClientID+"-console", logger)
	cancel()
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	var mu sync.Mutex
	printer := func(format func([]byte) (string, error)) mqtt.MessageHandler {
		return func(_ mqtt.Client, msg mqtt.Message) {
			line, err := format(msg.Payload())
			if err != nil {
				logger.Warn("console: unmarshal error", "topic", msg.Topic(), "error", err)
				return
			}
			mu.Lock()
			fmt.Fprintln(out, line)
			mu.Unlock()
		}
	}

	subs := map[string]func([]byte) (string, error){
		cfg.TopicGPS: formatFixMessage,
		cfg.TopicBLE: formatStateMessage,
	}
	for topic, format := range subs {
		token := client.Subscribe(topic, 0, printer(format))
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		logger.Info("console: subscribed", "topic", topic)
	}

	<-ctx.Done()
	logger.Info("console: shutting down")
	return nil
}

func formatFixMessage(payload []byte) (string, error) {
	var f *gps.Fix
	if err := json.Unmarshal(payload, &f); err != nil {
		return "", err
	}
	return formatFix(f), nil
}

func formatFix(f *gps.Fix) string {
	if f == nil {
		return "[GPS ]  no fix"
	}

	speed, course := "-", "-"
	if f.Speed != nil {
		speed = fmt.Sprintf("%.1fkn", *f.Speed)
	}
	if f.Heading != nil {
		course = fmt.Sprintf("%.1f°", *f.Heading)
	}
	return fmt.Sprintf("[GPS ]  time=%s lat=%.6f lon=%.6f speed=%s course=%s",
		f.Time.UTC().Format(time.RFC3339), f.Latitude, f.Longitude, speed, course)
}

func formatStateMessage(payload []byte) (string, error) {
	var s ble.State
	if err := json.Unmarshal(payload, &s); err != nil {
		return "", err
	}
	if !s.Connected {
		return "[BLE ]  disconnected", nil
	}
	if s.RSSI != nil {
		return fmt.Sprintf("[BLE ]  connected rssi=%ddBm", *s.RSSI), nil
	}
	return "[BLE ]  connected", nil
}
