package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DisplayI2CAddr is the only SSD1306 address the display driver supports.
const DisplayI2CAddr = 0x3C

// Config holds all application configuration values.
type Config struct {
	// Logging
	LogLevel  slog.Level
	LogFormat string // "text" or "json"

	// GPS
	GPSSerialPort     string // serial device, or "sim" for the simulated receiver
	GPSBaudRate       int
	GPSBackoffInitial time.Duration
	GPSBackoffMax     time.Duration

	// BLE
	BLEEnabled        bool
	BLEAdapter        string
	BLEDeviceName     string
	BLENotifyInterval time.Duration
	BLERetryDelay     time.Duration

	// MQTT (diagnostics uplink; empty broker disables it)
	MQTTBroker   string
	MQTTClientID string
	TopicGPS     string
	TopicBLE     string

	// Web Server (0 disables it)
	WebServerPort int

	// Display
	DisplayEnabled      bool
	DisplayI2CAddr      uint16
	DisplayForceRefresh time.Duration

	// LoRa (empty port disables the uplink)
	LoRaSerialPort   string
	LoRaBaudRate     int
	LoRaAddress      uint16
	LoRaSendInterval time.Duration
}

// Package-level singleton, set once by InitGlobal and read through Get.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		LogLevel:  slog.LevelInfo,
		LogFormat: "text",

		GPSSerialPort:     "/dev/serial0",
		GPSBaudRate:       9600,
		GPSBackoffInitial: 100 * time.Millisecond,
		GPSBackoffMax:     5 * time.Second,

		BLEEnabled:        true,
		BLEAdapter:        "hci0",
		BLEDeviceName:     "Small Black Box",
		BLENotifyInterval: time.Second,
		BLERetryDelay:     time.Second,

		MQTTClientID: "smallblackbox",
		TopicGPS:     "smallblackbox/gps",
		TopicBLE:     "smallblackbox/ble",

		WebServerPort: 8080,

		DisplayI2CAddr:      DisplayI2CAddr,
		DisplayForceRefresh: 30 * time.Second,

		LoRaBaudRate:     115200,
		LoRaSendInterval: 10 * time.Second,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// Logging
	case "LOG_LEVEL":
		level, err := parseLogLevel(value)
		if err != nil {
			return err
		}
		c.LogLevel = level
	case "LOG_FORMAT":
		switch value {
		case "text", "json":
			c.LogFormat = value
		default:
			return fmt.Errorf("LOG_FORMAT must be text or json, got %q", value)
		}

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid GPS_BAUD_RATE %q: %w", value, err)
		}
		c.GPSBaudRate = rate
	case "GPS_BACKOFF_INITIAL_MS":
		d, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.GPSBackoffInitial = d
	case "GPS_BACKOFF_MAX_MS":
		d, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.GPSBackoffMax = d

	// BLE
	case "BLE_ENABLED":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid BLE_ENABLED %q: %w", value, err)
		}
		c.BLEEnabled = enabled
	case "BLE_ADAPTER":
		c.BLEAdapter = value
	case "BLE_DEVICE_NAME":
		c.BLEDeviceName = value
	case "BLE_NOTIFY_INTERVAL_MS":
		d, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.BLENotifyInterval = d
	case "BLE_RETRY_DELAY_MS":
		d, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.BLERetryDelay = d

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_GPS":
		c.TopicGPS = value
	case "TOPIC_BLE":
		c.TopicBLE = value

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		c.WebServerPort = port

	// Display
	case "DISPLAY_ENABLED":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_ENABLED %q: %w", value, err)
		}
		c.DisplayEnabled = enabled
	case "DISPLAY_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, err)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_FORCE_REFRESH_MS":
		d, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.DisplayForceRefresh = d

	// LoRa
	case "LORA_SERIAL_PORT":
		c.LoRaSerialPort = value
	case "LORA_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid LORA_BAUD_RATE %q: %w", value, err)
		}
		c.LoRaBaudRate = rate
	case "LORA_ADDRESS":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid LORA_ADDRESS %q: %w", value, err)
		}
		c.LoRaAddress = uint16(addr)
	case "LORA_SEND_INTERVAL_MS":
		d, err := parseMillis(key, value)
		if err != nil {
			return err
		}
		c.LoRaSendInterval = d

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

// validate checks that all required fields are set and in range.
func (c *Config) validate() error {
	if c.GPSSerialPort == "" {
		return fmt.Errorf("GPS_SERIAL_PORT is required")
	}
	if c.GPSBaudRate <= 0 {
		return fmt.Errorf("GPS_BAUD_RATE must be positive, got %d", c.GPSBaudRate)
	}
	if c.GPSBackoffInitial <= 0 || c.GPSBackoffMax < c.GPSBackoffInitial {
		return fmt.Errorf("GPS backoff must satisfy 0 < GPS_BACKOFF_INITIAL_MS <= GPS_BACKOFF_MAX_MS")
	}
	if c.BLEEnabled && c.BLEDeviceName == "" {
		return fmt.Errorf("BLE_DEVICE_NAME is required")
	}
	if c.BLENotifyInterval <= 0 {
		return fmt.Errorf("BLE_NOTIFY_INTERVAL_MS must be positive")
	}
	if c.BLERetryDelay <= 0 {
		return fmt.Errorf("BLE_RETRY_DELAY_MS must be positive")
	}
	if c.MQTTBroker != "" && c.MQTTClientID == "" {
		return fmt.Errorf("MQTT_CLIENT_ID is required when MQTT_BROKER is set")
	}
	if c.WebServerPort < 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 0-65535, got %d", c.WebServerPort)
	}
	if c.DisplayI2CAddr != DisplayI2CAddr {
		return fmt.Errorf("DISPLAY_I2C_ADDR must be 0x%02X, got 0x%02X", DisplayI2CAddr, c.DisplayI2CAddr)
	}
	if c.DisplayEnabled && c.DisplayForceRefresh <= 0 {
		return fmt.Errorf("DISPLAY_FORCE_REFRESH_MS must be positive")
	}
	if c.LoRaSerialPort != "" && c.LoRaSendInterval <= 0 {
		return fmt.Errorf("LORA_SEND_INTERVAL_MS must be positive")
	}
	return nil
}

func parseMillis(key, value string) (time.Duration, error) {
	ms, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", key, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

// InitGlobal initializes the global configuration from file.
// Only the first call has any effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
