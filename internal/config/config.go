package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice session engine.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	ClientID string
	DeviceID string

	Transport            string
	WebsocketURL         string
	WebsocketAccessToken string
	MQTTBroker           string
	MQTTUsername         string
	MQTTPassword         string
	MQTTTopicPrefix      string

	InputSampleRate  int
	OutputSampleRate int
	Channels         int
	FrameDurationMs  int

	ListenMode     string
	SilenceTimeout time.Duration

	UseWakeWord       bool
	WakeWords         []string
	WakeWordThreshold float64
	WakeWordCacheSize int

	VADEnergyThreshold float64
	VADSpeechFrames    int
	VADSilenceFrames   int
	VADWindowSize      int
	BargeInFrames      int
	BargeInEnergy      float64

	ActivationURL      string
	ActivationRetries  int
	ActivationInterval time.Duration

	OpenChannelTimeout time.Duration
	ReconnectInitial   time.Duration
	ReconnectMax       time.Duration
	ReconnectFactor    float64
}

// Transport kinds selectable via NETWORK.TRANSPORT.
const (
	TransportWebsocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Listen modes. The wire names differ (manual/auto/realtime); these are the
// config-facing names.
const (
	ModePushToTalk = "push_to_talk"
	ModeAuto       = "auto"
	ModeWakeWord   = "wake_word"
)

// Load reads the JSON config file (if present), applies environment variable
// overrides and safe defaults, and validates the result. The file uses nested
// objects addressed by dotted key paths, e.g. NETWORK.WEBSOCKET_URL.
func Load(path string) (Config, error) {
	file, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:             override("VESPER_BIND_ADDR", file.str("SYSTEM.BIND_ADDR", ":8089")),
		MetricsNamespace:     override("VESPER_METRICS_NAMESPACE", file.str("SYSTEM.METRICS_NAMESPACE", "vesper")),
		ShutdownTimeout:      15 * time.Second,
		ClientID:             override("VESPER_CLIENT_ID", file.str("SYSTEM.CLIENT_ID", "")),
		DeviceID:             override("VESPER_DEVICE_ID", file.str("SYSTEM.DEVICE_ID", "")),
		Transport:            override("VESPER_TRANSPORT", file.str("NETWORK.TRANSPORT", TransportWebsocket)),
		WebsocketURL:         override("VESPER_WEBSOCKET_URL", file.str("NETWORK.WEBSOCKET_URL", "")),
		WebsocketAccessToken: override("VESPER_WEBSOCKET_ACCESS_TOKEN", file.str("NETWORK.WEBSOCKET_ACCESS_TOKEN", "")),
		MQTTBroker:           override("VESPER_MQTT_BROKER", file.str("NETWORK.MQTT.BROKER", "")),
		MQTTUsername:         override("VESPER_MQTT_USERNAME", file.str("NETWORK.MQTT.USERNAME", "")),
		MQTTPassword:         override("VESPER_MQTT_PASSWORD", file.str("NETWORK.MQTT.PASSWORD", "")),
		MQTTTopicPrefix:      override("VESPER_MQTT_TOPIC_PREFIX", file.str("NETWORK.MQTT.TOPIC_PREFIX", "vesper")),
		InputSampleRate:      file.integer("AUDIO.INPUT_SAMPLE_RATE", 16000),
		OutputSampleRate:     file.integer("AUDIO.OUTPUT_SAMPLE_RATE", 24000),
		Channels:             file.integer("AUDIO.CHANNELS", 1),
		FrameDurationMs:      file.integer("AUDIO.FRAME_DURATION_MS", 20),
		ListenMode:           override("VESPER_LISTEN_MODE", file.str("LISTEN.MODE", ModeAuto)),
		SilenceTimeout:       file.duration("LISTEN.SILENCE_TIMEOUT", 10*time.Second),
		UseWakeWord:          file.boolean("WAKE_WORD.ENABLED", false),
		WakeWords:            file.strs("WAKE_WORD.PHRASES", []string{"小智"}),
		WakeWordThreshold:    file.float("WAKE_WORD.THRESHOLD", 0.82),
		WakeWordCacheSize:    file.integer("WAKE_WORD.CACHE_SIZE", 512),
		VADEnergyThreshold:   file.float("VAD.ENERGY_THRESHOLD", 300),
		VADSpeechFrames:      file.integer("VAD.SPEECH_FRAMES", 3),
		VADSilenceFrames:     file.integer("VAD.SILENCE_FRAMES", 30),
		VADWindowSize:        file.integer("VAD.WINDOW_SIZE", 50),
		BargeInFrames:        file.integer("VAD.BARGE_IN_FRAMES", 5),
		BargeInEnergy:        file.float("VAD.BARGE_IN_ENERGY", 450),
		ActivationURL:        override("VESPER_ACTIVATION_URL", file.str("ACTIVATION.URL", "")),
		ActivationRetries:    file.integer("ACTIVATION.MAX_RETRIES", 10),
		ActivationInterval:   file.duration("ACTIVATION.RETRY_INTERVAL", 3*time.Second),
		OpenChannelTimeout:   file.duration("NETWORK.OPEN_TIMEOUT", 10*time.Second),
		ReconnectInitial:     file.duration("NETWORK.RECONNECT_INITIAL", time.Second),
		ReconnectMax:         file.duration("NETWORK.RECONNECT_MAX", 30*time.Second),
		ReconnectFactor:      file.float("NETWORK.RECONNECT_FACTOR", 2.0),
	}

	cfg.ShutdownTimeout, err = durationFromEnv("VESPER_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Transport {
	case TransportWebsocket, TransportMQTT:
	default:
		return fmt.Errorf("NETWORK.TRANSPORT must be %q or %q, got %q", TransportWebsocket, TransportMQTT, c.Transport)
	}
	switch c.ListenMode {
	case ModePushToTalk, ModeAuto, ModeWakeWord:
	default:
		return fmt.Errorf("LISTEN.MODE must be one of push_to_talk|auto|wake_word, got %q", c.ListenMode)
	}
	if c.Transport == TransportWebsocket && strings.TrimSpace(c.WebsocketURL) == "" {
		return fmt.Errorf("NETWORK.WEBSOCKET_URL is required for the websocket transport")
	}
	if c.Transport == TransportMQTT && strings.TrimSpace(c.MQTTBroker) == "" {
		return fmt.Errorf("NETWORK.MQTT.BROKER is required for the mqtt transport")
	}
	if c.FrameDurationMs <= 0 || c.FrameDurationMs > 120 {
		return fmt.Errorf("AUDIO.FRAME_DURATION_MS must be in (0, 120], got %d", c.FrameDurationMs)
	}
	if c.WakeWordThreshold <= 0 || c.WakeWordThreshold > 1 {
		return fmt.Errorf("WAKE_WORD.THRESHOLD must be in (0, 1], got %v", c.WakeWordThreshold)
	}
	if c.WakeWordCacheSize <= 0 {
		return fmt.Errorf("WAKE_WORD.CACHE_SIZE must be positive")
	}
	if c.VADSpeechFrames <= 0 || c.VADSilenceFrames <= 0 || c.BargeInFrames <= 0 {
		return fmt.Errorf("VAD frame counts must be positive")
	}
	if c.VADWindowSize < c.VADSpeechFrames || c.VADWindowSize < c.VADSilenceFrames {
		return fmt.Errorf("VAD.WINDOW_SIZE must cover the hysteresis frame counts")
	}
	if c.ActivationRetries <= 0 {
		return fmt.Errorf("ACTIVATION.MAX_RETRIES must be positive")
	}
	if c.ReconnectFactor <= 1 {
		return fmt.Errorf("NETWORK.RECONNECT_FACTOR must be greater than 1, got %v", c.ReconnectFactor)
	}
	if c.SilenceTimeout < time.Second {
		return fmt.Errorf("LISTEN.SILENCE_TIMEOUT must be at least 1s")
	}
	return nil
}

// InputFrameSize returns the number of PCM samples in one capture frame.
func (c Config) InputFrameSize() int {
	return c.InputSampleRate * c.FrameDurationMs / 1000
}

// FrameDuration returns the capture frame length as a duration.
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

// fileValues holds the parsed JSON config document. Lookups use dotted key
// paths into nested objects; a missing file behaves as an empty document.
type fileValues struct {
	root map[string]any
}

func loadFile(path string) (fileValues, error) {
	if strings.TrimSpace(path) == "" {
		return fileValues{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileValues{}, nil
		}
		return fileValues{}, fmt.Errorf("read config file: %w", err)
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return fileValues{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fileValues{root: root}, nil
}

// Lookup resolves a dotted key path, e.g. "NETWORK.MQTT.BROKER".
func (f fileValues) Lookup(keyPath string) (any, bool) {
	if f.root == nil {
		return nil, false
	}
	var cur any = f.root
	for _, p := range strings.Split(keyPath, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (f fileValues) str(keyPath, fallback string) string {
	if v, ok := f.Lookup(keyPath); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func (f fileValues) integer(keyPath string, fallback int) int {
	if v, ok := f.Lookup(keyPath); ok {
		if n, ok := v.(float64); ok {
			return int(n)
		}
	}
	return fallback
}

func (f fileValues) float(keyPath string, fallback float64) float64 {
	if v, ok := f.Lookup(keyPath); ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return fallback
}

func (f fileValues) boolean(keyPath string, fallback bool) bool {
	if v, ok := f.Lookup(keyPath); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func (f fileValues) duration(keyPath string, fallback time.Duration) time.Duration {
	if v, ok := f.Lookup(keyPath); ok {
		if s, ok := v.(string); ok {
			if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
				return d
			}
		}
	}
	return fallback
}

func (f fileValues) strs(keyPath string, fallback []string) []string {
	v, ok := f.Lookup(keyPath)
	if !ok {
		return fallback
	}
	items, ok := v.([]any)
	if !ok {
		return fallback
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func override(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}
