package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vesper-ai/vesper/internal/activation"
	"github.com/vesper-ai/vesper/internal/audio"
	"github.com/vesper-ai/vesper/internal/config"
	"github.com/vesper-ai/vesper/internal/detect"
	"github.com/vesper-ai/vesper/internal/httpapi"
	"github.com/vesper-ai/vesper/internal/iot"
	"github.com/vesper-ai/vesper/internal/observability"
	"github.com/vesper-ai/vesper/internal/protocol"
	"github.com/vesper-ai/vesper/internal/session"
	"github.com/vesper-ai/vesper/internal/transport"
)

// softVolume is the playback volume exposed as a controllable thing.
// Device mixers hook in by replacing this with a platform control.
type softVolume struct {
	mu    sync.Mutex
	level int
}

func (v *softVolume) Volume() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.level
}

func (v *softVolume) SetVolume(level int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.level = level
	return nil
}

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	registry := iot.NewRegistry()
	vol := &softVolume{level: 70}
	timer := iot.NewCountdownTimer(func(name, method string, params json.RawMessage) {
		if _, err := registry.Invoke(name, method, params); err != nil {
			log.Warn().Err(err).Str("thing", name).Msg("scheduled command failed")
		}
	})
	defer timer.StopAll()
	for _, thing := range []iot.Thing{iot.NewLamp(), iot.NewSpeaker(vol), timer} {
		if err := registry.Register(thing); err != nil {
			log.Fatal().Err(err).Msg("register thing")
		}
	}

	matcher, err := detect.NewMatcher(cfg.WakeWords, cfg.WakeWordThreshold, cfg.WakeWordCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("wake word matcher init failed")
	}

	var activator activation.Activator
	if cfg.ActivationURL != "" {
		activator = activation.NewHTTP(cfg.ActivationURL, cfg.DeviceID, cfg.ClientID)
	} else {
		activator = activation.Static{Identity: activation.Identity{
			DeviceID: cfg.DeviceID,
			ClientID: cfg.ClientID,
		}}
	}

	engine := session.New(session.Options{
		Config: cfg,
		Source: audio.NewNullSource(),
		Sink:   audio.NullSink{},
		Codec:  audio.PCMCodec{},
		VAD: detect.NewVAD(detect.VADConfig{
			SpeechFrames:    cfg.VADSpeechFrames,
			SilenceFrames:   cfg.VADSilenceFrames,
			WindowSize:      cfg.VADWindowSize,
			EnergyThreshold: cfg.VADEnergyThreshold,
		}, nil),
		BargeIn:   detect.NewBargeIn(cfg.BargeInFrames, cfg.BargeInEnergy),
		Matcher:   matcher,
		Activator: activator,
		Registry:  registry,
		Metrics:   metrics,
		Log:       log.With().Str("component", "session").Logger(),
		OnTerminal: func(err error) {
			log.Error().Err(err).Msg("device activation failed permanently")
		},
	})

	params := protocol.AudioParams{
		Format:        "opus",
		SampleRate:    cfg.InputSampleRate,
		Channels:      cfg.Channels,
		FrameDuration: cfg.FrameDurationMs,
	}
	handlers := engine.TransportHandlers()

	var carrier transport.Transport
	switch cfg.Transport {
	case config.TransportMQTT:
		carrier = transport.NewMQTT(transport.MQTTConfig{
			Broker:       cfg.MQTTBroker,
			Username:     cfg.MQTTUsername,
			Password:     cfg.MQTTPassword,
			ClientID:     cfg.ClientID,
			TopicPrefix:  cfg.MQTTTopicPrefix,
			HelloTimeout: cfg.OpenChannelTimeout,
			AudioParams:  params,
		}, handlers)
	default:
		carrier = transport.NewWebsocket(transport.WebsocketConfig{
			URL:          cfg.WebsocketURL,
			AccessToken:  cfg.WebsocketAccessToken,
			DeviceID:     cfg.DeviceID,
			ClientID:     cfg.ClientID,
			HelloTimeout: cfg.OpenChannelTimeout,
			AudioParams:  params,
		}, handlers)
	}

	supervisor := transport.NewSupervisor(
		carrier,
		cfg.ReconnectInitial,
		cfg.ReconnectMax,
		cfg.ReconnectFactor,
		0,
		func() { metrics.TransportReconnects.Inc() },
		log.With().Str("component", "transport").Logger(),
	)
	engine.Bind(carrier, supervisor)

	api := httpapi.New(cfg, engine, registry, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("session engine stopped")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("control api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	<-engineDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
