// Command tagger subscribes to an MQTT topic, tags every message with a unique id and
// a UTC timestamp, and forwards it to the parser service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-tagger/pkg/config"
	"github.com/illmade-knight/go-tagger/pkg/messagepipeline"
	"github.com/illmade-knight/go-tagger/pkg/metrics"
	"github.com/illmade-knight/go-tagger/pkg/microservice"
	"github.com/illmade-knight/go-tagger/pkg/mqttconverter"
	"github.com/illmade-knight/go-tagger/pkg/tagger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// configFileEnv optionally names a YAML file layered under the environment.
const configFileEnv = "TAGGER_CONFIG_FILE"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "tagger").Logger()

	cfg, err := config.Load(os.Getenv(configFileEnv))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration.")
	}
	logger = logger.Level(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Tagger exited with error.")
		os.Exit(1)
	}
	logger.Info().Msg("Tagger stopped.")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	forwarder, closeForwarder, err := newForwarder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeForwarder()

	mqttCfg, err := cfg.MQTTClientConfig()
	if err != nil {
		return fmt.Errorf("invalid broker configuration: %w", err)
	}
	dispatcher := messagepipeline.NewDispatcher(cfg.DispatcherConfig(), logger)
	m.TrackQueueDepth(dispatcher.Len)
	consumer, err := mqttconverter.NewMqttConsumer(mqttCfg, dispatcher, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create MQTT consumer: %w", err)
	}

	relay, err := tagger.NewRelay(cfg.RelayConfig(), consumer, tagger.NewTagger(m, logger), forwarder, logger)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	// Workers run on their own context so that an interrupt stops the consumer first
	// and lets queued messages drain within the shutdown timeout.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	if err := relay.Start(workCtx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	logger.Info().
		Str("broker", mqttCfg.BrokerURL).
		Str("topic", mqttCfg.Topic).
		Str("client_id", consumer.ClientID()).
		Str("forward_mode", cfg.ForwardMode).
		Msg("Tagger running.")

	var server *microservice.BaseServer
	if cfg.HTTPEnabled() {
		server = microservice.NewBaseServer(logger, cfg.HTTPPort, reg, func() error {
			if !consumer.IsConnected() {
				return fmt.Errorf("not connected to MQTT broker")
			}
			return nil
		})
		if err := server.Start(); err != nil {
			_ = relay.Stop(context.Background())
			return err
		}
	}

	<-ctx.Done()
	logger.Info().Msg("Interrupt received, shutting down.")

	var stopOps stopFunc
	if server != nil {
		stopOps = server.Shutdown
	}
	shutdown(relay.Stop, stopOps, cfg.ShutdownTimeout, logger)
	return nil
}

type stopFunc func(ctx context.Context) error

// shutdown stops the relay, then the ops server, within timeout. A relay that
// does not drain in time is logged; interrupt still ends the process cleanly.
func shutdown(stopRelay, stopOps stopFunc, timeout time.Duration, logger zerolog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := stopRelay(shutdownCtx); err != nil {
		logger.Warn().Err(err).Dur("timeout", timeout).Msg("Relay did not stop cleanly, in-flight messages were dropped.")
	}
	if stopOps != nil {
		if err := stopOps(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Ops server did not shut down cleanly.")
		}
	}
}

// newForwarder builds the configured Forwarder and a func releasing its client.
func newForwarder(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (tagger.Forwarder, func(), error) {
	if cfg.ForwardMode != config.ForwardPubsub {
		f, err := tagger.NewHTTPForwarder(cfg.HTTPForwarderConfig(), nil, logger)
		return f, func() {}, err
	}

	client, err := pubsub.NewClient(ctx, cfg.PubsubProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	closeClient := func() { _ = client.Close() }

	publisher, err := messagepipeline.NewGoogleSimplePublisher(ctx, messagepipeline.NewGoogleSimplePublisherDefaults(cfg.PubsubTopicID), client, logger)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	f, err := tagger.NewPubsubForwarder(publisher, cfg.ForwardTimeout, logger)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	return f, closeClient, nil
}
