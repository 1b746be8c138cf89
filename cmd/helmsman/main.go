package main

import (
	"context"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"helmsman/internal/handlers"
	"helmsman/internal/metrics"
	"helmsman/internal/relay"
	"helmsman/internal/telemetry"
	"helmsman/pkg/cache"
	"helmsman/pkg/clients"
	directoryclient "helmsman/pkg/clients/directory"
	"helmsman/pkg/config"
	"helmsman/pkg/geoip"
	"helmsman/pkg/kafka"
	"helmsman/pkg/logging"
	"helmsman/pkg/monitoring"
	"helmsman/pkg/server"
	"helmsman/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("helmsman")
	config.LoadEnv(logger)

	directoryURL := config.RequireEnv("DIRECTORY_URL")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	healthChecker := monitoring.NewHealthChecker("helmsman", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("helmsman", version.Version, version.GitCommit)
	relayMetrics := metrics.New(metricsCollector)

	// Directory Service client. Lookups ride a short TTL cache so a popular
	// stream doesn't hammer the panel, and a circuit breaker keeps a dead
	// panel from stalling playback requests.
	lookupCache := cache.New(cache.Options{
		TTL:         config.GetEnvDuration("DIRECTORY_CACHE_TTL", 5*time.Second),
		NegativeTTL: 2 * time.Second,
		MaxEntries:  10000,
	})
	cbConfig := clients.DefaultCircuitBreakerConfig()
	cbConfig.Name = "directory"
	cbConfig.Logger = logger
	dirClient := directoryclient.NewClient(directoryclient.Config{
		BaseURL:              directoryURL,
		ServiceToken:         serviceToken,
		Timeout:              10 * time.Second,
		Logger:               logger,
		CircuitBreakerConfig: &cbConfig,
		Cache:                lookupCache,
	})

	engine := relay.NewEngine(relay.Config{
		ConnectTimeout: config.GetEnvDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		MeterInterval:  config.GetEnvDuration("METER_INTERVAL", time.Second),
	}, dirClient, logger)
	engine.SetMetrics(relayMetrics)

	if geoReader, err := geoip.NewReader(config.GetEnv("GEOIP_DB_PATH", "")); err != nil {
		logger.WithError(err).Warn("Failed to open GeoIP database, sessions will carry no location")
	} else if geoReader.IsLoaded() {
		logger.WithField("path", geoReader.DatabasePath()).Info("GeoIP database loaded")
		engine.SetGeoReader(geoReader)
		defer geoReader.Close()
	}

	var kafkaClient *kgo.Client
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","), "helmsman", "helmsman", logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Kafka producer, relay events disabled")
		} else {
			logger.WithField("brokers", brokers).Info("Kafka event pipeline enabled")
			engine.SetEventPublisher(producer)
			kafkaClient = producer.GetClient()
			defer producer.Close()
		}
	}

	hub := telemetry.NewHub(logger)
	hub.SetMetrics(relayMetrics)

	systemCollector := telemetry.NewSystemCollector(config.GetEnv("DISK_PATH", "/"))
	publisher := telemetry.NewPublisher(hub, engine, dirClient, systemCollector,
		config.GetEnvDuration("BROADCAST_INTERVAL", 2*time.Second), logger)
	publisher.SetMetrics(relayMetrics)
	engine.SetStatusListener(publisher.PublishStreamStatus)

	healthChecker.AddCheck("directory", monitoring.HTTPServiceHealthCheck("directory", directoryURL+"/health"))
	healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(kafkaClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DIRECTORY_URL": directoryURL,
		"SERVICE_TOKEN": serviceToken,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	go hub.Run(ctx)
	go publisher.Run(ctx)

	router := server.SetupServiceRouter(logger, "helmsman", healthChecker, metricsCollector)
	handlers.NewHandlers(engine, hub, logger).RegisterRoutes(router, serviceToken)

	if err := server.Start(server.DefaultConfig("helmsman", "8089"), router, logger); err != nil {
		logger.WithError(err).Fatal("Server exited")
	}
}
