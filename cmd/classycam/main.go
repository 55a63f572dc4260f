package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/classycam/internal/api"
	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/logging"
	"github.com/mikeyg42/classycam/internal/metrics"
	"github.com/mikeyg42/classycam/internal/notification"
	"github.com/mikeyg42/classycam/internal/stream"
	"github.com/mikeyg42/classycam/internal/validate"
	"github.com/mikeyg42/classycam/internal/vision"
)

// Application holds all components
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	pipeline   *stream.Pipeline
	dispatcher *notification.Dispatcher
	hub        *api.Hub
	server     *api.Server
	mqtt       *notification.MQTTPublisher

	closeDetector func()
}

func main() {
	configPath := flag.String("config", os.Getenv("CLASSYCAM_CONFIG"), "path to a YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides configuration)")
	source := flag.String("source", "", "start streaming this source on boot")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.API.ListenAddr = *addr
	}
	if *source != "" {
		cfg.Stream.DefaultSource = *source
		cfg.Stream.AutoStart = true
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("classycam: %v", err)
	}
}

func run(cfg *config.Config) error {
	logger, restore, err := logging.Install(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer restore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Cleanup()

	return app.Run(ctx)
}

// NewApplication wires every component. On error anything already built is
// released.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	logger = logger.With(
		zap.String("service", cfg.Service.Name),
		zap.String("environment", cfg.Service.Environment))

	app := &Application{
		config:        cfg,
		logger:        logger,
		metrics:       metrics.New(),
		closeDetector: func() {},
	}

	app.dispatcher = notification.NewDispatcher(cfg.Notification,
		notification.WithDispatcherLogger(logger),
		notification.WithDispatcherMetrics(app.metrics))
	if err := app.addNotificationSinks(); err != nil {
		app.Cleanup()
		return nil, err
	}

	if cfg.API.WebSocketEnabled {
		app.hub = api.NewHub(logger, app.metrics, api.OriginChecker(cfg.API.CORSOrigins))
		app.dispatcher.AddSink(app.hub)
	}

	detector, closeDetector, err := vision.LoadDetector(cfg.Detector, logger)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.closeDetector = closeDetector

	pipeline, err := stream.NewPipeline(cfg,
		vision.NewOpener(cfg.Stream.BufferSize, logger),
		detector,
		vision.NewRenderer(cfg.Stream.JPEGQuality),
		stream.WithLogger(logger),
		stream.WithMetrics(app.metrics),
		stream.WithPublisher(app.dispatcher))
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	app.pipeline = pipeline

	opts := []api.Option{api.WithLogger(logger), api.WithMetrics(app.metrics)}
	if app.hub != nil {
		opts = append(opts, api.WithHub(app.hub))
	}
	server, err := api.NewServer(cfg, pipeline, opts...)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}
	app.server = server

	return app, nil
}

func (app *Application) addNotificationSinks() error {
	ncfg := app.config.Notification
	if !ncfg.Enabled {
		app.logger.Info("notifications disabled")
		return nil
	}

	if ncfg.MailSend.Enabled {
		mailer, err := notification.NewMailSendNotifier(ncfg.MailSend, app.config.Service.Name,
			notification.WithMailSendLogger(app.logger))
		if err != nil {
			return fmt.Errorf("failed to create MailSend notifier: %w", err)
		}
		app.dispatcher.AddSink(mailer)
	}

	if ncfg.MQTT.Enabled {
		pub, err := notification.NewMQTTPublisher(ncfg.MQTT, app.logger)
		if err != nil {
			// The broker may come up later; the stream does not depend on it.
			app.logger.Warn("MQTT publisher unavailable, continuing without it", zap.Error(err))
		} else {
			app.mqtt = pub
			app.dispatcher.AddSink(pub)
		}
	}
	return nil
}

// Run serves until ctx is cancelled or a component fails.
func (app *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.dispatcher.Run(ctx) })
	if app.hub != nil {
		g.Go(func() error { return app.hub.Run(ctx) })
	}
	g.Go(func() error {
		return app.server.ListenAndServe(ctx, app.config.Service.ShutdownTimeout)
	})
	g.Go(func() error {
		<-ctx.Done()
		app.pipeline.Stop()
		return nil
	})

	if app.config.Stream.AutoStart {
		g.Go(func() error {
			app.autoStart(ctx)
			return nil
		})
	}

	app.logger.Info("classycam running", zap.String("addr", app.config.API.ListenAddr))
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	delivered, failed, dropped := app.dispatcher.Stats()
	app.logger.Info("classycam stopped",
		zap.Uint64("notifications_delivered", delivered),
		zap.Uint64("notifications_failed", failed),
		zap.Uint64("notifications_dropped", dropped))
	return nil
}

func (app *Application) autoStart(ctx context.Context) {
	src := app.config.Stream.DefaultSource
	if err := app.pipeline.Start(ctx, src); err != nil {
		app.logger.Warn("auto start failed, waiting for a start request",
			zap.String("source", src), zap.Error(err))
	}
}

// Cleanup releases the capture, the detector and broker connections.
func (app *Application) Cleanup() {
	if app.pipeline != nil {
		app.pipeline.Stop()
	}
	if app.mqtt != nil {
		app.mqtt.Close()
	}
	app.closeDetector()
}
