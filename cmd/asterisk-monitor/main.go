package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/asterisk-monitor/internal/calls"
	"github.com/sweeney/asterisk-monitor/internal/cmdcache"
	"github.com/sweeney/asterisk-monitor/internal/config"
	"github.com/sweeney/asterisk-monitor/internal/connector"
	"github.com/sweeney/asterisk-monitor/internal/logging"
	"github.com/sweeney/asterisk-monitor/internal/publisher"
	"github.com/sweeney/asterisk-monitor/internal/reporter"
	"github.com/sweeney/asterisk-monitor/internal/sipreg"
	"github.com/sweeney/asterisk-monitor/internal/workerpool"
)

const (
	publishQueueSize = 1024
	shutdownTimeout  = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "/etc/asterisk-monitor/asterisk-monitor.yaml", "Path to config file")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuring logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("asterisk-monitor failed")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	pool := workerpool.New(cfg.Workers)
	defer pool.Close()

	pub, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	registry, err := connector.NewRegistry(sessionConfigs(cfg),
		connector.WithLogger(logging.Component(log, "connector")),
		connector.WithPool(pool),
	)
	if err != nil {
		return err
	}

	queue := reporter.NewQueue(pub, publishQueueSize, logging.Component(log, "publisher"))

	var registrar *sipreg.SIPRegistrar
	defer func() {
		if registrar != nil {
			registrar.Close()
		}
	}()

	var systems []reporter.System
	for _, sysCfg := range cfg.SystemList() {
		s, _ := registry.Get(sysCfg.Name)
		sys := reporter.System{
			Session:  s,
			Commands: cmdcache.New(s, sysCfg.CommandCacheTTL),
		}

		if cfg.MQTT.PublishCalls {
			tracker := calls.New(calls.WithChangeHandler(reporter.CallHandler(queue, cfg.MQTT.TopicPrefix, s.Name())))
			s.AddEventListener(tracker)
			sys.Calls = tracker
		}
		if len(cfg.MQTT.ForwardEvents) > 0 {
			s.AddEventListener(reporter.NewEventForwarder(queue, cfg.MQTT.TopicPrefix, s.Name(), cfg.MQTT.ForwardEvents))
		}

		if len(sysCfg.SIPTests) > 0 {
			if registrar == nil {
				if registrar, err = sipreg.NewSIPRegistrar(logging.Component(log, "sip")); err != nil {
					return err
				}
			}
			tester := sipreg.NewTester(s.Name(), sipTests(sysCfg), registrar, s.PeerIP, log)
			if err := tester.Start(ctx, pool); err != nil {
				return fmt.Errorf("scheduling SIP tests for %s: %w", s.Name(), err)
			}
			sys.SIP = tester
		}
		systems = append(systems, sys)
	}

	registry.Start()
	log.Info().Int("systems", len(systems)).Msg("AMI sessions started")

	rep := reporter.New(pub, cfg.MQTT.TopicPrefix, systems, log)
	if err := rep.Start(ctx, pool, cfg.MQTT.ReportInterval); err != nil {
		return fmt.Errorf("scheduling reporter: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(gctx)
	})
	runErr := g.Wait()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("AMI sessions did not stop in time")
	}
	return runErr
}

func newPublisher(cfg *config.Config, log zerolog.Logger) (publisher.Publisher, error) {
	plog := logging.Component(log, "publisher")
	if !cfg.MQTT.Enabled() {
		plog.Info().Msg("no MQTT broker configured, logging reports instead")
		return publisher.NewLogPublisher(plog), nil
	}
	pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		QoS:         1,
		StatusTopic: cfg.MQTT.TopicPrefix + "/agent/status",
		Logger:      plog,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	return pub, nil
}

func sessionConfigs(cfg *config.Config) []connector.Config {
	var out []connector.Config
	for _, s := range cfg.SystemList() {
		out = append(out, connector.Config{
			Name:              s.Name,
			Host:              s.Host,
			Port:              s.Port,
			Username:          s.Username,
			Secret:            s.Secret,
			RequestTimeout:    s.RequestTimeout,
			ConnectTimeout:    s.ConnectTimeout,
			ReconnectInterval: s.ReconnectInterval,
			RetryDelay:        s.RetryDelay,
			PollInterval:      s.PollInterval,
			EventMask:         s.EventMask,
			EventFilters:      s.EventFilters,
		})
	}
	return out
}

func sipTests(s *config.SystemConfig) []sipreg.Test {
	out := make([]sipreg.Test, 0, len(s.SIPTests))
	for _, t := range s.SIPTests {
		out = append(out, sipreg.Test{
			Name:     t.Name,
			Login:    t.Login,
			Password: t.Password,
			Domain:   t.Domain,
			Proxy:    t.Proxy,
			Timeout:  t.Timeout,
			Interval: t.Interval,
		})
	}
	return out
}
