package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/directserial"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/config"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/poller"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/registry"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/report"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/server"
	"github.com/cybroslabs/dlms-accesspoint-go/reactor"
	"github.com/cybroslabs/dlms-accesspoint-go/rfc2217"
	"github.com/cybroslabs/dlms-accesspoint-go/tcp"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	fs := config.Flags()
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println(versioninfo.Short())
		return nil
	}

	cfg, err := config.Load(viper.New(), fs)
	if err != nil {
		return fmt.Errorf("config errors: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(zapCfg.Build())
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	log.Infow("Starting access point", "version", versioninfo.Short(), "revision", versioninfo.Revision)
	log.Infow("Using", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(log)
	if cfg.Registration.Initial != "" {
		if err := reg.Interpret(cfg.Registration.Initial); err != nil {
			return fmt.Errorf("initial registration: %w", err)
		}
	}

	store := report.NewStore()
	pubs := report.Publishers{
		report.NewWriterPublisher(os.Stdout),
		report.StorePublisher{Store: store},
	}
	if cfg.MQTT.Enable {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := report.Connect(cctx, cfg.MQTT, log)
		cancel()
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		pubs = append(pubs, report.NewMQTTPublisher(client, cfg.MQTT.BaseTopic, log))
	}

	factory, opts, err := transport(cfg, log)
	if err != nil {
		return err
	}
	p := poller.New(factory, reg, pubs, opts, poller.WithLogger(log))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reg.ListenAndServe(ctx, cfg.Registration.Listen); err != nil {
			log.Errorw("Registration listener failed", "error", err)
			stop()
		}
	}()

	srv := server.New(*cfg, reg, store, p, log).HTTPServer()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("HTTP server failed", "error", err)
			stop()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warnw("Server forced to shutdown", "error", err)
		}
	}()

	err = p.Run(ctx)
	stop()
	wg.Wait()
	log.Info("Shutdown complete")
	return err
}

func transport(cfg *config.Config, log *zap.SugaredLogger) (base.Factory, poller.Options, error) {
	opts := poller.DefaultOptions()
	opts.ClientAddress = cfg.Poll.ClientAddress
	opts.ServerAddress = cfg.Poll.ServerAddress
	opts.MaxPduSize = cfg.Poll.MaxPduSize
	opts.Password = cfg.Poll.Password
	opts.Timeout = time.Duration(cfg.Poll.TimeoutMillis) * time.Millisecond
	opts.Interval = time.Duration(cfg.Poll.IntervalMillis) * time.Millisecond
	opts.KeepMeters = cfg.Poll.KeepMeters

	switch cfg.Poll.Medium {
	case config.MediumSerial, config.MediumRFC2217:
		settings, err := cfg.SerialSettings()
		if err != nil {
			return nil, opts, err
		}
		opts.Medium = base.MediumSerial
		opts.Serial = settings
		opts.LogicalAddress = cfg.Serial.LogicalAddress
		opts.PhysicalAddress = cfg.Serial.PhysicalAddress
		if cfg.Poll.Medium == config.MediumRFC2217 {
			return rfc2217.NewFactory([]rfc2217.Option{rfc2217.WithLogger(log)}, reactor.WithLogger(log)), opts, nil
		}
		return directserial.NewFactory(nil, reactor.WithLogger(log)), opts, nil
	}

	family, err := cfg.AddressFamily()
	if err != nil {
		return nil, opts, err
	}
	opts.Family = family
	return tcp.NewFactory(reactor.WithLogger(log)), opts, nil
}
