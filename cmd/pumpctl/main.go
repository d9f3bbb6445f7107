package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Agrid-Dev/pumpctl/cmd/app"
	httpctrl "github.com/Agrid-Dev/pumpctl/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/pumpctl/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/pumpctl/internal/controllers/mqtt"
	"github.com/Agrid-Dev/pumpctl/internal/device"
	"github.com/Agrid-Dev/pumpctl/internal/logging"
	"github.com/Agrid-Dev/pumpctl/internal/pump"
)

func main() {
	var (
		configPath string
		envPath    string
		dumpConfig bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file loaded before reading PUMPCTL_* variables")
	flag.BoolVar(&dumpConfig, "dump-config", false, "print the effective config as YAML and exit")
	flag.Parse()

	boot := logging.New(logging.Config{})

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		boot.Fatal().Err(err).Str("path", envPath).Msg("load dotenv")
	}

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	if dumpConfig {
		b, err := cfg.YAML()
		if err != nil {
			boot.Fatal().Err(err).Msg("render config")
		}
		_, _ = os.Stdout.Write(b)
		return
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("invalid config")
	}

	log := logging.New(cfg.Logging).With().Str("device_id", cfg.DeviceID).Logger()

	client, err := pump.New(cfg.Device.Address, pump.WithTimeout(cfg.Device.Timeout))
	if err != nil {
		log.Fatal().Err(err).Msg("device")
	}
	dev := device.New(cfg.DeviceID, client)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, dev, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg app.Config, dev *device.Device, log zerolog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Controllers.HTTP.Enabled {
		srv := httpctrl.New(dev.Client, cfg.Controllers.HTTP.Addr, dev.ID, log)
		log.Info().Str("addr", cfg.Controllers.HTTP.Addr).Str("device", dev.Client.BaseURL()).Msg("http gateway listening")
		g.Go(func() error { return srv.Run(ctx) })
	}

	if cfg.Controllers.MQTT.Enabled {
		m := cfg.Controllers.MQTT
		ctrl, err := mqttctrl.New(dev.Client, mqttctrl.Config{
			DeviceID:       dev.ID,
			BrokerURL:      m.BrokerURL,
			ClientID:       m.ClientID,
			BaseTopic:      m.BaseTopic,
			QoS:            m.QoS,
			RetainOutcome:  m.RetainOutcome,
			CommandTimeout: m.CommandTimeout,
			Username:       m.Username,
			Password:       m.Password,
		}, log)
		if err != nil {
			return err
		}
		log.Info().Str("broker", m.BrokerURL).Msg("mqtt gateway starting")
		g.Go(func() error { return ctrl.Run(ctx) })
	}

	if cfg.Controllers.MODBUS.Enabled {
		mb := cfg.Controllers.MODBUS
		ctrl, err := modbusctrl.New(dev.Client, modbusctrl.Config{
			DeviceID:       dev.ID,
			Addr:           mb.Addr,
			UnitID:         mb.UnitID,
			RelayCount:     mb.RelayCount,
			CommandTimeout: mb.CommandTimeout,
		}, log)
		if err != nil {
			return err
		}
		log.Info().Str("addr", mb.Addr).Msg("modbus gateway listening")
		g.Go(func() error { return ctrl.Run(ctx) })
	}

	return g.Wait()
}
