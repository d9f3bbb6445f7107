package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Agrid-Dev/pumpctl/internal/devicesim"
	"github.com/Agrid-Dev/pumpctl/internal/logging"
)

func main() {
	var (
		addr   string
		relays int
		level  string
	)
	flag.StringVar(&addr, "addr", ":8081", "listen address of the simulated device")
	flag.IntVar(&relays, "relays", devicesim.DefaultRelays, "number of relays exposed")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.Parse()

	log := logging.New(logging.Config{Level: level})

	sim := devicesim.New(relays, log)
	defer sim.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("addr", addr).Int("relays", relays).Msg("pumpsim listening")
	if err := sim.Serve(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server exited")
	}
}
