package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/pumpctl/internal/devicesim"
	"github.com/Agrid-Dev/pumpctl/internal/pump"
)

// TraceTimer programs a timer on a simulated device through the pump client and
// samples the relay state every step, writing elapsed_ms,relay_on rows to filename.
func TraceTimer(filename string, t pump.Timer, total, step time.Duration) error {
	sim := devicesim.New(devicesim.DefaultRelays, zerolog.Nop())
	defer sim.Close()
	srv := httptest.NewServer(sim)
	defer srv.Close()

	client, err := pump.New(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		return err
	}
	if out := client.SetTimer(context.Background(), t); !out.OK() {
		return fmt.Errorf("set timer: %w", out.Err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	if err := w.Write([]string{"elapsed_ms", "relay_on"}); err != nil {
		return err
	}

	start := time.Now()
	for elapsed := time.Duration(0); elapsed <= total; elapsed = time.Since(start) {
		on, err := sim.Relay(int(t.Relay))
		if err != nil {
			return err
		}
		row := []string{strconv.FormatInt(elapsed.Milliseconds(), 10), strconv.FormatBool(on)}
		if err := w.Write(row); err != nil {
			return err
		}
		time.Sleep(step)
	}
	return w.Error()
}

func main() {
	var (
		out      string
		relay    int
		duration time.Duration
		interval time.Duration
		total    time.Duration
	)
	flag.StringVar(&out, "out", "timer_trace.csv", "output CSV file")
	flag.IntVar(&relay, "relay", 1, "relay to drive")
	flag.DurationVar(&duration, "duration", 200*time.Millisecond, "on time per cycle")
	flag.DurationVar(&interval, "interval", 300*time.Millisecond, "off time per cycle")
	flag.DurationVar(&total, "total", 2*time.Second, "trace length")
	flag.Parse()

	t := pump.Timer{Relay: pump.Relay(relay), Duration: duration, Interval: interval}
	if err := TraceTimer(out, t, total, 10*time.Millisecond); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("trace written to", out)
}
