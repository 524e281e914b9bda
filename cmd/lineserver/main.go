// lineserver simulates a factory production line, exposes its state
// over OPC UA, and is supervised by a local HTTP control plane. runApp
// holds the outer supervisor loop: it owns three
// long-lived collaborators (the OPC UA server, the HTTP server, and the
// per-run simulation driver) and toggles the driver on and off as the
// control plane flips ControlRegisters between STOP and RUNNING.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	channerics "github.com/niceyeti/channerics/channels"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lineserver/config"
	"lineserver/graph"
	"lineserver/httpapi"
	"lineserver/opcspace"
	"lineserver/registers"
	"lineserver/simline"
)

var (
	debug       *bool
	host        *string
	httpPort    *string
	httpAddr    string
	idleSleepMs *int
)

func init() {
	debug = flag.Bool("debug", false, "debug mode: console-friendly log output")
	host = flag.String("host", "0.0.0.0", "bind host for the HTTP control plane and OPC UA server")
	httpPort = flag.String("port", "8080", "HTTP control plane port")
	idleSleepMs = flag.Int("idleSleepMs", 100, "outer supervisor loop idle poll interval, in milliseconds")
	flag.Parse()
	httpAddr = *host + ":" + *httpPort
}

func runApp() error {
	zerolog.TimeFieldFormat = time.RFC3339
	if *debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	regs := registers.New()

	opc, err := opcspace.NewServer(*host)
	if err != nil {
		return fmt.Errorf("construct opc ua server: %w", err)
	}
	opcCtx, opcCancel := context.WithCancel(context.Background())
	defer opcCancel()
	go func() {
		if err := opc.Start(opcCtx); err != nil && opcCtx.Err() == nil {
			log.Error().Err(err).Msg("opc ua server exited")
		}
	}()

	httpSrv := httpapi.NewServer(httpAddr, regs)
	go func() {
		if err := httpSrv.Serve(); err != nil {
			log.Error().Err(err).Msg("http control plane exited")
		}
	}()

	statsDone := make(chan struct{})
	defer close(statsDone)
	go logStats(regs, statsDone)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	idleSleep := time.Duration(*idleSleepMs) * time.Millisecond

	for regs.State() != registers.StateExit {
		if regs.State() != registers.StateRunning {
			time.Sleep(idleSleep)
			continue
		}

		cfg, err := config.Load(regs.ConfigName())
		if err != nil {
			log.Error().Err(err).Str("config", regs.ConfigName()).Msg("config load failed; returning to STOP")
			regs.SetState(registers.StateStop)
			continue
		}

		g, err := graph.NewBuilder(&cfg.Factory, rng).Build()
		if err != nil {
			log.Error().Err(err).Msg("graph build failed; returning to STOP")
			regs.SetState(registers.StateStop)
			continue
		}
		for _, id := range g.BehaviorWarnings() {
			log.Error().Str("machine", id).Msg("machine has an unset stage behavior; permanently faulted")
		}

		pollRateUs := int64(cfg.Factory.PollRateMs) * 1000
		driver := simline.New(g, regs, opc, pollRateUs, cfg.Factory.SimSpeed)
		driver.SetPublisher(httpSrv)
		driver.Run()
	}

	opcCancel()
	_ = opc.Stop(context.Background())
	return nil
}

// logStats periodically reports the registers' clocks and state while
// the process lives, as a supervisor heartbeat.
func logStats(regs *registers.ControlRegisters, done <-chan struct{}) {
	for range channerics.NewTicker(done, 2*time.Second) {
		active, runtime := regs.Clocks()
		log.Info().
			Str("state", regs.State().String()).
			Int64("activeUs", active).
			Int64("runtimeUs", runtime).
			Msg("supervisor heartbeat")
	}
}

func main() {
	if err := runApp(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	os.Exit(0)
}
