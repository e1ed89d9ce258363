// hald is the host HAL daemon. It loads system properties, publishes
// the host configuration file onto the bus, and runs the hal, heartbeat
// and bridge services until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"periph.io/x/host/v3"

	"devicehal-go/bus"
	"devicehal-go/hw"
	"devicehal-go/props"
	"devicehal-go/services/bridge"
	"devicehal-go/services/config"
	"devicehal-go/services/hal"
	"devicehal-go/services/heartbeat"

	_ "devicehal-go/modules/camera"
	_ "devicehal-go/modules/flashlight"
	_ "devicehal-go/modules/gatekeeper"
	_ "devicehal-go/modules/leds"
	_ "devicehal-go/modules/power"
	_ "devicehal-go/modules/sensors"
	_ "devicehal-go/modules/vibrator"
)

const defaultConfigPath = "/etc/devicehal/devicehal.yaml"

func main() {
	fs := flag.NewFlagSet("hald", flag.ExitOnError)
	var (
		configPath = fs.String("config", defaultConfigPath, "host configuration file")
		propsFile  = fs.String("props", "", "property file loaded before resolution")
		roots      = fs.String("roots", "", "comma-separated manifest search roots (overrides defaults)")
		queueLen   = fs.Int("queue", 16, "per-subscription bus queue length")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("HALD")); err != nil {
		fmt.Fprintf(os.Stderr, "hald: %v\n", err)
		os.Exit(1)
	}

	if err := run(*configPath, *propsFile, *roots, *queueLen); err != nil {
		fmt.Fprintf(os.Stderr, "hald: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, propsFile, roots string, queueLen int) error {
	if propsFile != "" {
		if err := props.System.LoadFile(propsFile); err != nil {
			return err
		}
	}
	props.System.LoadEnv("HALD")

	// Drivers that sit on I2C need the host buses enumerated; a host
	// without any is fine as long as the config doesn't name one.
	if _, err := host.Init(); err != nil {
		log.Printf("hald: host init: %v", err)
	}

	opts := []hw.Option{hw.WithProps(props.System)}
	if roots != "" {
		opts = append(opts, hw.WithRoots(splitList(roots)...))
	}
	resolver := hw.NewResolver(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(queueLen)

	svc := hal.New(b.NewConnection("hal"), resolver)
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	(&heartbeat.Service{}).Start(ctx, b.NewConnection("heartbeat"))
	go bridge.Start(ctx, b.NewConnection("bridge"))

	// Published last so every service already holds its subscription;
	// retention covers stragglers either way.
	if err := config.New(configPath).Publish(b.NewConnection("config")); err != nil {
		stop()
		<-done
		return err
	}

	log.Printf("hald: running (config %s)", configPath)
	<-ctx.Done()
	<-done
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
