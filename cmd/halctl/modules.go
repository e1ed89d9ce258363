package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"

	"devicehal-go/hw"

	_ "devicehal-go/modules/camera"
	_ "devicehal-go/modules/flashlight"
	_ "devicehal-go/modules/gatekeeper"
	_ "devicehal-go/modules/leds"
	_ "devicehal-go/modules/power"
	_ "devicehal-go/modules/sensors"
	_ "devicehal-go/modules/vibrator"
)

type modulesConfig struct {
	out  io.Writer
	json bool
}

func (c *modulesConfig) Exec(ctx context.Context, _ []string) error {
	symbols := hw.Symbols()
	if c.json {
		return writeJSON(c.out, symbols)
	}
	for _, s := range symbols {
		fmt.Fprintln(c.out, s)
	}
	return nil
}

func newModulesCmd(rootConfig *rootConfig, out io.Writer) *ffcli.Command {
	cfg := modulesConfig{out: out}

	fs := flag.NewFlagSet("halctl modules", flag.ExitOnError)
	fs.BoolVar(&cfg.json, "json", false, "output in json mode")
	rootConfig.registerFlags(fs)

	return &ffcli.Command{
		Name:       "modules",
		ShortUsage: "modules",
		ShortHelp:  "List the driver symbols compiled into this build.",
		FlagSet:    fs,
		Exec:       cfg.Exec,
	}
}
