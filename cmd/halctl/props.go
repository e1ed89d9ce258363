package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"
)

type propsConfig struct {
	rootConfig *rootConfig
	out        io.Writer
	json       bool
}

func (c *propsConfig) Exec(ctx context.Context, args []string) error {
	s, err := c.rootConfig.store()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		fmt.Fprintln(c.out, s.Get(args[0]))
		return nil
	}

	if c.json {
		all := map[string]string{}
		for _, k := range s.Keys() {
			all[k] = s.Get(k)
		}
		return writeJSON(c.out, all)
	}
	for _, k := range s.Keys() {
		fmt.Fprintf(c.out, "%s=%s\n", k, s.Get(k))
	}
	return nil
}

func newPropsCmd(rootConfig *rootConfig, out io.Writer) *ffcli.Command {
	cfg := propsConfig{
		rootConfig: rootConfig,
		out:        out,
	}

	fs := flag.NewFlagSet("halctl props", flag.ExitOnError)
	fs.BoolVar(&cfg.json, "json", false, "output in json mode")
	rootConfig.registerFlags(fs)

	return &ffcli.Command{
		Name:       "props",
		ShortUsage: "props [key]",
		ShortHelp:  "List the effective system properties, or print one key.",
		FlagSet:    fs,
		Exec:       cfg.Exec,
	}
}
