package main

import (
	"context"
	"flag"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"

	"devicehal-go/hw"
	"devicehal-go/props"
)

type rootConfig struct {
	verbose   bool
	propsFile string
	roots     string
	suffix    string
}

func (c *rootConfig) registerFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.verbose, "v", false, "increase log verbosity")
	fs.StringVar(&c.propsFile, "props", "", "property file loaded before resolution")
	fs.StringVar(&c.roots, "roots", "", "comma-separated manifest search roots (overrides defaults)")
	fs.StringVar(&c.suffix, "suffix", hw.DefaultSuffix, "manifest file suffix")
}

func (c *rootConfig) Exec(context.Context, []string) error {
	return flag.ErrHelp
}

// store builds the property store the subcommand should resolve with.
func (c *rootConfig) store() (*props.Store, error) {
	s := props.NewStore()
	if c.propsFile != "" {
		if err := s.LoadFile(c.propsFile); err != nil {
			return nil, err
		}
	}
	s.LoadEnv("HALD")
	return s, nil
}

func (c *rootConfig) resolver() (*hw.Resolver, error) {
	s, err := c.store()
	if err != nil {
		return nil, err
	}
	opts := []hw.Option{hw.WithProps(s), hw.WithSuffix(c.suffix)}
	if c.roots != "" {
		var roots []string
		for _, tok := range strings.Split(c.roots, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				roots = append(roots, tok)
			}
		}
		opts = append(opts, hw.WithRoots(roots...))
	}
	return hw.NewResolver(opts...), nil
}

func newRootCmd() (*ffcli.Command, *rootConfig) {
	var cfg rootConfig

	fs := flag.NewFlagSet("halctl", flag.ExitOnError)
	cfg.registerFlags(fs)

	return &ffcli.Command{
		Name:       "halctl",
		ShortUsage: "halctl [flags] <subcommand>",
		ShortHelp:  "Inspect HAL module resolution on this host.",
		FlagSet:    fs,
		Exec:       cfg.Exec,
	}, &cfg
}
