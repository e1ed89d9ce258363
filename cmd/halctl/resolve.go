package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
)

type resolveConfig struct {
	rootConfig *rootConfig
	out        io.Writer
	err        io.Writer
	json       bool
}

func (c *resolveConfig) Exec(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return flag.ErrHelp
	}
	class, instance, _ := strings.Cut(args[0], ".")
	if c.rootConfig.verbose {
		fmt.Fprintf(c.err, "resolve class=%s instance=%s\n", class, instance)
	}

	r, err := c.rootConfig.resolver()
	if err != nil {
		return err
	}
	h, err := r.GetByClass(class, instance)
	if err != nil {
		return err
	}
	defer h.Release()

	ri := resolveInfo{
		Path:    h.Path(),
		ID:      h.ID(),
		Name:    h.Name(),
		Author:  h.Author(),
		Version: fmt.Sprintf("%d.%d", h.Version()>>8, h.Version()&0xFF),
	}
	if c.json {
		return writeJSON(c.out, ri)
	}
	fmt.Fprintf(c.out, "manifest: %s\nmodule:   %s (%s)\nauthor:   %s\nversion:  %s\n",
		ri.Path, ri.ID, ri.Name, ri.Author, ri.Version)
	return nil
}

type resolveInfo struct {
	Path    string `json:"path"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Author  string `json:"author"`
	Version string `json:"version"`
}

func newResolveCmd(rootConfig *rootConfig, out, err io.Writer) *ffcli.Command {
	cfg := resolveConfig{
		rootConfig: rootConfig,
		out:        out,
		err:        err,
	}

	fs := flag.NewFlagSet("halctl resolve", flag.ExitOnError)
	fs.BoolVar(&cfg.json, "json", false, "output in json mode")
	rootConfig.registerFlags(fs)

	return &ffcli.Command{
		Name:       "resolve",
		ShortUsage: "resolve <class>[.<instance>]",
		ShortHelp:  "Resolve a module class and report the manifest and module it binds to.",
		FlagSet:    fs,
		Exec:       cfg.Exec,
	}
}
