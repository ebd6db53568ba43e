package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/xyproto/env/v2"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/simtlang/simt/compiler"
)

func main() {
	demoCmd := &cli.Command{
		Name:        "demo",
		Description: "compile the built-in demo kernels and dump the result",
		Action:      demoAct,
		Args:        cli.Args{},
	}

	listCmd := &cli.Command{
		Name:        "list",
		Description: "list the built-in demo kernels",
		Action:      listAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "simt",
		Description: "simt generates wide-simd kernel code from scalar ir",
		Commands: []*cli.Command{
			demoCmd,
			listCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

// fileConfig is the optional simt.toml overlay over the env defaults.
type fileConfig struct {
	PreSchedule  *bool `toml:"pre_schedule"`
	PostSchedule *bool `toml:"post_schedule"`

	Strategies []struct {
		Width int  `toml:"width"`
		Limit bool `toml:"limit"`
	} `toml:"strategy"`
}

func loadConfig() (compiler.Config, error) {
	cfg := compiler.DefaultConfig()

	name := env.Str("SIMT_CONFIG", "simt.toml")

	data, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	var f fileConfig

	err = toml.Unmarshal(data, &f)
	if err != nil {
		return cfg, errors.Wrap(err, "parse %v", name)
	}

	if f.PreSchedule != nil {
		cfg.PreSchedule = *f.PreSchedule
	}

	if f.PostSchedule != nil {
		cfg.PostSchedule = *f.PostSchedule
	}

	for _, s := range f.Strategies {
		cfg.Strategies = append(cfg.Strategies, compiler.Strategy{
			Width:         s.Width,
			LimitPressure: s.Limit,
		})
	}

	return cfg, nil
}

func listAct(c *cli.Command) error {
	for _, d := range demos {
		fmt.Printf("%-12s %s\n", d.name, d.desc)
	}

	return nil
}

func demoAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	u, err := demoUnit(c.Args)
	if err != nil {
		return errors.Wrap(err, "build demo unit")
	}

	kernels, err := compiler.Compile(ctx, u, cfg)
	if err != nil {
		return errors.Wrap(err, "compile")
	}

	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		k := kernels[name]

		fmt.Printf("kernel %v: simd%d, %d registers, %d instructions, curbe %d bytes",
			k.Name, k.SimdWidth, k.RegNum, k.InsnNum, k.CurbeSize)

		if k.UseSLM {
			fmt.Printf(", slm")
		}

		fmt.Println()

		for _, p := range k.Patches {
			fmt.Printf("  patch arg %d+%d -> curbe %d\n", p.Arg, p.Offset, p.CurbeOffset)
		}

		fmt.Println(k.Dump())
	}

	return nil
}
