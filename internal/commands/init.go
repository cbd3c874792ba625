package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/cli"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/state"
)

// InitCommand creates an empty state root.
type InitCommand struct{}

func (c *InitCommand) Name() string  { return "init" }
func (c *InitCommand) Usage() string { return "init <root> [--pointer]" }
func (c *InitCommand) Description() string {
	return "Create the slot-0 directory layout under a new state root"
}
func (c *InitCommand) Aliases() []string { return nil }

func (c *InitCommand) Run(ctx *cli.Context) error {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	pointer := flags.Bool("pointer", false, "record the root in "+config.PointerFile)
	if err := flags.Parse(ctx.Args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	root := flags.Arg(0)

	if err := state.Live(root).Ensure(); err != nil {
		return err
	}
	if *pointer {
		if err := config.WritePointerFile(root); err != nil {
			return err
		}
	}

	fmt.Printf("Initialized state root at %s\n", root)
	return nil
}

func init() {
	cli.RegisterCommand(&InitCommand{})
}
