package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/checkpoint"
	"github.com/ravinsp/statesnapshot/internal/cli"
)

// CheckpointCommand freezes the current changeset into history.
type CheckpointCommand struct{}

func (c *CheckpointCommand) Name() string  { return "checkpoint" }
func (c *CheckpointCommand) Usage() string { return "checkpoint [--root <dir>]" }
func (c *CheckpointCommand) Description() string {
	return "Freeze the current changeset as the most recent checkpoint"
}
func (c *CheckpointCommand) Aliases() []string { return []string{"cp"} }

func (c *CheckpointCommand) Run(ctx *cli.Context) error {
	flags := pflag.NewFlagSet("checkpoint", pflag.ContinueOnError)
	rootValue := rootFlag(flags)
	if err := flags.Parse(ctx.Args); err != nil {
		return err
	}
	root, err := resolveRoot(*rootValue)
	if err != nil {
		return err
	}

	if err := checkpoint.Create(root); err != nil {
		return err
	}
	fmt.Println("Checkpoint created")
	return nil
}

func init() {
	cli.RegisterCommand(&CheckpointCommand{})
}
