package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/cli"
	"github.com/ravinsp/statesnapshot/internal/progress"
	"github.com/ravinsp/statesnapshot/internal/restore"
)

// RollbackCommand restores the pre-session state from the live changeset.
type RollbackCommand struct{}

func (c *RollbackCommand) Name() string  { return "rollback" }
func (c *RollbackCommand) Usage() string { return "rollback [--root <dir>] [--verify]" }
func (c *RollbackCommand) Description() string {
	return "Replay the current changeset in reverse and cycle the checkpoint ring"
}
func (c *RollbackCommand) Aliases() []string { return nil }

func (c *RollbackCommand) Run(ctx *cli.Context) error {
	flags := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
	rootValue := rootFlag(flags)
	verify := flags.Bool("verify", false, "check every cached block hash before writing it back")
	if err := flags.Parse(ctx.Args); err != nil {
		return err
	}
	root, err := resolveRoot(*rootValue)
	if err != nil {
		return err
	}

	engine := restore.New(root)
	engine.Verify = *verify

	bar := progress.NewProgress(0, "Restoring files")
	defer bar.Finish()
	engine.OnFile = func(string) { bar.Increment() }

	if err := engine.Rollback(); err != nil {
		return err
	}
	fmt.Println("Rollback complete")
	return nil
}

func init() {
	cli.RegisterCommand(&RollbackCommand{})
}
