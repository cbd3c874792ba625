package commands

import (
	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/cli"
	"github.com/ravinsp/statesnapshot/internal/hashtree"
	"github.com/ravinsp/statesnapshot/internal/progress"
	"github.com/ravinsp/statesnapshot/internal/state"
)

// GenerateCommand brings the hash tree up to date with the data tree.
type GenerateCommand struct{}

func (c *GenerateCommand) Name() string  { return "generate" }
func (c *GenerateCommand) Usage() string { return "generate [--root <dir>] [--full]" }
func (c *GenerateCommand) Description() string {
	return "Update the hash tree, using the session's change hints when present"
}
func (c *GenerateCommand) Aliases() []string { return []string{"gen"} }

func (c *GenerateCommand) Run(ctx *cli.Context) error {
	flags := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	rootValue := rootFlag(flags)
	full := flags.Bool("full", false, "ignore change hints and rebuild every file")
	if err := flags.Parse(ctx.Args); err != nil {
		return err
	}
	root, err := resolveRoot(*rootValue)
	if err != nil {
		return err
	}

	builder := hashtree.NewBuilder(state.Live(root))
	bar := progress.NewProgress(0, "Hashing files ")
	defer bar.Finish()
	builder.OnFile = func(string) { bar.Increment() }

	if *full {
		return builder.GenerateFull()
	}
	return builder.Generate()
}

func init() {
	cli.RegisterCommand(&GenerateCommand{})
}
