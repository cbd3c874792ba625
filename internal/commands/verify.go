package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/cli"
	"github.com/ravinsp/statesnapshot/internal/verify"
)

// VerifyCommand audits the hash mirrors against the data tree.
type VerifyCommand struct{}

func (c *VerifyCommand) Name() string  { return "verify" }
func (c *VerifyCommand) Usage() string { return "verify [--root <dir>]" }
func (c *VerifyCommand) Description() string {
	return "Recompute every file and directory hash and report inconsistencies"
}
func (c *VerifyCommand) Aliases() []string { return nil }

func (c *VerifyCommand) Run(ctx *cli.Context) error {
	flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	rootValue := rootFlag(flags)
	if err := flags.Parse(ctx.Args); err != nil {
		return err
	}
	root, err := resolveRoot(*rootValue)
	if err != nil {
		return err
	}

	problems, err := verify.Scan(root)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Println(p)
		}
		return fmt.Errorf("%d problem(s) found", len(problems))
	}

	fmt.Println("State tree is consistent")
	return nil
}

func init() {
	cli.RegisterCommand(&VerifyCommand{})
}
