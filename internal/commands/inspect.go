package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/cli"
	"github.com/ravinsp/statesnapshot/internal/config"
)

// InspectCommand dumps the decoded content of a changeset artifact.
type InspectCommand struct{}

func (c *InspectCommand) Name() string  { return "inspect" }
func (c *InspectCommand) Usage() string { return "inspect <file.bhmap|file.bindex>" }
func (c *InspectCommand) Description() string {
	return "Print the hashes in a block hash map or the entries of a block index"
}
func (c *InspectCommand) Aliases() []string { return nil }

func (c *InspectCommand) Run(ctx *cli.Context) error {
	flags := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	if err := flags.Parse(ctx.Args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	path := flags.Arg(0)

	switch {
	case strings.HasSuffix(path, config.HashmapExt):
		hm, err := changeset.ReadHashmap(path)
		if err != nil {
			return err
		}
		fmt.Printf("root   %s\n", hm.Root.Hex())
		for i, h := range hm.Blocks {
			fmt.Printf("%-6d %s\n", i, h.Hex())
		}

	case strings.HasSuffix(path, config.BlockIndexExt):
		idx, err := changeset.ReadBlockIndex(path)
		if err != nil {
			return err
		}
		fmt.Printf("original length %d\n", idx.OriginalLength)
		for _, e := range idx.Entries {
			fmt.Printf("block %-6d cache offset %-10d %s\n", e.BlockNo, e.CacheOffset, e.Hash.Hex())
		}

	default:
		return fmt.Errorf("don't know how to inspect %q", path)
	}
	return nil
}

func init() {
	cli.RegisterCommand(&InspectCommand{})
}
