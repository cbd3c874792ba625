package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/cli"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/state"
)

// StatusCommand summarizes the live slot and the checkpoint history.
type StatusCommand struct{}

func (c *StatusCommand) Name() string  { return "status" }
func (c *StatusCommand) Usage() string { return "status [--root <dir>]" }
func (c *StatusCommand) Description() string {
	return "Show the live data tree, pending changeset and checkpoint slots"
}
func (c *StatusCommand) Aliases() []string { return []string{"st"} }

func (c *StatusCommand) Run(ctx *cli.Context) error {
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	rootValue := rootFlag(flags)
	if err := flags.Parse(ctx.Args); err != nil {
		return err
	}
	root, err := resolveRoot(*rootValue)
	if err != nil {
		return err
	}
	live := state.Live(root)

	files, bytes, err := treeSize(live.DataDir)
	if err != nil {
		return err
	}
	fmt.Printf("State root:  %s\n", root)
	fmt.Printf("Data tree:   %d file(s), %s\n", files, humanize.Bytes(uint64(bytes)))

	newFiles, err := changeset.ReadPathIndex(live.ChangesetDir, config.NewFilesIdx)
	if err != nil {
		return err
	}
	touched, err := changeset.ReadPathIndex(live.ChangesetDir, config.TouchedFilesIdx)
	if err != nil {
		return err
	}
	_, cacheBytes, err := treeSize(live.ChangesetDir)
	if err != nil {
		return err
	}
	fmt.Printf("Changeset:   %d new, %d touched, %s preserved\n",
		len(newFiles), len(touched), humanize.Bytes(uint64(cacheBytes)))

	slots, err := state.HistorySlots(root)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		fmt.Println("Checkpoints: none")
		return nil
	}
	fmt.Println("Checkpoints:")
	for _, k := range slots {
		_, size, err := treeSize(state.ForSlot(root, k).ChangesetDir)
		if err != nil {
			return err
		}
		fmt.Printf("  slot %d: %s\n", k, humanize.Bytes(uint64(size)))
	}
	return nil
}

func treeSize(dir string) (int, int64, error) {
	var files int
	var bytes int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return files, bytes, nil
}

func init() {
	cli.RegisterCommand(&StatusCommand{})
}
