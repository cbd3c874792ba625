package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/cli"
	"github.com/ravinsp/statesnapshot/internal/intercept"
	"github.com/ravinsp/statesnapshot/internal/monitor"
	"github.com/ravinsp/statesnapshot/internal/state"
)

// MountCommand exposes the data tree through the monitored FUSE view.
type MountCommand struct{}

func (c *MountCommand) Name() string  { return "mount" }
func (c *MountCommand) Usage() string { return "mount <mountpoint> [--root <dir>] [--allow-other] [--debug]" }
func (c *MountCommand) Description() string {
	return "Mount the data tree with mutation interception; unmount or interrupt to end the session"
}
func (c *MountCommand) Aliases() []string { return nil }

func (c *MountCommand) Run(ctx *cli.Context) error {
	flags := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	rootValue := rootFlag(flags)
	allowOther := flags.Bool("allow-other", false, "allow other users to access the mount")
	debug := flags.Bool("debug", false, "trace the FUSE protocol")
	if err := flags.Parse(ctx.Args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	root, err := resolveRoot(*rootValue)
	if err != nil {
		return err
	}

	live := state.Live(root)
	mon := monitor.New(live)
	defer mon.Close()

	server, err := intercept.Mount(intercept.Options{
		DataDir:    live.DataDir,
		Mountpoint: flags.Arg(0),
		Monitor:    mon,
		AllowOther: *allowOther,
		Debug:      *debug,
	})
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		log.Info("unmounting")
		if err := server.Unmount(); err != nil {
			log.WithError(err).Error("unmount failed")
		}
	}()

	fmt.Printf("Monitoring %s at %s\n", live.DataDir, flags.Arg(0))
	server.Wait()
	return nil
}

func init() {
	cli.RegisterCommand(&MountCommand{})
}
