package main

import (
	"fmt"
	"os"

	"github.com/ravinsp/statesnapshot/internal/cli"
	_ "github.com/ravinsp/statesnapshot/internal/commands"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: statesnapshot <command> [args...]")
		fmt.Println("Available commands:")
		for _, cmd := range cli.AllCommands() {
			fmt.Printf("  %-12s %s\n", cmd.Name(), cmd.Description())
		}
		os.Exit(0)
	}

	cmdName := os.Args[1]
	cmd, ok := cli.GetCommand(cmdName)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmdName)
		os.Exit(1)
	}

	ctx := &cli.Context{
		Args: os.Args[2:],
	}

	if err := cmd.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
