package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/ravinsp/statesnapshot/internal/config"
)

// rootFlag registers the shared --root (-r) flag on a command's flag set.
func rootFlag(flags *pflag.FlagSet) *string {
	return flags.StringP("root", "r", "", "state root directory")
}

// resolveRoot applies the flag/env/pointer-file precedence and fails when
// no state root can be determined.
func resolveRoot(flagValue string) (string, error) {
	root := config.ResolveStateRoot(flagValue)
	if root == "" {
		return "", fmt.Errorf("no state root: pass --root, set %s or run init with --pointer", config.EnvRoot)
	}
	return root, nil
}
