// Command taf is the CLI surface of the authoring engine: `repo
// create`, `repo add-dependency`, `repo remove-dependency` (spec.md
// §6), plus `repo update-targets-from-repositories-json`. Built with spf13/cobra, the same CLI framework notary's own
// go.mod depends on.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jc12690/taf/taferrors"
)

// Exit codes per spec.md §6.
const (
	exitOK                  = 0
	exitValidationOrIO      = 1
	exitUsage               = 2
	exitInsufficientOrAbort = 3
	exitToken               = 4
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "taf",
		Short:        "Authoring engine for a TUF-style authentication repository",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			logrus.SetLevel(logrus.DebugLevel)
		}
	}
	root.AddCommand(newRepoCmd())
	return root
}

// Execute runs the CLI and returns the process exit code, per spec.md
// §6's taxonomy (0 success, 1 validation/IO, 2 usage, 3 unmet
// threshold/abort, 4 token error).
func Execute() int {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taf:", err)
		return exitCodeFor(err)
	}
	return exitOK
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case *taferrors.InsufficientKeysError:
		return exitInsufficientOrAbort
	case *taferrors.TokenError:
		return exitToken
	case *taferrors.ConfigError,
		*taferrors.KeystoreError,
		*taferrors.GitError,
		*taferrors.IOError,
		*taferrors.InvalidPathError,
		*taferrors.AlreadyExistsError,
		*taferrors.BusyError,
		*taferrors.MonotonicViolationError,
		*taferrors.DuplicateError,
		*taferrors.CorruptedError:
		return exitValidationOrIO
	default:
		return exitUsage
	}
}
