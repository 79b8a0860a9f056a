package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tgentry/packvault/internal/logging"
	"github.com/tgentry/packvault/internal/repoerr"
)

const packvaultVersion = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "packvault",
	Short: "packvault is a content-addressed, deduplicating object store",
	Long: `packvault hashsplits file content and directory trees into a
content-addressed pack store, deduplicating against everything already on
disk before a single byte is written.`,
	Run: func(cmd *cobra.Command, args []string) {
		if version {
			fmt.Printf("packvault version %s\n", packvaultVersion)
			return
		}
		cmd.Help()
	},
}

var version bool

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.Flags().BoolVar(&version, "version", false, "print the packvault version")
	rootCmd.AddCommand(saveCmd)
}

// Execute runs the root command and terminates the process with the exit
// code spec.md §6 assigns to the error that surfaced, if any: 0 success,
// 2 a *repoerr.Error of KindInput, 3 the repository itself is unusable,
// 1 everything else. Flag and argument errors reported by cobra itself
// are not *repoerr.Error values, so they exit 1, not 2.
func Execute() {
	defer logging.Sync()
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "packvault:", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var repoErr *repoerr.Error
	if errors.As(err, &repoErr) {
		switch repoErr.Kind {
		case repoerr.KindInput:
			return 2
		case repoerr.KindStorageFatal, repoerr.KindCorruption, repoerr.KindAuthFailure:
			return 3
		}
	}
	return 1
}
