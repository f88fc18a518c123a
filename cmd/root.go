// Package cmd implements the promohive CLI. Exit codes: 0 on success,
// 1 on runtime failure, 2 on usage errors such as an unknown agent name
// or action.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	flagConfigDir string
	flagEnv       string
)

// usageError marks errors caused by bad invocation, not bad runtime.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:           "promohive",
	Short:         "promohive — multi-agent marketing content platform",
	Long:          "promohive runs the marketing agents: content strategy, creation, brand consistency, optimization, and management, connected by an in-process message bus.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps errors to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config", "config", "Configuration directory")
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env", "", "Environment (development, test, staging, production); defaults to $APP_ENV or development")
}
