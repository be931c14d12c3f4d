package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes of the launcher. Everything not explicitly mapped exits 1.
const (
	exitFailure        = 1
	exitBadArgs        = 2
	exitConfig         = 3
	exitBind           = 4
	exitAlreadyRunning = 5
)

// exitError carries an exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		// Errors cobra raises itself are argument problems: unknown
		// commands, bad flags, wrong arity.
		os.Exit(exitBadArgs)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "helix",
		Short:         "Helix personal AI gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStartCommand(),
		newStatusCommand(),
		newPairCommand(),
		newHealthCommand(),
		newWhatsAppCommand(),
	)
	return root
}
