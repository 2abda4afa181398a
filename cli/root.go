// Package cli wires the engine's command surface.
//
// The worker command assembles the long-running fx application; the other
// verbs talk to the shared store directly, the way any API layer in front
// of the core would.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/store"
)

var (
	cfg *config.Config
	st  *store.Store
)

var rootCmd = &cobra.Command{
	Use:   "databox",
	Short: "Sandboxed table-transformation job engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg != nil {
			return nil
		}
		c, err := config.New()
		if err != nil {
			return err
		}
		cfg = c
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		st = s
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if st != nil {
			return st.Close()
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
