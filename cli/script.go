package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/isdmx/databox/policy"
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Manage transformation scripts",
}

var scriptAddCmd = &cobra.Command{
	Use:   "add [name] [file]",
	Short: "Store a transformation script from a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		sc, err := st.CreateScript(context.Background(), args[0], string(source))
		if err != nil {
			return err
		}
		fmt.Printf("script %s (%s)\n", sc.ID, sc.Name)
		return nil
	},
}

var scriptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		scripts, err := st.ListScripts(context.Background())
		if err != nil {
			return err
		}
		for _, sc := range scripts {
			fmt.Printf("%s  %s  %s\n", sc.ID, sc.CreatedAt.Format("2006-01-02 15:04:05"), sc.Name)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Statically validate a script against the policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		pol, err := policy.Load(cfg.Policy.Path)
		if err != nil {
			return err
		}
		if _, err := policy.NewValidator(pol).Validate(string(source)); err != nil {
			return err
		}
		fmt.Println("accepted")
		return nil
	},
}

func init() {
	scriptCmd.AddCommand(scriptAddCmd, scriptListCmd)
	rootCmd.AddCommand(scriptCmd, validateCmd)
}
