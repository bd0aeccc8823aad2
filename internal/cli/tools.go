package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/courier/internal/tools"
)

func init() {
	rootCmd.AddCommand(toolsCmd)
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := tools.NewRegistry()
		if err := tools.RegisterBuiltins(registry); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLEVEL\tARGS\tDESCRIPTION")
		for _, tool := range registry.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				tool.Name(), tool.RequiredLevel(), tool.ArgsHint(), tool.Description())
		}
		return w.Flush()
	},
}
