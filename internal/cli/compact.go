package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(compactCmd)
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop usage buckets past the retention horizon",
	Long: "Delete whole usage buckets older than the configured retention " +
		"window. Buckets inside the window are never touched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		service, closeDB, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		dropped, err := service.Compact(ctx)
		if err != nil {
			return err
		}

		if dropped == 0 {
			fmt.Println("Nothing to compact.")
			return nil
		}
		fmt.Printf("Dropped %d expired bucket(s).\n", dropped)
		return nil
	},
}
