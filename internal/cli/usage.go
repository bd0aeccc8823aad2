package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/courier/internal/db"
	"github.com/opencode-ai/courier/internal/ledger"
	"github.com/opencode-ai/courier/internal/models"
)

var (
	usageUser   string
	usageLane   string
	usageWindow int

	usageTopLane   string
	usageTopWindow int
	usageTopLimit  int
)

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageShowCmd)
	usageCmd.AddCommand(usageTopCmd)

	usageShowCmd.Flags().StringVar(&usageUser, "user", "", "provider-qualified user key, e.g. discord:123")
	usageShowCmd.Flags().StringVar(&usageLane, "lane", "chat", "usage lane (chat, voice_audio, web_surfing, image_gen)")
	usageShowCmd.Flags().IntVar(&usageWindow, "window", 7, "trailing window in days")
	_ = usageShowCmd.MarkFlagRequired("user")

	usageTopCmd.Flags().StringVar(&usageTopLane, "lane", "chat", "usage lane (chat, voice_audio, web_surfing, image_gen)")
	usageTopCmd.Flags().IntVar(&usageTopWindow, "window", 7, "trailing window in days")
	usageTopCmd.Flags().IntVar(&usageTopLimit, "limit", 10, "number of users to list")
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect metered usage",
	Long:  "Report windowed usage totals from the quota ledger.",
}

var usageShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one user's usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		service, closeDB, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		summary, err := service.GetUsage(ctx, usageUser, models.Lane(usageLane), usageWindow)
		if err != nil {
			return err
		}

		fmt.Printf("User:    %s\n", summary.UserID)
		fmt.Printf("Lane:    %s\n", summary.Lane)
		fmt.Printf("Window:  %d day(s)\n", summary.WindowDays)
		fmt.Printf("Total:   %d\n", summary.Total)
		fmt.Printf("Buckets: %d\n", summary.BucketCount)

		buckets, err := service.ListBuckets(ctx, usageUser, models.Lane(usageLane), usageWindow)
		if err != nil {
			return err
		}
		if len(buckets) == 0 {
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DAY\tCOUNT")
		for _, bucket := range buckets {
			fmt.Fprintf(w, "%s\t%d\n", bucket.Day, bucket.Count)
		}
		return w.Flush()
	},
}

var usageTopCmd = &cobra.Command{
	Use:   "top",
	Short: "List the heaviest consumers for a lane",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		service, closeDB, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		top, err := service.TopUsers(ctx, models.Lane(usageTopLane), usageTopWindow, usageTopLimit)
		if err != nil {
			return err
		}
		if len(top) == 0 {
			fmt.Println("No usage recorded in the window.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tTOTAL\tBUCKETS")
		for _, summary := range top {
			fmt.Fprintf(w, "%s\t%d\t%d\n", summary.UserID, summary.Total, summary.BucketCount)
		}
		return w.Flush()
	},
}

// openLedger opens the database and builds a ledger service over it. The
// returned closer must be deferred.
func openLedger(ctx context.Context) (*ledger.Service, func(), error) {
	database, err := openDatabase()
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}

	service := ledger.NewService(db.NewLedgerRepository(database), db.NewEventRepository(database), ledger.Config{
		BudgetWindowDays: cfg.Quota.BudgetWindowDays,
		RetentionDays:    cfg.Quota.RetentionDays,
	})
	return service, func() { database.Close() }, nil
}
