package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/courier/internal/db"
	"github.com/opencode-ai/courier/internal/models"
)

var (
	eventsType       string
	eventsEntityType string
	eventsEntityID   string
	eventsLimit      int
	eventsCursor     string
)

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type, e.g. request.completed")
	eventsCmd.Flags().StringVar(&eventsEntityType, "entity-type", "", "filter by entity type (run, user, tool, system)")
	eventsCmd.Flags().StringVar(&eventsEntityID, "entity-id", "", "filter by entity id")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to print")
	eventsCmd.Flags().StringVar(&eventsCursor, "cursor", "", "pagination cursor from a previous page")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the event log",
	Long:  "Query recorded pipeline events with optional filters and cursor pagination.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		query := db.EventQuery{
			Limit:  eventsLimit,
			Cursor: eventsCursor,
		}
		if eventsType != "" {
			t := models.EventType(eventsType)
			query.Type = &t
		}
		if eventsEntityType != "" {
			et := models.EntityType(eventsEntityType)
			query.EntityType = &et
		}
		if eventsEntityID != "" {
			query.EntityID = &eventsEntityID
		}

		page, err := db.NewEventRepository(database).Query(ctx, query)
		if err != nil {
			return err
		}
		if len(page.Events) == 0 {
			fmt.Println("No events match.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tTYPE\tENTITY\tPAYLOAD")
		for _, event := range page.Events {
			payload := string(event.Payload)
			if payload == "" {
				payload = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\n",
				event.Timestamp.Format(time.RFC3339),
				event.Type,
				event.EntityType, event.EntityID,
				payload,
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if page.NextCursor != "" {
			fmt.Printf("\nMore events available: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}
