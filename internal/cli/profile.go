package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var (
	profileUser   string
	profileTraits []string
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileConsolidateCmd)

	profileShowCmd.Flags().StringVar(&profileUser, "user", "", "provider-qualified user key, e.g. discord:123")
	_ = profileShowCmd.MarkFlagRequired("user")

	profileConsolidateCmd.Flags().StringVar(&profileUser, "user", "", "provider-qualified user key, e.g. discord:123")
	profileConsolidateCmd.Flags().StringArrayVar(&profileTraits, "trait", nil, "derived trait as key=value (repeatable)")
	_ = profileConsolidateCmd.MarkFlagRequired("user")
	_ = profileConsolidateCmd.MarkFlagRequired("trait")
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect and consolidate ledger profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a user's ledger profile",
	Long: "Print the profile's consolidation status and derived traits. " +
		"An inconsistent profile is repaired by the read.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		service, closeDB, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		profile, err := service.GetProfile(ctx, profileUser)
		if err != nil {
			return err
		}

		fmt.Printf("User:    %s\n", profile.UserID)
		fmt.Printf("Status:  %s\n", profile.Status)
		fmt.Printf("Version: %d\n", profile.Version)
		if len(profile.Traits) == 0 {
			return nil
		}

		keys := make([]string, 0, len(profile.Traits))
		for key := range profile.Traits {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Println("Traits:")
		for _, key := range keys {
			fmt.Printf("  %s = %s\n", key, profile.Traits[key])
		}
		return nil
	},
}

var profileConsolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Mark a profile consolidated with derived traits",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		traits := make(map[string]string, len(profileTraits))
		for _, pair := range profileTraits {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return fmt.Errorf("invalid trait %q, expected key=value", pair)
			}
			traits[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}

		service, closeDB, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		if err := service.Consolidate(ctx, profileUser, traits); err != nil {
			return err
		}

		fmt.Printf("Profile %s consolidated with %d trait(s).\n", profileUser, len(traits))
		return nil
	},
}
