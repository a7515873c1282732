package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/reveille/internal/record"
	"github.com/harunnryd/reveille/internal/trigger"

	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage owner profiles",
}

var profileSetTimezoneCmd = &cobra.Command{
	Use:   "set-timezone [owner] [timezone]",
	Short: "Set the IANA timezone an owner's triggers are evaluated in",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRecords(func(ctx context.Context, records record.Store) error {
			if err := trigger.NewProfiles(records).SetTimezone(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("failed to set timezone: %w", err)
			}
			fmt.Printf("✓ Owner '%s' timezone set to %s\n", args[0], args[1])
			return nil
		})
	},
}

func init() {
	profileCmd.AddCommand(profileSetTimezoneCmd)
	rootCmd.AddCommand(profileCmd)
}
