package main

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/reveille/internal/record"
	"github.com/harunnryd/reveille/internal/session"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and dismiss device session locks",
	Long:  `Show the proactive session lock held on a device, or dismiss it so the device can be woken again.`,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [device]",
	Short: "Show the session lock of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := normalizeDevice(args[0])
		return withRecords(func(ctx context.Context, records record.Store) error {
			lock, err := session.NewStore(records).Get(ctx, device, time.Now())
			if err != nil {
				return fmt.Errorf("failed to read session lock: %w", err)
			}
			if lock == nil {
				fmt.Printf("No active session on '%s'.\n", device)
				return nil
			}

			fmt.Printf("Device:      %s\n", lock.DeviceID)
			fmt.Printf("Type:        %s\n", lock.SessionType)
			fmt.Printf("Mode:        %s\n", lock.Config.Mode)
			fmt.Printf("Trigger:     %s (%s)\n", lock.Config.TriggerID, lock.Config.Label)
			fmt.Printf("Triggered:   %s\n", lock.TriggeredAt.Format(time.RFC3339))
			fmt.Printf("Expires:     %s\n", lock.ExpiresAt.Format(time.RFC3339))
			if lock.Conversation.ID != "" {
				fmt.Printf("Thread:      %s (last used %s)\n", lock.Conversation.ID, lock.Conversation.LastUsed.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var sessionDismissCmd = &cobra.Command{
	Use:   "dismiss [device]",
	Short: "Delete the session lock of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := normalizeDevice(args[0])
		return withRecords(func(ctx context.Context, records record.Store) error {
			if err := session.NewStore(records).Delete(ctx, device); err != nil {
				return fmt.Errorf("failed to dismiss session: %w", err)
			}
			fmt.Printf("✓ Session on '%s' dismissed.\n", device)
			return nil
		})
	},
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDismissCmd)
	rootCmd.AddCommand(sessionCmd)
}
