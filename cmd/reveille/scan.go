package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/reveille/internal/record"
	"github.com/harunnryd/reveille/internal/session"
	"github.com/harunnryd/reveille/internal/trigger"
	"github.com/harunnryd/reveille/internal/wake"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one wake scan and dispatch",
	Long:  `Fires every trigger due within the lookahead window, locks the target devices and publishes their wake messages. Meant to be called from an external scheduler every minute.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sig := NewSignalHandler(context.Background())
		sig.Start()
		defer sig.Stop()

		return withRecords(func(_ context.Context, records record.Store) error {
			result, err := runScan(sig.Context(), records, nil)
			if err != nil {
				return err
			}
			fmt.Printf("Wake scan: %d request(s), %d sent\n", len(result.Requests), result.Sent)
			for _, req := range result.Requests {
				fmt.Printf("- %s device=%s trigger=%s mode=%s\n", req.ID, req.DeviceID, req.TriggerID, req.Mode)
			}
			return nil
		})
	},
}

// runScan builds the wake pipeline over records. A nil pub means the MQTT
// broker from config, or no publishing when none is configured.
func runScan(ctx context.Context, records record.Store, pub wake.Publisher) (wake.Result, error) {
	sched, err := wake.NewScheduler(trigger.NewStore(records), trigger.NewProfiles(records), session.NewStore(records), cfg.Scheduler)
	if err != nil {
		return wake.Result{}, err
	}

	if pub == nil && strings.TrimSpace(cfg.Wake.Broker) != "" {
		mp, err := wake.NewMQTTPublisher(cfg.Wake)
		if err != nil {
			return wake.Result{}, err
		}
		defer mp.Close()
		pub = mp
	}

	runner, err := wake.NewRunner(sched, wake.NewDispatcher(pub, cfg.Wake), cfg.Scheduler)
	if err != nil {
		return wake.Result{}, err
	}
	return runner.RunOnce(ctx)
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
