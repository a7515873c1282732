package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harunnryd/reveille/internal/record"
	"github.com/harunnryd/reveille/internal/recurrence"
	"github.com/harunnryd/reveille/internal/trigger"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage wake triggers",
	Long:  `List, create, import and toggle the recurring triggers the wake scan fires.`,
}

// triggerSpec is the YAML shape accepted by `trigger import`.
type triggerSpec struct {
	ID      string       `yaml:"id"`
	Owner   string       `yaml:"owner"`
	Label   string       `yaml:"label"`
	Time    string       `yaml:"time"`
	Days    []string     `yaml:"days"`
	Status  string       `yaml:"status"`
	Targets []targetSpec `yaml:"targets"`
}

type targetSpec struct {
	Device string `yaml:"device"`
	Mode   string `yaml:"mode"`
}

type triggerFile struct {
	Triggers []triggerSpec `yaml:"triggers"`
}

// build turns an entry into a trigger whose next occurrence is the first match
// strictly after now in the owner's timezone.
func (s triggerSpec) build(ctx context.Context, profiles *trigger.Profiles, now time.Time) (*trigger.Trigger, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = ulid.Make().String()
	}
	status := trigger.Status(strings.ToLower(strings.TrimSpace(s.Status)))
	if status == "" {
		status = trigger.StatusOn
	}

	t := &trigger.Trigger{
		ID:       id,
		OwnerID:  strings.TrimSpace(s.Owner),
		Label:    s.Label,
		Status:   status,
		Schedule: trigger.Schedule{Repeat: recurrence.RepeatWeekly, TimeLocal: strings.TrimSpace(s.Time), Days: recurrence.ParseWeekdays(s.Days)},
	}
	for _, target := range s.Targets {
		device := normalizeDevice(target.Device)
		if device == "" {
			return nil, fmt.Errorf("trigger %s: target without device", id)
		}
		t.Targets = append(t.Targets, trigger.Target{DeviceID: device, Mode: strings.TrimSpace(target.Mode)})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	tz, err := profiles.Timezone(ctx, t.OwnerID)
	if err != nil {
		return nil, err
	}
	next, err := recurrence.Next(t.Schedule.Rule(), tz, now)
	if err != nil {
		return nil, err
	}
	t.NextOccurrence = next
	return t, nil
}

var triggerLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRecords(func(ctx context.Context, records record.Store) error {
			triggers, err := trigger.NewStore(records).List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list triggers: %w", err)
			}
			if len(triggers) == 0 {
				fmt.Println("No triggers found.")
				fmt.Println("\nUse 'reveille trigger add' or 'reveille trigger import' to create one.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tOWNER\tSTATUS\tTIME\tDAYS\tNEXT\tDEVICES")
			for _, t := range triggers {
				devices := make([]string, 0, len(t.Targets))
				for _, target := range t.Targets {
					devices = append(devices, target.DeviceID)
				}
				days := strings.Join(recurrence.FormatWeekdays(t.Schedule.Days), ",")
				if days == "" {
					days = "daily"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID,
					t.OwnerID,
					t.Status,
					t.Schedule.TimeLocal,
					days,
					t.NextOccurrence.Format(time.RFC3339),
					strings.Join(devices, ","))
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}

			fmt.Printf("\nTotal: %d trigger(s)\n", len(triggers))
			return nil
		})
	},
}

var triggerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a weekly trigger",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := triggerSpec{}
		spec.ID, _ = cmd.Flags().GetString("id")
		spec.Owner, _ = cmd.Flags().GetString("owner")
		spec.Label, _ = cmd.Flags().GetString("label")
		spec.Time, _ = cmd.Flags().GetString("time")
		spec.Days, _ = cmd.Flags().GetStringSlice("days")
		mode, _ := cmd.Flags().GetString("mode")
		devices, _ := cmd.Flags().GetStringSlice("device")
		if len(devices) == 0 {
			return fmt.Errorf("at least one --device is required")
		}
		for _, device := range devices {
			spec.Targets = append(spec.Targets, targetSpec{Device: device, Mode: mode})
		}

		return withRecords(func(ctx context.Context, records record.Store) error {
			t, err := spec.build(ctx, trigger.NewProfiles(records), time.Now())
			if err != nil {
				return err
			}
			if err := trigger.NewStore(records).Put(ctx, t); err != nil {
				return fmt.Errorf("failed to save trigger: %w", err)
			}
			fmt.Printf("✓ Trigger '%s' created, next occurrence %s\n", t.ID, t.NextOccurrence.Format(time.RFC3339))
			return nil
		})
	},
}

var triggerImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Create or replace triggers from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		var file triggerFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}

		return withRecords(func(ctx context.Context, records record.Store) error {
			store := trigger.NewStore(records)
			profiles := trigger.NewProfiles(records)
			now := time.Now()
			imported := 0
			for i, spec := range file.Triggers {
				t, err := spec.build(ctx, profiles, now)
				if err != nil {
					return fmt.Errorf("trigger #%d: %w", i+1, err)
				}
				if err := store.Put(ctx, t); err != nil {
					return fmt.Errorf("trigger %s: %w", t.ID, err)
				}
				imported++
			}
			fmt.Printf("✓ Imported %d trigger(s)\n", imported)
			return nil
		})
	},
}

func setStatusCmd(use, short string, status trigger.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(func(ctx context.Context, records record.Store) error {
				if err := trigger.NewStore(records).SetStatus(ctx, args[0], status); err != nil {
					return fmt.Errorf("failed to %s trigger %s: %w", use, args[0], err)
				}
				fmt.Printf("✓ Trigger '%s' is %s\n", args[0], status)
				return nil
			})
		},
	}
}

var (
	triggerDisableCmd = setStatusCmd("disable", "Turn a trigger off", trigger.StatusOff)
	triggerEnableCmd  = setStatusCmd("enable", "Turn a trigger back on", trigger.StatusOn)
)

func init() {
	triggerAddCmd.Flags().String("id", "", "trigger id (default: generated)")
	triggerAddCmd.Flags().String("owner", "", "owner id whose profile timezone applies")
	triggerAddCmd.Flags().String("label", "", "label shown to the assistant")
	triggerAddCmd.Flags().String("time", "", "local wall-clock time, HH:MM")
	triggerAddCmd.Flags().StringSlice("days", nil, "weekdays, e.g. Mon,Tue (default: every day)")
	triggerAddCmd.Flags().StringSlice("device", nil, "target device id (repeatable)")
	triggerAddCmd.Flags().String("mode", "", "conversation mode for the targets")

	triggerCmd.AddCommand(triggerLsCmd)
	triggerCmd.AddCommand(triggerAddCmd)
	triggerCmd.AddCommand(triggerImportCmd)
	triggerCmd.AddCommand(triggerDisableCmd)
	triggerCmd.AddCommand(triggerEnableCmd)
	rootCmd.AddCommand(triggerCmd)
}
