package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mizutanik/flotilla/internal/attention"
	"github.com/mizutanik/flotilla/internal/autopilot"
	"github.com/mizutanik/flotilla/internal/daemon"
	"github.com/mizutanik/flotilla/internal/discovery"
	"github.com/mizutanik/flotilla/internal/mergelock"
	"github.com/mizutanik/flotilla/internal/model"
	"github.com/mizutanik/flotilla/internal/setup"
	"github.com/mizutanik/flotilla/internal/status"
	"github.com/mizutanik/flotilla/internal/store"
	"github.com/mizutanik/flotilla/internal/uds"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "flotilla",
		Short:         "Control plane for a fleet of autonomous coding agents",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newLockCommand())
	rootCmd.AddCommand(newAttentionCommand())
	rootCmd.AddCommand(newShiftCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// findFlotillaDir walks up from the CWD looking for a .flotilla/
// directory.
func findFlotillaDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".flotilla")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func requireFlotillaDir() (string, error) {
	dir := findFlotillaDir()
	if dir == "" {
		return "", fmt.Errorf("no .flotilla directory found; run 'flotilla init' first")
	}
	return dir, nil
}

func loadConfig(flotillaDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(flotillaDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

// openFleet loads config, the store, and a scanned project registry.
// Callers must Close the returned store.
func openFleet() (string, model.Config, *store.Store, *discovery.Registry, error) {
	flotillaDir, err := requireFlotillaDir()
	if err != nil {
		return "", model.Config{}, nil, nil, err
	}
	cfg, err := loadConfig(flotillaDir)
	if err != nil {
		return "", model.Config{}, nil, nil, err
	}
	st, err := store.New(filepath.Join(flotillaDir, "flotilla.db"))
	if err != nil {
		return "", model.Config{}, nil, nil, err
	}
	reg := discovery.NewRegistry(cfg.Fleet.DiscoveryRoots)
	if _, err := reg.Rescan(); err != nil {
		st.Close()
		return "", model.Config{}, nil, nil, fmt.Errorf("scan projects: %w", err)
	}
	return flotillaDir, cfg, st, reg, nil
}

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a fleet directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			name, _ := cmd.Flags().GetString("name")
			if err := setup.Run(dir, name); err != nil {
				return err
			}
			fmt.Println("Initialized .flotilla/")
			return nil
		},
	}
	cmd.Flags().String("name", "", "fleet name (defaults to the directory name)")
	return cmd
}

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the flotilla daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			flotillaDir, err := requireFlotillaDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(flotillaDir)
			if err != nil {
				return err
			}
			d, err := daemon.New(flotillaDir, cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")

			flotillaDir, cfg, st, reg, err := openFleet()
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := status.Collect(flotillaDir, cfg, st, reg)
			if err != nil {
				return err
			}
			return status.Render(os.Stdout, snap, jsonOutput)
		},
	}
	cmd.Flags().Bool("json", false, "machine-readable output")
	return cmd
}

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and edit autopilot policies",
	}
	cmd.AddCommand(newPolicyGetCommand())
	cmd.AddCommand(newPolicySetCommand())
	return cmd
}

func newPolicyGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <project>",
		Short: "Show a project's autopilot policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, st, _, err := openFleet()
			if err != nil {
				return err
			}
			defer st.Close()

			policy, err := st.GetPolicy(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(policy)
		},
	}
}

func newPolicySetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <project>",
		Short: "Update a project's autopilot policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]

			_, _, st, reg, err := openFleet()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, ok := reg.Get(projectID); !ok {
				return fmt.Errorf("unknown project %q", projectID)
			}

			patch, err := patchFromFlags(cmd)
			if err != nil {
				return err
			}

			current, err := st.GetPolicy(projectID)
			if err != nil {
				base := autopilot.DefaultPolicy(projectID)
				current = &base
			}
			updated, err := autopilot.ApplyPatch(*current, patch)
			if err != nil {
				return err
			}
			if err := st.SavePolicy(&updated); err != nil {
				return err
			}
			fmt.Printf("Updated policy for %s\n", projectID)
			return nil
		},
	}
	cmd.Flags().Bool("enabled", false, "enable or disable autopilot")
	cmd.Flags().Int("max-concurrent", 0, "max concurrent runs")
	cmd.Flags().String("allowed-tags", "", "comma-separated tag allowlist (empty string clears)")
	cmd.Flags().Int("min-priority", 0, "only enqueue orders at this priority or more urgent (1-5)")
	cmd.Flags().Bool("clear-min-priority", false, "remove the priority bound")
	cmd.Flags().Int("stop-on-failures", 0, "consecutive failures before pausing")
	cmd.Flags().String("cron", "", "5-field cron schedule")
	cmd.Flags().Bool("clear-cron", false, "remove the schedule (always eligible)")
	return cmd
}

func patchFromFlags(cmd *cobra.Command) (model.PolicyPatch, error) {
	var patch model.PolicyPatch
	flags := cmd.Flags()

	if flags.Changed("enabled") {
		v, _ := flags.GetBool("enabled")
		patch.Enabled = &v
	}
	if flags.Changed("max-concurrent") {
		v, _ := flags.GetInt("max-concurrent")
		patch.MaxConcurrentRuns = &v
	}
	if flags.Changed("allowed-tags") {
		raw, _ := flags.GetString("allowed-tags")
		var tags []string
		if raw != "" {
			for _, t := range strings.Split(raw, ",") {
				tags = append(tags, strings.TrimSpace(t))
			}
		}
		patch.AllowedTags = &tags
	}
	if flags.Changed("min-priority") {
		v, _ := flags.GetInt("min-priority")
		patch.MinPriority = &v
	}
	if flags.Changed("clear-min-priority") {
		patch.ClearMinPriority = true
	}
	if flags.Changed("stop-on-failures") {
		v, _ := flags.GetInt("stop-on-failures")
		patch.StopOnFailureCount = &v
	}
	if flags.Changed("cron") {
		v, _ := flags.GetString("cron")
		patch.ScheduleCron = &v
	}
	if flags.Changed("clear-cron") {
		patch.ClearScheduleCron = true
	}
	return patch, nil
}

func newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and release per-project merge locks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <project>",
		Short: "Show a project's merge lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, st, _, err := openFleet()
			if err != nil {
				return err
			}
			defer st.Close()

			locks := mergelock.NewManager(st, time.Duration(cfg.MergeLock.StaleAfterMin)*time.Minute)
			s, err := locks.Status(args[0])
			if err != nil {
				return err
			}
			if !s.Held {
				fmt.Printf("%s: unlocked\n", args[0])
				return nil
			}
			line := fmt.Sprintf("%s: held by %s since %s", args[0], s.HolderRunID, s.AcquiredAt.Format(time.RFC3339))
			if s.Stale {
				line += " (stale)"
			}
			fmt.Println(line)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <project> <run>",
		Short: "Release a merge lock held by a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, st, _, err := openFleet()
			if err != nil {
				return err
			}
			defer st.Close()

			locks := mergelock.NewManager(st, time.Duration(cfg.MergeLock.StaleAfterMin)*time.Minute)
			if err := locks.Release(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Released merge lock on %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newAttentionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attention",
		Short: "List threads needing human review",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")

			_, _, st, _, err := openFleet()
			if err != nil {
				return err
			}
			defer st.Close()

			agg := attention.NewAggregator(st)
			summaries, err := agg.Fleet(context.Background())
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}

			if len(summaries) == 0 {
				fmt.Println("Nothing needs you.")
				return nil
			}
			for _, s := range summaries {
				codes := make([]string, 0, len(s.Reasons))
				for _, r := range s.Reasons {
					codes = append(codes, fmt.Sprintf("%s(x%d)", r.Code, r.Count))
				}
				fmt.Printf("%s (%s): %s\n", s.ThreadID, s.DisplayName, strings.Join(codes, ", "))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "machine-readable output")

	cmd.AddCommand(&cobra.Command{
		Use:   "ack <thread>",
		Short: "Acknowledge a thread, clearing its signals up to now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, st, _, err := openFleet()
			if err != nil {
				return err
			}
			defer st.Close()

			agg := attention.NewAggregator(st)
			if err := agg.Ack(args[0], time.Now().UTC()); err != nil {
				return err
			}
			fmt.Printf("Acknowledged %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newShiftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shift",
		Short: "Run and inspect global agent shifts",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Run one global shift via the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			flotillaDir, err := requireFlotillaDir()
			if err != nil {
				return err
			}
			agentID, _ := cmd.Flags().GetString("agent-id")

			client := uds.NewClient(filepath.Join(flotillaDir, uds.DefaultSocketName))
			client.SetTimeout(10 * time.Minute)

			resp, err := client.SendCommand("shift_start", map[string]string{
				"agent_type": "global",
				"agent_id":   agentID,
			})
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}

			var result struct {
				OK      bool   `json:"ok"`
				ShiftID string `json:"shift_id"`
				Summary string `json:"summary"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal(resp.Data, &result); err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("shift %s failed: %s", result.ShiftID, result.Error)
			}
			fmt.Printf("Shift %s completed: %s\n", result.ShiftID, result.Summary)
			return nil
		},
	}
	start.Flags().String("agent-id", "cli", "identifier recorded on the shift")
	cmd.AddCommand(start)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the active shift, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, st, _, err := openFleet()
			if err != nil {
				return err
			}
			defer st.Close()

			active, err := st.ActiveShift()
			if err != nil {
				return err
			}
			if active == nil {
				fmt.Println("No active shift.")
				return nil
			}
			fmt.Printf("Shift %s active since %s (%s/%s)\n",
				active.ID, active.StartedAt.Format(time.RFC3339),
				active.AgentType, active.AgentID)
			return nil
		},
	})

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flotilla version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flotilla %s\n", version)
		},
	}
}
