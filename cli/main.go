// Command capi is a thin CLI over the SDK: send a signal, enroll machines,
// pull the decision stream, and prune local signal state.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crowdsecurity/go-capi-sdk/pkg/capi"
	"github.com/crowdsecurity/go-capi-sdk/pkg/config"
	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "capi",
		Short: "CrowdSec Central API client",
		Long:  "Report attack signals to the CrowdSec Central API and fetch decisions for your machines",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "capi.yaml", "Config file path")

	rootCmd.AddCommand(
		sendSignalCmd(),
		enrollCmd(),
		decisionsCmd(),
		pruneCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() (*capi.Client, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger()
	return capi.New(store, cfg.ClientConfig(&logger)), cfg, nil
}

func sendSignalCmd() *cobra.Command {
	var (
		machineID string
		ip        string
		scenario  string
		createdAt string
	)
	cmd := &cobra.Command{
		Use:   "send-signal",
		Short: "Record one signal and deliver all pending signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}

			created := time.Now()
			if createdAt != "" {
				created, err = time.Parse(time.RFC3339, createdAt)
				if err != nil {
					return fmt.Errorf("parsing --created-at: %w", err)
				}
			}

			signal := capi.NewSignal(ip, scenario, created, machineID)
			if err := client.AddSignals([]storage.Signal{signal}); err != nil {
				return err
			}

			sent, err := client.SendSignals(cmd.Context(), false)
			if err != nil {
				return err
			}
			fmt.Printf("sent %d signal(s)\n", sent)
			return nil
		},
	}
	cmd.Flags().StringVar(&machineID, "machine-id", "", "ID of the machine")
	cmd.Flags().StringVar(&ip, "ip", "", "Attacker IP")
	cmd.Flags().StringVar(&scenario, "scenario", "", "Scenario that produced the signal, e.g. crowdsecurity/ssh-bf")
	cmd.Flags().StringVar(&createdAt, "created-at", "", "Signal creation time (RFC3339, default now)")
	cmd.MarkFlagRequired("machine-id")
	cmd.MarkFlagRequired("ip")
	cmd.MarkFlagRequired("scenario")
	return cmd
}

func enrollCmd() *cobra.Command {
	var (
		machineIDs    []string
		name          string
		attachmentKey string
		tags          []string
		overwrite     bool
	)
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll machines under a console attachment key",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			return client.EnrollMachines(cmd.Context(), machineIDs, name, attachmentKey, tags, overwrite)
		},
	}
	cmd.Flags().StringSliceVar(&machineIDs, "machine-id", nil, "Machine ID to enroll (repeatable)")
	cmd.Flags().StringVar(&name, "name", "", "Display name for the enrollment")
	cmd.Flags().StringVar(&attachmentKey, "key", "", "Console attachment key")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag to attach (repeatable)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing enrollment")
	cmd.MarkFlagRequired("machine-id")
	cmd.MarkFlagRequired("key")
	return cmd
}

func decisionsCmd() *cobra.Command {
	var machineID string
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Fetch the decision stream for a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newClient()
			if err != nil {
				return err
			}
			stream, err := client.GetDecisions(cmd.Context(), machineID, cfg.Scenarios)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stream, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&machineID, "machine-id", "", "ID of the machine")
	cmd.MarkFlagRequired("machine-id")
	return cmd
}

func pruneCmd() *cobra.Command {
	var failing bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete sent signals, or signals of failing machines with --failing",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			var pruned int
			if failing {
				pruned, err = client.PruneFailingMachinesSignals()
			} else {
				pruned, err = client.PruneSentSignals()
			}
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d signal(s)\n", pruned)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failing, "failing", false, "Prune signals owned by failing machines instead of sent signals")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the SDK version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(capi.Version)
		},
	}
}
