package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spknetwork/spkpin"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "spkpin",
		Short: "SPK network storage node daemon",
		Long:  "spkpin supervises the Proof-of-Access validator and keeps the local IPFS pin set in sync with assigned storage contracts.",
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "spkpin.toml", "path to TOML config file")
	root.PersistentFlags().StringVar(&gf.APIUrl, "api", "http://127.0.0.1:8383/api", "daemon API base URL")
	root.PersistentFlags().DurationVar(&gf.APITimeout, "timeout", 10*time.Second, "API request timeout")

	root.AddCommand(
		newServeCmd(gf),
		newStatusCmd(gf),
		newStartCmd(gf),
		newStopCmd(gf),
		newReconcileCmd(gf),
		newEventsCmd(gf),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := spkpin.LoadConfig(gf.ConfigPath)
			if err != nil {
				return err
			}
			log := spkpin.NewLogger(cfg.LogLevel, cfg.NoColor)

			n, err := spkpin.NewNode(cfg, log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := n.Start(ctx); err != nil {
				return err
			}
			log.Info("spkpin started", "version", version, "account", cfg.POA.Account)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				log.Info("shutting down", "signal", sig.String())
			case <-ctx.Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return n.Stop(stopCtx)
		},
	}
}

func newStatusCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl := NewAPIClient(gf.APIUrl, gf.APITimeout)
			st, err := cl.Status()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "process:      %s", st.Process.State)
			if st.Process.PID != 0 {
				_, _ = fmt.Fprintf(out, " (pid %d)", st.Process.PID)
			}
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintf(out, "restarts:     %d\n", st.Process.RestartCount)
			_, _ = fmt.Fprintf(out, "contracts:    %d\n", st.Contracts)
			_, _ = fmt.Fprintf(out, "managed pins: %d\n", st.ManagedPins)
			_, _ = fmt.Fprintf(out, "registered:   %v\n", st.Registered)
			if st.NodeID != "" {
				_, _ = fmt.Fprintf(out, "node id:      %s\n", st.NodeID)
			}
			_, _ = fmt.Fprintf(out, "cycles:       %d (last %s)\n", st.Reconcile.CyclesRun, st.Reconcile.LastOutcome)
			return nil
		},
	}
}

func newStartCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the POA process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := NewAPIClient(gf.APIUrl, gf.APITimeout).StartProcess(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "start requested")
			return nil
		},
	}
}

func newStopCmd(gf *GlobalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the POA process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := NewAPIClient(gf.APIUrl, gf.APITimeout).StopProcess(force); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "kill immediately instead of graceful stop")
	return cmd
}

func newReconcileCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Trigger an out-of-band reconcile cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := NewAPIClient(gf.APIUrl, gf.APITimeout).TriggerReconcile(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "reconcile requested")
			return nil
		},
	}
}

func newEventsCmd(gf *GlobalFlags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent process output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			evs, err := NewAPIClient(gf.APIUrl, gf.APITimeout).Events(count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range evs {
				_, _ = fmt.Fprintf(out, "%s [%s] %s\n", e.At.Format(time.RFC3339), e.Fields["tag"], e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "lines", "n", 50, "number of recent lines")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "spkpin "+version)
		},
	}
}
