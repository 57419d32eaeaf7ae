package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tastythames/task-launcher/internal/config"
	"github.com/tastythames/task-launcher/internal/inventory"
	"github.com/tastythames/task-launcher/internal/task"
)

// Build-time variables (set via -ldflags)
var version = "dev"

// catalogFile overrides LAUNCHER_CATALOG_FILE when set.
var catalogFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "task-launcher",
		Short:        "Start, stop and watch time-boxed tasks on SSH hosts",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&catalogFile, "catalog", "", "task catalog file (overrides "+config.Prefix+"_CATALOG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconcile loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate settings and the task catalog, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return checkConfig(cmd)
		},
	})
	return root
}

func loadSettings() (config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return config.Settings{}, err
	}
	if catalogFile != "" {
		settings.CatalogFile = catalogFile
	}
	return settings, nil
}

func checkConfig(cmd *cobra.Command) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	catalog, err := inventory.Load(settings.CatalogFile)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", settings.CatalogFile, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "catalog %s: %d hosts, %d tasks, %d ping targets\n",
		settings.CatalogFile, len(catalog.Hosts), len(catalog.Tasks), len(catalog.Ping))
	if probe, ok := catalog.Prober(); ok {
		fmt.Fprintf(out, "liveness checks run on %s (%s)\n", probe.Name, probe.Addr())
	} else {
		fmt.Fprintln(out, "no hosts configured; liveness checks dial localhost")
	}
	for _, t := range catalog.Tasks {
		fmt.Fprintf(out, "  %-16s id=%d probe=%s start=%d hosts shutdown=%d hosts\n",
			t.Name, t.ID, t.Telnet, len(t.Command), len(t.ShutdownCommand))
	}
	for _, o := range task.DurationOptions() {
		fmt.Fprintf(out, "time option %d = %dh\n", o.ID, o.Hours)
	}
	return nil
}
