package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "healthmeshd",
		Short: "HealthMesh patient health-event monitoring daemon",
		Long: "healthmeshd runs the HealthMesh orchestration engine: it ingests patient\n" +
			"events over HTTP, runs the staged analysis pipeline, escalates findings\n" +
			"and delivers outcomes to the configured channels.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"path to config.yaml (default: search ., ./config, /etc/healthmesh)")

	rootCmd.AddCommand(
		newServeCmd(&cfgFile),
		newSendCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
