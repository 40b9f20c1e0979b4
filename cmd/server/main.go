package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("murmur: command failed")
		os.Exit(1)
	}
}

// rootCommand builds the murmur CLI
func rootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "murmur",
		Short:         "Murmur threaded comment engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default: ./murmur.yaml or /etc/murmur/murmur.yaml)")

	rootCmd.AddCommand(
		serveCommand(&configPath),
		rulesCommand(&configPath),
	)
	return rootCmd
}
