package main

import (
	"github.com/spf13/cobra"
)

var version = "v0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "tokengate",
	Short:        "tokengate - distributed token bucket rate limiter",
	Long:         `tokengate answers "may this client use this resource now?" against shared token buckets, as an HTTP gateway or a decision API.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to the YAML config file")
}

func Execute() error {
	return rootCmd.Execute()
}
