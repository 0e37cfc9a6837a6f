package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/tokengate/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one rate limit check against the configured store",
	Long:  `Consume tokens for a client and resource and print the decision as JSON. Useful against a shared Redis store.`,
	RunE:  runCheck,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop a client's bucket so it starts full",
	RunE:  runReset,
}

var (
	checkClient   string
	checkResource string
	checkCost     float64
)

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(resetCmd)

	for _, c := range []*cobra.Command{checkCmd, resetCmd} {
		c.Flags().StringVar(&checkClient, "client", "", "Client ID")
		c.Flags().StringVar(&checkResource, "resource", "/", "Resource name")
		_ = c.MarkFlagRequired("client")
	}
	checkCmd.Flags().Float64Var(&checkCost, "cost", 1, "Tokens to consume")
}

// withApp loads the config, builds the app logging warnings to stderr
// and tears it down when fn returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zerolog.New(cmd.ErrOrStderr()).Level(zerolog.WarnLevel)

	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	}()
	return fn(cmd.Context(), a)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.svc.CheckN(ctx, checkClient, checkResource, checkCost)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	})
}

func runReset(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.store.Delete(ctx, checkClient, checkResource); err != nil {
			return fmt.Errorf("reset %s on %s: %w", checkClient, checkResource, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %s on %s\n", checkClient, checkResource)
		return nil
	})
}
