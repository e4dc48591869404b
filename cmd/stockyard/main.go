package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildsource/stockyard/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "stockyard",
		Short: "Multi-provider catalog sourcing client",
		Long: `Stockyard connects to construction material and tool providers over
persistent WebSocket connections and presents them as one catalog.

Catalog commands:
  stockyard search <query>        Search every provider at once
  stockyard get <provider> <id>   Fetch one resource snapshot

Sourcing commands:
  stockyard materials <part>...   Source a parts list
  stockyard tools <tool>...       Check tool rental availability
  stockyard cut <material>        Quote a custom cut
  stockyard watch                 Stream price change events

Diagnostics:
  stockyard status                Show per-provider connection state`,
		SilenceUsage: true,
	}

	config.BindCommonFlags(rootCmd, v)
	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json)")
	_ = v.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(newSearchCmd(v))
	rootCmd.AddCommand(newGetCmd(v))
	rootCmd.AddCommand(newMaterialsCmd(v))
	rootCmd.AddCommand(newToolsCmd(v))
	rootCmd.AddCommand(newCutCmd(v))
	rootCmd.AddCommand(newWatchCmd(v))
	rootCmd.AddCommand(newStatusCmd(v))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}
