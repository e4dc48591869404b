package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var resourceTypes []string
	var resourceIDs []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream price change events",
		Long: `Watch subscribes to price_changed events from every provider and
prints them as they arrive. Runs until interrupted.

Examples:
  stockyard watch --type lumber
  stockyard watch --id lumber-2x4-pine-8ft`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := a.sourcing.WatchPrices(ctx, resourceTypes, resourceIDs)
			if err != nil {
				return err
			}
			defer func() { _ = a.client.Unsubscribe(ctx, sub.ID()) }()

			fmt.Println("watching for price changes (ctrl-c to stop)")
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-sub.Events():
					if !ok {
						return nil
					}
					if a.output == "json" {
						if err := printJSON(d); err != nil {
							return err
						}
						continue
					}
					fmt.Printf("[%s] %s %s", d.ProviderID, d.Event.Timestamp.Format("15:04:05"), d.Event.ResourceID)
					for _, change := range d.Event.Changes {
						fmt.Printf("  %s: %v -> %v", change.Field, change.Old, change.New)
					}
					fmt.Println()
				}
			}
		},
	}

	cmd.Flags().StringSliceVar(&resourceTypes, "type", nil, "resource types to watch")
	cmd.Flags().StringSliceVar(&resourceIDs, "id", nil, "resource ids to watch")
	return cmd
}
