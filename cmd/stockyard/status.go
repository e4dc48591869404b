package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-provider connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			states := a.client.Status()
			if a.output == "json" {
				return printJSON(states)
			}

			ids := make([]string, 0, len(states))
			for id := range states {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				p, _ := a.client.Registry().Get(id)
				fmt.Printf("%-16s %-12s %s\n", id, states[id], p.Endpoint)
			}

			if stats, err := a.client.CacheStats(ctx); err == nil {
				fmt.Printf("\ncache: %d entries (%s)\n", stats.Entries, stats.BackendType)
			}
			return nil
		},
	}
	return cmd
}
