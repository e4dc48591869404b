package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newGetCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <provider> <resource-id>",
		Short: "Fetch one resource snapshot",
		Long: `Get fetches a single resource from its provider, serving repeat
lookups from the local cache until the entry expires.

Example:
  stockyard get mill-co lumber-2x4-pine-8ft`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			resource, err := a.client.GetResource(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			if a.output == "json" {
				return printJSON(resource)
			}
			fmt.Printf("%s (%s)\n", resource.Name, resource.ID)
			fmt.Printf("  type:     %s\n", resource.Type)
			if resource.URI != "" {
				fmt.Printf("  uri:      %s\n", resource.URI)
			}
			fmt.Printf("  provider: %s\n", resource.Provider())
			for key, value := range resource.Attributes {
				fmt.Printf("  %-9s %v\n", key+":", value)
			}
			return nil
		},
	}
	return cmd
}
