package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildsource/stockyard/internal/aggregate"
	"github.com/buildsource/stockyard/pkg/wire"
)

func newSearchCmd(v *viper.Viper) *cobra.Command {
	var resourceTypes []string
	var limit int
	var pageToken string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search every provider at once",
		Long: `Search fans the query out to all configured providers and merges
the results into one ranked, paginated list.

Examples:
  stockyard search "pine stud"
  stockyard search "deck screws" --type hardware --limit 10
  stockyard search "pine stud" --page-token <token>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			req := wire.SearchRequest{Query: args[0], ResourceTypes: resourceTypes}
			var result *aggregate.Result
			if pageToken != "" {
				result, err = a.client.SearchPage(ctx, req, pageToken, limit)
			} else {
				result, err = a.client.Search(ctx, req, aggregate.Pagination{Limit: limit})
			}
			if err != nil {
				return err
			}

			if a.output == "json" {
				return printJSON(result)
			}
			printSearchResult(result)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&resourceTypes, "type", nil, "restrict to resource types (lumber, hardware, tools)")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "continue from a previous page")
	return cmd
}

func printSearchResult(result *aggregate.Result) {
	for _, w := range result.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, r := range result.Resources {
		line := fmt.Sprintf("%-24s %-10s %s", r.ID, r.Type, r.Name)
		if price, ok := r.Price(); ok {
			line += fmt.Sprintf("  $%.2f", price)
		}
		if r.InStock() {
			line += "  in stock"
		}
		fmt.Printf("%s  [%s]\n", line, r.Provider())
	}

	if len(result.Facets) > 0 {
		fmt.Println()
		for field, values := range result.Facets {
			parts := make([]string, 0, len(values))
			for _, fv := range values {
				parts = append(parts, fmt.Sprintf("%s (%d)", fv.Value, fv.Count))
			}
			fmt.Printf("%s: %s\n", field, strings.Join(parts, ", "))
		}
	}

	fmt.Printf("\n%d of %d results", len(result.Resources), result.Total)
	if result.FailedProviders > 0 {
		fmt.Printf(", %d provider(s) unavailable", result.FailedProviders)
	}
	fmt.Println()
	if result.NextPageToken != "" {
		fmt.Printf("next page: --page-token %s\n", result.NextPageToken)
	}
}
