package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildsource/stockyard/pkg/sourcing"
)

func newToolsCmd(v *viper.Viper) *cobra.Command {
	var amount int
	var unit string

	cmd := &cobra.Command{
		Use:   "tools <tool>...",
		Short: "Check tool rental availability",
		Long: `Tools finds each tool across rental providers, checks availability
for the requested duration, and totals the rental cost.

Examples:
  stockyard tools "hammer drill" --for 3 --unit day
  stockyard tools "mini excavator" "plate compactor" --for 1 --unit week`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			quote, err := a.sourcing.CheckToolRental(ctx, args, sourcing.RentalDuration{
				Amount: amount,
				Unit:   unit,
			})
			if err != nil {
				return err
			}

			if a.output == "json" {
				return printJSON(quote)
			}
			printRentalQuote(quote, amount, unit)
			return nil
		},
	}

	cmd.Flags().IntVar(&amount, "for", 1, "rental duration")
	cmd.Flags().StringVar(&unit, "unit", "day", "duration unit (hour, day, week)")
	return cmd
}

func printRentalQuote(quote *sourcing.RentalQuote, amount int, unit string) {
	for _, w := range quote.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	for _, item := range quote.Items {
		status := "unavailable"
		if item.Available {
			status = "available"
		}
		line := fmt.Sprintf("%s -> %s [%s]  %s", item.Tool, item.Resource.Name, item.Resource.Provider(), status)
		if item.Cost > 0 {
			line += fmt.Sprintf("  $%.2f for %d %s(s)", item.Cost, amount, unit)
		}
		if len(item.Locations) > 0 {
			line += "  at " + strings.Join(item.Locations, ", ")
		}
		fmt.Println(line)
	}

	for _, tool := range quote.Unmatched {
		fmt.Printf("no match: %s\n", tool)
	}
	fmt.Printf("\nrental total: $%.2f\n", quote.TotalCost)
}
