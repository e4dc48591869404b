package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildsource/stockyard/pkg/sourcing"
)

func newCutCmd(v *viper.Viper) *cobra.Command {
	var lengthMM float64
	var angle float64
	var quantity int
	var providerID string

	cmd := &cobra.Command{
		Use:   "cut <material>",
		Short: "Quote a custom cut",
		Long: `Cut asks a provider with the custom-cut capability to price cutting
stock material to size.

Examples:
  stockyard cut "2x4 pine stud" --length-mm 450 --qty 6
  stockyard cut "oak board" --length-mm 1200 --angle 45 --provider mill-co`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			dimensions := map[string]any{"length_mm": lengthMM}
			if angle != 0 {
				dimensions["angle"] = angle
			}
			quote, err := a.sourcing.QuoteCustomCut(ctx, sourcing.CutSpec{
				Material:   args[0],
				Dimensions: dimensions,
				Quantity:   quantity,
				ProviderID: providerID,
			})
			if err != nil {
				return err
			}

			if a.output == "json" {
				return printJSON(quote)
			}
			fmt.Printf("quote from %s:\n", quote.ProviderID)
			for key, value := range quote.Breakdown {
				fmt.Printf("  %-12s %v\n", key+":", value)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&lengthMM, "length-mm", 0, "cut length in millimeters")
	cmd.Flags().Float64Var(&angle, "angle", 0, "cut angle in degrees")
	cmd.Flags().IntVar(&quantity, "qty", 1, "number of cuts")
	cmd.Flags().StringVar(&providerID, "provider", "", "pin the quote to one provider")
	_ = cmd.MarkFlagRequired("length-mm")
	return cmd
}
