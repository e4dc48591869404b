package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildsource/stockyard/pkg/sourcing"
)

func newMaterialsCmd(v *viper.Viper) *cobra.Command {
	var file string
	var resourceType string

	cmd := &cobra.Command{
		Use:   "materials <part>...",
		Short: "Source a parts list",
		Long: `Materials searches every provider for each part, picks the best
candidate (in stock first, then cheapest), and reports alternates and a
total cost.

Parts are given inline as "name" or "qty x name", or as a JSON file of
{"name": ..., "resourceType": ..., "quantity": ...} objects.

Examples:
  stockyard materials "2x4 pine stud" "deck screws"
  stockyard materials "24 x 2x4 pine stud" "4 x joist hanger"
  stockyard materials --file deck-build.json`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, err := collectParts(args, file, resourceType)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sourcing.FindMaterials(ctx, parts)
			if err != nil {
				return err
			}

			if a.output == "json" {
				return printJSON(report)
			}
			printMaterialsReport(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "JSON parts list file")
	cmd.Flags().StringVar(&resourceType, "type", "", "resource type applied to inline parts")
	return cmd
}

func collectParts(args []string, file, resourceType string) ([]sourcing.Part, error) {
	var parts []sourcing.Part
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &parts); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", file, err)
		}
	}
	for _, arg := range args {
		parts = append(parts, parsePart(arg, resourceType))
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no parts given; pass part names or --file")
	}
	return parts, nil
}

// parsePart accepts "name" or "qty x name". The separator is " x " with
// spaces, so dimension names like "2x4 pine stud" parse as plain names.
func parsePart(arg, resourceType string) sourcing.Part {
	part := sourcing.Part{Name: strings.TrimSpace(arg), ResourceType: resourceType, Quantity: 1}
	if qty, name, found := strings.Cut(arg, " x "); found {
		if n, err := strconv.Atoi(strings.TrimSpace(qty)); err == nil && n > 0 {
			part.Quantity = n
			part.Name = strings.TrimSpace(name)
		}
	}
	return part
}

func printMaterialsReport(report *sourcing.MaterialsReport) {
	for _, w := range report.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	for _, m := range report.Matches {
		line := fmt.Sprintf("%d x %s -> %s [%s]", m.Part.Quantity, m.Part.Name, m.Best.Name, m.Best.Provider())
		if price, ok := m.Best.Price(); ok {
			line += fmt.Sprintf("  $%.2f each", price)
		}
		if !m.Best.InStock() {
			line += "  (out of stock)"
		}
		fmt.Println(line)
		for _, alt := range m.Alternates {
			altLine := fmt.Sprintf("    alt: %s [%s]", alt.Name, alt.Provider())
			if price, ok := alt.Price(); ok {
				altLine += fmt.Sprintf("  $%.2f", price)
			}
			fmt.Println(altLine)
		}
	}

	for _, p := range report.Unmatched {
		fmt.Printf("no match: %s\n", p.Name)
	}
	fmt.Printf("\nestimated total: $%.2f\n", report.TotalCost())
}
