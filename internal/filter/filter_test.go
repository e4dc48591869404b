package filter_test

import (
	"testing"

	"github.com/buildsource/stockyard/internal/filter"
)

func TestCompileRejectsInvalidExpressions(t *testing.T) {
	cases := []string{
		`price >>>`,
		`attributes.`,
		`unknownVariable > 1`,
	}
	for _, expr := range cases {
		if _, err := filter.Compile(expr); err == nil {
			t.Errorf("Compile(%q) succeeded", expr)
		}
	}
}

func TestMatchAttributes(t *testing.T) {
	f, err := filter.Compile(`attributes.price > 4.5 && attributes.species == "pine"`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	attrs := map[string]any{"price": 4.75, "species": "pine"}
	if !f.Match("price_changed", "r-1", "lumber", attrs) {
		t.Error("expected match")
	}

	attrs["species"] = "oak"
	if f.Match("price_changed", "r-1", "lumber", attrs) {
		t.Error("oak matched a pine filter")
	}
}

func TestMatchEventFields(t *testing.T) {
	f, err := filter.Compile(`eventType == "price_changed" && resourceType == "lumber"`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if !f.Match("price_changed", "r-1", "lumber", nil) {
		t.Error("expected match on event fields")
	}
	if f.Match("stock_changed", "r-1", "lumber", nil) {
		t.Error("stock_changed matched")
	}
}

func TestMatchFailsClosed(t *testing.T) {
	f, err := filter.Compile(`attributes.price > 4.5`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// Missing key evaluates to an error, which reads as no-match.
	if f.Match("price_changed", "r-1", "lumber", nil) {
		t.Error("missing attribute matched")
	}
	if f.Match("price_changed", "r-1", "lumber", map[string]any{"price": "not a number"}) {
		t.Error("type mismatch matched")
	}
}

func TestMatchNonBooleanResult(t *testing.T) {
	f, err := filter.Compile(`attributes.price`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if f.Match("price_changed", "r-1", "lumber", map[string]any{"price": 4.75}) {
		t.Error("non-boolean expression matched")
	}
}
