// Package sourcing builds domain operations for construction material and
// tool sourcing on top of the catalog client. Every operation is a single
// request/response exchange per question; the layer never retries, callers
// decide their own retry policy.
package sourcing

import (
	"context"
	"fmt"
	"sort"

	"github.com/buildsource/stockyard/internal/aggregate"
	"github.com/buildsource/stockyard/internal/subscription"
	"github.com/buildsource/stockyard/pkg/catalog"
	stockerrors "github.com/buildsource/stockyard/pkg/errors"
	"github.com/buildsource/stockyard/pkg/logging"
	"github.com/buildsource/stockyard/pkg/provider"
	"github.com/buildsource/stockyard/pkg/wire"
)

// maxAlternates bounds how many fallback candidates a material match keeps.
const maxAlternates = 3

// searchLimit is how many candidates each per-part search requests.
const searchLimit = 20

// Service exposes sourcing operations over a connected catalog client.
type Service struct {
	client *catalog.Client
	log    *logging.Logger
}

// NewService wraps a catalog client.
func NewService(client *catalog.Client) *Service {
	return &Service{
		client: client,
		log:    logging.New(nil).WithComponent("sourcing"),
	}
}

// Part is one line item in a parts list.
type Part struct {
	// Name is the free-text description searched against provider catalogs.
	Name string `json:"name"`
	// ResourceType narrows the search (lumber, hardware, tools). Optional.
	ResourceType string `json:"resourceType,omitempty"`
	// Quantity is how many units the caller needs.
	Quantity int `json:"quantity"`
}

// MaterialMatch is the sourcing answer for a single part.
type MaterialMatch struct {
	Part       Part            `json:"part"`
	Best       wire.Resource   `json:"best"`
	Alternates []wire.Resource `json:"alternates,omitempty"`
}

// MaterialsReport is the result of sourcing a full parts list.
type MaterialsReport struct {
	Matches   []MaterialMatch `json:"matches"`
	Unmatched []Part          `json:"unmatched,omitempty"`
	// Warnings carries per-provider fan-out failures from the underlying
	// searches. A warning does not invalidate the matches that were found.
	Warnings []string `json:"warnings,omitempty"`
}

// TotalCost sums best-candidate price times quantity over all matched parts.
// Parts whose best candidate carries no price contribute zero.
func (r *MaterialsReport) TotalCost() float64 {
	var total float64
	for _, m := range r.Matches {
		if price, ok := m.Best.Price(); ok {
			qty := m.Part.Quantity
			if qty < 1 {
				qty = 1
			}
			total += price * float64(qty)
		}
	}
	return total
}

// FindMaterials locates every part in a parts list across all providers.
// Each part gets one aggregated search; the best candidate is chosen by
// in-stock first, then ascending price. Parts with no candidates are
// reported as unmatched rather than failing the whole call.
func (s *Service) FindMaterials(ctx context.Context, parts []Part) (*MaterialsReport, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty parts list", stockerrors.ErrInvalidInput)
	}

	report := &MaterialsReport{}
	for _, part := range parts {
		req := wire.SearchRequest{Query: part.Name}
		if part.ResourceType != "" {
			req.ResourceTypes = []string{part.ResourceType}
		}
		result, err := s.client.Search(ctx, req, aggregate.Pagination{Limit: searchLimit})
		if err != nil {
			return nil, fmt.Errorf("searching for %q: %w", part.Name, err)
		}
		report.Warnings = append(report.Warnings, result.Warnings...)

		candidates := rankCandidates(result.Resources)
		if len(candidates) == 0 {
			report.Unmatched = append(report.Unmatched, part)
			continue
		}

		match := MaterialMatch{Part: part, Best: candidates[0]}
		rest := candidates[1:]
		if len(rest) > maxAlternates {
			rest = rest[:maxAlternates]
		}
		match.Alternates = rest
		report.Matches = append(report.Matches, match)
	}
	return report, nil
}

// rankCandidates orders resources in-stock first, then by ascending price.
// Unpriced resources sort after priced ones within their stock group.
func rankCandidates(resources []wire.Resource) []wire.Resource {
	ranked := make([]wire.Resource, len(resources))
	copy(ranked, resources)
	sort.SliceStable(ranked, func(i, j int) bool {
		inI, inJ := ranked[i].InStock(), ranked[j].InStock()
		if inI != inJ {
			return inI
		}
		pI, okI := ranked[i].Price()
		pJ, okJ := ranked[j].Price()
		if okI != okJ {
			return okI
		}
		return pI < pJ
	})
	return ranked
}

// RentalDuration expresses how long tools are needed, e.g. {3, "day"}.
type RentalDuration struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
}

// RentalItem is the rental answer for a single tool.
type RentalItem struct {
	Tool      string        `json:"tool"`
	Resource  wire.Resource `json:"resource"`
	Available bool          `json:"available"`
	Locations []string      `json:"locations,omitempty"`
	// Cost is the rental rate times the requested duration.
	Cost float64 `json:"cost"`
}

// RentalQuote aggregates rental checks for a list of tools.
type RentalQuote struct {
	Items     []RentalItem `json:"items"`
	Unmatched []string     `json:"unmatched,omitempty"`
	TotalCost float64      `json:"totalCost"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// CheckToolRental finds each tool, asks its provider whether it is
// available for the requested duration, and totals the rental cost.
func (s *Service) CheckToolRental(ctx context.Context, tools []string, duration RentalDuration) (*RentalQuote, error) {
	if len(tools) == 0 {
		return nil, fmt.Errorf("%w: empty tool list", stockerrors.ErrInvalidInput)
	}
	if duration.Amount < 1 {
		return nil, fmt.Errorf("%w: duration amount must be positive", stockerrors.ErrInvalidInput)
	}

	quote := &RentalQuote{}
	for _, tool := range tools {
		result, err := s.client.Search(ctx, wire.SearchRequest{
			Query:         tool,
			ResourceTypes: []string{"tools"},
		}, aggregate.Pagination{Limit: searchLimit})
		if err != nil {
			return nil, fmt.Errorf("searching for tool %q: %w", tool, err)
		}
		quote.Warnings = append(quote.Warnings, result.Warnings...)

		candidates := rankCandidates(result.Resources)
		if len(candidates) == 0 {
			quote.Unmatched = append(quote.Unmatched, tool)
			continue
		}
		best := candidates[0]

		item := RentalItem{Tool: tool, Resource: best}
		item.Available, item.Locations = s.checkAvailability(ctx, best, duration)
		if rate, ok := rentalRate(best, duration.Unit); ok {
			item.Cost = rate * float64(duration.Amount)
		}
		quote.Items = append(quote.Items, item)
		if item.Available {
			quote.TotalCost += item.Cost
		}
	}
	return quote, nil
}

// checkAvailability invokes availability-check on the resource's provider.
// A provider that cannot answer counts as unavailable.
func (s *Service) checkAvailability(ctx context.Context, resource wire.Resource, duration RentalDuration) (bool, []string) {
	providerID := resource.Provider()
	if providerID == "" {
		return resource.InStock(), nil
	}
	result, err := s.client.Invoke(ctx, providerID, provider.CapabilityAvailabilityCheck, map[string]any{
		"resource_id":     resource.ID,
		"duration_amount": duration.Amount,
		"duration_unit":   duration.Unit,
	})
	if err != nil {
		s.log.Warn("availability check failed", "provider", providerID, "resource", resource.ID, "error", err)
		return false, nil
	}

	available, _ := result["available"].(bool)
	var locations []string
	if raw, ok := result["locations"].([]any); ok {
		for _, l := range raw {
			if s, ok := l.(string); ok {
				locations = append(locations, s)
			}
		}
	}
	return available, locations
}

// rentalRate reads the per-unit rental rate attribute, e.g. rental_rate_day.
func rentalRate(resource wire.Resource, unit string) (float64, bool) {
	for _, key := range []string{"rental_rate_" + unit, "rental_rate"} {
		switch v := resource.Attributes[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}

// CutSpec describes a custom cut to be quoted.
type CutSpec struct {
	// Material names the stock to cut, e.g. "2x4 pine stud".
	Material string `json:"material"`
	// Dimensions are free-form cut parameters (length_mm, angle, kerf...).
	Dimensions map[string]any `json:"dimensions"`
	Quantity   int            `json:"quantity"`
	// ProviderID pins the quote to one provider. Empty picks the first
	// connected provider with the custom-cut capability.
	ProviderID string `json:"providerId,omitempty"`
}

// CutQuote is a provider's answer to a custom cut request.
type CutQuote struct {
	ProviderID string         `json:"providerId"`
	Breakdown  map[string]any `json:"breakdown"`
}

// QuoteCustomCut prices a custom cut with a single capability invocation.
func (s *Service) QuoteCustomCut(ctx context.Context, spec CutSpec) (*CutQuote, error) {
	if spec.Material == "" {
		return nil, fmt.Errorf("%w: material is required", stockerrors.ErrInvalidInput)
	}

	providerID := spec.ProviderID
	if providerID == "" {
		var err error
		providerID, err = s.pickProvider(provider.CapabilityCustomCut)
		if err != nil {
			return nil, err
		}
	}

	qty := spec.Quantity
	if qty < 1 {
		qty = 1
	}
	result, err := s.client.Invoke(ctx, providerID, provider.CapabilityCustomCut, map[string]any{
		"material":   spec.Material,
		"dimensions": spec.Dimensions,
		"quantity":   qty,
	})
	if err != nil {
		return nil, err
	}
	return &CutQuote{ProviderID: providerID, Breakdown: result}, nil
}

// pickProvider returns the first connected provider with the capability,
// falling back to the first capable provider when none is connected.
func (s *Service) pickProvider(capability provider.Capability) (string, error) {
	capable := s.client.Registry().WithCapability(capability)
	if len(capable) == 0 {
		return "", fmt.Errorf("%w: no provider supports %s", stockerrors.ErrUnknownCapability, capability)
	}
	for _, p := range capable {
		if s.client.Connected(p.ID) {
			return p.ID, nil
		}
	}
	return capable[0].ID, nil
}

// WatchPrices subscribes to price_changed events for the given resource
// types and ids. Either list may be empty to widen the watch. Events arrive
// on the returned subscription's channel until it is unsubscribed.
func (s *Service) WatchPrices(ctx context.Context, resourceTypes, resourceIDs []string) (*subscription.Subscription, error) {
	return s.client.Subscribe(ctx, subscription.Spec{
		ResourceIDs:   resourceIDs,
		ResourceTypes: resourceTypes,
		EventTypes:    []string{"price_changed"},
	})
}

// Reserve places a hold on a resource with the owning provider.
func (s *Service) Reserve(ctx context.Context, providerID, resourceID string, quantity int) (map[string]any, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", stockerrors.ErrInvalidInput)
	}
	return s.client.Invoke(ctx, providerID, provider.CapabilityReserve, map[string]any{
		"resource_id": resourceID,
		"quantity":    quantity,
	})
}

// ScheduleDelivery books delivery of a reservation with the provider.
func (s *Service) ScheduleDelivery(ctx context.Context, providerID, reservationID, address, window string) (map[string]any, error) {
	if reservationID == "" {
		return nil, fmt.Errorf("%w: reservation id is required", stockerrors.ErrInvalidInput)
	}
	return s.client.Invoke(ctx, providerID, provider.CapabilityScheduleDelivery, map[string]any{
		"reservation_id": reservationID,
		"address":        address,
		"window":         window,
	})
}
