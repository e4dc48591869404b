package wire

import "time"

// Resource is a provider-owned catalog item. Resources are read-only
// snapshots; the client never mutates a provider's resource.
type Resource struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	URI        string         `json:"uri,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Price returns the "price" attribute if present and numeric.
func (r Resource) Price() (float64, bool) {
	switch v := r.Attributes["price"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// InStock returns the "in_stock" attribute, defaulting to false.
func (r Resource) InStock() bool {
	v, _ := r.Attributes["in_stock"].(bool)
	return v
}

// Provider returns the origin provider id from metadata, if tagged.
func (r Resource) Provider() string {
	s, _ := r.Metadata["provider"].(string)
	return s
}

// SearchRequest is the payload of SEARCH_RESOURCES.
type SearchRequest struct {
	Query         string         `json:"query"`
	Filters       map[string]any `json:"filters,omitempty"`
	ResourceTypes []string       `json:"resourceTypes,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	Offset        int            `json:"offset,omitempty"`
}

// SearchResult is the payload of SEARCH_RESULT. Facets map a field name to
// value→count pairs.
type SearchResult struct {
	Resources []Resource                `json:"resources"`
	Facets    map[string]map[string]int `json:"facets,omitempty"`
	Total     int                       `json:"total"`
}

// GetResourceRequest is the payload of GET_RESOURCE.
type GetResourceRequest struct {
	ResourceID string `json:"resourceId"`
}

// ResourcePayload is the payload of RESOURCE.
type ResourcePayload struct {
	Resource Resource `json:"resource"`
}

// CapabilityInvocation is the payload of INVOKE_CAPABILITY.
type CapabilityInvocation struct {
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CapabilityResult is the payload of CAPABILITY_RESULT. The result shape is
// capability specific.
type CapabilityResult struct {
	Result map[string]any `json:"result"`
}

// SubscribeRequest is the payload of SUBSCRIBE and UNSUBSCRIBE. The
// subscription id is client-allocated so unsubscribe can reference it.
type SubscribeRequest struct {
	SubscriptionID string   `json:"subscriptionId"`
	ResourceIDs    []string `json:"resourceIds,omitempty"`
	ResourceTypes  []string `json:"resourceTypes,omitempty"`
	EventTypes     []string `json:"eventTypes,omitempty"`
	Filter         string   `json:"filter,omitempty"`
}

// FieldChange describes a single field-level change inside an event.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old,omitempty"`
	New   any    `json:"new,omitempty"`
}

// Event is the payload of EVENT, a push notification from a provider.
type Event struct {
	EventType    string         `json:"eventType"`
	ResourceID   string         `json:"resourceId"`
	ResourceType string         `json:"resourceType,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Changes      []FieldChange  `json:"changes,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Hello is the payload of the informational HELLO a provider pushes on
// connect. The client logs it; it is not a precondition for sending.
type Hello struct {
	Provider     string   `json:"provider"`
	Capabilities []string `json:"capabilities,omitempty"`
	AuthScheme   string   `json:"authScheme,omitempty"`
	Version      string   `json:"version,omitempty"`
}
