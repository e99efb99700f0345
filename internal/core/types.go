package core

import "time"

// Category identifies a traffic class with its own rate and breaker policy.
type Category string

const (
	CategorySellerGeneric   Category = "seller_generic"
	CategorySellerMutations Category = "seller_mutations"
	CategoryBuyback         Category = "buyback"
)

// Outcome classifies a single upstream call for the learning tracker.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeRateLimit    Outcome = "ratelimit"
	OutcomeWAF          Outcome = "waf"
	OutcomeServerError  Outcome = "server_error"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeClientError  Outcome = "client_error"
)

// ListingIndexEntry is the per-listing slice of state used by the cycle.
type ListingIndexEntry struct {
	Quantity int    `json:"quantity"`
	Active   bool   `json:"active"`
	Price    string `json:"price,omitempty"`
	MaxPrice string `json:"max_price,omitempty"`
}

// ListingIndex maps listing id to its index entry.
type ListingIndex map[string]ListingIndexEntry

// ActiveIDs returns the ids whose quantity is positive.
func (idx ListingIndex) ActiveIDs() map[string]struct{} {
	out := make(map[string]struct{})
	for id, entry := range idx {
		if entry.Quantity > 0 {
			out[id] = struct{}{}
		}
	}
	return out
}

// ChildInfo carries the mutation-relevant fields for an activation item.
type ChildInfo struct {
	PriceHint string `json:"price_hint,omitempty" yaml:"price_hint,omitempty"`
	MaxPrice  string `json:"max_price,omitempty" yaml:"max_price,omitempty"`
	Currency  string `json:"currency,omitempty" yaml:"currency,omitempty"`
}

// ActivationItem is a listing that a cycle may activate.
type ActivationItem struct {
	ListingID string    `json:"listing_id" yaml:"listing_id"`
	Child     ChildInfo `json:"child" yaml:"child"`
}

// UpdateResult reports the outcome of one quantity mutation.
type UpdateResult struct {
	ListingID         string `json:"listing_id"`
	RequestedQuantity int    `json:"requested_quantity"`
	VerifiedQuantity  *int   `json:"verified_quantity,omitempty"`
	OK                bool   `json:"ok"`
	Error             string `json:"error,omitempty"`
}

// BulkSummary aggregates the results of a bulk mutation.
type BulkSummary struct {
	Requested int            `json:"requested"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Results   []UpdateResult `json:"results"`
}

// CycleDetails carries supporting data for a cycle report.
type CycleDetails struct {
	ActivatedIDs         []string `json:"activated_ids"`
	InitialActiveCount   int      `json:"initial_active_count"`
	FinalActiveCount     int      `json:"final_active_count"`
	ActivationFailures   int      `json:"activation_failures"`
	DeactivationFailures int      `json:"deactivation_failures"`
	Interrupted          string   `json:"interrupted,omitempty"`
}

// Anomaly keys reported by reconciliation.
const (
	AnomalyActivatedStillActive        = "activated_still_active"
	AnomalyInitialActiveBecameInactive = "initial_active_became_inactive"
)

// CycleReport summarizes an activation cycle.
type CycleReport struct {
	RunID            string                   `json:"run_id"`
	StartedAt        time.Time                `json:"started_at"`
	BaselineCount    int                      `json:"baseline_count"`
	ActivatedCount   int                      `json:"activated_count"`
	DeactivatedCount int                      `json:"deactivated_count"`
	ReconcileOK      bool                     `json:"reconcile_ok"`
	Aborted          bool                     `json:"aborted"`
	Anomalies        map[string][]string      `json:"anomalies"`
	Durations        map[string]time.Duration `json:"durations"`
	Details          CycleDetails             `json:"details"`
}

// EndpointSnapshot is a flushed window of tracker counters for one endpoint.
type EndpointSnapshot struct {
	RunID              string     `json:"run_id"`
	EndpointTag        string     `json:"endpoint_tag"`
	Timestamp          time.Time  `json:"ts"`
	OK                 int        `json:"ok"`
	RateLimit          int        `json:"ratelimit"`
	WAF                int        `json:"waf"`
	ServerError        int        `json:"server_error"`
	NetworkError       int        `json:"network_error"`
	ClientError        int        `json:"client_error"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
	LastOKAt           *time.Time `json:"last_ok_at,omitempty"`
	RecommendedDelayMS int64      `json:"recommended_delay_ms"`
}

// BulkWriteResult reports a persistence bulk upsert.
type BulkWriteResult struct {
	Matched  int64  `json:"matched"`
	Modified int64  `json:"modified"`
	Upserted int64  `json:"upserted"`
	Batches  int    `json:"batches"`
	Error    string `json:"error,omitempty"`
}
